package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
)

// ChunkLogger records what was indexed after a successful ingestion.
// Purely advisory; it never transforms the chunk set.
type ChunkLogger struct {
	chain.BaseStage
	logger *slog.Logger
}

func NewChunkLogger(logger *slog.Logger) *ChunkLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChunkLogger{
		BaseStage: chain.BaseStage{
			StageName:   "chunk-logger",
			ErrorPolicy: chain.PolicyAllow,
		},
		logger: logger,
	}
}

func (s *ChunkLogger) Process(ctx context.Context, rc *chain.RequestContext, chunks []domain.Chunk) (chain.Result[[]domain.Chunk], error) {
	if len(chunks) > 0 {
		s.logger.Info("chunks indexed",
			"request_id", rc.RequestID,
			"doc_id", chunks[0].DocID,
			"namespace", chunks[0].Namespace,
			"count", len(chunks))
	}
	return chain.Allow[[]domain.Chunk](), nil
}

// NamespaceGuard vetoes soft deletes in protected namespaces.
type NamespaceGuard struct {
	chain.BaseStage
	protected map[string]bool
}

func NewNamespaceGuard(protected []string) *NamespaceGuard {
	set := make(map[string]bool, len(protected))
	for _, ns := range protected {
		set[ns] = true
	}
	return &NamespaceGuard{
		BaseStage: chain.BaseStage{
			StageName: "namespace-guard",
		},
		protected: set,
	}
}

func (s *NamespaceGuard) Process(ctx context.Context, rc *chain.RequestContext, event *pipeline.DeleteEvent) (chain.Result[*pipeline.DeleteEvent], error) {
	if s.protected[event.Namespace] {
		return chain.Reject[*pipeline.DeleteEvent](
			fmt.Sprintf("namespace %s is protected from deletion", event.Namespace)), nil
	}
	return chain.Allow[*pipeline.DeleteEvent](), nil
}
