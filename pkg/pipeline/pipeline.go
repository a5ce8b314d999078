// Package pipeline orchestrates document ingestion, search, and trash
// lifecycle operations. It owns no business rules of its own: stage
// chains decide admission and transformation, the store decides state
// transitions, and the pipeline only sequences them.
package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/cleanup"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/queue"
	"github.com/stache-ai/stache-ai-sub000/pkg/registry"
	"github.com/stache-ai/stache-ai-sub000/pkg/storage"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

var (
	// ErrDuplicateDocument means another ingestion already owns this
	// document's deduplication identifier.
	ErrDuplicateDocument = errors.New("document already ingested")
	// ErrSearchUnsupported means the configured store cannot rank
	// chunks by embedding similarity.
	ErrSearchUnsupported = errors.New("store does not support vector search")
)

// DuplicateError wraps ErrDuplicateDocument with the owning document's
// id when the conflicting reservation has already completed. A still
// pending conflict leaves ExistingDocID empty.
type DuplicateError struct {
	Identifier    string
	ExistingDocID string
}

func (e *DuplicateError) Error() string {
	if e.ExistingDocID != "" {
		return fmt.Sprintf("document already ingested as %s", e.ExistingDocID)
	}
	return "document already ingested"
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateDocument }

// Draft is a document under construction, threaded through the
// enricher chain before chunking. Enrichers transform it in place of
// the pipeline's own copy via Transform results.
type Draft struct {
	Namespace string
	Filename  string
	Content   string
	Summary   string
	Headings  []string
	Metadata  map[string]string
}

// DeleteEvent describes a requested soft delete. Delete observers may
// reject it to veto the deletion.
type DeleteEvent struct {
	DocID     string
	Namespace string
	DeletedBy string
	Reason    string
}

// IngestRequest carries one document into the pipeline.
type IngestRequest struct {
	Namespace      string
	Filename       string
	Content        []byte
	ContentType    string
	SourcePath     string
	Metadata       map[string]string
	Principal      string
	FileModifiedAt *time.Time
}

// Chains groups the five extension points. Nil chains are treated as
// empty.
type Chains struct {
	Enrichers        *chain.Chain[*Draft]
	ChunkObservers   *chain.Chain[[]domain.Chunk]
	QueryProcessors  *chain.Chain[*chain.QueryContext]
	ResultProcessors *chain.Chain[[]domain.SearchResult]
	DeleteObservers  *chain.Chain[*DeleteEvent]
}

// Config wires the pipeline's collaborators. Store, Registry, and
// Embedder are required; Objects and Notify are optional and their
// absence simply skips object persistence and cleanup wake-ups.
type Config struct {
	Store    store.Store
	Objects  storage.ObjectStore
	Registry *registry.Registry
	Embedder Embedder
	Chunker  Chunker
	Notify   cleanup.Notifier
	Chains   Chains
	Logger   *slog.Logger
}

type Pipeline struct {
	store    store.Store
	objects  storage.ObjectStore
	registry *registry.Registry
	embedder Embedder
	chunker  Chunker
	notify   cleanup.Notifier
	chains   Chains
	logger   *slog.Logger
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline: store required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("pipeline: registry required")
	}
	if cfg.Embedder == nil {
		return nil, errors.New("pipeline: embedder required")
	}
	chunker := cfg.Chunker
	if chunker == nil {
		chunker = ParagraphChunker{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:    cfg.Store,
		objects:  cfg.Objects,
		registry: cfg.Registry,
		embedder: cfg.Embedder,
		chunker:  chunker,
		notify:   cfg.Notify,
		chains:   cfg.Chains,
		logger:   logger.With("component", "pipeline"),
	}, nil
}

// Ingest runs the full ingestion flow: reserve the deduplication
// identifier, enrich, chunk, embed, persist, then complete the
// reservation. Any failure after the reservation releases it so the
// identifier can be retried.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (domain.Document, error) {
	if strings.TrimSpace(req.Namespace) == "" {
		return domain.Document{}, errors.New("namespace required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return domain.Document{}, errors.New("filename required")
	}

	sum := sha256.Sum256(req.Content)
	contentHash := hex.EncodeToString(sum[:])
	docID := uuid.NewString()

	identifier, won, err := p.registry.Reserve(ctx, registry.ReserveRequest{
		ContentHash:    contentHash,
		Filename:       req.Filename,
		Namespace:      req.Namespace,
		DocID:          docID,
		SourcePath:     req.SourcePath,
		FileSize:       int64(len(req.Content)),
		FileModifiedAt: req.FileModifiedAt,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return domain.Document{}, fmt.Errorf("reserve identifier: %w", err)
	}
	if !won {
		dup := &DuplicateError{Identifier: identifier}
		if res, ok, lookErr := p.registry.Lookup(ctx, req.Namespace, contentHash, req.Filename, req.SourcePath); lookErr == nil && ok {
			dup.ExistingDocID = res.DocID
		}
		return domain.Document{}, dup
	}

	doc, err := p.ingestReserved(ctx, req, docID, contentHash)
	if err != nil {
		if relErr := p.registry.Release(ctx, identifier); relErr != nil {
			p.logger.Warn("release reservation failed",
				"identifier", identifier, "error", relErr)
		}
		return domain.Document{}, err
	}

	if err := p.registry.Complete(ctx, identifier, len(doc.ChunkIDs)); err != nil {
		p.logger.Warn("complete reservation failed",
			"identifier", identifier, "error", err)
	}
	return doc, nil
}

func (p *Pipeline) ingestReserved(ctx context.Context, req IngestRequest, docID, contentHash string) (domain.Document, error) {
	rc := chain.NewRequestContext(req.Namespace, req.Principal)

	draft := &Draft{
		Namespace: req.Namespace,
		Filename:  req.Filename,
		Content:   string(req.Content),
		Metadata:  cloneMetadata(req.Metadata),
	}
	if p.chains.Enrichers != nil {
		enriched, err := p.chains.Enrichers.Execute(ctx, rc, draft)
		if err != nil {
			return domain.Document{}, err
		}
		draft = enriched
	}

	texts, err := p.chunker.Chunk(ctx, draft.Content)
	if err != nil {
		return domain.Document{}, fmt.Errorf("chunk content: %w", err)
	}
	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return domain.Document{}, fmt.Errorf("embed chunks: %w", err)
	}
	if len(embeddings) != len(texts) {
		return domain.Document{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(texts))
	}

	now := time.Now().UTC()
	chunks := make([]domain.Chunk, len(texts))
	chunkIDs := make([]string, len(texts))
	for i, text := range texts {
		id := uuid.NewString()
		chunkIDs[i] = id
		chunks[i] = domain.Chunk{
			ID:        id,
			DocID:     docID,
			Namespace: req.Namespace,
			Content:   text,
			Metadata:  draft.Metadata,
			Embedding: embeddings[i],
			CreatedAt: now,
		}
	}

	var storageKey string
	if p.objects != nil {
		storageKey = storage.ObjectKey(req.Namespace, docID, req.Filename)
		err := p.objects.Put(ctx, storageKey, bytes.NewReader(req.Content), int64(len(req.Content)), req.ContentType)
		if err != nil {
			return domain.Document{}, fmt.Errorf("store object: %w", err)
		}
	}

	doc := domain.Document{
		ID:          docID,
		Namespace:   req.Namespace,
		Filename:    req.Filename,
		ChunkIDs:    chunkIDs,
		Status:      domain.StatusActive,
		Summary:     draft.Summary,
		Headings:    draft.Headings,
		Metadata:    draft.Metadata,
		ContentHash: contentHash,
		SourcePath:  req.SourcePath,
		CreatedAt:   now,
		StorageKey:  storageKey,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		return domain.Document{}, fmt.Errorf("create document: %w", err)
	}
	if err := p.store.ReplaceChunks(ctx, req.Namespace, docID, chunks); err != nil {
		return domain.Document{}, fmt.Errorf("store chunks: %w", err)
	}

	// chunk observers are advisory: a failing observer never unwinds a
	// committed ingestion
	if p.chains.ChunkObservers != nil {
		if _, err := p.chains.ChunkObservers.Execute(ctx, rc, chunks); err != nil {
			p.logger.Warn("chunk observer chain failed", "doc_id", docID, "error", err)
		}
	}

	p.logger.Info("document ingested",
		"doc_id", docID, "namespace", req.Namespace,
		"filename", req.Filename, "chunks", len(chunks))
	return doc, nil
}

// QueryRequest carries one search into the pipeline.
type QueryRequest struct {
	Namespace string
	Query     string
	TopK      int
	Filters   map[string]string
	Principal string
}

// Query runs the search flow: query processors, embedding, vector
// search, then result processors.
func (p *Pipeline) Query(ctx context.Context, req QueryRequest) ([]domain.SearchResult, error) {
	searcher, ok := p.store.(store.VectorSearcher)
	if !ok {
		return nil, ErrSearchUnsupported
	}
	if req.Query == "" {
		return nil, errors.New("query required")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}

	rc := chain.NewRequestContext(req.Namespace, req.Principal)
	qc := &chain.QueryContext{
		Request: rc,
		Query:   req.Query,
		TopK:    topK,
		Filters: req.Filters,
	}
	if p.chains.QueryProcessors != nil {
		processed, err := p.chains.QueryProcessors.Execute(ctx, rc, qc)
		if err != nil {
			return nil, err
		}
		qc = processed
	}

	vectors, err := p.embedder.Embed(ctx, []string{qc.Query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	results, err := searcher.SearchChunks(ctx, req.Namespace, vectors[0], qc.TopK, qc.Filters)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	if p.chains.ResultProcessors != nil {
		results, err = p.chains.ResultProcessors.Execute(ctx, rc, results)
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Delete soft-deletes a document after the delete observer chain
// admits it. A rejection from an observer vetoes the deletion.
func (p *Pipeline) Delete(ctx context.Context, event DeleteEvent) (domain.SoftDeleteResult, error) {
	rc := chain.NewRequestContext(event.Namespace, event.DeletedBy)
	ev := &event
	if p.chains.DeleteObservers != nil {
		admitted, err := p.chains.DeleteObservers.Execute(ctx, rc, ev)
		if err != nil {
			return domain.SoftDeleteResult{}, err
		}
		ev = admitted
	}
	result, err := p.store.SoftDelete(ctx, store.SoftDeleteRequest{
		DocID:     ev.DocID,
		Namespace: ev.Namespace,
		DeletedBy: ev.DeletedBy,
		Reason:    ev.Reason,
	})
	if err != nil {
		return domain.SoftDeleteResult{}, err
	}
	p.logger.Info("document soft deleted",
		"doc_id", ev.DocID, "namespace", ev.Namespace, "purge_after", result.PurgeAfter)
	return result, nil
}

// Restore recovers a trashed document. The returned VectorWarning is
// passed through untouched; callers surface it to the user.
func (p *Pipeline) Restore(ctx context.Context, req store.RestoreRequest) (domain.RestoreResult, error) {
	result, err := p.store.Restore(ctx, req)
	if err != nil {
		return domain.RestoreResult{}, err
	}
	if result.VectorWarning {
		p.logger.Warn("document restored from purging state, chunks may be incomplete",
			"doc_id", req.DocID, "namespace", req.Namespace)
	} else {
		p.logger.Info("document restored", "doc_id", req.DocID, "namespace", req.Namespace)
	}
	return result, nil
}

// PermanentlyDelete starts a purge and, once the transition has
// committed, publishes a cleanup wake-up. A lost wake-up is recovered
// by the cleanup worker's poll loop.
func (p *Pipeline) PermanentlyDelete(ctx context.Context, req store.PurgeRequest) (domain.PurgeResult, error) {
	result, err := p.store.PermanentlyDelete(ctx, req)
	if err != nil {
		return domain.PurgeResult{}, err
	}
	if p.notify != nil && result.CleanupJobID != "" {
		err := p.notify.Enqueue(ctx, queue.Notification{
			JobID:     result.CleanupJobID,
			DocID:     req.DocID,
			Namespace: req.Namespace,
		})
		if err != nil {
			p.logger.Warn("enqueue cleanup notification failed",
				"job_id", result.CleanupJobID, "error", err)
		}
	}
	p.logger.Info("permanent delete started",
		"doc_id", req.DocID, "namespace", req.Namespace,
		"job_id", result.CleanupJobID, "already_purging", result.AlreadyPurging)
	return result, nil
}

// ListTrash pages through the namespace's trash, most recent first.
func (p *Pipeline) ListTrash(ctx context.Context, namespace string, limit int, pageToken string) (domain.TrashPage, error) {
	return p.store.ListTrash(ctx, namespace, limit, pageToken)
}

func cloneMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
