package stages

import (
	"context"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
)

// ScoreThreshold drops results scoring below a minimum similarity.
type ScoreThreshold struct {
	chain.BaseStage
	min float64
}

func NewScoreThreshold(min float64) *ScoreThreshold {
	return &ScoreThreshold{
		BaseStage: chain.BaseStage{
			StageName:     "score-threshold",
			StagePriority: 0,
		},
		min: min,
	}
}

func (s *ScoreThreshold) Process(ctx context.Context, rc *chain.RequestContext, results []domain.SearchResult) (chain.Result[[]domain.SearchResult], error) {
	kept := results[:0]
	for _, r := range results {
		if r.Score >= s.min {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(results) {
		return chain.Allow[[]domain.SearchResult](), nil
	}
	return chain.Transform(kept), nil
}

// ResultDeduper keeps only the highest-ranked chunk per document,
// spreading a small result set across more sources. Runs after the
// score threshold so it dedupes already-qualified results.
type ResultDeduper struct {
	chain.BaseStage
}

func NewResultDeduper() *ResultDeduper {
	return &ResultDeduper{BaseStage: chain.BaseStage{
		StageName:     "result-deduper",
		StagePriority: 10,
		Deps:          []string{"score-threshold"},
	}}
}

func (s *ResultDeduper) Process(ctx context.Context, rc *chain.RequestContext, results []domain.SearchResult) (chain.Result[[]domain.SearchResult], error) {
	seen := make(map[string]bool, len(results))
	kept := results[:0]
	for _, r := range results {
		if seen[r.Chunk.DocID] {
			continue
		}
		seen[r.Chunk.DocID] = true
		kept = append(kept, r)
	}
	if len(kept) == len(results) {
		return chain.Allow[[]domain.SearchResult](), nil
	}
	return chain.Transform(kept), nil
}
