package stages

import (
	"context"
	"strings"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
)

// QueryTrimmer canonicalizes the query text and rejects queries that
// are empty after trimming.
type QueryTrimmer struct {
	chain.BaseStage
}

func NewQueryTrimmer() *QueryTrimmer {
	return &QueryTrimmer{BaseStage: chain.BaseStage{
		StageName:     "query-trimmer",
		StagePriority: 0,
	}}
}

func (s *QueryTrimmer) Process(ctx context.Context, rc *chain.RequestContext, qc *chain.QueryContext) (chain.Result[*chain.QueryContext], error) {
	trimmed := strings.TrimSpace(qc.Query)
	if trimmed == "" {
		return chain.Reject[*chain.QueryContext]("query is empty"), nil
	}
	qc.Query = strings.Join(strings.Fields(trimmed), " ")
	return chain.Transform(qc), nil
}

// SynonymExpander appends configured expansions for terms found in the
// query, widening recall for domain vocabulary. Runs after trimming;
// an expansion failure is skipped rather than failing the search.
type SynonymExpander struct {
	chain.BaseStage
	synonyms map[string][]string
}

func NewSynonymExpander(synonyms map[string][]string) *SynonymExpander {
	return &SynonymExpander{
		BaseStage: chain.BaseStage{
			StageName:     "synonym-expander",
			StagePriority: 10,
			Deps:          []string{"query-trimmer"},
			ErrorPolicy:   chain.PolicySkip,
		},
		synonyms: synonyms,
	}
}

func (s *SynonymExpander) Process(ctx context.Context, rc *chain.RequestContext, qc *chain.QueryContext) (chain.Result[*chain.QueryContext], error) {
	if len(s.synonyms) == 0 {
		return chain.Allow[*chain.QueryContext](), nil
	}
	seen := make(map[string]bool)
	var extra []string
	for _, term := range strings.Fields(strings.ToLower(qc.Query)) {
		for _, synonym := range s.synonyms[term] {
			if !seen[synonym] {
				seen[synonym] = true
				extra = append(extra, synonym)
			}
		}
	}
	if len(extra) == 0 {
		return chain.Allow[*chain.QueryContext](), nil
	}
	rc.Set("synonym-expander.added", extra)
	qc.Query = qc.Query + " " + strings.Join(extra, " ")
	return chain.Transform(qc), nil
}
