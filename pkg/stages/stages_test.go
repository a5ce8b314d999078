package stages

import (
	"context"
	"reflect"
	"testing"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
)

func rc() *chain.RequestContext {
	return chain.NewRequestContext("ns", "tester")
}

func TestWhitespaceNormalizer(t *testing.T) {
	s := NewWhitespaceNormalizer()
	draft := &pipeline.Draft{Content: "line one  \r\nline two\t\r\n\r\n  body  "}

	if _, err := s.Process(context.Background(), rc(), draft); err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.Content != "line one\nline two\n\n  body" {
		t.Fatalf("normalized = %q", draft.Content)
	}
}

func TestHeadingExtractor(t *testing.T) {
	s := NewHeadingExtractor()
	draft := &pipeline.Draft{Content: "# Title\n\nbody\n\n## Section\n\nmore\n\n#\n"}

	if _, err := s.Process(context.Background(), rc(), draft); err != nil {
		t.Fatalf("process: %v", err)
	}
	want := []string{"Title", "Section"}
	if !reflect.DeepEqual(draft.Headings, want) {
		t.Fatalf("headings = %v, want %v", draft.Headings, want)
	}
	if draft.Summary != "Title" {
		t.Fatalf("summary = %q", draft.Summary)
	}
}

func TestHeadingExtractorKeepsExistingSummary(t *testing.T) {
	s := NewHeadingExtractor()
	draft := &pipeline.Draft{Content: "# Title", Summary: "curated"}

	if _, err := s.Process(context.Background(), rc(), draft); err != nil {
		t.Fatalf("process: %v", err)
	}
	if draft.Summary != "curated" {
		t.Fatalf("summary overwritten: %q", draft.Summary)
	}
}

func TestQueryTrimmer(t *testing.T) {
	s := NewQueryTrimmer()
	qc := &chain.QueryContext{Query: "  what   is\tthe  plan  "}

	if _, err := s.Process(context.Background(), rc(), qc); err != nil {
		t.Fatalf("process: %v", err)
	}
	if qc.Query != "what is the plan" {
		t.Fatalf("query = %q", qc.Query)
	}
}

func TestQueryTrimmerRejectsEmpty(t *testing.T) {
	s := NewQueryTrimmer()
	c, err := chain.New[*chain.QueryContext](nil, s)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	_, err = c.Execute(context.Background(), rc(), &chain.QueryContext{Query: "   "})
	if err == nil {
		t.Fatal("expected rejection for empty query")
	}
}

func TestSynonymExpander(t *testing.T) {
	s := NewSynonymExpander(map[string][]string{
		"car": {"automobile", "vehicle"},
	})
	qc := &chain.QueryContext{Query: "red car"}
	ctx := rc()

	if _, err := s.Process(context.Background(), ctx, qc); err != nil {
		t.Fatalf("process: %v", err)
	}
	if qc.Query != "red car automobile vehicle" {
		t.Fatalf("query = %q", qc.Query)
	}
	added, ok := ctx.Get("synonym-expander.added")
	if !ok {
		t.Fatal("expansion not recorded in request context")
	}
	if !reflect.DeepEqual(added, []string{"automobile", "vehicle"}) {
		t.Fatalf("recorded = %v", added)
	}
}

func TestSynonymExpanderNoMatches(t *testing.T) {
	s := NewSynonymExpander(map[string][]string{"car": {"automobile"}})
	qc := &chain.QueryContext{Query: "blue boat"}

	if _, err := s.Process(context.Background(), rc(), qc); err != nil {
		t.Fatalf("process: %v", err)
	}
	if qc.Query != "blue boat" {
		t.Fatalf("query changed without matches: %q", qc.Query)
	}
}

func TestScoreThreshold(t *testing.T) {
	s := NewScoreThreshold(0.5)
	results := []domain.SearchResult{
		{Chunk: domain.Chunk{ID: "a"}, Score: 0.9},
		{Chunk: domain.Chunk{ID: "b"}, Score: 0.4},
		{Chunk: domain.Chunk{ID: "c"}, Score: 0.5},
	}

	c, err := chain.New[[]domain.SearchResult](nil, s)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	got, err := c.Execute(context.Background(), rc(), results)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ID != "a" || got[1].Chunk.ID != "c" {
		t.Fatalf("filtered = %+v", got)
	}
}

func TestResultDeduperKeepsBestPerDocument(t *testing.T) {
	deduper := NewResultDeduper()
	threshold := NewScoreThreshold(0)
	results := []domain.SearchResult{
		{Chunk: domain.Chunk{ID: "a1", DocID: "doc-a"}, Score: 0.9},
		{Chunk: domain.Chunk{ID: "a2", DocID: "doc-a"}, Score: 0.8},
		{Chunk: domain.Chunk{ID: "b1", DocID: "doc-b"}, Score: 0.7},
	}

	c, err := chain.New[[]domain.SearchResult](nil, deduper, threshold)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	got, err := c.Execute(context.Background(), rc(), results)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(got) != 2 || got[0].Chunk.ID != "a1" || got[1].Chunk.ID != "b1" {
		t.Fatalf("deduped = %+v", got)
	}
}

func TestNamespaceGuard(t *testing.T) {
	guard := NewNamespaceGuard([]string{"system"})

	if _, err := guard.Process(context.Background(), rc(), &pipeline.DeleteEvent{Namespace: "user-data"}); err != nil {
		t.Fatalf("process: %v", err)
	}

	c, err := chain.New[*pipeline.DeleteEvent](nil, guard)
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	if _, err := c.Execute(context.Background(), rc(), &pipeline.DeleteEvent{Namespace: "system"}); err == nil {
		t.Fatal("protected namespace delete not vetoed")
	}
	if _, err := c.Execute(context.Background(), rc(), &pipeline.DeleteEvent{Namespace: "other"}); err != nil {
		t.Fatalf("unprotected namespace vetoed: %v", err)
	}
}
