package pipeline_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
	"github.com/stache-ai/stache-ai-sub000/pkg/queue"
	"github.com/stache-ai/stache-ai-sub000/pkg/registry"
	"github.com/stache-ai/stache-ai-sub000/pkg/stages"
	"github.com/stache-ai/stache-ai-sub000/pkg/storage"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

type fixture struct {
	store   *store.MemoryStore
	objects *storage.MemoryObjectStore
	sent    []queue.Notification
}

func (f *fixture) Enqueue(_ context.Context, n queue.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding service down")
}

func (failingEmbedder) Dimension() int { return 8 }

func newPipeline(t *testing.T, f *fixture, opts ...func(*pipeline.Config)) *pipeline.Pipeline {
	t.Helper()
	logger := slog.Default()

	enrichers, err := chain.New[*pipeline.Draft](logger,
		stages.NewWhitespaceNormalizer(),
		stages.NewHeadingExtractor(),
	)
	if err != nil {
		t.Fatalf("enricher chain: %v", err)
	}
	queryProcessors, err := chain.New[*chain.QueryContext](logger, stages.NewQueryTrimmer())
	if err != nil {
		t.Fatalf("query chain: %v", err)
	}
	resultProcessors, err := chain.New[[]domain.SearchResult](logger,
		stages.NewScoreThreshold(0.1),
		stages.NewResultDeduper(),
	)
	if err != nil {
		t.Fatalf("result chain: %v", err)
	}
	deleteObservers, err := chain.New[*pipeline.DeleteEvent](logger,
		stages.NewNamespaceGuard([]string{"protected"}),
	)
	if err != nil {
		t.Fatalf("delete chain: %v", err)
	}

	cfg := pipeline.Config{
		Store:    f.store,
		Objects:  f.objects,
		Registry: registry.New(f.store, logger),
		Embedder: pipeline.NewHashEmbedder(64),
		Notify:   f,
		Chains: pipeline.Chains{
			Enrichers:        enrichers,
			QueryProcessors:  queryProcessors,
			ResultProcessors: resultProcessors,
			DeleteObservers:  deleteObservers,
		},
		Logger: logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	return p
}

func newFixture() *fixture {
	return &fixture{store: store.NewMemoryStore(), objects: storage.NewMemoryObjectStore()}
}

const sampleDoc = `# Quarterly Report

Revenue grew in the third quarter.

## Outlook

Further growth is expected next year.`

func TestIngestStoresDocumentChunksAndObject(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	doc, err := p.Ingest(ctx, pipeline.IngestRequest{
		Namespace: "ns",
		Filename:  "report.md",
		Content:   []byte(sampleDoc),
		Metadata:  map[string]string{"lang": "en"},
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if doc.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active", doc.Status)
	}
	if len(doc.ChunkIDs) == 0 {
		t.Fatal("no chunks produced")
	}
	if len(doc.Headings) != 2 || doc.Headings[0] != "Quarterly Report" {
		t.Fatalf("enricher did not extract headings: %+v", doc.Headings)
	}
	if doc.ContentHash == "" {
		t.Fatal("no content hash")
	}

	chunks, err := f.store.ListChunksByDocument(ctx, "ns", doc.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if len(chunks) != len(doc.ChunkIDs) {
		t.Fatalf("stored %d chunks, document references %d", len(chunks), len(doc.ChunkIDs))
	}
	for _, chunk := range chunks {
		if len(chunk.Embedding) == 0 {
			t.Fatalf("chunk %s has no embedding", chunk.ID)
		}
	}

	if !f.objects.Has(storage.ObjectKey("ns", doc.ID, "report.md")) {
		t.Fatal("raw document bytes not stored")
	}
}

func TestIngestDuplicateReturnsDistinctError(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	req := pipeline.IngestRequest{Namespace: "ns", Filename: "report.md", Content: []byte(sampleDoc)}
	first, err := p.Ingest(ctx, req)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err = p.Ingest(ctx, req)
	if !errors.Is(err, pipeline.ErrDuplicateDocument) {
		t.Fatalf("got %v, want ErrDuplicateDocument", err)
	}

	// the completed reservation resolves to the owning document
	var dup *pipeline.DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("got %T, want *DuplicateError", err)
	}
	if dup.ExistingDocID != first.ID {
		t.Fatalf("duplicate resolved to %q, want %q", dup.ExistingDocID, first.ID)
	}
}

func TestIngestFailureReleasesReservation(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f, func(cfg *pipeline.Config) {
		cfg.Embedder = failingEmbedder{}
	})
	ctx := context.Background()

	req := pipeline.IngestRequest{Namespace: "ns", Filename: "report.md", Content: []byte(sampleDoc)}
	if _, err := p.Ingest(ctx, req); err == nil {
		t.Fatal("expected embedder failure")
	}

	// the failed attempt released its reservation, so a retry wins it
	p2 := newPipeline(t, f)
	if _, err := p2.Ingest(ctx, req); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestQueryFindsRelevantChunks(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	docs := map[string]string{
		"cooking.md": "Slice the onions and fry them gently in butter.",
		"sailing.md": "Trim the mainsail when the wind shifts aft.",
	}
	for name, content := range docs {
		if _, err := p.Ingest(ctx, pipeline.IngestRequest{Namespace: "ns", Filename: name, Content: []byte(content)}); err != nil {
			t.Fatalf("ingest %s: %v", name, err)
		}
	}

	results, err := p.Query(ctx, pipeline.QueryRequest{
		Namespace: "ns",
		Query:     "  fry the onions in butter  ",
		TopK:      5,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	if got := results[0].Chunk.Content; got != docs["cooking.md"] {
		t.Fatalf("top result = %q, want the cooking chunk", got)
	}
}

func TestQueryRejectsEmptyAfterTrim(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)

	_, err := p.Query(context.Background(), pipeline.QueryRequest{Namespace: "ns", Query: "   "})
	var rejection *chain.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("got %v, want stage rejection", err)
	}
	if rejection.Stage != "query-trimmer" {
		t.Fatalf("rejected by %q", rejection.Stage)
	}
}

func TestDeleteVetoedByNamespaceGuard(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	doc, err := p.Ingest(ctx, pipeline.IngestRequest{Namespace: "protected", Filename: "keep.md", Content: []byte("important")})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	_, err = p.Delete(ctx, pipeline.DeleteEvent{DocID: doc.ID, Namespace: "protected"})
	var rejection *chain.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("got %v, want stage rejection", err)
	}

	got, _, _ := f.store.GetDocument(ctx, "protected", doc.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("vetoed delete changed status to %q", got.Status)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	doc, err := p.Ingest(ctx, pipeline.IngestRequest{Namespace: "ns", Filename: "doc.md", Content: []byte(sampleDoc)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	deleted, err := p.Delete(ctx, pipeline.DeleteEvent{DocID: doc.ID, Namespace: "ns", DeletedBy: "alice"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	page, err := p.ListTrash(ctx, "ns", 10, "")
	if err != nil {
		t.Fatalf("list trash: %v", err)
	}
	if len(page.Entries) != 1 || page.Entries[0].DocID != doc.ID {
		t.Fatalf("unexpected trash page: %+v", page)
	}

	restored, err := p.Restore(ctx, store.RestoreRequest{
		DocID: doc.ID, Namespace: "ns", DeletedAtMS: deleted.DeletedAtMS,
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.VectorWarning {
		t.Fatal("unexpected vector warning")
	}
	if restored.Document.Status != domain.StatusActive {
		t.Fatalf("status = %q", restored.Document.Status)
	}
}

func TestPermanentDeletePublishesWakeup(t *testing.T) {
	f := newFixture()
	p := newPipeline(t, f)
	ctx := context.Background()

	doc, err := p.Ingest(ctx, pipeline.IngestRequest{Namespace: "ns", Filename: "doc.md", Content: []byte(sampleDoc)})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	deleted, err := p.Delete(ctx, pipeline.DeleteEvent{DocID: doc.ID, Namespace: "ns"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	purge, err := p.PermanentlyDelete(ctx, store.PurgeRequest{
		DocID: doc.ID, Namespace: "ns", DeletedAtMS: deleted.DeletedAtMS,
	})
	if err != nil {
		t.Fatalf("permanent delete: %v", err)
	}

	if len(f.sent) != 1 {
		t.Fatalf("expected one wake-up, got %d", len(f.sent))
	}
	if f.sent[0].JobID != purge.CleanupJobID || f.sent[0].DocID != doc.ID {
		t.Fatalf("unexpected wake-up: %+v", f.sent[0])
	}
}

// refusingObserver rejects every chunk batch it is shown.
type refusingObserver struct {
	chain.BaseStage
	seen int
}

func (o *refusingObserver) Process(_ context.Context, _ *chain.RequestContext, chunks []domain.Chunk) (chain.Result[[]domain.Chunk], error) {
	o.seen += len(chunks)
	return chain.Reject[[]domain.Chunk]("chunks refused"), nil
}

func TestChunkObserverRejectionDoesNotUnwindIngestion(t *testing.T) {
	observer := &refusingObserver{BaseStage: chain.BaseStage{StageName: "refusing-observer"}}
	observers, err := chain.New[[]domain.Chunk](slog.Default(), observer)
	if err != nil {
		t.Fatalf("observer chain: %v", err)
	}

	f := newFixture()
	p := newPipeline(t, f, func(cfg *pipeline.Config) {
		cfg.Chains.ChunkObservers = observers
	})
	ctx := context.Background()

	// observers are advisory: the ingestion has already committed when
	// they run, so a rejection never rolls it back
	doc, err := p.Ingest(ctx, pipeline.IngestRequest{Namespace: "ns", Filename: "doc.md", Content: []byte(sampleDoc)})
	if err != nil {
		t.Fatalf("ingest with rejecting observer: %v", err)
	}
	if observer.seen == 0 {
		t.Fatal("observer never saw the chunks")
	}

	got, ok, _ := f.store.GetDocument(ctx, "ns", doc.ID)
	if !ok || got.Status != domain.StatusActive {
		t.Fatalf("ingestion unwound by observer: ok=%v status=%q", ok, got.Status)
	}
	chunks, _ := f.store.ListChunksByDocument(ctx, "ns", doc.ID)
	if len(chunks) != len(doc.ChunkIDs) {
		t.Fatalf("stored %d chunks, document references %d", len(chunks), len(doc.ChunkIDs))
	}
	if !f.objects.Has(storage.ObjectKey("ns", doc.ID, "doc.md")) {
		t.Fatal("raw document bytes missing after observer rejection")
	}
}

func TestQueryWithoutVectorSearcher(t *testing.T) {
	// a store without the optional search capability yields a typed
	// error instead of a panic
	f := newFixture()
	p := newPipeline(t, f, func(cfg *pipeline.Config) {
		cfg.Store = reservationOnlyStore{f.store}
	})

	_, err := p.Query(context.Background(), pipeline.QueryRequest{Namespace: "ns", Query: "anything"})
	if !errors.Is(err, pipeline.ErrSearchUnsupported) {
		t.Fatalf("got %v, want ErrSearchUnsupported", err)
	}
}

// reservationOnlyStore hides the memory store's SearchChunks method.
type reservationOnlyStore struct {
	store.Store
}
