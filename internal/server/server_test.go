package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
	"github.com/stache-ai/stache-ai-sub000/pkg/registry"
	"github.com/stache-ai/stache-ai-sub000/pkg/stages"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
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
	deleteObservers, err := chain.New[*pipeline.DeleteEvent](logger,
		stages.NewNamespaceGuard([]string{"protected"}),
	)
	if err != nil {
		t.Fatalf("delete chain: %v", err)
	}

	p, err := pipeline.New(pipeline.Config{
		Store:    st,
		Registry: registry.New(st, logger),
		Embedder: pipeline.NewHashEmbedder(64),
		Chains: pipeline.Chains{
			Enrichers:       enrichers,
			QueryProcessors: queryProcessors,
			DeleteObservers: deleteObservers,
		},
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	srv, err := New(Config{Pipeline: p, Store: st})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func doJSON(t *testing.T, method, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeInto(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func ingestDoc(t *testing.T, ts *httptest.Server, namespace, filename, content string) domain.Document {
	t.Helper()
	resp := postJSON(t, ts.URL+"/v1/documents", map[string]any{
		"namespace": namespace,
		"filename":  filename,
		"content":   content,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("ingest expected 201, got %d", resp.StatusCode)
	}
	var doc domain.Document
	decodeInto(t, resp, &doc)
	return doc
}

func TestIngestAndGetDocument(t *testing.T) {
	ts := newTestServer(t)

	doc := ingestDoc(t, ts, "ns", "report.md", "# Report\n\nquarterly numbers")
	if doc.ID == "" || doc.Status != domain.StatusActive {
		t.Fatalf("unexpected document: %+v", doc)
	}

	resp, err := http.Get(fmt.Sprintf("%s/v1/documents/%s?namespace=ns", ts.URL, doc.ID))
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get expected 200, got %d", resp.StatusCode)
	}
	var got domain.Document
	decodeInto(t, resp, &got)
	if got.ID != doc.ID {
		t.Fatalf("got document %q, want %q", got.ID, doc.ID)
	}
}

func TestIngestDuplicateReturns409(t *testing.T) {
	ts := newTestServer(t)
	ingestDoc(t, ts, "ns", "report.md", "same content")

	resp := postJSON(t, ts.URL+"/v1/documents", map[string]any{
		"namespace": "ns", "filename": "report.md", "content": "same content",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate expected 409, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeInto(t, resp, &body)
	if body.Code != "DOC_DUPLICATE" {
		t.Fatalf("code = %q, want DOC_DUPLICATE", body.Code)
	}
}

func TestIngestRejectsMissingFields(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/documents", map[string]any{"namespace": "ns"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing filename expected 400, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/v1/documents", map[string]any{
		"namespace": "ns", "filename": "doc.md",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing content expected 400, got %d", resp.StatusCode)
	}
}

func TestSearchReturnsResults(t *testing.T) {
	ts := newTestServer(t)
	ingestDoc(t, ts, "ns", "cooking.md", "Slice the onions and fry them in butter.")

	resp := postJSON(t, ts.URL+"/v1/search", map[string]any{
		"namespace": "ns", "query": "fry onions", "topK": 5,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Items []domain.SearchResult `json:"items"`
		Count int                   `json:"count"`
	}
	decodeInto(t, resp, &body)
	if body.Count == 0 || len(body.Items) == 0 {
		t.Fatalf("no search results: %+v", body)
	}
}

func TestSearchEmptyQueryRejectedByStage(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/search", map[string]any{
		"namespace": "ns", "query": "   ",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty query expected 422, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeInto(t, resp, &body)
	if body.Code != "PIPELINE_STAGE_REJECTED" {
		t.Fatalf("code = %q, want PIPELINE_STAGE_REJECTED", body.Code)
	}
}

func TestTrashLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	doc := ingestDoc(t, ts, "ns", "doc.md", "lifecycle content")

	// soft delete
	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/documents/"+doc.ID, map[string]any{
		"namespace": "ns", "deletedBy": "alice",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("soft delete expected 200, got %d", resp.StatusCode)
	}
	var deleted domain.SoftDeleteResult
	decodeInto(t, resp, &deleted)

	// deleting again conflicts
	resp = doJSON(t, http.MethodDelete, ts.URL+"/v1/documents/"+doc.ID, map[string]any{"namespace": "ns"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second delete expected 409, got %d", resp.StatusCode)
	}
	var conflict errorResponse
	decodeInto(t, resp, &conflict)
	if conflict.Code != "DOC_ALREADY_IN_TRASH" {
		t.Fatalf("code = %q, want DOC_ALREADY_IN_TRASH", conflict.Code)
	}

	// visible in trash
	resp, err := http.Get(ts.URL + "/v1/trash?namespace=ns")
	if err != nil {
		t.Fatalf("list trash: %v", err)
	}
	var page domain.TrashPage
	decodeInto(t, resp, &page)
	if len(page.Entries) != 1 || page.Entries[0].DocID != doc.ID {
		t.Fatalf("unexpected trash page: %+v", page)
	}

	// restore
	resp = postJSON(t, ts.URL+"/v1/documents/"+doc.ID+"/restore", map[string]any{
		"namespace": "ns", "deletedAtMs": deleted.DeletedAtMS,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore expected 200, got %d", resp.StatusCode)
	}
	var restored domain.RestoreResult
	decodeInto(t, resp, &restored)
	if restored.Document.Status != domain.StatusActive {
		t.Fatalf("restored status = %q", restored.Document.Status)
	}
}

func TestPermanentDeleteOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	doc := ingestDoc(t, ts, "ns", "doc.md", "purge target")

	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/documents/"+doc.ID, map[string]any{"namespace": "ns"})
	var deleted domain.SoftDeleteResult
	decodeInto(t, resp, &deleted)

	resp = postJSON(t, ts.URL+"/v1/documents/"+doc.ID+"/permanent", map[string]any{
		"namespace": "ns", "deletedAtMs": deleted.DeletedAtMS,
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("permanent delete expected 202, got %d", resp.StatusCode)
	}
	var purge domain.PurgeResult
	decodeInto(t, resp, &purge)
	if purge.CleanupJobID == "" {
		t.Fatal("no cleanup job id")
	}

	// repeat while purging returns the existing job with 200
	resp = postJSON(t, ts.URL+"/v1/documents/"+doc.ID+"/permanent", map[string]any{
		"namespace": "ns", "deletedAtMs": deleted.DeletedAtMS,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat permanent delete expected 200, got %d", resp.StatusCode)
	}
	var repeat domain.PurgeResult
	decodeInto(t, resp, &repeat)
	if !repeat.AlreadyPurging || repeat.CleanupJobID != purge.CleanupJobID {
		t.Fatalf("unexpected repeat result: %+v", repeat)
	}
}

func TestListCleanupJobsShowsOutstandingPurges(t *testing.T) {
	ts := newTestServer(t)
	doc := ingestDoc(t, ts, "ns", "doc.md", "purge target")

	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/documents/"+doc.ID, map[string]any{"namespace": "ns"})
	var deleted domain.SoftDeleteResult
	decodeInto(t, resp, &deleted)
	resp = postJSON(t, ts.URL+"/v1/documents/"+doc.ID+"/permanent", map[string]any{
		"namespace": "ns", "deletedAtMs": deleted.DeletedAtMS,
	})
	var purge domain.PurgeResult
	decodeInto(t, resp, &purge)

	resp, err := http.Get(ts.URL + "/v1/cleanup-jobs")
	if err != nil {
		t.Fatalf("list cleanup jobs: %v", err)
	}
	var body struct {
		Items []domain.CleanupJob `json:"items"`
		Count int                 `json:"count"`
	}
	decodeInto(t, resp, &body)
	if body.Count != 1 || body.Items[0].ID != purge.CleanupJobID {
		t.Fatalf("unexpected jobs listing: %+v", body)
	}
}

func TestDeleteProtectedNamespaceRejected(t *testing.T) {
	ts := newTestServer(t)
	doc := ingestDoc(t, ts, "protected", "keep.md", "important")

	resp := doJSON(t, http.MethodDelete, ts.URL+"/v1/documents/"+doc.ID, map[string]any{
		"namespace": "protected",
	})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("protected delete expected 422, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRestoreUnknownDocument(t *testing.T) {
	ts := newTestServer(t)

	resp := postJSON(t, ts.URL+"/v1/documents/nope/restore", map[string]any{
		"namespace": "ns", "deletedAtMs": 1,
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("restore unknown expected 404, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeInto(t, resp, &body)
	if body.Code != "DOC_NOT_FOUND" {
		t.Fatalf("code = %q, want DOC_NOT_FOUND", body.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/v1/search", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put search: %v", err)
	}
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	var body errorResponse
	decodeInto(t, resp, &body)
	if body.Code != "SYSTEM_METHOD_NOT_ALLOWED" {
		t.Fatalf("code = %q", body.Code)
	}
}
