// Package server exposes the document platform over HTTP.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stache-ai/stache-ai-sub000/internal/util"
	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	Pipeline *pipeline.Pipeline
	Store    store.Store
}

// Server exposes HTTP endpoints for documents, search, and trash.
type Server struct {
	pipeline *pipeline.Pipeline
	store    store.Store
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store required")
	}
	s := &Server{
		pipeline: cfg.Pipeline,
		store:    cfg.Store,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.HandleFunc("/v1/documents", s.handleDocuments)
	s.mux.HandleFunc("/v1/documents/", s.handleDocumentByID)
	s.mux.HandleFunc("/v1/search", s.handleSearch)
	s.mux.HandleFunc("/v1/trash", s.handleListTrash)
	s.mux.HandleFunc("/v1/cleanup-jobs", s.handleListCleanupJobs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodGet:
		s.handleListDocuments(w, r)
	default:
		methodNotAllowed(w)
	}
}

type ingestRequest struct {
	Namespace      string            `json:"namespace"`
	Filename       string            `json:"filename"`
	Content        string            `json:"content"`
	ContentBase64  string            `json:"contentBase64,omitempty"`
	ContentType    string            `json:"contentType,omitempty"`
	SourcePath     string            `json:"sourcePath,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Principal      string            `json:"principal,omitempty"`
	FileModifiedAt *time.Time        `json:"fileModifiedAt,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Namespace == "" || req.Filename == "" {
		writeError(w, http.StatusBadRequest, "namespace and filename required")
		return
	}
	content := []byte(req.Content)
	if req.ContentBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(req.ContentBase64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid base64 content")
			return
		}
		content = decoded
	}
	if len(content) == 0 {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}

	doc, err := s.pipeline.Ingest(r.Context(), pipeline.IngestRequest{
		Namespace:      req.Namespace,
		Filename:       req.Filename,
		Content:        content,
		ContentType:    req.ContentType,
		SourcePath:     req.SourcePath,
		Metadata:       req.Metadata,
		Principal:      req.Principal,
		FileModifiedAt: req.FileModifiedAt,
	})
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	docs, err := s.store.ListDocuments(r.Context(), namespace)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

// /v1/documents/{id}, /v1/documents/{id}/restore,
// /v1/documents/{id}/permanent
func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}

	if len(parts) == 2 {
		switch parts[1] {
		case "restore":
			s.handleRestore(w, r, id)
		case "permanent":
			s.handlePermanentDelete(w, r, id)
		default:
			notFound(w, "not found")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetDocument(w, r, id)
	case http.MethodDelete:
		s.handleSoftDelete(w, r, id)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request, id string) {
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	if namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	doc, ok, err := s.store.GetDocument(r.Context(), namespace, id)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	if !ok {
		notFound(w, "document not found")
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type softDeleteRequest struct {
	Namespace string `json:"namespace"`
	DeletedBy string `json:"deletedBy,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request, id string) {
	var req softDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	result, err := s.pipeline.Delete(r.Context(), pipeline.DeleteEvent{
		DocID:     id,
		Namespace: req.Namespace,
		DeletedBy: req.DeletedBy,
		Reason:    req.Reason,
	})
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type restoreRequest struct {
	Namespace   string `json:"namespace"`
	DeletedAtMS int64  `json:"deletedAtMs"`
	RestoredBy  string `json:"restoredBy,omitempty"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	result, err := s.pipeline.Restore(r.Context(), store.RestoreRequest{
		DocID:       id,
		Namespace:   req.Namespace,
		DeletedAtMS: req.DeletedAtMS,
		RestoredBy:  req.RestoredBy,
	})
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type permanentDeleteRequest struct {
	Namespace   string `json:"namespace"`
	DeletedAtMS int64  `json:"deletedAtMs"`
	DeletedBy   string `json:"deletedBy,omitempty"`
	Filename    string `json:"filename,omitempty"`
}

func (s *Server) handlePermanentDelete(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost && r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	var req permanentDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	result, err := s.pipeline.PermanentlyDelete(r.Context(), store.PurgeRequest{
		DocID:       id,
		Namespace:   req.Namespace,
		DeletedAtMS: req.DeletedAtMS,
		DeletedBy:   req.DeletedBy,
		Filename:    req.Filename,
	})
	if err != nil {
		writeOperationError(w, err)
		return
	}
	status := http.StatusAccepted
	if result.AlreadyPurging {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

type searchRequest struct {
	Namespace string            `json:"namespace"`
	Query     string            `json:"query"`
	TopK      int               `json:"topK,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	Principal string            `json:"principal,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Namespace == "" {
		writeError(w, http.StatusBadRequest, "namespace required")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	results, err := s.pipeline.Query(r.Context(), pipeline.QueryRequest{
		Namespace: req.Namespace,
		Query:     req.Query,
		TopK:      req.TopK,
		Filters:   req.Filters,
		Principal: req.Principal,
	})
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": results,
		"count": len(results),
	})
}

func (s *Server) handleListTrash(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	namespace := strings.TrimSpace(r.URL.Query().Get("namespace"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	page, err := s.pipeline.ListTrash(r.Context(), namespace, limit, r.URL.Query().Get("pageToken"))
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// handleListCleanupJobs exposes outstanding cleanup jobs for
// operational visibility.
func (s *Server) handleListCleanupJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := s.store.ListCleanupJobs(r.Context(), limit)
	if err != nil {
		writeOperationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": jobs,
		"count": len(jobs),
	})
}

// writeOperationError translates domain sentinels into distinct HTTP
// statuses and messages, so a caller can tell "already in trash" from
// "being permanently deleted" without parsing prose.
func writeOperationError(w http.ResponseWriter, err error) {
	var rejection *chain.RejectionError
	switch {
	case errors.As(err, &rejection):
		writeError(w, http.StatusUnprocessableEntity, rejection.Error())
	case errors.Is(err, pipeline.ErrDuplicateDocument):
		writeError(w, http.StatusConflict, "document already ingested")
	case errors.Is(err, pipeline.ErrSearchUnsupported):
		writeError(w, http.StatusNotImplemented, "search not supported by this store")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	case errors.Is(err, store.ErrTrashEntryNotFound):
		writeError(w, http.StatusNotFound, "trash entry not found")
	case errors.Is(err, store.ErrAlreadyInTrash):
		writeError(w, http.StatusConflict, "document already in trash")
	case errors.Is(err, store.ErrAlreadyPurging):
		writeError(w, http.StatusConflict, "document is being permanently deleted")
	case errors.Is(err, store.ErrAlreadyPurged):
		writeError(w, http.StatusGone, "document already permanently deleted")
	case errors.Is(err, store.ErrNotInTrash):
		writeError(w, http.StatusConflict, "document is not in trash")
	case errors.Is(err, store.ErrNotPurging):
		writeError(w, http.StatusConflict, "document is not being permanently deleted")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent modification, retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeFor(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeFor(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "document not found":
		return "DOC_NOT_FOUND"
	case message == "trash entry not found":
		return "TRASH_ENTRY_NOT_FOUND"
	case message == "document already in trash":
		return "DOC_ALREADY_IN_TRASH"
	case message == "document is being permanently deleted":
		return "DOC_ALREADY_PURGING"
	case message == "document already permanently deleted":
		return "DOC_ALREADY_PURGED"
	case message == "document is not in trash":
		return "DOC_NOT_IN_TRASH"
	case message == "document is not being permanently deleted":
		return "DOC_NOT_PURGING"
	case message == "concurrent modification, retry":
		return "DOC_CONCURRENT_MODIFICATION"
	case message == "document already ingested":
		return "DOC_DUPLICATE"
	case strings.HasPrefix(message, "stage "):
		return "PIPELINE_STAGE_REJECTED"
	case message == "search not supported by this store":
		return "SEARCH_UNSUPPORTED"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "DOC_INVALID_REQUEST"
	case http.StatusNotFound:
		return "DOC_NOT_FOUND"
	case http.StatusConflict:
		return "DOC_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
