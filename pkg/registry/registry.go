// Package registry implements the identifier reservation protocol used
// for ingestion deduplication: reserve-then-complete-or-release against
// an atomic create-if-absent primitive.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

// TempPathPredicate reports whether a source path is temporary and
// therefore unusable as a stable deduplication key.
type TempPathPredicate func(path string) bool

// DefaultTempPathPredicate treats paths under the platform temp
// directory (and /tmp) as unstable.
func DefaultTempPathPredicate(path string) bool {
	if path == "" {
		return true
	}
	prefixes := []string{os.TempDir(), "/tmp"}
	cleaned := filepath.Clean(path)
	for _, prefix := range prefixes {
		prefix = filepath.Clean(prefix)
		if cleaned == prefix || strings.HasPrefix(cleaned, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Registry computes deduplication identifiers and manages their
// reservations over any ReservationStore.
type Registry struct {
	store      store.ReservationStore
	isTempPath TempPathPredicate
	logger     *slog.Logger
}

type Option func(*Registry)

// WithTempPathPredicate replaces the default temp-path heuristic.
func WithTempPathPredicate(fn TempPathPredicate) Option {
	return func(r *Registry) {
		if fn != nil {
			r.isTempPath = fn
		}
	}
}

// New creates a registry over the given reservation store.
func New(rs store.ReservationStore, logger *slog.Logger, options ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:      rs,
		isTempPath: DefaultTempPathPredicate,
		logger:     logger.With("component", "registry"),
	}
	for _, option := range options {
		if option != nil {
			option(r)
		}
	}
	return r
}

// Identifier derives the deduplication key. Files with a stable source
// path dedupe by (namespace, path) so re-ingesting a moved-in-place
// file is cheap; ad-hoc uploads landing in a temp path dedupe by
// content fingerprint instead.
func (r *Registry) Identifier(namespace, contentHash, filename, sourcePath string) string {
	if sourcePath != "" && !r.isTempPath(sourcePath) {
		return fmt.Sprintf("path:%s:%s", namespace, sourcePath)
	}
	return fmt.Sprintf("hash:%s:%s:%s", namespace, contentHash, filename)
}

// ReserveRequest describes the document an ingestion flow wants to
// claim an identifier for.
type ReserveRequest struct {
	ContentHash    string
	Filename       string
	Namespace      string
	DocID          string
	SourcePath     string
	FileSize       int64
	FileModifiedAt *time.Time
	Metadata       map[string]string
}

// Reserve atomically claims the computed identifier with a pending
// reservation. It returns the identifier and true when this caller won
// the claim; false, not an error, means another writer already owns it
// and the caller should abort ingestion.
func (r *Registry) Reserve(ctx context.Context, req ReserveRequest) (string, bool, error) {
	identifier := r.Identifier(req.Namespace, req.ContentHash, req.Filename, req.SourcePath)
	ok, err := r.store.CreateReservation(ctx, domain.Reservation{
		Identifier:     identifier,
		Namespace:      req.Namespace,
		DocID:          req.DocID,
		ContentHash:    req.ContentHash,
		Filename:       req.Filename,
		SourcePath:     req.SourcePath,
		FileSize:       req.FileSize,
		FileModifiedAt: req.FileModifiedAt,
		Metadata:       req.Metadata,
		Status:         domain.ReservationPending,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return identifier, false, fmt.Errorf("create reservation: %w", err)
	}
	return identifier, ok, nil
}

// Lookup returns the completed reservation for the computed
// identifier, if any. Pending reservations are invisible here.
func (r *Registry) Lookup(ctx context.Context, namespace, contentHash, filename, sourcePath string) (domain.Reservation, bool, error) {
	identifier := r.Identifier(namespace, contentHash, filename, sourcePath)
	return r.store.GetReservation(ctx, identifier)
}

// Complete transitions the reservation pending → complete once the
// owning ingestion has stored the document.
func (r *Registry) Complete(ctx context.Context, identifier string, chunkCount int) error {
	return r.store.CompleteReservation(ctx, identifier, chunkCount)
}

// Release frees a pending reservation after a failed ingestion so the
// identifier can be retried.
func (r *Registry) Release(ctx context.Context, identifier string) error {
	return r.store.ReleaseReservation(ctx, identifier)
}
