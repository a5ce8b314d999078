package store

import (
	"context"
	"time"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
)

// SoftDeleteRequest moves an active document into the trash.
type SoftDeleteRequest struct {
	DocID     string
	Namespace string
	DeletedBy string
	Reason    string
}

// RestoreRequest recovers a trashed or purging document. DeletedAtMS
// identifies the exact trash entry so historical deletions of the same
// filename stay unambiguous.
type RestoreRequest struct {
	DocID       string
	Namespace   string
	DeletedAtMS int64
	RestoredBy  string
}

// PurgeRequest starts a permanent delete. Filename is optional; when
// empty the document's stored filename locates the trash entry.
type PurgeRequest struct {
	DocID       string
	Namespace   string
	DeletedAtMS int64
	DeletedBy   string
	Filename    string
}

// CompletePurgeRequest finishes a permanent delete after vector cleanup.
type CompletePurgeRequest struct {
	DocID       string
	Namespace   string
	DeletedAtMS int64
	Filename    string
}

// ReservationStore provides atomic reservation of deduplication
// identifiers. CreateReservation must use a store-native atomic
// create-if-absent primitive, never read-then-write; it returns false,
// not an error, when the identifier is already owned.
type ReservationStore interface {
	CreateReservation(ctx context.Context, r domain.Reservation) (bool, error)
	// GetReservation returns the reservation only when complete (or
	// when the record predates the status field). Pending reservations
	// are invisible to everyone but the owning ingestion flow.
	GetReservation(ctx context.Context, identifier string) (domain.Reservation, bool, error)
	CompleteReservation(ctx context.Context, identifier string, chunkCount int) error
	// ReleaseReservation deletes a still-pending reservation, freeing
	// the identifier after a failed ingestion.
	ReleaseReservation(ctx context.Context, identifier string) error
}

// Store defines persistence for documents, trash lifecycle,
// reservations, cleanup jobs, and chunks. Every multi-record transition
// is all-or-nothing; a backend without native transactions must
// document its narrowed guarantee.
type Store interface {
	// documents
	CreateDocument(ctx context.Context, doc domain.Document) error
	GetDocument(ctx context.Context, namespace, docID string) (domain.Document, bool, error)
	ListDocuments(ctx context.Context, namespace string) ([]domain.Document, error)

	// trash lifecycle
	SoftDelete(ctx context.Context, req SoftDeleteRequest) (domain.SoftDeleteResult, error)
	Restore(ctx context.Context, req RestoreRequest) (domain.RestoreResult, error)
	PermanentlyDelete(ctx context.Context, req PurgeRequest) (domain.PurgeResult, error)
	CompletePermanentDelete(ctx context.Context, req CompletePurgeRequest) error
	ListTrash(ctx context.Context, namespace string, limit int, pageToken string) (domain.TrashPage, error)
	ListExpiredTrash(ctx context.Context, limit int) ([]domain.TrashEntry, error)

	// identifier reservations
	ReservationStore

	// cleanup jobs
	ListCleanupJobs(ctx context.Context, limit int) ([]domain.CleanupJob, error)
	GetCleanupJob(ctx context.Context, id string) (domain.CleanupJob, bool, error)
	DeleteCleanupJob(ctx context.Context, id string) error
	MarkCleanupJobFailed(ctx context.Context, id string, errMsg string) error

	// chunks
	ReplaceChunks(ctx context.Context, namespace, docID string, chunks []domain.Chunk) error
	ListChunksByDocument(ctx context.Context, namespace, docID string) ([]domain.Chunk, error)
	DeleteChunks(ctx context.Context, chunkIDs []string) error
}

// VectorSearcher is an optional capability for stores that can rank
// chunks by embedding similarity. Callers check for it with a type
// assertion instead of calling blind.
type VectorSearcher interface {
	SearchChunks(ctx context.Context, namespace string, embedding []float32, limit int, filter map[string]string) ([]domain.SearchResult, error)
}

// daysUntilPurge computes the whole days remaining before purge,
// floored at zero.
func daysUntilPurge(purgeAfter, now time.Time) int {
	if !purgeAfter.After(now) {
		return 0
	}
	return int(purgeAfter.Sub(now) / (24 * time.Hour))
}
