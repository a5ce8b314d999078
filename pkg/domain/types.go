package domain

import "time"

// DocumentStatus is the lifecycle state of a document.
type DocumentStatus string

const (
	StatusActive   DocumentStatus = "active"
	StatusDeleting DocumentStatus = "deleting"
	StatusPurging  DocumentStatus = "purging"
	StatusPurged   DocumentStatus = "purged"
)

// TrashRetention is how long a soft-deleted document stays recoverable
// before the retention sweep permanently deletes it.
const TrashRetention = 30 * 24 * time.Hour

// Document is one ingested document within a namespace. Status moves
// only along active → deleting → purging → purged, with restore edges
// from deleting and purging back to active. A purged document is kept
// as a tombstone: chunk IDs removed, status retained for audit.
type Document struct {
	ID                 string            `json:"id"`
	Namespace          string            `json:"namespace"`
	Filename           string            `json:"filename"`
	ChunkIDs           []string          `json:"chunkIds,omitempty"`
	Status             DocumentStatus    `json:"status"`
	Summary            string            `json:"summary,omitempty"`
	SummaryEmbeddingID string            `json:"summaryEmbeddingId,omitempty"`
	Headings           []string          `json:"headings,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	ContentHash        string            `json:"contentHash,omitempty"`
	SourcePath         string            `json:"sourcePath,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	DeletedAt          *time.Time        `json:"deletedAt,omitempty"`
	DeletedBy          string            `json:"deletedBy,omitempty"`
	DeleteReason       string            `json:"deleteReason,omitempty"`
	PurgeAfter         *time.Time        `json:"purgeAfter,omitempty"`
	RestoredAt         *time.Time        `json:"restoredAt,omitempty"`
	PurgeStartedAt     *time.Time        `json:"purgeStartedAt,omitempty"`
	PurgeCompletedAt   *time.Time        `json:"purgeCompletedAt,omitempty"`
	CleanupJobID       string            `json:"cleanupJobId,omitempty"`
	StorageKey         string            `json:"-"`
}

// TrashEntry records one deletion event. It is keyed by
// (namespace, filename, deletedAtMS) so the same filename can be
// deleted and restored repeatedly without collision.
type TrashEntry struct {
	Namespace      string    `json:"namespace"`
	Filename       string    `json:"filename"`
	DeletedAtMS    int64     `json:"deletedAtMs"`
	DocID          string    `json:"docId"`
	DeletedBy      string    `json:"deletedBy,omitempty"`
	DeleteReason   string    `json:"deleteReason,omitempty"`
	ChunkCount     int       `json:"chunkCount"`
	PurgeAfter     time.Time `json:"purgeAfter"`
	DaysUntilPurge int       `json:"daysUntilPurge"`
}

// TrashPage is one page of trash entries, most recent first.
type TrashPage struct {
	Entries   []TrashEntry `json:"entries"`
	NextToken string       `json:"nextToken,omitempty"`
}

// ReservationStatus marks whether an identifier reservation has been
// completed by its owning ingestion flow.
type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationComplete ReservationStatus = "complete"
)

// Reservation asserts exclusive ownership of a deduplication
// identifier. At most one reservation per identifier ever exists.
// Records written before the status field existed carry an empty
// status and are treated as complete.
type Reservation struct {
	Identifier     string            `json:"identifier"`
	Namespace      string            `json:"namespace"`
	DocID          string            `json:"docId"`
	ContentHash    string            `json:"contentHash"`
	Filename       string            `json:"filename"`
	SourcePath     string            `json:"sourcePath,omitempty"`
	FileSize       int64             `json:"fileSize,omitempty"`
	FileModifiedAt *time.Time        `json:"fileModifiedAt,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Status         ReservationStatus `json:"status"`
	ChunkCount     int               `json:"chunkCount,omitempty"`
	IngestedAt     *time.Time        `json:"ingestedAt,omitempty"`
	Version        int               `json:"version"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// CleanupJobStatus is the state of a vector-deletion job.
type CleanupJobStatus string

const (
	JobPending    CleanupJobStatus = "pending"
	JobDone       CleanupJobStatus = "done"
	JobDeadLetter CleanupJobStatus = "dead_letter"
)

// DefaultJobMaxRetries bounds cleanup retries before a job is parked
// in the dead-letter state for manual intervention.
const DefaultJobMaxRetries = 10

// CleanupJob is one async unit of vector-store deletion work, created
// atomically with the purging transition and deleted once cleanup
// succeeds.
type CleanupJob struct {
	ID         string           `json:"id"`
	DocID      string           `json:"docId"`
	Namespace  string           `json:"namespace"`
	ChunkIDs   []string         `json:"chunkIds"`
	StorageKey string           `json:"storageKey,omitempty"`
	RetryCount int              `json:"retryCount"`
	MaxRetries int              `json:"maxRetries"`
	Status     CleanupJobStatus `json:"status"`
	LastError  string           `json:"lastError,omitempty"`
	CreatedAt  time.Time        `json:"createdAt"`
	UpdatedAt  time.Time        `json:"updatedAt"`
}

// Chunk is one embedded slice of document content.
type Chunk struct {
	ID        string            `json:"id"`
	DocID     string            `json:"docId"`
	Namespace string            `json:"namespace"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
	CreatedAt time.Time         `json:"createdAt"`
}

// SearchResult pairs a chunk with its similarity score (higher is closer).
type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// SoftDeleteResult reports a committed soft delete.
type SoftDeleteResult struct {
	DocID       string    `json:"docId"`
	Filename    string    `json:"filename"`
	ChunkIDs    []string  `json:"chunkIds"`
	DeletedAt   time.Time `json:"deletedAt"`
	DeletedAtMS int64     `json:"deletedAtMs"`
	PurgeAfter  time.Time `json:"purgeAfter"`
}

// RestoreResult reports a committed restore. VectorWarning is set when
// the document was recovered from the purging state: vector cleanup may
// already have removed some or all of its chunks, and callers must
// surface that instead of silently succeeding.
type RestoreResult struct {
	Document      Document `json:"document"`
	VectorWarning bool     `json:"vectorWarning,omitempty"`
}

// PurgeResult reports a committed (or idempotently re-entered)
// permanent-delete transition.
type PurgeResult struct {
	DocID          string    `json:"docId"`
	ChunkIDs       []string  `json:"chunkIds"`
	CleanupJobID   string    `json:"cleanupJobId"`
	PurgeStartedAt time.Time `json:"purgeStartedAt"`
	AlreadyPurging bool      `json:"alreadyPurging,omitempty"`
}
