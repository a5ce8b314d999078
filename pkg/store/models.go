package store

import (
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type DocumentModel struct {
	ID                 string `gorm:"primaryKey"`
	Namespace          string `gorm:"primaryKey"`
	Filename           string `gorm:"not null;index:idx_documents_ns_filename"`
	ChunkIDs           datatypes.JSON
	Status             string `gorm:"not null;index"`
	Summary            string
	SummaryEmbeddingID string
	Headings           datatypes.JSON
	Metadata           datatypes.JSON
	ContentHash        string `gorm:"index"`
	SourcePath         string
	StorageKey         string
	CreatedAt          time.Time `gorm:"not null"`
	DeletedAt          *time.Time
	DeletedBy          string
	DeleteReason       string
	PurgeAfter         *time.Time
	RestoredAt         *time.Time
	PurgeStartedAt     *time.Time
	PurgeCompletedAt   *time.Time
	CleanupJobID       string
}

type TrashEntryModel struct {
	Namespace    string `gorm:"primaryKey"`
	Filename     string `gorm:"primaryKey"`
	DeletedAtMS  int64  `gorm:"primaryKey;index:idx_trash_deleted_at"`
	DocID        string `gorm:"not null;index"`
	DeletedBy    string
	DeleteReason string
	ChunkCount   int
	PurgeAfter   time.Time `gorm:"not null;index"`
}

type ReservationModel struct {
	Identifier     string `gorm:"primaryKey"`
	Namespace      string `gorm:"not null;index"`
	DocID          string `gorm:"not null"`
	ContentHash    string
	Filename       string
	SourcePath     string
	FileSize       int64
	FileModifiedAt *time.Time
	Metadata       datatypes.JSON
	Status         string
	ChunkCount     int
	IngestedAt     *time.Time
	Version        int
	CreatedAt      time.Time `gorm:"not null"`
}

type CleanupJobModel struct {
	ID         string `gorm:"primaryKey"`
	DocID      string `gorm:"not null;index"`
	Namespace  string `gorm:"not null"`
	ChunkIDs   datatypes.JSON
	StorageKey string
	RetryCount int
	MaxRetries int
	Status     string    `gorm:"not null;index"`
	LastError  string
	CreatedAt  time.Time `gorm:"not null;index"`
	UpdatedAt  time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID        string `gorm:"primaryKey"`
	DocID     string `gorm:"not null;index"`
	Namespace string `gorm:"not null;index"`
	Content   string `gorm:"type:text;not null"`
	Metadata  datatypes.JSON
	Embedding *pgvector.Vector `gorm:"type:vector(1536)"`
	CreatedAt time.Time        `gorm:"not null;index"`
}
