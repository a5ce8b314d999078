package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
)

const migrateLockID int64 = 52115211

const defaultEmbeddingDim = 1536

const defaultTrashPageSize = 50

type GormStoreOptions struct {
	EmbeddingDim  int
	JobMaxRetries int
}

type GormStoreOption func(*GormStoreOptions)

// WithEmbeddingDim sets the canonical embedding dimension used by storage.
func WithEmbeddingDim(dim int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.EmbeddingDim = dim
	}
}

// WithJobMaxRetries overrides the retry bound stamped on new cleanup jobs.
func WithJobMaxRetries(n int) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.JobMaxRetries = n
	}
}

// GormStore implements Store using GORM + Postgres. Every lifecycle
// transition runs inside one transaction with a status-guarded update;
// a failed guard is classified by re-reading the row, so concurrent
// writers get ErrConflict rather than silent lost updates.
type GormStore struct {
	db            *gorm.DB
	embeddingDim  int
	jobMaxRetries int
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	embeddingDim := opts.EmbeddingDim
	if embeddingDim <= 0 {
		embeddingDim = defaultEmbeddingDim
	}
	jobMaxRetries := opts.JobMaxRetries
	if jobMaxRetries <= 0 {
		jobMaxRetries = domain.DefaultJobMaxRetries
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(
			&DocumentModel{}, &TrashEntryModel{}, &ReservationModel{},
			&CleanupJobModel{}, &ChunkModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
			IF EXISTS (
				SELECT 1 FROM information_schema.columns
				WHERE table_name = 'chunk_models' AND column_name = 'embedding'
			) THEN
				ALTER TABLE chunk_models ALTER COLUMN embedding TYPE vector(%d);
			END IF;
			END $$;
		`, embeddingDim)).Error; err != nil {
			return fmt.Errorf("alter chunk embedding type: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db, embeddingDim: embeddingDim, jobMaxRetries: jobMaxRetries}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateDocument stores a new active document record.
func (s *GormStore) CreateDocument(ctx context.Context, doc domain.Document) error {
	model := documentToModel(doc)
	if model.Status == "" {
		model.Status = string(domain.StatusActive)
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// GetDocument returns a document by (namespace, id).
func (s *GormStore) GetDocument(ctx context.Context, namespace, docID string) (domain.Document, bool, error) {
	var model DocumentModel
	err := s.db.WithContext(ctx).
		First(&model, "id = ? AND namespace = ?", docID, namespace).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, false, nil
		}
		return domain.Document{}, false, err
	}
	return documentFromModel(model), true, nil
}

// ListDocuments returns all documents in a namespace ordered by created_at.
func (s *GormStore) ListDocuments(ctx context.Context, namespace string) ([]domain.Document, error) {
	var models []DocumentModel
	if err := s.db.WithContext(ctx).
		Where("namespace = ?", namespace).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	docs := make([]domain.Document, 0, len(models))
	for _, m := range models {
		docs = append(docs, documentFromModel(m))
	}
	return docs, nil
}

// SoftDelete moves an active document into the trash. The status
// update and the trash entry creation commit together or not at all.
func (s *GormStore) SoftDelete(ctx context.Context, req SoftDeleteRequest) (domain.SoftDeleteResult, error) {
	var result domain.SoftDeleteResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := loadDocument(tx, req.Namespace, req.DocID)
		if err != nil {
			return err
		}
		if err := requireStatus(doc.Status, domain.StatusActive); err != nil {
			return err
		}

		now := time.Now().UTC()
		purgeAfter := now.Add(domain.TrashRetention)
		res := tx.Model(&DocumentModel{}).
			Where("id = ? AND namespace = ? AND status = ?", req.DocID, req.Namespace, domain.StatusActive).
			Updates(map[string]any{
				"status":        string(domain.StatusDeleting),
				"deleted_at":    now,
				"deleted_by":    req.DeletedBy,
				"delete_reason": req.Reason,
				"purge_after":   purgeAfter,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		entry := TrashEntryModel{
			Namespace:    doc.Namespace,
			Filename:     doc.Filename,
			DeletedAtMS:  now.UnixMilli(),
			DocID:        doc.ID,
			DeletedBy:    req.DeletedBy,
			DeleteReason: req.Reason,
			ChunkCount:   len(doc.ChunkIDs),
			PurgeAfter:   purgeAfter,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return fmt.Errorf("create trash entry: %w", err)
		}

		result = domain.SoftDeleteResult{
			DocID:       doc.ID,
			Filename:    doc.Filename,
			ChunkIDs:    doc.ChunkIDs,
			DeletedAt:   now,
			DeletedAtMS: now.UnixMilli(),
			PurgeAfter:  purgeAfter,
		}
		return nil
	})
	if err != nil {
		return domain.SoftDeleteResult{}, err
	}
	return result, nil
}

// Restore brings a trashed or purging document back to active and
// removes the trash entry identified by DeletedAtMS.
func (s *GormStore) Restore(ctx context.Context, req RestoreRequest) (domain.RestoreResult, error) {
	var result domain.RestoreResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := loadDocument(tx, req.Namespace, req.DocID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case domain.StatusDeleting, domain.StatusPurging:
		case domain.StatusActive:
			return ErrNotInTrash
		case domain.StatusPurged:
			return ErrAlreadyPurged
		default:
			return fmt.Errorf("unexpected status %q", doc.Status)
		}
		fromPurging := doc.Status == domain.StatusPurging

		now := time.Now().UTC()
		res := tx.Model(&DocumentModel{}).
			Where("id = ? AND namespace = ? AND status IN ?", req.DocID, req.Namespace,
				[]string{string(domain.StatusDeleting), string(domain.StatusPurging)}).
			Updates(map[string]any{
				"status":           string(domain.StatusActive),
				"restored_at":      now,
				"deleted_at":       nil,
				"deleted_by":       "",
				"delete_reason":    "",
				"purge_after":      nil,
				"purge_started_at": nil,
				"cleanup_job_id":   "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		del := tx.Where("namespace = ? AND filename = ? AND deleted_at_ms = ?",
			req.Namespace, doc.Filename, req.DeletedAtMS).
			Delete(&TrashEntryModel{})
		if del.Error != nil {
			return del.Error
		}
		// PermanentlyDelete already removed the entry for a purging
		// document, so only a restore from deleting requires one
		if del.RowsAffected == 0 && !fromPurging {
			return ErrTrashEntryNotFound
		}

		restored, err := loadDocument(tx, req.Namespace, req.DocID)
		if err != nil {
			return err
		}
		result = domain.RestoreResult{Document: restored, VectorWarning: fromPurging}
		return nil
	})
	if err != nil {
		return domain.RestoreResult{}, err
	}
	return result, nil
}

// PermanentlyDelete transitions a trashed document to purging, creates
// its cleanup job, and removes the trash entry, all atomically.
// Re-entry while already purging with a live job returns that job
// instead of creating a duplicate.
func (s *GormStore) PermanentlyDelete(ctx context.Context, req PurgeRequest) (domain.PurgeResult, error) {
	var result domain.PurgeResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := loadDocument(tx, req.Namespace, req.DocID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case domain.StatusActive:
			return ErrNotInTrash
		case domain.StatusPurged:
			return ErrAlreadyPurged
		}

		filename := req.Filename
		if filename == "" {
			filename = doc.Filename
		}

		if doc.Status == domain.StatusPurging && doc.CleanupJobID != "" {
			var job CleanupJobModel
			if err := tx.First(&job, "id = ?", doc.CleanupJobID).Error; err == nil {
				result = domain.PurgeResult{
					DocID:          doc.ID,
					ChunkIDs:       decodeStrings(job.ChunkIDs),
					CleanupJobID:   job.ID,
					PurgeStartedAt: derefTime(doc.PurgeStartedAt),
					AlreadyPurging: true,
				}
				return nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			// job record gone; fall through and attach a fresh one
		}

		now := time.Now().UTC()
		jobID := uuid.NewString()
		res := tx.Model(&DocumentModel{}).
			Where("id = ? AND namespace = ? AND status IN ?", req.DocID, req.Namespace,
				[]string{string(domain.StatusDeleting), string(domain.StatusPurging)}).
			Updates(map[string]any{
				"status":           string(domain.StatusPurging),
				"purge_started_at": now,
				"cleanup_job_id":   jobID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		job := CleanupJobModel{
			ID:         jobID,
			DocID:      doc.ID,
			Namespace:  doc.Namespace,
			ChunkIDs:   encodeStrings(doc.ChunkIDs),
			StorageKey: doc.StorageKey,
			MaxRetries: s.jobMaxRetries,
			Status:     string(domain.JobPending),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Create(&job).Error; err != nil {
			return fmt.Errorf("create cleanup job: %w", err)
		}

		// The entry must leave trash listings now, even though vector
		// cleanup is still pending.
		del := tx.Where("namespace = ? AND filename = ? AND deleted_at_ms = ?",
			req.Namespace, filename, req.DeletedAtMS).
			Delete(&TrashEntryModel{})
		if del.Error != nil {
			return del.Error
		}
		if del.RowsAffected == 0 && doc.Status == domain.StatusDeleting {
			return ErrTrashEntryNotFound
		}

		result = domain.PurgeResult{
			DocID:          doc.ID,
			ChunkIDs:       doc.ChunkIDs,
			CleanupJobID:   jobID,
			PurgeStartedAt: now,
		}
		return nil
	})
	if err != nil {
		return domain.PurgeResult{}, err
	}
	return result, nil
}

// CompletePermanentDelete tombstones a purging document after vectors
// are confirmed removed. A concurrent duplicate job finding the
// document already purged is a silent no-op.
func (s *GormStore) CompletePermanentDelete(ctx context.Context, req CompletePurgeRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc, err := loadDocument(tx, req.Namespace, req.DocID)
		if err != nil {
			return err
		}
		switch doc.Status {
		case domain.StatusPurged:
			return nil
		case domain.StatusPurging:
		default:
			return ErrNotPurging
		}

		now := time.Now().UTC()
		res := tx.Model(&DocumentModel{}).
			Where("id = ? AND namespace = ? AND status = ?", req.DocID, req.Namespace, domain.StatusPurging).
			Updates(map[string]any{
				"status":             string(domain.StatusPurged),
				"purge_completed_at": now,
				"chunk_ids":          nil,
				"cleanup_job_id":     "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		filename := req.Filename
		if filename == "" {
			filename = doc.Filename
		}
		// Trash entry was normally removed by PermanentlyDelete; clear
		// any straggler without requiring one.
		return tx.Where("namespace = ? AND filename = ? AND deleted_at_ms = ?",
			req.Namespace, filename, req.DeletedAtMS).
			Delete(&TrashEntryModel{}).Error
	})
}

// ListTrash returns trash entries most recent first, annotated with the
// whole days remaining before purge. The page token is an opaque cursor
// on deleted_at_ms.
func (s *GormStore) ListTrash(ctx context.Context, namespace string, limit int, pageToken string) (domain.TrashPage, error) {
	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	q := s.db.WithContext(ctx).Model(&TrashEntryModel{})
	if namespace != "" {
		q = q.Where("namespace = ?", namespace)
	}
	if pageToken != "" {
		cursor, err := decodeTrashToken(pageToken)
		if err != nil {
			return domain.TrashPage{}, err
		}
		q = q.Where("deleted_at_ms < ?", cursor)
	}
	var models []TrashEntryModel
	if err := q.Order("deleted_at_ms DESC").Limit(limit + 1).Find(&models).Error; err != nil {
		return domain.TrashPage{}, err
	}

	page := domain.TrashPage{}
	if len(models) > limit {
		models = models[:limit]
		page.NextToken = encodeTrashToken(models[len(models)-1].DeletedAtMS)
	}
	now := time.Now().UTC()
	page.Entries = make([]domain.TrashEntry, 0, len(models))
	for _, m := range models {
		page.Entries = append(page.Entries, trashEntryFromModel(m, now))
	}
	return page, nil
}

// ListExpiredTrash returns entries whose retention has lapsed, oldest first.
func (s *GormStore) ListExpiredTrash(ctx context.Context, limit int) ([]domain.TrashEntry, error) {
	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	now := time.Now().UTC()
	var models []TrashEntryModel
	if err := s.db.WithContext(ctx).
		Where("purge_after <= ?", now).
		Order("purge_after ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.TrashEntry, 0, len(models))
	for _, m := range models {
		entries = append(entries, trashEntryFromModel(m, now))
	}
	return entries, nil
}

// CreateReservation atomically claims an identifier. The insert relies
// on the primary-key constraint: exactly one of any set of concurrent
// callers observes true.
func (s *GormStore) CreateReservation(ctx context.Context, r domain.Reservation) (bool, error) {
	model := reservationToModel(r)
	if model.Status == "" {
		model.Status = string(domain.ReservationPending)
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetReservation returns a completed (or legacy pre-status) reservation.
func (s *GormStore) GetReservation(ctx context.Context, identifier string) (domain.Reservation, bool, error) {
	var model ReservationModel
	err := s.db.WithContext(ctx).First(&model, "identifier = ?", identifier).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reservation{}, false, nil
		}
		return domain.Reservation{}, false, err
	}
	if model.Status == string(domain.ReservationPending) {
		return domain.Reservation{}, false, nil
	}
	return reservationFromModel(model), true, nil
}

// CompleteReservation transitions pending → complete.
func (s *GormStore) CompleteReservation(ctx context.Context, identifier string, chunkCount int) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&ReservationModel{}).
		Where("identifier = ?", identifier).
		Updates(map[string]any{
			"status":      string(domain.ReservationComplete),
			"chunk_count": chunkCount,
			"ingested_at": now,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// ReleaseReservation removes a still-pending reservation so the
// identifier can be retried.
func (s *GormStore) ReleaseReservation(ctx context.Context, identifier string) error {
	res := s.db.WithContext(ctx).
		Where("identifier = ? AND status = ?", identifier, domain.ReservationPending).
		Delete(&ReservationModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrReservationNotFound
	}
	return nil
}

// ListCleanupJobs returns pending jobs oldest first.
func (s *GormStore) ListCleanupJobs(ctx context.Context, limit int) ([]domain.CleanupJob, error) {
	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	var models []CleanupJobModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", domain.JobPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	jobs := make([]domain.CleanupJob, 0, len(models))
	for _, m := range models {
		jobs = append(jobs, cleanupJobFromModel(m))
	}
	return jobs, nil
}

// GetCleanupJob returns a job by ID.
func (s *GormStore) GetCleanupJob(ctx context.Context, id string) (domain.CleanupJob, bool, error) {
	var model CleanupJobModel
	err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.CleanupJob{}, false, nil
		}
		return domain.CleanupJob{}, false, err
	}
	return cleanupJobFromModel(model), true, nil
}

// DeleteCleanupJob removes a finished job.
func (s *GormStore) DeleteCleanupJob(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&CleanupJobModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkCleanupJobFailed bumps the retry counter and parks the job in
// the dead-letter state once retries are exhausted.
func (s *GormStore) MarkCleanupJobFailed(ctx context.Context, id string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model CleanupJobModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrJobNotFound
			}
			return err
		}
		model.RetryCount++
		model.LastError = errMsg
		model.UpdatedAt = time.Now().UTC()
		if model.RetryCount >= model.MaxRetries {
			model.Status = string(domain.JobDeadLetter)
		}
		return tx.Save(&model).Error
	})
}

// ReplaceChunks replaces all chunks for a document.
func (s *GormStore) ReplaceChunks(ctx context.Context, namespace, docID string, chunks []domain.Chunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "namespace = ? AND doc_id = ?", namespace, docID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.DocID = docID
			model.Namespace = namespace
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunksByDocument returns a document's chunks in creation order.
func (s *GormStore) ListChunksByDocument(ctx context.Context, namespace, docID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.WithContext(ctx).
		Where("namespace = ? AND doc_id = ?", namespace, docID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, m := range models {
		chunks = append(chunks, chunkFromModel(m))
	}
	return chunks, nil
}

// DeleteChunks removes chunks by ID.
func (s *GormStore) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&ChunkModel{}, "id IN ?", chunkIDs).Error
}

type chunkDistance struct {
	ChunkModel
	Distance float64
}

// SearchChunks ranks chunks by cosine distance within a namespace.
// Filter pairs must all be present in the chunk metadata.
func (s *GormStore) SearchChunks(ctx context.Context, namespace string, embedding []float32, limit int, filter map[string]string) ([]domain.SearchResult, error) {
	if limit <= 0 {
		return []domain.SearchResult{}, nil
	}
	if err := s.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(embedding)
	q := s.db.WithContext(ctx).Model(&ChunkModel{}).
		Select("*, embedding <=> ? AS distance", vec).
		Where("namespace = ? AND embedding IS NOT NULL", namespace)
	if len(filter) > 0 {
		raw, err := json.Marshal(filter)
		if err != nil {
			return nil, err
		}
		q = q.Where("metadata @> ?", string(raw))
	}
	var rows []chunkDistance
	if err := q.Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	results := make([]domain.SearchResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, domain.SearchResult{
			Chunk: chunkFromModel(row.ChunkModel),
			Score: 1 - row.Distance,
		})
	}
	return results, nil
}

func (s *GormStore) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if s.embeddingDim > 0 && len(embedding) != s.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), s.embeddingDim)
	}
	return nil
}

func loadDocument(tx *gorm.DB, namespace, docID string) (domain.Document, error) {
	var model DocumentModel
	if err := tx.First(&model, "id = ? AND namespace = ?", docID, namespace).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Document{}, ErrNotFound
		}
		return domain.Document{}, err
	}
	return documentFromModel(model), nil
}

func requireStatus(got, want domain.DocumentStatus) error {
	if got == want {
		return nil
	}
	switch got {
	case domain.StatusDeleting:
		return ErrAlreadyInTrash
	case domain.StatusPurging:
		return ErrAlreadyPurging
	case domain.StatusPurged:
		return ErrAlreadyPurged
	default:
		return fmt.Errorf("unexpected status %q", got)
	}
}

func encodeTrashToken(deletedAtMS int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.FormatInt(deletedAtMS, 10)))
}

func decodeTrashToken(token string) (int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0, fmt.Errorf("invalid page token")
	}
	cursor, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid page token")
	}
	return cursor, nil
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func documentToModel(d domain.Document) DocumentModel {
	return DocumentModel{
		ID:                 d.ID,
		Namespace:          d.Namespace,
		Filename:           d.Filename,
		ChunkIDs:           encodeStrings(d.ChunkIDs),
		Status:             string(d.Status),
		Summary:            d.Summary,
		SummaryEmbeddingID: d.SummaryEmbeddingID,
		Headings:           encodeStrings(d.Headings),
		Metadata:           encodeMap(d.Metadata),
		ContentHash:        d.ContentHash,
		SourcePath:         d.SourcePath,
		StorageKey:         d.StorageKey,
		CreatedAt:          d.CreatedAt,
		DeletedAt:          d.DeletedAt,
		DeletedBy:          d.DeletedBy,
		DeleteReason:       d.DeleteReason,
		PurgeAfter:         d.PurgeAfter,
		RestoredAt:         d.RestoredAt,
		PurgeStartedAt:     d.PurgeStartedAt,
		PurgeCompletedAt:   d.PurgeCompletedAt,
		CleanupJobID:       d.CleanupJobID,
	}
}

func documentFromModel(m DocumentModel) domain.Document {
	return domain.Document{
		ID:                 m.ID,
		Namespace:          m.Namespace,
		Filename:           m.Filename,
		ChunkIDs:           decodeStrings(m.ChunkIDs),
		Status:             domain.DocumentStatus(m.Status),
		Summary:            m.Summary,
		SummaryEmbeddingID: m.SummaryEmbeddingID,
		Headings:           decodeStrings(m.Headings),
		Metadata:           decodeMap(m.Metadata),
		ContentHash:        m.ContentHash,
		SourcePath:         m.SourcePath,
		StorageKey:         m.StorageKey,
		CreatedAt:          m.CreatedAt,
		DeletedAt:          m.DeletedAt,
		DeletedBy:          m.DeletedBy,
		DeleteReason:       m.DeleteReason,
		PurgeAfter:         m.PurgeAfter,
		RestoredAt:         m.RestoredAt,
		PurgeStartedAt:     m.PurgeStartedAt,
		PurgeCompletedAt:   m.PurgeCompletedAt,
		CleanupJobID:       m.CleanupJobID,
	}
}

func trashEntryFromModel(m TrashEntryModel, now time.Time) domain.TrashEntry {
	return domain.TrashEntry{
		Namespace:      m.Namespace,
		Filename:       m.Filename,
		DeletedAtMS:    m.DeletedAtMS,
		DocID:          m.DocID,
		DeletedBy:      m.DeletedBy,
		DeleteReason:   m.DeleteReason,
		ChunkCount:     m.ChunkCount,
		PurgeAfter:     m.PurgeAfter,
		DaysUntilPurge: daysUntilPurge(m.PurgeAfter, now),
	}
}

func reservationToModel(r domain.Reservation) ReservationModel {
	return ReservationModel{
		Identifier:     r.Identifier,
		Namespace:      r.Namespace,
		DocID:          r.DocID,
		ContentHash:    r.ContentHash,
		Filename:       r.Filename,
		SourcePath:     r.SourcePath,
		FileSize:       r.FileSize,
		FileModifiedAt: r.FileModifiedAt,
		Metadata:       encodeMap(r.Metadata),
		Status:         string(r.Status),
		ChunkCount:     r.ChunkCount,
		IngestedAt:     r.IngestedAt,
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
	}
}

func reservationFromModel(m ReservationModel) domain.Reservation {
	return domain.Reservation{
		Identifier:     m.Identifier,
		Namespace:      m.Namespace,
		DocID:          m.DocID,
		ContentHash:    m.ContentHash,
		Filename:       m.Filename,
		SourcePath:     m.SourcePath,
		FileSize:       m.FileSize,
		FileModifiedAt: m.FileModifiedAt,
		Metadata:       decodeMap(m.Metadata),
		Status:         reservationStatus(m.Status),
		ChunkCount:     m.ChunkCount,
		IngestedAt:     m.IngestedAt,
		Version:        m.Version,
		CreatedAt:      m.CreatedAt,
	}
}

// reservationStatus treats a missing status as complete for records
// predating the field.
func reservationStatus(s string) domain.ReservationStatus {
	if s == "" {
		return domain.ReservationComplete
	}
	return domain.ReservationStatus(s)
}

func cleanupJobFromModel(m CleanupJobModel) domain.CleanupJob {
	return domain.CleanupJob{
		ID:         m.ID,
		DocID:      m.DocID,
		Namespace:  m.Namespace,
		ChunkIDs:   decodeStrings(m.ChunkIDs),
		StorageKey: m.StorageKey,
		RetryCount: m.RetryCount,
		MaxRetries: m.MaxRetries,
		Status:     domain.CleanupJobStatus(m.Status),
		LastError:  m.LastError,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func chunkToModel(chunk domain.Chunk) ChunkModel {
	model := ChunkModel{
		ID:        chunk.ID,
		DocID:     chunk.DocID,
		Namespace: chunk.Namespace,
		Content:   chunk.Content,
		Metadata:  encodeMap(chunk.Metadata),
		CreatedAt: chunk.CreatedAt,
	}
	if len(chunk.Embedding) > 0 {
		vec := pgvector.NewVector(chunk.Embedding)
		model.Embedding = &vec
	}
	return model
}

func chunkFromModel(model ChunkModel) domain.Chunk {
	chunk := domain.Chunk{
		ID:        model.ID,
		DocID:     model.DocID,
		Namespace: model.Namespace,
		Content:   model.Content,
		Metadata:  decodeMap(model.Metadata),
		CreatedAt: model.CreatedAt,
	}
	if model.Embedding != nil {
		chunk.Embedding = model.Embedding.Slice()
	}
	return chunk
}

func encodeStrings(values []string) []byte {
	if len(values) == 0 {
		return nil
	}
	raw, _ := json.Marshal(values)
	return raw
}

func decodeStrings(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	_ = json.Unmarshal(raw, &values)
	return values
}

func encodeMap(m map[string]string) []byte {
	if len(m) == 0 {
		return nil
	}
	raw, _ := json.Marshal(m)
	return raw
}

func decodeMap(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	_ = json.Unmarshal(raw, &m)
	return m
}
