package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
)

// MemoryStore implements Store with in-process maps guarded by one
// mutex. The lock makes every operation atomic, giving the same
// all-or-nothing transition guarantees as the Postgres backend.
// Intended for tests and single-process deployments.
type MemoryStore struct {
	mu            sync.Mutex
	documents     map[string]domain.Document    // key: namespace/docID
	trash         map[string]domain.TrashEntry  // key: namespace/filename/deletedAtMS
	reservations  map[string]domain.Reservation // key: identifier
	jobs          map[string]domain.CleanupJob  // key: job ID
	chunks        map[string]domain.Chunk       // key: chunk ID
	jobMaxRetries int
	now           func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents:     make(map[string]domain.Document),
		trash:         make(map[string]domain.TrashEntry),
		reservations:  make(map[string]domain.Reservation),
		jobs:          make(map[string]domain.CleanupJob),
		chunks:        make(map[string]domain.Chunk),
		jobMaxRetries: domain.DefaultJobMaxRetries,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store clock, for tests that manipulate
// retention windows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func docKey(namespace, docID string) string {
	return namespace + "/" + docID
}

func trashKey(namespace, filename string, deletedAtMS int64) string {
	return fmt.Sprintf("%s/%s/%d", namespace, filename, deletedAtMS)
}

func (s *MemoryStore) CreateDocument(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.Status == "" {
		doc.Status = domain.StatusActive
	}
	key := docKey(doc.Namespace, doc.ID)
	if _, exists := s.documents[key]; exists {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	s.documents[key] = doc
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, namespace, docID string) (domain.Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[docKey(namespace, docID)]
	return doc, ok, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, namespace string) ([]domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []domain.Document
	for _, doc := range s.documents {
		if doc.Namespace == namespace {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].CreatedAt.Before(docs[j].CreatedAt) })
	return docs, nil
}

func (s *MemoryStore) SoftDelete(_ context.Context, req SoftDeleteRequest) (domain.SoftDeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(req.Namespace, req.DocID)
	doc, ok := s.documents[key]
	if !ok {
		return domain.SoftDeleteResult{}, ErrNotFound
	}
	if err := requireStatus(doc.Status, domain.StatusActive); err != nil {
		return domain.SoftDeleteResult{}, err
	}

	now := s.now()
	purgeAfter := now.Add(domain.TrashRetention)
	doc.Status = domain.StatusDeleting
	doc.DeletedAt = &now
	doc.DeletedBy = req.DeletedBy
	doc.DeleteReason = req.Reason
	doc.PurgeAfter = &purgeAfter
	s.documents[key] = doc

	entry := domain.TrashEntry{
		Namespace:    doc.Namespace,
		Filename:     doc.Filename,
		DeletedAtMS:  now.UnixMilli(),
		DocID:        doc.ID,
		DeletedBy:    req.DeletedBy,
		DeleteReason: req.Reason,
		ChunkCount:   len(doc.ChunkIDs),
		PurgeAfter:   purgeAfter,
	}
	s.trash[trashKey(entry.Namespace, entry.Filename, entry.DeletedAtMS)] = entry

	return domain.SoftDeleteResult{
		DocID:       doc.ID,
		Filename:    doc.Filename,
		ChunkIDs:    append([]string(nil), doc.ChunkIDs...),
		DeletedAt:   now,
		DeletedAtMS: now.UnixMilli(),
		PurgeAfter:  purgeAfter,
	}, nil
}

func (s *MemoryStore) Restore(_ context.Context, req RestoreRequest) (domain.RestoreResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(req.Namespace, req.DocID)
	doc, ok := s.documents[key]
	if !ok {
		return domain.RestoreResult{}, ErrNotFound
	}
	switch doc.Status {
	case domain.StatusDeleting, domain.StatusPurging:
	case domain.StatusActive:
		return domain.RestoreResult{}, ErrNotInTrash
	case domain.StatusPurged:
		return domain.RestoreResult{}, ErrAlreadyPurged
	default:
		return domain.RestoreResult{}, fmt.Errorf("unexpected status %q", doc.Status)
	}

	fromPurging := doc.Status == domain.StatusPurging

	// permanently_delete already removed the trash entry, so a restore
	// from purging proceeds without one
	tk := trashKey(req.Namespace, doc.Filename, req.DeletedAtMS)
	if _, ok := s.trash[tk]; !ok && !fromPurging {
		return domain.RestoreResult{}, ErrTrashEntryNotFound
	}
	now := s.now()
	doc.Status = domain.StatusActive
	doc.RestoredAt = &now
	doc.DeletedAt = nil
	doc.DeletedBy = ""
	doc.DeleteReason = ""
	doc.PurgeAfter = nil
	doc.PurgeStartedAt = nil
	doc.CleanupJobID = ""
	s.documents[key] = doc
	delete(s.trash, tk)

	return domain.RestoreResult{Document: doc, VectorWarning: fromPurging}, nil
}

func (s *MemoryStore) PermanentlyDelete(_ context.Context, req PurgeRequest) (domain.PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(req.Namespace, req.DocID)
	doc, ok := s.documents[key]
	if !ok {
		return domain.PurgeResult{}, ErrNotFound
	}
	switch doc.Status {
	case domain.StatusActive:
		return domain.PurgeResult{}, ErrNotInTrash
	case domain.StatusPurged:
		return domain.PurgeResult{}, ErrAlreadyPurged
	}

	filename := req.Filename
	if filename == "" {
		filename = doc.Filename
	}

	if doc.Status == domain.StatusPurging && doc.CleanupJobID != "" {
		if job, ok := s.jobs[doc.CleanupJobID]; ok {
			var started time.Time
			if doc.PurgeStartedAt != nil {
				started = *doc.PurgeStartedAt
			}
			return domain.PurgeResult{
				DocID:          doc.ID,
				ChunkIDs:       append([]string(nil), job.ChunkIDs...),
				CleanupJobID:   job.ID,
				PurgeStartedAt: started,
				AlreadyPurging: true,
			}, nil
		}
	}

	tk := trashKey(req.Namespace, filename, req.DeletedAtMS)
	if _, ok := s.trash[tk]; !ok && doc.Status == domain.StatusDeleting {
		return domain.PurgeResult{}, ErrTrashEntryNotFound
	}

	now := s.now()
	jobID := uuid.NewString()
	doc.Status = domain.StatusPurging
	doc.PurgeStartedAt = &now
	doc.CleanupJobID = jobID
	s.documents[key] = doc

	job := domain.CleanupJob{
		ID:         jobID,
		DocID:      doc.ID,
		Namespace:  doc.Namespace,
		ChunkIDs:   append([]string(nil), doc.ChunkIDs...),
		StorageKey: doc.StorageKey,
		MaxRetries: s.jobMaxRetries,
		Status:     domain.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.jobs[jobID] = job
	delete(s.trash, tk)

	return domain.PurgeResult{
		DocID:          doc.ID,
		ChunkIDs:       append([]string(nil), doc.ChunkIDs...),
		CleanupJobID:   jobID,
		PurgeStartedAt: now,
	}, nil
}

func (s *MemoryStore) CompletePermanentDelete(_ context.Context, req CompletePurgeRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey(req.Namespace, req.DocID)
	doc, ok := s.documents[key]
	if !ok {
		return ErrNotFound
	}
	switch doc.Status {
	case domain.StatusPurged:
		return nil
	case domain.StatusPurging:
	default:
		return ErrNotPurging
	}

	now := s.now()
	doc.Status = domain.StatusPurged
	doc.PurgeCompletedAt = &now
	doc.ChunkIDs = nil
	doc.CleanupJobID = ""
	s.documents[key] = doc

	filename := req.Filename
	if filename == "" {
		filename = doc.Filename
	}
	delete(s.trash, trashKey(req.Namespace, filename, req.DeletedAtMS))
	return nil
}

func (s *MemoryStore) ListTrash(_ context.Context, namespace string, limit int, pageToken string) (domain.TrashPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	var cursor int64
	if pageToken != "" {
		c, err := decodeTrashToken(pageToken)
		if err != nil {
			return domain.TrashPage{}, err
		}
		cursor = c
	}

	var entries []domain.TrashEntry
	for _, entry := range s.trash {
		if namespace != "" && entry.Namespace != namespace {
			continue
		}
		if cursor > 0 && entry.DeletedAtMS >= cursor {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].DeletedAtMS > entries[j].DeletedAtMS })

	page := domain.TrashPage{}
	if len(entries) > limit {
		entries = entries[:limit]
		page.NextToken = encodeTrashToken(entries[len(entries)-1].DeletedAtMS)
	}
	now := s.now()
	for i := range entries {
		entries[i].DaysUntilPurge = daysUntilPurge(entries[i].PurgeAfter, now)
	}
	page.Entries = entries
	return page, nil
}

func (s *MemoryStore) ListExpiredTrash(_ context.Context, limit int) ([]domain.TrashEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	now := s.now()
	var entries []domain.TrashEntry
	for _, entry := range s.trash {
		if !entry.PurgeAfter.After(now) {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].PurgeAfter.Before(entries[j].PurgeAfter) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *MemoryStore) CreateReservation(_ context.Context, r domain.Reservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.reservations[r.Identifier]; exists {
		return false, nil
	}
	if r.Status == "" {
		r.Status = domain.ReservationPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.reservations[r.Identifier] = r
	return true, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, identifier string) (domain.Reservation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[identifier]
	if !ok || r.Status == domain.ReservationPending {
		return domain.Reservation{}, false, nil
	}
	if r.Status == "" {
		r.Status = domain.ReservationComplete
	}
	return r, true, nil
}

func (s *MemoryStore) CompleteReservation(_ context.Context, identifier string, chunkCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[identifier]
	if !ok {
		return ErrReservationNotFound
	}
	now := s.now()
	r.Status = domain.ReservationComplete
	r.ChunkCount = chunkCount
	r.IngestedAt = &now
	r.Version++
	s.reservations[identifier] = r
	return nil
}

func (s *MemoryStore) ReleaseReservation(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[identifier]
	if !ok || r.Status != domain.ReservationPending {
		return ErrReservationNotFound
	}
	delete(s.reservations, identifier)
	return nil
}

func (s *MemoryStore) ListCleanupJobs(_ context.Context, limit int) ([]domain.CleanupJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = defaultTrashPageSize
	}
	var jobs []domain.CleanupJob
	for _, job := range s.jobs {
		if job.Status == domain.JobPending {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) GetCleanupJob(_ context.Context, id string) (domain.CleanupJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryStore) DeleteCleanupJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) MarkCleanupJobFailed(_ context.Context, id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	job.RetryCount++
	job.LastError = errMsg
	job.UpdatedAt = s.now()
	if job.RetryCount >= job.MaxRetries {
		job.Status = domain.JobDeadLetter
	}
	s.jobs[id] = job
	return nil
}

func (s *MemoryStore) ReplaceChunks(_ context.Context, namespace, docID string, chunks []domain.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, chunk := range s.chunks {
		if chunk.Namespace == namespace && chunk.DocID == docID {
			delete(s.chunks, id)
		}
	}
	for _, chunk := range chunks {
		chunk.Namespace = namespace
		chunk.DocID = docID
		s.chunks[chunk.ID] = chunk
	}
	return nil
}

func (s *MemoryStore) ListChunksByDocument(_ context.Context, namespace, docID string) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chunks []domain.Chunk
	for _, chunk := range s.chunks {
		if chunk.Namespace == namespace && chunk.DocID == docID {
			chunks = append(chunks, chunk)
		}
	}
	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].CreatedAt.Equal(chunks[j].CreatedAt) {
			return chunks[i].ID < chunks[j].ID
		}
		return chunks[i].CreatedAt.Before(chunks[j].CreatedAt)
	})
	return chunks, nil
}

func (s *MemoryStore) DeleteChunks(_ context.Context, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.chunks, id)
	}
	return nil
}

// SearchChunks ranks chunks by cosine similarity (brute force).
func (s *MemoryStore) SearchChunks(_ context.Context, namespace string, embedding []float32, limit int, filter map[string]string) ([]domain.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return []domain.SearchResult{}, nil
	}
	var results []domain.SearchResult
	for _, chunk := range s.chunks {
		if chunk.Namespace != namespace || len(chunk.Embedding) == 0 {
			continue
		}
		if !matchesFilter(chunk.Metadata, filter) {
			continue
		}
		results = append(results, domain.SearchResult{
			Chunk: chunk,
			Score: cosineSimilarity(embedding, chunk.Embedding),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].Chunk.ID < results[j].Chunk.ID
		}
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
