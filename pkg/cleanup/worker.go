// Package cleanup runs the background half of permanent deletion:
// consuming cleanup notifications, executing vector and object
// removal, and sweeping the trash for entries past retention.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/queue"
	"github.com/stache-ai/stache-ai-sub000/pkg/storage"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

const (
	defaultPollInterval  = 30 * time.Second
	defaultSweepInterval = time.Hour
	defaultBatchSize     = 100
	defaultConcurrency   = 2
)

// Notifier publishes cleanup wake-ups. Satisfied by
// queue.RedisCleanupQueue.
type Notifier interface {
	Enqueue(ctx context.Context, n queue.Notification) error
}

// Source delivers cleanup wake-ups to a handler. Satisfied by
// queue.RedisCleanupQueue.
type Source interface {
	Start(ctx context.Context, concurrency int, handler func(context.Context, queue.Notification) error)
}

// Config tunes the worker loops. Zero values select defaults; a nil
// Source degrades the worker to polling only.
type Config struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	BatchSize     int
	Concurrency   int
}

// Worker executes cleanup jobs. Job state is authoritative in the
// store, so every path here is safe to repeat: the queue, the poll
// loop, and the sweep may all hand over the same job without harm.
type Worker struct {
	store   store.Store
	objects storage.ObjectStore
	source  Source
	notify  Notifier
	logger  *slog.Logger
	cfg     Config
}

func NewWorker(st store.Store, objects storage.ObjectStore, source Source, notify Notifier, logger *slog.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	return &Worker{
		store:   st,
		objects: objects,
		source:  source,
		notify:  notify,
		logger:  logger.With("component", "cleanup"),
		cfg:     cfg,
	}
}

// Run blocks until ctx is cancelled, driving the notification
// consumer, the pending-job poller, and the retention sweep.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if w.source != nil {
		w.source.Start(ctx, w.cfg.Concurrency, func(ctx context.Context, n queue.Notification) error {
			return w.ProcessJob(ctx, n.JobID)
		})
	}

	g.Go(func() error { return w.pollLoop(ctx) })
	g.Go(func() error { return w.sweepLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.PollOnce(ctx); err != nil {
				w.logger.Warn("cleanup poll failed", "error", err)
			}
		}
	}
}

func (w *Worker) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.SweepOnce(ctx); err != nil {
				w.logger.Warn("trash sweep failed", "error", err)
			}
		}
	}
}

// PollOnce processes every pending cleanup job the store currently
// lists. It is the recovery path for lost notifications.
func (w *Worker) PollOnce(ctx context.Context) error {
	jobs, err := w.store.ListCleanupJobs(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list cleanup jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Status != domain.JobPending {
			continue
		}
		if err := w.ProcessJob(ctx, job.ID); err != nil {
			w.logger.Warn("cleanup job failed", "job_id", job.ID, "doc_id", job.DocID, "error", err)
		}
	}
	return nil
}

// SweepOnce permanently deletes every trash entry whose retention has
// expired, enqueueing the resulting cleanup jobs.
func (w *Worker) SweepOnce(ctx context.Context) error {
	entries, err := w.store.ListExpiredTrash(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired trash: %w", err)
	}
	for _, entry := range entries {
		result, err := w.store.PermanentlyDelete(ctx, store.PurgeRequest{
			DocID:       entry.DocID,
			Namespace:   entry.Namespace,
			DeletedAtMS: entry.DeletedAtMS,
			DeletedBy:   "retention-sweep",
			Filename:    entry.Filename,
		})
		if err != nil {
			// the entry may have been restored or purged between list
			// and delete
			if store.IsInvalidState(err) || errors.Is(err, store.ErrNotFound) {
				continue
			}
			w.logger.Warn("sweep purge failed",
				"doc_id", entry.DocID, "namespace", entry.Namespace, "error", err)
			continue
		}
		w.logger.Info("trash entry expired",
			"doc_id", entry.DocID, "namespace", entry.Namespace, "job_id", result.CleanupJobID)
		w.publish(ctx, result.CleanupJobID, entry.DocID, entry.Namespace)
	}
	return nil
}

func (w *Worker) publish(ctx context.Context, jobID, docID, namespace string) {
	if w.notify == nil || jobID == "" {
		return
	}
	err := w.notify.Enqueue(ctx, queue.Notification{JobID: jobID, DocID: docID, Namespace: namespace})
	if err != nil {
		// the poll loop recovers jobs whose notification was lost
		w.logger.Warn("enqueue cleanup notification failed", "job_id", jobID, "error", err)
	}
}

// ProcessJob executes one cleanup job end to end: chunk deletion,
// object deletion, tombstone transition, then job removal. A missing
// or dead-lettered job is not an error.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	job, ok, err := w.store.GetCleanupJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get cleanup job: %w", err)
	}
	if !ok || job.Status == domain.JobDeadLetter {
		return nil
	}

	if err := w.execute(ctx, job); err != nil {
		if markErr := w.store.MarkCleanupJobFailed(ctx, job.ID, err.Error()); markErr != nil {
			w.logger.Warn("mark cleanup job failed", "job_id", job.ID, "error", markErr)
		}
		return err
	}
	return w.store.DeleteCleanupJob(ctx, job.ID)
}

func (w *Worker) execute(ctx context.Context, job domain.CleanupJob) error {
	// a restore may have won the race after the job was created; only a
	// document still purging under this exact job may lose data
	doc, ok, err := w.store.GetDocument(ctx, job.Namespace, job.DocID)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}
	if !ok || doc.Status != domain.StatusPurging || doc.CleanupJobID != job.ID {
		w.logger.Info("cleanup job superseded", "job_id", job.ID, "doc_id", job.DocID)
		return nil
	}

	if len(job.ChunkIDs) > 0 {
		if err := w.store.DeleteChunks(ctx, job.ChunkIDs); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}
	if w.objects != nil && job.StorageKey != "" {
		if err := w.objects.Delete(ctx, job.StorageKey); err != nil {
			return fmt.Errorf("delete object: %w", err)
		}
	}
	err = w.store.CompletePermanentDelete(ctx, store.CompletePurgeRequest{
		DocID:     job.DocID,
		Namespace: job.Namespace,
	})
	if err != nil {
		// a restore that raced the purge wins; drop the job
		if errors.Is(err, store.ErrNotPurging) || errors.Is(err, store.ErrNotFound) {
			w.logger.Info("cleanup job superseded", "job_id", job.ID, "doc_id", job.DocID)
			return nil
		}
		return fmt.Errorf("complete permanent delete: %w", err)
	}
	return nil
}
