package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/stache-ai/stache-ai-sub000/internal/config"
	"github.com/stache-ai/stache-ai-sub000/internal/server"
	"github.com/stache-ai/stache-ai-sub000/internal/util"
	"github.com/stache-ai/stache-ai-sub000/pkg/chain"
	"github.com/stache-ai/stache-ai-sub000/pkg/cleanup"
	"github.com/stache-ai/stache-ai-sub000/pkg/domain"
	"github.com/stache-ai/stache-ai-sub000/pkg/pipeline"
	"github.com/stache-ai/stache-ai-sub000/pkg/queue"
	"github.com/stache-ai/stache-ai-sub000/pkg/registry"
	"github.com/stache-ai/stache-ai-sub000/pkg/stages"
	"github.com/stache-ai/stache-ai-sub000/pkg/storage"
	"github.com/stache-ai/stache-ai-sub000/pkg/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("STACHE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	st, err := buildStore(cfg)
	if err != nil {
		log.Fatalf("failed to init store: %v", err)
	}

	var objects storage.ObjectStore
	if cfg.MinioEndpoint != "" {
		objects, err = storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("failed to init object store: %v", err)
		}
	}

	var reservations store.ReservationStore = st
	if cfg.ReservationBackend == "redis" {
		reservations, err = registry.NewRedisReservationStore(registry.RedisStoreConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			log.Fatalf("failed to init reservation store: %v", err)
		}
	}
	reg := registry.New(reservations, logger)

	var cleanupQueue *queue.RedisCleanupQueue
	if cfg.QueueStream != "" {
		cleanupQueue, err = queue.NewRedisCleanupQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
			RetryDelay: time.Duration(cfg.QueueRetryDelaySeconds) * time.Second,
		})
		if err != nil {
			log.Fatalf("failed to init cleanup queue: %v", err)
		}
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		log.Fatalf("failed to init embedder: %v", err)
	}

	chains, err := buildChains(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build stage chains: %v", err)
	}

	var notify cleanup.Notifier
	var source cleanup.Source
	if cleanupQueue != nil {
		notify = cleanupQueue
		source = cleanupQueue
	}

	pl, err := pipeline.New(pipeline.Config{
		Store:    st,
		Objects:  objects,
		Registry: reg,
		Embedder: embedder,
		Chunker:  pipeline.ParagraphChunker{MaxChars: cfg.ChunkMaxChars},
		Notify:   notify,
		Chains:   chains,
		Logger:   logger,
	})
	if err != nil {
		log.Fatalf("failed to init pipeline: %v", err)
	}

	worker := cleanup.NewWorker(st, objects, source, notify, logger, cleanup.Config{
		PollInterval:  time.Duration(cfg.CleanupPollSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.CleanupSweepSeconds) * time.Second,
		Concurrency:   cfg.QueueConcurrency,
	})

	httpServer, err := server.New(server.Config{Pipeline: pl, Store: st})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("stached listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "err", err)
	}
}

func buildStore(cfg config.FileConfig) (store.Store, error) {
	if cfg.StoreBackend == "memory" {
		return store.NewMemoryStore(), nil
	}
	var opts []store.GormStoreOption
	if cfg.EmbeddingDim > 0 {
		opts = append(opts, store.WithEmbeddingDim(cfg.EmbeddingDim))
	}
	if cfg.JobMaxRetries > 0 {
		opts = append(opts, store.WithJobMaxRetries(cfg.JobMaxRetries))
	}
	return store.NewGormStore(cfg.DatabaseURL, opts...)
}

func buildEmbedder(cfg config.FileConfig) (pipeline.Embedder, error) {
	provider := cfg.EmbedderProvider
	if provider == "" {
		provider = "hash"
	}
	return pipeline.OpenEmbedder(provider, cfg.EmbedderModel)
}

// buildChains assembles the default stage set. A misdeclared stage
// graph fails here, before the server starts taking traffic.
func buildChains(cfg config.FileConfig, logger *slog.Logger) (pipeline.Chains, error) {
	enrichers, err := chain.New[*pipeline.Draft](logger,
		stages.NewWhitespaceNormalizer(),
		stages.NewHeadingExtractor(),
	)
	if err != nil {
		return pipeline.Chains{}, err
	}
	chunkObservers, err := chain.New[[]domain.Chunk](logger,
		stages.NewChunkLogger(logger),
	)
	if err != nil {
		return pipeline.Chains{}, err
	}
	queryProcessors, err := chain.New[*chain.QueryContext](logger,
		stages.NewQueryTrimmer(),
		stages.NewSynonymExpander(cfg.Synonyms),
	)
	if err != nil {
		return pipeline.Chains{}, err
	}
	resultProcessors, err := chain.New[[]domain.SearchResult](logger,
		stages.NewScoreThreshold(cfg.ScoreThreshold),
		stages.NewResultDeduper(),
	)
	if err != nil {
		return pipeline.Chains{}, err
	}
	deleteObservers, err := chain.New[*pipeline.DeleteEvent](logger,
		stages.NewNamespaceGuard(cfg.ProtectedNamespaces),
	)
	if err != nil {
		return pipeline.Chains{}, err
	}
	return pipeline.Chains{
		Enrichers:        enrichers,
		ChunkObservers:   chunkObservers,
		QueryProcessors:  queryProcessors,
		ResultProcessors: resultProcessors,
		DeleteObservers:  deleteObservers,
	}, nil
}
