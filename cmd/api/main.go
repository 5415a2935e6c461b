package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/filingsight/ingest-back/internal/archive"
	"github.com/filingsight/ingest-back/internal/cache"
	"github.com/filingsight/ingest-back/internal/chunker"
	"github.com/filingsight/ingest-back/internal/config"
	"github.com/filingsight/ingest-back/internal/edgar"
	"github.com/filingsight/ingest-back/internal/embedding"
	"github.com/filingsight/ingest-back/internal/gateway"
	httpserver "github.com/filingsight/ingest-back/internal/http"
	"github.com/filingsight/ingest-back/internal/http/handlers"
	"github.com/filingsight/ingest-back/internal/ingest"
	"github.com/filingsight/ingest-back/internal/queue"
	"github.com/filingsight/ingest-back/internal/repository"
	"github.com/filingsight/ingest-back/internal/service"
	"github.com/filingsight/ingest-back/internal/vectorindex"
	"github.com/filingsight/ingest-back/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[ingest-back] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	companiesRepo, runsRepo, repoCloser := setupRepositories(ctx, cfg, logger)
	defer repoCloser()

	index, indexCloser := setupIndex(ctx, cfg, logger)
	defer indexCloser()

	producer, consumer, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	fetcher := edgar.NewClient(edgar.ClientConfig{
		BaseURL:           cfg.EdgarBaseURL,
		DataBaseURL:       cfg.EdgarDataBaseURL,
		UserAgent:         cfg.EdgarUserAgent,
		RequestsPerSecond: cfg.EdgarRequestsPerSecond,
		MaxRetries:        cfg.EdgarMaxRetries,
		Backoff:           time.Duration(cfg.EdgarBackoffMS) * time.Millisecond,
		Timeout:           time.Duration(cfg.EdgarTimeoutMS) * time.Millisecond,
		YearMin:           cfg.IngestYearMin,
		YearMax:           cfg.IngestYearMax,
	})
	embedder := embedding.NewClient(embedding.ClientConfig{
		APIKey:     cfg.OpenAIAPIKey,
		BaseURL:    cfg.OpenAIBaseURL,
		Model:      cfg.OpenAIEmbeddingModel,
		Dimensions: cfg.OpenAIEmbeddingDimensions,
		Timeout:    time.Duration(cfg.OpenAITimeoutMS) * time.Millisecond,
		MaxRetries: cfg.OpenAIMaxRetries,
	})
	splitter := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	indexer := gateway.New(gateway.Dependencies{
		Embedder:  embedder,
		Index:     index,
		BatchSize: cfg.IngestBatchSize,
		Logger:    logger,
	})

	var archiver ingest.Archiver
	if cfg.ArchiveDir != "" {
		dirArchive, err := archive.NewDirArchive(cfg.ArchiveDir)
		if err != nil {
			logger.Printf("filing archive disabled: %v", err)
		} else {
			archiver = dirArchive
			logger.Printf("filing archive enabled dir=%s", cfg.ArchiveDir)
		}
	}

	orchestrator := ingest.New(ingest.Dependencies{
		Fetcher:      fetcher,
		Splitter:     splitter,
		Indexer:      indexer,
		Archiver:     archiver,
		YearMin:      cfg.IngestYearMin,
		YearMax:      cfg.IngestYearMax,
		StageTimeout: time.Duration(cfg.IngestStageTimeout) * time.Millisecond,
		Logger:       logger,
	})

	queryCache := cache.NewEmbeddingCache(cache.Config{
		TTL:        time.Duration(cfg.EmbedCacheTTLSeconds) * time.Second,
		MaxEntries: cfg.EmbedCacheMaxEntries,
	})

	registry := service.NewCancelRegistry()
	companiesService := service.NewCompaniesService(companiesRepo)
	ingestionsService := service.NewIngestionsService(runsRepo, companiesRepo, producer, orchestrator, registry)
	searchService := service.NewSearchService(service.SearchConfig{
		Embedder:     embedder,
		Index:        index,
		Cache:        queryCache,
		Model:        cfg.OpenAIEmbeddingModel,
		DefaultLimit: cfg.SearchDefaultLimit,
		MaxLimit:     cfg.SearchMaxLimit,
	})
	statsService := service.NewStatsService(companiesRepo, runsRepo, index)
	api := handlers.NewAPI(companiesService, ingestionsService, searchService, statsService, index)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    splitOrigins(cfg.CORSAllowedOrigins),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	if cfg.WorkerEnabled {
		processor := worker.NewProcessor(consumer, runsRepo, orchestrator, registry, logger)
		go processor.Start(ctx)
		logger.Printf("worker enabled and started")
	} else {
		logger.Printf("worker disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupRepositories(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.CompaniesRepository, repository.RunsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repositories")
		return repository.NewMemoryCompaniesRepository(), repository.NewMemoryRunsRepository(), func() {}
	}

	pool, err := repository.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to connect to postgres, fallback to memory repositories: %v", err)
		return repository.NewMemoryCompaniesRepository(), repository.NewMemoryRunsRepository(), func() {}
	}

	companies, err := repository.NewPostgresCompaniesRepository(ctx, pool)
	if err != nil {
		pool.Close()
		logger.Printf("failed to initialize companies repository, fallback to memory: %v", err)
		return repository.NewMemoryCompaniesRepository(), repository.NewMemoryRunsRepository(), func() {}
	}
	runs, err := repository.NewPostgresRunsRepository(ctx, pool)
	if err != nil {
		pool.Close()
		logger.Printf("failed to initialize runs repository, fallback to memory: %v", err)
		return repository.NewMemoryCompaniesRepository(), repository.NewMemoryRunsRepository(), func() {}
	}

	logger.Printf("postgres repositories initialized")
	return companies, runs, func() {
		pool.Close()
	}
}

func setupIndex(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (vectorindex.Index, func()) {
	if cfg.QdrantURL != "" {
		qdrant := vectorindex.NewQdrant(vectorindex.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dimensions: cfg.OpenAIEmbeddingDimensions,
		})
		if err := qdrant.Init(ctx); err != nil {
			logger.Printf("failed to initialize qdrant collection, trying next index: %v", err)
		} else {
			logger.Printf("qdrant index initialized collection=%s", cfg.QdrantCollection)
			return qdrant, func() {}
		}
	}

	if cfg.DatabaseURL != "" {
		pgIndex, err := vectorindex.NewPGVector(ctx, cfg.DatabaseURL, cfg.OpenAIEmbeddingDimensions)
		if err != nil {
			logger.Printf("failed to initialize pgvector index, fallback to memory: %v", err)
		} else {
			logger.Printf("pgvector index initialized")
			return pgIndex, func() {
				pgIndex.Close()
			}
		}
	}

	logger.Printf("no vector store configured, using in-memory index")
	return vectorindex.NewMemory(), func() {}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Producer, queue.Consumer, func()) {
	var (
		baseProducer queue.Producer
		consumer     queue.Consumer
		baseCloser   = func() {}
	)

	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		local := queue.NewLocalQueue(512, 3, logger)
		baseProducer = local
		consumer = local
	} else {
		streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Stream:      cfg.RedisStream,
			DLQStream:   cfg.RedisDLQ,
			Group:       cfg.RedisGroup,
			Consumer:    cfg.RedisConsumer,
			MaxAttempts: 3,
		})
		if err != nil {
			logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
			local := queue.NewLocalQueue(512, 3, logger)
			baseProducer = local
			consumer = local
		} else {
			logger.Printf("redis streams queue initialized")
			baseProducer = streams
			consumer = streams
			baseCloser = func() {
				_ = streams.Close()
			}
		}
	}

	producer := baseProducer
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseProducer, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Printf(
			"queue batching enabled size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
			cfg.QueueBatchSize,
			cfg.QueueBatchFlushMS,
			cfg.QueueBatchQueueCapacity,
			cfg.QueueBatchMaxInFlight,
		)
	}

	return producer, consumer, func() {
		batchingCloser()
		baseCloser()
	}
}

func splitOrigins(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
