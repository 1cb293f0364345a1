package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/amberhq/amber/internal/auth"
	"github.com/amberhq/amber/internal/backup"
	"github.com/amberhq/amber/internal/cache"
	"github.com/amberhq/amber/internal/capacity"
	"github.com/amberhq/amber/internal/config"
	"github.com/amberhq/amber/internal/embedder"
	"github.com/amberhq/amber/internal/events"
	"github.com/amberhq/amber/internal/extractor"
	"github.com/amberhq/amber/internal/generation"
	"github.com/amberhq/amber/internal/graph"
	"github.com/amberhq/amber/internal/graphstore"
	"github.com/amberhq/amber/internal/ingestion"
	"github.com/amberhq/amber/internal/memory"
	"github.com/amberhq/amber/internal/objectstore"
	"github.com/amberhq/amber/internal/provider"
	"github.com/amberhq/amber/internal/ratelimit"
	"github.com/amberhq/amber/internal/repository/postgres"
	"github.com/amberhq/amber/internal/reranker"
	"github.com/amberhq/amber/internal/retrieval"
	"github.com/amberhq/amber/internal/server"
	"github.com/amberhq/amber/internal/tuning"
	"github.com/amberhq/amber/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		slog.Error("service exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("starting amber",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
	)

	// Relational store.
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	slog.Info("connected to PostgreSQL")

	tenantRepo := postgres.NewTenantRepository(db)
	documentRepo := postgres.NewDocumentRepository(db)
	chunkRepo := postgres.NewChunkRepository(db)
	memoryRepo := postgres.NewMemoryRepository(db)
	usageRepo := postgres.NewUsageRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	// Vector store.
	vectors, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL)
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer vectors.Close()
	slog.Info("connected to Qdrant")

	// Knowledge graph.
	graphStore, err := graphstore.NewNeo4jStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if err != nil {
		return fmt.Errorf("connecting to neo4j: %w", err)
	}
	defer graphStore.Close(ctx)
	slog.Info("connected to Neo4j")

	// Coordination layer.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("connected to Redis")

	// Object storage.
	var s3Opts []objectstore.S3Option
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, objectstore.WithEndpoint(cfg.S3Endpoint))
	}
	objects, err := objectstore.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Region, s3Opts...)
	if err != nil {
		return fmt.Errorf("initializing object store: %w", err)
	}
	slog.Info("initialized object store", "bucket", cfg.S3Bucket)

	// LLM providers, ordered by preference; the chain fails over in order.
	registry := provider.NewRegistry()
	var llms []provider.LLM
	var embeddings []provider.Embedding
	if cfg.OpenAIAPIKey != "" {
		openai := provider.NewOpenAIProvider(cfg.OpenAIAPIKey,
			provider.WithOpenAIModel(cfg.DefaultLLMModel),
			provider.WithOpenAIEmbeddingModel(cfg.DefaultEmbeddingModel),
		)
		llms = append(llms, openai)
		embeddings = append(embeddings, openai)
	}
	if cfg.AnthropicAPIKey != "" {
		llms = append(llms, provider.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	if cfg.OllamaURL != "" {
		ollama := provider.NewOllamaProvider(provider.WithOllamaBaseURL(cfg.OllamaURL))
		llms = append(llms, ollama)
		embeddings = append(embeddings, ollama)
	}
	if len(llms) == 0 {
		return fmt.Errorf("no LLM providers configured")
	}

	llmChain := provider.NewChain(registry, llms,
		provider.WithCallTimeout(cfg.LLMTimeout),
		provider.WithUsageRecorder(usageRepo),
	)
	embedChain := provider.NewEmbeddingChain(registry, embeddings,
		provider.WithCallTimeout(cfg.LLMTimeout),
		provider.WithUsageRecorder(usageRepo),
	)
	steps := provider.NewStepResolver(cfg, registry)
	emb := embedder.New(embedChain)

	// Caches and coordination.
	embCache := cache.NewEmbeddingCache(redisClient, cfg.EmbeddingCacheTTL)
	resultCache := cache.NewResultCache(redisClient, cfg.ResultCacheTTL)
	classCache := cache.NewClassificationCache(redisClient, 0)
	eventBus := events.NewBus(redisClient)
	rateLimiter := ratelimit.NewRedisLimiter(redisClient, map[ratelimit.Scope]ratelimit.Limit{
		ratelimit.ScopeGeneral: {Requests: cfg.RateLimitGeneralPerMinute, Window: time.Minute},
		ratelimit.ScopeQuery:   {Requests: cfg.RateLimitQueryPerMinute, Window: time.Minute},
		ratelimit.ScopeUpload:  {Requests: cfg.RateLimitUploadPerHour, Window: time.Hour},
	})
	capLimiter := capacity.NewRedisLimiter(redisClient, capacity.Config{
		TotalSlots:        cfg.CapacityTotal,
		ReservedChat:      &cfg.CapacityReservedChat,
		ReservedIngestion: &cfg.CapacityReservedIngestion,
		LeaseTTL:          cfg.CapacityLeaseTTL,
	})

	// Ingestion.
	extractors := extractor.NewChain(
		extractor.NewTextExtractor(),
		extractor.NewHTMLExtractor(),
		extractor.NewHeadlessExtractor(),
	)
	classifier := ingestion.NewClassifier(llmChain, steps, classCache)
	graphBuilder := graph.NewBuilder(
		graph.NewExtractor(llmChain, steps),
		graphStore,
		emb,
		graph.WithConcurrency(cfg.GraphBuildConcurrency),
		graph.WithSimilarityEdges(cfg.SimilarityTopK, cfg.SimilarityThreshold),
		graph.WithVectorStore(vectors),
	)
	communitySvc := graph.NewCommunityService(graphStore, llmChain, steps,
		graph.WithCommunityCapacity(capLimiter),
	)
	pipeline := ingestion.NewPipeline(
		documentRepo, chunkRepo, tenantRepo, objects, vectors,
		extractors, emb, llmChain, steps, classifier,
		graphBuilder, eventBus, capLimiter, resultCache,
		ingestion.PipelineOptions{},
	)

	// Retrieval and generation.
	engine := retrieval.NewEngine(
		vectors, graphStore, chunkRepo, emb,
		retrieval.NewRouter(llmChain, steps),
		reranker.NewLLMReranker(llmChain, steps),
		embCache, resultCache,
		retrieval.WithTimeout(cfg.RetrievalTimeout),
		retrieval.WithTraversalDeadline(cfg.TraversalDeadline),
		retrieval.WithCommunityIndex(communitySvc),
	)
	sessions := memory.NewSessionStore()
	defer sessions.Close()
	memoryMgr := memory.NewManager(sessions, memoryRepo, llmChain, steps)
	generator := generation.NewService(llmChain, steps, memoryMgr)

	// Tenant tuning and backup.
	tuningSvc := tuning.NewConfigService(tenantRepo, auditRepo)
	feedback := tuning.NewFeedbackAnalyzer(llmChain, steps, tuningSvc)
	backupSvc := backup.NewService(tenantRepo, documentRepo, chunkRepo, memoryRepo, objects, vectors, graphStore)

	// Auth.
	jwtManager := auth.NewJWTManager(auth.DefaultJWTConfig(cfg.JWTSecret))
	authMiddleware := auth.NewMiddleware(tenantRepo, jwtManager, cfg.AdminAPIKey, nil)

	srv := server.New(server.Config{
		Port:           cfg.HTTPPort,
		MaxUploadBytes: int64(cfg.MaxUploadSizeMB) << 20,
		AllowedOrigins: allowedOrigins(cfg),
		Logger:         logger,
	}, server.Deps{
		AppConfig: cfg,
		Tenants:   tenantRepo,
		Vectors:   vectors,
		Pipeline:  pipeline,
		Engine:    engine,
		Generator: generator,
		Memory:    memoryMgr,
		Tuning:    tuningSvc,
		Feedback:  feedback,
		Backup:    backupSvc,
		Events:    eventBus,
		RateLimit: rateLimiter,
		Capacity:  capLimiter,
		JWT:       jwtManager,
		Auth:      authMiddleware,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down HTTP server", "error", err)
	}

	slog.Info("amber stopped")
	return nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.Environment == "production" {
		// Locked down until deployments configure their own origins.
		return nil
	}
	return []string{"*"}
}
