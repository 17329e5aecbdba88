package main

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/chat"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/llm"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/training"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
	"github.com/lorekeep-ai/lorekeep/internal/webhook"
)

// app bundles every long-lived component of the process.
type app struct {
	cfg     *config.Config
	log     *observability.Logger
	metrics *observability.Metrics

	db      *sql.DB
	repos   *storage.Repositories
	cache   cache.Client
	vectors vectorstore.Store
	bus     *events.Bus

	kbs         *kb.Service
	users       *kb.UserService
	keys        *apikey.Service
	engine      *retrieval.Engine
	coordinator *training.Coordinator
	chats       *chat.Manager
	webhooks    *webhook.Service
	dispatcher  *webhook.Dispatcher
}

// buildApp constructs and starts all components. The returned app owns
// their lifecycles; Close tears them down in dependency order.
func buildApp(ctx context.Context, cfg *config.Config, log *observability.Logger,
	metrics *observability.Metrics) (*app, error) {

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, err
	}
	repos := storage.NewRepositories(db)

	blobs, err := storage.NewBlobStore(cfg.Ingestion.BlobDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	var (
		cacheClient cache.Client
		limiter     apikey.Limiter
	)
	if cfg.Cache.Backend == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			PoolSize: cfg.Cache.Redis.PoolSize,
		})
		cacheClient = cache.NewRedisClientFrom(rdb)
		limiter = apikey.NewRedisLimiter(rdb)
	} else {
		cacheClient = cache.NewMemoryClient(cfg.Cache.MaxEntries)
		limiter = apikey.NewMemoryLimiter()
	}

	vectors, err := vectorstore.New(cfg.Vector)
	if err != nil {
		cacheClient.Close()
		db.Close()
		return nil, err
	}

	analyzer := lexical.NewAnalyzer(cfg.Retrieval.Stemming)
	index := lexical.NewIndex(analyzer, repos.Postings)
	bus := events.NewBus(cfg.Webhooks.QueueCapacity)

	embedder := embedding.NewService(cfg.Embedding, cacheClient, cfg.Cache.EmbeddingTTL, bus, log, metrics)
	llms := llm.NewService(cfg.LLM)
	pipeline := ingest.NewPipeline(cfg.Ingestion, db, repos, blobs, analyzer, bus, log, metrics)

	kbs := kb.NewService(db, repos, pipeline, vectors, index, cacheClient, bus, log)
	users := kb.NewUserService(repos, bus, log, cfg.Auth.AdminRegisterCode)
	keys := apikey.NewService(repos, limiter, cfg.Auth.RateLimitPerKey, log)

	engine := retrieval.NewEngine(cfg.Retrieval, cfg.Rerank, repos, embedder, vectors,
		index, cacheClient, cfg.Cache.QueryTTL, log, metrics)

	coordinator := training.NewCoordinator(cfg.Training, db, repos, kbs, pipeline,
		embedder, vectors, index, cacheClient, bus, log, metrics)
	coordinator.Start(ctx)

	chats := chat.NewManager(cfg.Chat, repos, kbs, engine, llms, bus, log, metrics)
	chats.Start(ctx)

	webhooks := webhook.NewService(cfg.Webhooks, repos, log)
	dispatcher := webhook.NewDispatcher(cfg.Webhooks, repos, bus, log, metrics)
	dispatcher.Start(ctx)

	return &app{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		db:          db,
		repos:       repos,
		cache:       cacheClient,
		vectors:     vectors,
		bus:         bus,
		kbs:         kbs,
		users:       users,
		keys:        keys,
		engine:      engine,
		coordinator: coordinator,
		chats:       chats,
		webhooks:    webhooks,
		dispatcher:  dispatcher,
	}, nil
}

// Close stops background work before releasing the stores it runs on.
func (a *app) Close() {
	a.coordinator.Close()
	a.chats.Close()
	a.dispatcher.Close()
	a.bus.Close()

	if err := a.vectors.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close vector store")
	}
	if err := a.cache.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close cache")
	}
	if err := a.db.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close database")
	}
}
