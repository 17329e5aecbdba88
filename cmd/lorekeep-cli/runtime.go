package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/retrieval"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/training"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
	"github.com/lorekeep-ai/lorekeep/internal/webhook"
)

// runtime opens the deployment's stores directly. CLI commands operate
// in-process on the same SQLite/Postgres and vector data the API server
// uses, so a command run against a live server's stores must point at
// the same config.
type runtime struct {
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
	hooks       *webhook.Service

	log *observability.Logger
}

// openRuntime wires the service graph the way the API server does,
// minus the HTTP surface, chat manager and webhook dispatcher.
func openRuntime(ctx context.Context) (*runtime, error) {
	metrics := observability.NewMetrics()
	log := logger.WithMetrics(metrics)

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := storage.Migrate(db, cfg.Database.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
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
	pipeline := ingest.NewPipeline(cfg.Ingestion, db, repos, blobs, analyzer, bus, log, metrics)

	kbs := kb.NewService(db, repos, pipeline, vectors, index, cacheClient, bus, log)
	users := kb.NewUserService(repos, bus, log, cfg.Auth.AdminRegisterCode)
	keys := apikey.NewService(repos, limiter, cfg.Auth.RateLimitPerKey, log)

	engine := retrieval.NewEngine(cfg.Retrieval, cfg.Rerank, repos, embedder, vectors,
		index, cacheClient, cfg.Cache.QueryTTL, log, metrics)

	coordinator := training.NewCoordinator(cfg.Training, db, repos, kbs, pipeline,
		embedder, vectors, index, cacheClient, bus, log, metrics)
	coordinator.Start(ctx)

	hooks := webhook.NewService(cfg.Webhooks, repos, log)

	return &runtime{
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
		hooks:       hooks,
		log:         log,
	}, nil
}

func (rt *runtime) Close() {
	rt.coordinator.Close()
	rt.bus.Close()
	if err := rt.vectors.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("close vector store")
	}
	if err := rt.cache.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("close cache")
	}
	if err := rt.db.Close(); err != nil {
		rt.log.Warn().Err(err).Msg("close database")
	}
}

// actor resolves the acting user from --email/--password flags or the
// LOREKEEP_EMAIL / LOREKEEP_PASSWORD environment.
func (rt *runtime) actor(ctx context.Context, email, password string) (*storage.User, error) {
	if email == "" {
		email = os.Getenv("LOREKEEP_EMAIL")
	}
	if password == "" {
		password = os.Getenv("LOREKEEP_PASSWORD")
	}
	if email == "" || password == "" {
		return nil, fmt.Errorf("credentials required: pass --email/--password or set LOREKEEP_EMAIL/LOREKEEP_PASSWORD")
	}
	return rt.users.Authenticate(ctx, email, password)
}
