// Package config provides unified configuration loading for lorekeep.
// A single immutable Config is built at startup from defaults, an optional
// YAML file, and environment overrides; components receive it by injection.
package config

import (
	"bytes"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Config holds all configuration for the service.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Cache         CacheConfig         `yaml:"cache"`
	Vector        VectorConfig        `yaml:"vector"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	LLM           LLMConfig           `yaml:"llm"`
	Rerank        RerankConfig        `yaml:"rerank"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Ingestion     IngestionConfig     `yaml:"ingestion"`
	Training      TrainingConfig      `yaml:"training"`
	Chat          ChatConfig          `yaml:"chat"`
	Webhooks      WebhookConfig       `yaml:"webhooks"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	CORSOrigins      []string      `yaml:"cors_origins"`
}

// DatabaseConfig holds relational store settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// CacheConfig holds key/value cache settings.
type CacheConfig struct {
	Backend      string        `yaml:"backend"` // memory or redis
	MaxEntries   int           `yaml:"max_entries"`
	QueryTTL     time.Duration `yaml:"query_ttl"`
	EmbeddingTTL time.Duration `yaml:"embedding_ttl"`
	Redis        RedisConfig   `yaml:"redis"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// VectorConfig holds vector store settings.
type VectorConfig struct {
	Kind    string       `yaml:"kind"` // local or qdrant
	DataDir string       `yaml:"data_dir"`
	Qdrant  QdrantConfig `yaml:"qdrant"`
}

// QdrantConfig holds remote vector store settings.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
	UseTLS bool   `yaml:"use_tls"`
}

// EmbeddingConfig holds embedding provider settings. Per-KB llm_config
// overrides take precedence at call time.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // openai or mock
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// LLMConfig holds chat completion provider settings.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai or mock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// RerankConfig holds second-stage scoring settings.
type RerankConfig struct {
	UseDefault     bool    `yaml:"use_default"`  // rerank unless the query opts out
	ModeDefault    string  `yaml:"mode_default"` // weighted_score, cross_encoder or bm25
	BaseURL        string  `yaml:"base_url"`
	APIKey         string  `yaml:"api_key"`
	Model          string  `yaml:"model"`
	SemanticWeight float64 `yaml:"semantic_weight"`
	KeywordWeight  float64 `yaml:"keyword_weight"`
	RecencyWeight  float64 `yaml:"recency_weight"`
}

// RetrievalConfig holds query-path defaults.
type RetrievalConfig struct {
	TopKDefault            int           `yaml:"top_k_default"`
	ScoreThresholdSemantic float64       `yaml:"score_threshold_semantic"`
	ScoreThresholdHybrid   float64       `yaml:"score_threshold_hybrid"`
	FetchKMin              int           `yaml:"fetch_k_min"`
	SemanticWeight         float64       `yaml:"semantic_weight"`
	KeywordWeight          float64       `yaml:"keyword_weight"`
	QueryTimeout           time.Duration `yaml:"query_timeout"`
	Stemming               string        `yaml:"stemming"` // none or english
}

// IngestionConfig holds document pipeline settings.
type IngestionConfig struct {
	ChunkSize     int    `yaml:"chunk_size"`     // chars
	ChunkOverlap  int    `yaml:"chunk_overlap"`  // chars, < chunk_size
	ChunkStrategy string `yaml:"chunk_strategy"` // recursive, fixed or sentence
	MinLineChars  int    `yaml:"min_line_chars"`
	MaxLineChars  int    `yaml:"max_line_chars"`
	MaxFileSize   int64  `yaml:"max_file_size"` // bytes
	BlobDir       string `yaml:"blob_dir"`
}

// TrainingConfig holds coordinator settings.
type TrainingConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	StageTimeout  time.Duration `yaml:"stage_timeout"`
}

// ChatConfig holds session manager settings.
type ChatConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	ReplayLimit    int           `yaml:"replay_limit"`
	OutboundQueue  int           `yaml:"outbound_queue"`
	TypingInterval time.Duration `yaml:"typing_interval"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	ExtraModes     []string      `yaml:"extra_modes"` // operator-routed, semantics of manual
	RevertToAuto   bool          `yaml:"revert_to_auto"`
}

// WebhookConfig holds dispatcher settings.
type WebhookConfig struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	AllowHTTP     bool          `yaml:"allow_http"` // permit non-https URLs (tests only)
}

// AuthConfig holds API-key gate settings.
type AuthConfig struct {
	RateLimitPerKey   int    `yaml:"rate_limit_per_key"` // requests/hour default for new keys
	RateLimitPerIP    int    `yaml:"rate_limit_per_ip"`
	AdminRegisterCode string `yaml:"admin_register_code"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// Load reads configuration from a YAML file and applies environment
// overrides. Unknown YAML fields are rejected.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, faults.Wrap(faults.KindConfiguration, err, "read config file")
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, faults.Wrap(faults.KindValidation, err, "parse config file")
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for a
// single-node development deployment.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8090,
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 10 * time.Second,
			CORSOrigins:      []string{"*"},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "./data/lorekeep.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Backend:      "memory",
			MaxEntries:   10000,
			QueryTTL:     time.Hour,
			EmbeddingTTL: 7 * 24 * time.Hour,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Vector: VectorConfig{
			Kind:    "local",
			DataDir: "./data/vectors",
			Qdrant: QdrantConfig{
				Host: "localhost",
				Port: 6334,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
			BatchSize: 100,
			Timeout:   60 * time.Second,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.3,
			Timeout:     120 * time.Second,
		},
		Rerank: RerankConfig{
			UseDefault:     false,
			ModeDefault:    "weighted_score",
			SemanticWeight: 0.5,
			KeywordWeight:  0.3,
			RecencyWeight:  0.2,
		},
		Retrieval: RetrievalConfig{
			TopKDefault:            10,
			ScoreThresholdSemantic: 0.7,
			ScoreThresholdHybrid:   0.5,
			FetchKMin:              50,
			SemanticWeight:         0.7,
			KeywordWeight:          0.3,
			QueryTimeout:           30 * time.Second,
			Stemming:               "none",
		},
		Ingestion: IngestionConfig{
			ChunkSize:     1000,
			ChunkOverlap:  200,
			ChunkStrategy: "recursive",
			MinLineChars:  3,
			MaxLineChars:  2000,
			MaxFileSize:   50 << 20,
			BlobDir:       "./data/blobs",
		},
		Training: TrainingConfig{
			Workers:       4,
			QueueCapacity: 1024,
			StageTimeout:  300 * time.Second,
		},
		Chat: ChatConfig{
			IdleTimeout:    time.Hour,
			ReplayLimit:    50,
			OutboundQueue:  256,
			TypingInterval: time.Second,
			DrainTimeout:   2 * time.Second,
			RevertToAuto:   false,
		},
		Webhooks: WebhookConfig{
			Workers:       8,
			QueueCapacity: 1024,
			Timeout:       30 * time.Second,
			MaxAttempts:   5,
			BackoffBase:   60 * time.Second,
			BackoffCap:    time.Hour,
		},
		Auth: AuthConfig{
			RateLimitPerKey: 1000,
			RateLimitPerIP:  5000,
		},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return faults.Newf(faults.KindValidation, "invalid server port: %d", c.Server.Port)
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return faults.Newf(faults.KindValidation, "invalid database driver: %s", c.Database.Driver)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return faults.Newf(faults.KindValidation, "invalid cache backend: %s", c.Cache.Backend)
	}
	if c.Vector.Kind != "local" && c.Vector.Kind != "qdrant" {
		return faults.Newf(faults.KindValidation, "invalid vector store kind: %s", c.Vector.Kind)
	}
	if c.Embedding.Provider != "openai" && c.Embedding.Provider != "mock" {
		return faults.Newf(faults.KindValidation, "invalid embedding provider: %s", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize < 1 {
		return faults.New(faults.KindValidation, "embedding batch_size must be positive")
	}
	if c.Ingestion.ChunkSize < 1 {
		return faults.New(faults.KindValidation, "chunk_size must be positive")
	}
	if c.Ingestion.ChunkOverlap < 0 || c.Ingestion.ChunkOverlap >= c.Ingestion.ChunkSize {
		return faults.New(faults.KindValidation, "chunk_overlap must be in [0, chunk_size)")
	}
	switch c.Ingestion.ChunkStrategy {
	case "recursive", "fixed", "sentence":
	default:
		return faults.Newf(faults.KindValidation, "invalid chunk strategy: %s", c.Ingestion.ChunkStrategy)
	}
	if c.Ingestion.MaxFileSize < 1 {
		return faults.New(faults.KindValidation, "max_file_size must be positive")
	}
	if c.Retrieval.TopKDefault < 1 || c.Retrieval.TopKDefault > 100 {
		return faults.New(faults.KindValidation, "top_k_default must be in [1, 100]")
	}
	for _, thr := range []float64{c.Retrieval.ScoreThresholdSemantic, c.Retrieval.ScoreThresholdHybrid} {
		if thr < 0 || thr > 1 {
			return faults.New(faults.KindValidation, "score thresholds must be in [0, 1]")
		}
	}
	switch c.Rerank.ModeDefault {
	case "weighted_score", "cross_encoder", "bm25":
	default:
		return faults.Newf(faults.KindValidation, "invalid rerank mode: %s", c.Rerank.ModeDefault)
	}
	if c.Training.Workers < 1 {
		return faults.New(faults.KindValidation, "training workers must be positive")
	}
	if c.Webhooks.Workers < 1 {
		return faults.New(faults.KindValidation, "webhook workers must be positive")
	}
	if c.Webhooks.MaxAttempts < 1 {
		return faults.New(faults.KindValidation, "webhook max_attempts must be positive")
	}
	if c.Chat.OutboundQueue < 1 {
		return faults.New(faults.KindValidation, "chat outbound_queue must be positive")
	}
	for _, mode := range c.Chat.ExtraModes {
		switch mode {
		case "auto", "manual", "mixed":
			return faults.Newf(faults.KindValidation, "chat extra mode %q shadows a built-in mode", mode)
		}
	}
	return nil
}

// IsDevelopment reports whether the process runs against local stores.
func (c *Config) IsDevelopment() bool {
	return c.Database.Driver == "sqlite"
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		if strings.HasPrefix(v, "sqlite:") {
			cfg.Database.Driver = "sqlite"
			cfg.Database.SQLite.Path = strings.TrimPrefix(v, "sqlite:")
		} else if strings.HasPrefix(v, "postgres") {
			cfg.Database.Driver = "postgres"
			cfg.Database.Postgres.DSN = v
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Cache.Backend = "redis"
		cfg.Cache.Redis.Addr = strings.TrimPrefix(v, "redis://")
	}
	if v := os.Getenv("QDRANT_URL"); v != "" {
		cfg.Vector.Kind = "qdrant"
		host := strings.TrimPrefix(strings.TrimPrefix(v, "https://"), "http://")
		if h, p, ok := strings.Cut(host, ":"); ok {
			cfg.Vector.Qdrant.Host = h
			if port, err := strconv.Atoi(p); err == nil {
				cfg.Vector.Qdrant.Port = port
			}
		} else {
			cfg.Vector.Qdrant.Host = host
		}
		cfg.Vector.Qdrant.UseTLS = strings.HasPrefix(v, "https://")
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Vector.DataDir = v + "/vectors"
		cfg.Ingestion.BlobDir = v + "/blobs"
		if cfg.Database.Driver == "sqlite" {
			cfg.Database.SQLite.Path = v + "/lorekeep.db"
		}
	}
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("EMBEDDING_BASE_URL"); v != "" {
		cfg.Embedding.BaseURL = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.Embedding.Model = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("ADMIN_REGISTER_CODE"); v != "" {
		cfg.Auth.AdminRegisterCode = v
	}
}
