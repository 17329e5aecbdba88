package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

const maxEmbedAttempts = 3

// Service batches embedding calls, caches vectors by content, retries
// transient provider failures and trips a breaker on persistent ones.
type Service struct {
	defaults config.EmbeddingConfig
	cache    cache.Client
	cacheTTL time.Duration
	breaker  *gobreaker.CircuitBreaker
	bus      *events.Bus
	log      *observability.Logger
	metrics  *observability.Metrics
}

// NewService wires the embedding service.
func NewService(cfg config.EmbeddingConfig, cacheClient cache.Client, cacheTTL time.Duration,
	bus *events.Bus, log *observability.Logger, metrics *observability.Metrics) *Service {

	s := &Service{
		defaults: cfg,
		cache:    cacheClient,
		cacheTTL: cacheTTL,
		bus:      bus,
		log:      log.WithComponent("embedding"),
		metrics:  metrics,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "embedding-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("embedding breaker state change")
			if to == gobreaker.StateOpen && s.bus != nil {
				_ = s.bus.Publish(events.New(events.SystemAlert, map[string]any{
					"component": "embedding",
					"message":   "embedding provider circuit breaker open",
				}, nil))
			}
		},
	})
	return s
}

// ProviderFor resolves the provider for a knowledge base, applying its
// llm_config overrides on top of the process defaults.
func (s *Service) ProviderFor(settings storage.LLMSettings) (Provider, error) {
	cfg := s.defaults
	if settings.EmbeddingProvider != "" {
		cfg.Provider = settings.EmbeddingProvider
	}
	if settings.EmbeddingBaseURL != "" {
		cfg.BaseURL = settings.EmbeddingBaseURL
	}
	if settings.EmbeddingAPIKey != "" {
		cfg.APIKey = settings.EmbeddingAPIKey
	}
	if settings.EmbeddingModel != "" {
		cfg.Model = settings.EmbeddingModel
	}
	if settings.EmbeddingDimension > 0 {
		cfg.Dimension = settings.EmbeddingDimension
	}

	switch cfg.Provider {
	case "mock":
		return NewMockProvider(cfg.Dimension), nil
	case "openai":
		return NewClient(ClientConfig{
			BaseURL:   cfg.BaseURL,
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
	default:
		return nil, faults.Newf(faults.KindConfiguration, "unknown embedding provider %q", cfg.Provider)
	}
}

// BatchSize returns the configured provider batch limit.
func (s *Service) BatchSize() int {
	if s.defaults.BatchSize > 0 {
		return s.defaults.BatchSize
	}
	return 100
}

// CacheKey derives the embedding cache key from the model and the
// whitespace-normalized text.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + strings.Join(strings.Fields(text), " ")))
	return cache.Key("emb", hex.EncodeToString(sum[:]))
}

// EmbedTexts returns one vector per text, in order. Cached vectors skip
// the provider; the rest go out in provider-sized batches with retry.
func (s *Service) EmbedTexts(ctx context.Context, provider Provider, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var missing []int

	for i, text := range texts {
		if v, ok := s.cachedVector(ctx, provider.Model(), text); ok {
			vectors[i] = v
			s.metrics.EmbeddingCacheHits.Inc()
			continue
		}
		missing = append(missing, i)
	}

	batchSize := s.BatchSize()
	for start := 0; start < len(missing); start += batchSize {
		end := start + batchSize
		if end > len(missing) {
			end = len(missing)
		}
		idx := missing[start:end]
		batch := make([]string, len(idx))
		for j, i := range idx {
			batch[j] = texts[i]
		}

		embedded, err := s.embedWithRetry(ctx, provider, batch)
		if err != nil {
			return nil, err
		}
		for j, i := range idx {
			vectors[i] = embedded[j]
			s.storeVector(ctx, provider.Model(), texts[i], embedded[j])
		}
	}
	return vectors, nil
}

// EmbedQuery embeds a single query text through the same cache.
func (s *Service) EmbedQuery(ctx context.Context, provider Provider, text string) ([]float32, error) {
	vectors, err := s.EmbedTexts(ctx, provider, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// embedWithRetry calls the provider through the breaker, retrying up to
// three attempts with jittered exponential backoff.
func (s *Service) embedWithRetry(ctx context.Context, provider Provider, batch []string) ([][]float32, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 300 * time.Millisecond
	policy.RandomizationFactor = 0.65
	policy.Multiplier = 2

	var vectors [][]float32
	operation := func() error {
		result, err := s.breaker.Execute(func() (interface{}, error) {
			return provider.Embed(ctx, batch)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(faults.Wrap(faults.KindProviderError, err, "embedding provider unavailable"))
			}
			if ctx.Err() != nil {
				return backoff.Permanent(faults.FromContext(ctx.Err()))
			}
			return err
		}
		vectors = result.([][]float32)
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxEmbedAttempts-1), ctx))
	if err != nil {
		if faults.KindOf(err) == faults.KindInternal {
			err = faults.Wrap(faults.KindProviderError, err, "embedding failed after retries")
		}
		return nil, err
	}
	return vectors, nil
}

func (s *Service) cachedVector(ctx context.Context, model, text string) ([]float32, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, err := s.cache.Get(ctx, CacheKey(model, text))
	if err != nil {
		return nil, false
	}
	var v []float32
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

// storeVector writes through to the cache; cache errors degrade
// silently.
func (s *Service) storeVector(ctx context.Context, model, text string, v []float32) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, CacheKey(model, text), data, s.cacheTTL); err != nil {
		s.log.Debug().Err(err).Msg("embedding cache write failed")
	}
}
