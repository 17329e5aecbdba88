// Package cache provides the shared key/value cache behind an interface
// with redis and in-memory backends. Callers treat every cache error as
// a miss; nothing here is authoritative.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrCacheMiss indicates the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// Client is the cache surface shared by the query cache, the embedding
// cache and the rate-limit gate.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	Close() error
}

// Key joins parts into a colon-separated cache key.
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// KBKey builds a knowledge-base-scoped cache key so invalidation can
// target one KB with DeleteByPrefix.
func KBKey(kbID string, parts ...string) string {
	return Key(append([]string{"kb", kbID}, parts...)...)
}
