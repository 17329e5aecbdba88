package apikey

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements the sliding window on a shared redis using a
// sorted set of request timestamps per subject. Multi-node deployments
// need this so all API nodes count against the same window.
type RedisLimiter struct {
	client *redis.Client
	prefix string
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "lk:rate:"}
}

// Allow trims expired entries, counts the window and conditionally
// records the request.
func (l *RedisLimiter) Allow(ctx context.Context, subject string, limit int) (Decision, error) {
	key := l.prefix + subject
	now := time.Now()
	cutoff := now.Add(-rateWindow)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate window read: %w", err)
	}

	count := int(countCmd.Val())
	reset := now.Add(rateWindow)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		reset = time.Unix(0, int64(oldest[0].Score)).Add(rateWindow)
	}

	if count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, Reset: reset}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate window write: %w", err)
	}

	if count == 0 {
		reset = now.Add(rateWindow)
	}
	return Decision{Allowed: true, Limit: limit, Remaining: limit - count - 1, Reset: reset}, nil
}
