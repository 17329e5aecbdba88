package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UsageRepository accumulates per-day query counters for dashboards.
// Rows are keyed by knowledge base, API key and day; apiKeyID is empty
// for session-authenticated queries.
type UsageRepository struct {
	db DB
}

// NewUsageRepository creates a new usage repository.
func NewUsageRepository(db DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Record adds one query to today's counters. The upsert keeps the
// increment atomic under concurrent queries.
func (r *UsageRepository) Record(ctx context.Context, kbID uuid.UUID, apiKeyID string, cacheHit bool, latencyMs int64) error {
	day := time.Now().UTC().Format("2006-01-02")
	hit := 0
	if cacheHit {
		hit = 1
	}
	query := `
		INSERT INTO usage_records (kb_id, api_key_id, day, queries, cache_hits, latency_ms_sum)
		VALUES ($1, $2, $3, 1, $4, $5)
		ON CONFLICT (kb_id, api_key_id, day) DO UPDATE SET
			queries = usage_records.queries + 1,
			cache_hits = usage_records.cache_hits + $4,
			latency_ms_sum = usage_records.latency_ms_sum + $5
	`
	_, err := r.db.ExecContext(ctx, query, kbID, apiKeyID, day, hit, latencyMs)
	return err
}

// UsageStats aggregates a knowledge base's counters over a window.
type UsageStats struct {
	KBID         uuid.UUID `json:"kb_id"`
	Days         int       `json:"days"`
	Queries      int64     `json:"queries"`
	CacheHits    int64     `json:"cache_hits"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
}

// StatsForKB sums the counters of the last days days.
func (r *UsageRepository) StatsForKB(ctx context.Context, kbID uuid.UUID, days int) (*UsageStats, error) {
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	stats := &UsageStats{KBID: kbID, Days: days}
	var latencySum int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(queries), 0), COALESCE(SUM(cache_hits), 0), COALESCE(SUM(latency_ms_sum), 0)
		FROM usage_records WHERE kb_id = $1 AND day >= $2
	`, kbID, since).Scan(&stats.Queries, &stats.CacheHits, &latencySum)
	if err != nil {
		return nil, err
	}
	if stats.Queries > 0 {
		stats.AvgLatencyMs = float64(latencySum) / float64(stats.Queries)
	}
	return stats, nil
}
