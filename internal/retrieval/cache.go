package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
)

// cacheKey derives a deterministic key from every parameter that can
// change the result body. Keys live under kb:<id>:query: so retraining
// and document deletes invalidate by prefix.
func (e *Engine) cacheKey(kbID uuid.UUID, model string, q Query) string {
	filters := make([]string, len(q.FilterDocuments))
	for i, d := range q.FilterDocuments {
		filters[i] = d.String()
	}
	sort.Strings(filters)

	rerankFlag := "default"
	if q.Rerank != nil {
		rerankFlag = fmt.Sprintf("%t", *q.Rerank)
	}
	weights := "rrf"
	if q.SemanticWeight != nil {
		weights = fmt.Sprintf("%g/%g", *q.SemanticWeight, *q.KeywordWeight)
	}
	threshold := "default"
	if q.Threshold != nil {
		threshold = fmt.Sprintf("%g", *q.Threshold)
	}

	canonical := strings.Join([]string{
		model,
		q.Method,
		fmt.Sprintf("%d", q.TopK),
		threshold,
		q.RerankMode,
		rerankFlag,
		weights,
		strings.Join(filters, ","),
		q.Text,
	}, "\x1f")
	sum := sha256.Sum256([]byte(canonical))
	return cache.KBKey(kbID.String(), "query", hex.EncodeToString(sum[:]))
}

// lookupCache returns the cached result or nil. Cache failures degrade
// to a miss.
func (e *Engine) lookupCache(ctx context.Context, key string) *Result {
	if e.cache == nil {
		return nil
	}
	raw, err := e.cache.Get(ctx, key)
	if err != nil {
		if err != cache.ErrCacheMiss {
			e.log.Warn().Err(err).Msg("query cache read")
		}
		return nil
	}
	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		e.log.Warn().Err(err).Msg("query cache decode")
		return nil
	}
	return &result
}

func (e *Engine) storeCache(ctx context.Context, key string, result *Result) {
	if e.cache == nil {
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := e.cache.Set(ctx, key, raw, e.cacheTTL); err != nil {
		e.log.Warn().Err(err).Msg("query cache write")
	}
}

// decodeMeta tolerates malformed chunk metadata.
func decodeMeta(raw []byte) map[string]any {
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil
	}
	return meta
}
