package rerank

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
)

func TestWeighted_BlendsBranchesAndRecency(t *testing.T) {
	w := NewWeighted(0.5, 0.3, 0.2)
	now := time.Now().UTC()

	cands := []Candidate{
		{ChunkID: uuid.New(), SemanticScore: 0.9, KeywordScore: 0.1, CreatedAt: now.AddDate(0, 0, -365)},
		{ChunkID: uuid.New(), SemanticScore: 0.6, KeywordScore: 0.9, CreatedAt: now},
	}
	out, err := w.Rerank(context.Background(), "q", cands)
	require.NoError(t, err)

	// Fresh chunk: 0.5*0.6 + 0.3*0.9 + 0.2*~1.0 = ~0.77 beats the stale
	// one at 0.5*0.9 + 0.3*0.1 + 0.2*~0 = ~0.48.
	assert.Equal(t, cands[1].ChunkID, out[0].ChunkID)
	assert.InDelta(t, 0.77, out[0].Score, 0.02)
	assert.InDelta(t, 0.48, out[1].Score, 0.02)
}

func TestWeighted_NormalizesWeights(t *testing.T) {
	w := NewWeighted(5, 3, 2)
	assert.InDelta(t, 0.5, w.Semantic, 1e-9)
	assert.InDelta(t, 0.3, w.Keyword, 1e-9)
	assert.InDelta(t, 0.2, w.Recency, 1e-9)
}

func TestWeighted_TieBreaksOnChunkID(t *testing.T) {
	w := NewWeighted(1, 0, 0)
	a := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	b := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	out, err := w.Rerank(context.Background(), "q", []Candidate{
		{ChunkID: b, SemanticScore: 0.5},
		{ChunkID: a, SemanticScore: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, a, out[0].ChunkID)
}

func TestBM25_RescoresWithinCandidateSet(t *testing.T) {
	r := NewBM25(lexical.NewAnalyzer("english"))
	cands := []Candidate{
		{ChunkID: uuid.New(), Text: "cats and dogs are common household pets"},
		{ChunkID: uuid.New(), Text: "database indexing improves query performance for large tables"},
		{ChunkID: uuid.New(), Text: "query planning and query execution in a database engine"},
	}
	out, err := r.Rerank(context.Background(), "database query performance", cands)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 1.0, out[0].Score)
	assert.NotEqual(t, cands[0].ChunkID, out[0].ChunkID)
	assert.Zero(t, out[2].Score) // the pets chunk matches nothing
}

func TestCrossEncoder_ScoresViaProvider(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "/rerank", r.URL.Path)
		require.Len(t, req.Documents, 2)

		// Score the second document higher.
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"index": 0, "relevance_score": 0.2},
				{"index": 1, "relevance_score": 0.95},
			},
		})
	}))
	defer srv.Close()

	ce, err := NewCrossEncoder(srv.URL, "secret", "rerank-v1", time.Second)
	require.NoError(t, err)

	first, second := uuid.New(), uuid.New()
	out, err := ce.Rerank(context.Background(), "q", []Candidate{
		{ChunkID: first, Text: "first"},
		{ChunkID: second, Text: "second"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, second, out[0].ChunkID)
	assert.InDelta(t, 0.95, out[0].Score, 1e-9)
}

func TestCrossEncoder_ProviderErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ce, err := NewCrossEncoder(srv.URL, "", "", time.Second)
	require.NoError(t, err)
	_, err = ce.Rerank(context.Background(), "q", []Candidate{{ChunkID: uuid.New(), Text: "x"}})
	assert.Equal(t, faults.KindProviderError, faults.KindOf(err))
}

func TestNew_ModeSelection(t *testing.T) {
	w := NewWeighted(0.5, 0.3, 0.2)
	b := NewBM25(lexical.NewAnalyzer("none"))

	got, err := New(ModeWeighted, w, b, nil)
	require.NoError(t, err)
	assert.Same(t, w, got)

	_, err = New(ModeCrossEncoder, w, b, nil)
	assert.Equal(t, faults.KindConfiguration, faults.KindOf(err))

	_, err = New("mystery", w, b, nil)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestTruncateTokens(t *testing.T) {
	assert.Equal(t, "a b", truncateTokens("a b c d", 2))
	assert.Equal(t, "short", truncateTokens("short", 512))
}
