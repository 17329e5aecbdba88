package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

type engineHarness struct {
	engine   *Engine
	repos    *storage.Repositories
	vectors  vectorstore.Store
	index    *lexical.Index
	provider embedding.Provider
	embedder *embedding.Service
	kb       *storage.KnowledgeBase
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "retrieval.db"), JournalMode: "WAL"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))
	repos := storage.NewRepositories(db)

	analyzer := lexical.NewAnalyzer("english")
	index := lexical.NewIndex(analyzer, repos.Postings)
	vectors, err := vectorstore.New(config.VectorConfig{Kind: "local", DataDir: t.TempDir()})
	require.NoError(t, err)
	mem := cache.NewMemoryClient(128)
	log := observability.Nop()
	metrics := observability.NewMetrics()

	embedder := embedding.NewService(config.EmbeddingConfig{
		Provider: "mock", Dimension: 64, BatchSize: 16,
	}, nil, 0, nil, log, metrics)

	engine := NewEngine(config.RetrievalConfig{
		TopKDefault:            10,
		ScoreThresholdSemantic: 0.7,
		ScoreThresholdHybrid:   0.5,
		FetchKMin:              50,
	}, config.RerankConfig{
		ModeDefault:    "weighted_score",
		SemanticWeight: 0.5,
		KeywordWeight:  0.3,
		RecencyWeight:  0.2,
	}, repos, embedder, vectors, index, mem, time.Hour, log, metrics)

	owner := &storage.User{Email: "owner@test", PasswordHash: "x", IsActive: true, SDKKey: "sdk_q"}
	require.NoError(t, repos.Users.Create(ctx, owner))
	kb := &storage.KnowledgeBase{
		OwnerID:        owner.ID,
		Name:           "kb",
		TrainingStatus: storage.TrainingStatusReady,
	}
	require.NoError(t, repos.KnowledgeBases.Create(ctx, kb))
	kb.TrainingStatus = storage.TrainingStatusReady

	provider, err := embedder.ProviderFor(storage.LLMSettings{})
	require.NoError(t, err)

	return &engineHarness{
		engine:   engine,
		repos:    repos,
		vectors:  vectors,
		index:    index,
		provider: provider,
		embedder: embedder,
		kb:       kb,
	}
}

// indexDoc persists a document with one chunk per text and writes the
// vector and lexical entries the way the training job does.
func (h *engineHarness) indexDoc(t *testing.T, title string, texts ...string) *storage.Document {
	t.Helper()
	ctx := context.Background()

	doc := &storage.Document{
		KBID:        h.kb.ID,
		Title:       title,
		ContentHash: fmt.Sprintf("%x", uuid.New()),
		SizeBytes:   1,
		Kind:        storage.DocumentKindTXT,
		Status:      storage.DocumentStatusIndexed,
	}
	require.NoError(t, h.repos.Documents.Create(ctx, doc))

	chunks := make([]*storage.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = &storage.Chunk{
			DocumentID: doc.ID,
			KBID:       h.kb.ID,
			Ordinal:    i,
			Text:       text,
			SizeBytes:  len(text),
			TokenCount: len(h.index.Analyzer().Tokens(text)),
		}
	}
	require.NoError(t, h.repos.Chunks.CreateBatch(ctx, chunks))

	vecs, err := h.embedder.EmbedTexts(ctx, h.provider, texts)
	require.NoError(t, err)
	points := make([]vectorstore.Point, len(chunks))
	for i, ch := range chunks {
		points[i] = vectorstore.Point{ChunkID: ch.ID, DocumentID: doc.ID, Vector: vecs[i]}
		freqs, length := h.index.Analyzer().TermFrequencies(ch.Text)
		h.index.Add(h.kb.ID, ch.ID, freqs, length)
		var postings []storage.Posting
		for term, tf := range freqs {
			postings = append(postings, storage.Posting{KBID: h.kb.ID, Term: term, ChunkID: ch.ID, TF: tf})
		}
		require.NoError(t, h.repos.Postings.ReplaceForChunks(ctx, h.kb.ID, []uuid.UUID{ch.ID}, postings))
	}
	require.NoError(t, h.vectors.Upsert(ctx, h.kb.ID, points))
	return doc
}

func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool       { return &b }

func TestSearch_Validation(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	_, err := h.engine.Search(ctx, h.kb, Query{})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = h.engine.Search(ctx, h.kb, Query{Text: "q", Method: "psychic"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = h.engine.Search(ctx, h.kb, Query{Text: "q", TopK: 101})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = h.engine.Search(ctx, h.kb, Query{Text: "q", SemanticWeight: floatPtr(0.7)})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestSearch_MethodNames(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "doc", "database indexing strategies improve performance")

	cases := map[string]string{
		"":             MethodHybrid,
		MethodHybrid:   MethodHybrid,
		MethodSemantic: MethodSemantic,
		MethodKeyword:  MethodKeyword,
		"hybrid":       MethodHybrid,
		"semantic":     MethodSemantic,
		"keyword":      MethodKeyword,
	}
	for in, want := range cases {
		res, err := h.engine.Search(ctx, h.kb, Query{Text: "database indexing", Method: in, Threshold: floatPtr(0)})
		require.NoError(t, err, "method %q", in)
		assert.Equal(t, want, res.Method, "method %q", in)
	}
}

func TestSearch_Readiness(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()

	h.kb.TrainingStatus = storage.TrainingStatusInit
	_, err := h.engine.Search(ctx, h.kb, Query{Text: "q"})
	assert.Equal(t, faults.KindKnowledgeBaseNotReady, faults.KindOf(err))

	h.kb.TrainingStatus = storage.TrainingStatusTraining
	_, err = h.engine.Search(ctx, h.kb, Query{Text: "q"})
	assert.Equal(t, faults.KindKnowledgeBaseNotReady, faults.KindOf(err))

	// Stopped with a partial index serves with a warning.
	h.indexDoc(t, "doc", "partial index content about databases")
	h.kb.TrainingStatus = storage.TrainingStatusStopped
	h.kb.ProcessedDocs = 1
	res, err := h.engine.Search(ctx, h.kb, Query{Text: "databases", Method: MethodKeyword, Threshold: floatPtr(0)})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Warning)
}

func TestSearch_KeywordRanking(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "pets", "cats and dogs are wonderful household pets")
	h.indexDoc(t, "dbs",
		"database indexing strategies improve query performance",
		"query planning inside a modern database engine")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text: "database query performance", Method: MethodKeyword, Threshold: floatPtr(0),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, "dbs", res.Chunks[0].DocumentTitle)
	assert.Equal(t, 1.0, res.Chunks[0].Score)
	for i := 1; i < len(res.Chunks); i++ {
		assert.LessOrEqual(t, res.Chunks[i].Score, res.Chunks[i-1].Score)
	}
}

func TestSearch_SemanticFindsSimilarText(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "python", "Python编程最佳实践：遵循PEP 8规范，使用四个空格缩进。")
	h.indexDoc(t, "cooking", "slow roasted vegetables with olive oil and rosemary")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text: "Python编程最佳实践", Method: MethodSemantic, Threshold: floatPtr(0.2),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, "python", res.Chunks[0].DocumentTitle)
}

func TestSearch_HybridPrefersBothBranches(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "target", "database tuning and database performance work")
	h.indexDoc(t, "noise", "gardening tips for growing tomatoes at home")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text: "database performance", Method: MethodHybrid, Threshold: floatPtr(0),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	assert.Equal(t, "target", res.Chunks[0].DocumentTitle)
	assert.Equal(t, MethodHybrid, res.Method)
}

func TestSearch_WeightedFusion(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "a", "relational database storage engines and b-trees")
	h.indexDoc(t, "b", "vector database similarity search internals")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text:           "database internals",
		Method:         MethodHybrid,
		Threshold:      floatPtr(0),
		SemanticWeight: floatPtr(0.7),
		KeywordWeight:  floatPtr(0.3),
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		assert.GreaterOrEqual(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}
}

func TestSearch_CachedResultIsBitIdentical(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "doc", "caching behavior of repeated retrieval queries")

	q := Query{Text: "caching retrieval", Method: MethodKeyword, Threshold: floatPtr(0)}
	first, err := h.engine.Search(ctx, h.kb, q)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := h.engine.Search(ctx, h.kb, q)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.ComputedAt, second.ComputedAt)

	a, _ := json.Marshal(first.Chunks)
	b, _ := json.Marshal(second.Chunks)
	assert.Equal(t, a, b)

	// A different parameterization is a different cache entry.
	third, err := h.engine.Search(ctx, h.kb, Query{
		Text: "caching retrieval", Method: MethodKeyword, Threshold: floatPtr(0), TopK: 5,
	})
	require.NoError(t, err)
	assert.False(t, third.CacheHit)
}

func TestSearch_FilterDocuments(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	docA := h.indexDoc(t, "a", "shared topic discussed in document alpha")
	h.indexDoc(t, "b", "shared topic discussed in document beta")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text:            "shared topic",
		Method:          MethodHybrid,
		Threshold:       floatPtr(0),
		FilterDocuments: []uuid.UUID{docA.ID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for _, c := range res.Chunks {
		assert.Equal(t, docA.ID, c.DocumentID)
	}
}

func TestSearch_DeletedDocumentsDropOut(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	doc := h.indexDoc(t, "gone", "content whose document is later removed")
	h.indexDoc(t, "kept", "content whose document survives removal")

	// Delete the relational rows only; the vector entry goes stale.
	require.NoError(t, h.repos.Chunks.DeleteByDocument(ctx, doc.ID))
	require.NoError(t, h.repos.Documents.Delete(ctx, doc.ID))

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text: "content document removal", Method: MethodSemantic, Threshold: floatPtr(0),
	})
	require.NoError(t, err)
	for _, c := range res.Chunks {
		assert.Equal(t, "kept", c.DocumentTitle)
	}
}

func TestSearch_RerankWeighted(t *testing.T) {
	h := newEngineHarness(t)
	ctx := context.Background()
	h.indexDoc(t, "doc",
		"general overview of search relevance scoring",
		"detailed search relevance scoring with examples and benchmarks")

	res, err := h.engine.Search(ctx, h.kb, Query{
		Text:       "search relevance scoring",
		Method:     MethodHybrid,
		Threshold:  floatPtr(0),
		Rerank:     boolPtr(true),
		RerankMode: "weighted_score",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Chunks)
	for i := 1; i < len(res.Chunks); i++ {
		assert.LessOrEqual(t, res.Chunks[i].Score, res.Chunks[i-1].Score)
	}
}
