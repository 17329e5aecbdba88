// Package retrieval answers queries against a trained knowledge base:
// semantic, keyword or hybrid candidate retrieval, fusion, optional
// rerank, thresholding and a TTL-bounded per-KB query cache.
package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/rerank"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

// Methods accepted by the query surface. The unsuffixed short forms
// are accepted as aliases and canonicalized by normalize.
const (
	MethodSemantic = "semantic_search"
	MethodKeyword  = "keyword_search"
	MethodHybrid   = "hybrid_search"
)

// rrfK is the rank constant of reciprocal-rank fusion.
const rrfK = 60

// Query is one retrieval request against a knowledge base.
type Query struct {
	Text      string
	Method    string // semantic_search, keyword_search or hybrid_search; empty means hybrid
	TopK      int
	Threshold *float64 // override; nil picks the per-method default

	// Rerank toggles the rerank stage; nil follows config. Mode empty
	// means the configured default mode.
	Rerank     *bool
	RerankMode string

	// Weights switch hybrid fusion from RRF to weighted min-max.
	SemanticWeight *float64
	KeywordWeight  *float64

	// FilterDocuments restricts results to the given document ids.
	FilterDocuments []uuid.UUID

	// APIKeyID attributes usage; empty for internal callers.
	APIKeyID string
}

// ResultChunk is one retrieved chunk with its provenance.
type ResultChunk struct {
	ChunkID       uuid.UUID      `json:"chunk_id"`
	DocumentID    uuid.UUID      `json:"document_id"`
	DocumentTitle string         `json:"document_title"`
	Text          string         `json:"text"`
	Score         float64        `json:"score"`
	SemanticScore float64        `json:"semantic_score,omitempty"`
	KeywordScore  float64        `json:"keyword_score,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Result is a complete query answer. ComputedAt is part of the cached
// body so a cache hit returns a bit-identical result.
type Result struct {
	Chunks     []ResultChunk `json:"chunks"`
	Method     string        `json:"method"`
	Total      int           `json:"total"`
	CacheHit   bool          `json:"cache_hit"`
	Warning    string        `json:"warning,omitempty"`
	ComputedAt time.Time     `json:"computed_at"`
	TookMs     int64         `json:"took_ms"`
}

// Engine runs the two-stage retrieval path.
type Engine struct {
	cfg       config.RetrievalConfig
	rerankCfg config.RerankConfig
	repos     *storage.Repositories
	embedder  *embedding.Service
	vectors   vectorstore.Store
	index     *lexical.Index
	cache     cache.Client
	cacheTTL  time.Duration
	weighted  *rerank.Weighted
	bm25      *rerank.BM25
	cross     *rerank.CrossEncoder
	log       *observability.Logger
	metrics   *observability.Metrics
}

func NewEngine(cfg config.RetrievalConfig, rerankCfg config.RerankConfig,
	repos *storage.Repositories, embedder *embedding.Service, vectors vectorstore.Store,
	index *lexical.Index, c cache.Client, cacheTTL time.Duration,
	log *observability.Logger, metrics *observability.Metrics) *Engine {

	e := &Engine{
		cfg:       cfg,
		rerankCfg: rerankCfg,
		repos:     repos,
		embedder:  embedder,
		vectors:   vectors,
		index:     index,
		cache:     c,
		cacheTTL:  cacheTTL,
		weighted:  rerank.NewWeighted(rerankCfg.SemanticWeight, rerankCfg.KeywordWeight, rerankCfg.RecencyWeight),
		bm25:      rerank.NewBM25(index.Analyzer()),
		log:       log.WithComponent("retrieval"),
		metrics:   metrics,
	}
	if rerankCfg.BaseURL != "" {
		cross, err := rerank.NewCrossEncoder(rerankCfg.BaseURL, rerankCfg.APIKey, rerankCfg.Model, 30*time.Second)
		if err == nil {
			e.cross = cross
		} else {
			e.log.Warn().Err(err).Msg("cross encoder disabled")
		}
	}
	return e
}

// Search runs one query. The caller has already authorized read access
// to the knowledge base.
func (e *Engine) Search(ctx context.Context, kb *storage.KnowledgeBase, q Query) (*Result, error) {
	started := time.Now()

	if err := e.normalize(&q); err != nil {
		return nil, err
	}
	warning, err := readiness(kb)
	if err != nil {
		return nil, err
	}
	provider, err := e.embedder.ProviderFor(kb.LLMSettings())
	if err != nil {
		return nil, err
	}

	key := e.cacheKey(kb.ID, provider.Model(), q)
	if cached := e.lookupCache(ctx, key); cached != nil {
		cached.CacheHit = true
		e.recordUsage(ctx, kb.ID, q, true, time.Since(started))
		return cached, nil
	}

	cands, err := e.retrieve(ctx, kb, provider, q)
	if err != nil {
		return nil, err
	}
	cands, err = e.maybeRerank(ctx, kb.ID, q, cands)
	if err != nil {
		return nil, err
	}
	cands = thresholdAndTrim(cands, e.thresholdFor(q), q.TopK)

	result, err := e.populate(ctx, kb.ID, q.Method, cands)
	if err != nil {
		return nil, err
	}
	result.Warning = warning
	result.ComputedAt = time.Now().UTC()
	result.TookMs = time.Since(started).Milliseconds()

	e.storeCache(ctx, key, result)
	e.recordUsage(ctx, kb.ID, q, false, time.Since(started))
	return result, nil
}

// normalize applies defaults and validates parameters.
func (e *Engine) normalize(q *Query) error {
	if q.Text == "" {
		return faults.New(faults.KindValidation, "query text is required")
	}
	switch q.Method {
	case "", MethodHybrid, "hybrid":
		q.Method = MethodHybrid
	case MethodSemantic, "semantic":
		q.Method = MethodSemantic
	case MethodKeyword, "keyword":
		q.Method = MethodKeyword
	default:
		return faults.Newf(faults.KindValidation, "unknown retrieval method %q", q.Method)
	}
	if q.TopK == 0 {
		q.TopK = e.cfg.TopKDefault
	}
	if q.TopK < 1 || q.TopK > 100 {
		return faults.New(faults.KindValidation, "top_k must be between 1 and 100")
	}
	if q.Threshold != nil && (*q.Threshold < 0 || *q.Threshold > 1) {
		return faults.New(faults.KindValidation, "score threshold must be between 0 and 1")
	}
	if (q.SemanticWeight == nil) != (q.KeywordWeight == nil) {
		return faults.New(faults.KindValidation, "semantic and keyword weights must be set together")
	}
	if q.RerankMode != "" {
		switch q.RerankMode {
		case rerank.ModeWeighted, rerank.ModeCrossEncoder, rerank.ModeBM25:
		default:
			return faults.Newf(faults.KindValidation, "unknown rerank mode %q", q.RerankMode)
		}
	}
	return nil
}

// readiness gates on training status: ready serves; stopped serves with
// a warning when an index exists; everything else refuses.
func readiness(kb *storage.KnowledgeBase) (string, error) {
	switch kb.TrainingStatus {
	case storage.TrainingStatusReady:
		return "", nil
	case storage.TrainingStatusStopped:
		if kb.ProcessedDocs > 0 {
			return "training was stopped; results may not cover all documents", nil
		}
	}
	return "", faults.Newf(faults.KindKnowledgeBaseNotReady,
		"knowledge base is %s, not ready", kb.TrainingStatus)
}

func (e *Engine) fetchK(topK int) int {
	k := topK * 4
	if min := e.cfg.FetchKMin; min > 0 && k < min {
		k = min
	} else if min == 0 && k < 50 {
		k = 50
	}
	return k
}

// retrieve runs the branch(es) for the method and fuses hybrid results.
func (e *Engine) retrieve(ctx context.Context, kb *storage.KnowledgeBase,
	provider embedding.Provider, q Query) ([]rerank.Candidate, error) {

	fetchK := e.fetchK(q.TopK)
	switch q.Method {
	case MethodSemantic:
		return e.semantic(ctx, kb, provider, q, fetchK)
	case MethodKeyword:
		return e.keyword(ctx, kb.ID, q, fetchK)
	default:
		var sem, kw []rerank.Candidate
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			sem, err = e.semantic(gctx, kb, provider, q, fetchK)
			return err
		})
		g.Go(func() error {
			var err error
			kw, err = e.keyword(gctx, kb.ID, q, fetchK)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		if q.SemanticWeight != nil {
			return fuseWeighted(sem, kw, *q.SemanticWeight, *q.KeywordWeight), nil
		}
		return fuseRRF(sem, kw), nil
	}
}

// semantic embeds the query and searches the vector store. Scores are
// already rescaled cosine in [0,1].
func (e *Engine) semantic(ctx context.Context, kb *storage.KnowledgeBase,
	provider embedding.Provider, q Query, fetchK int) ([]rerank.Candidate, error) {

	vec, err := e.embedder.EmbedQuery(ctx, provider, q.Text)
	if err != nil {
		return nil, err
	}
	results, err := e.vectors.Search(ctx, kb.ID, vec, fetchK, q.FilterDocuments)
	if err != nil {
		return nil, err
	}
	cands := make([]rerank.Candidate, len(results))
	for i, r := range results {
		cands[i] = rerank.Candidate{
			ChunkID:       r.ChunkID,
			DocumentID:    r.DocumentID,
			Score:         r.Score,
			SemanticScore: r.Score,
		}
	}
	return cands, nil
}

// keyword runs BM25 over the lexical index and min-max normalizes the
// raw scores into [0,1].
func (e *Engine) keyword(ctx context.Context, kbID uuid.UUID, q Query, fetchK int) ([]rerank.Candidate, error) {
	hits, err := e.index.Search(ctx, kbID, q.Text, fetchK)
	if err != nil {
		return nil, err
	}
	cands := make([]rerank.Candidate, len(hits))
	for i, h := range hits {
		cands[i] = rerank.Candidate{ChunkID: h.ChunkID, Score: h.Score}
	}
	normalizeMinMax(cands)
	for i := range cands {
		cands[i].KeywordScore = cands[i].Score
	}
	if len(q.FilterDocuments) > 0 {
		cands, err = e.filterByDocuments(ctx, kbID, cands, q.FilterDocuments)
		if err != nil {
			return nil, err
		}
	}
	return cands, nil
}

// filterByDocuments drops keyword candidates outside the requested
// documents. The vector branch filters natively; BM25 hits only carry
// chunk ids, so the chunk rows resolve the parentage.
func (e *Engine) filterByDocuments(ctx context.Context, kbID uuid.UUID,
	cands []rerank.Candidate, docs []uuid.UUID) ([]rerank.Candidate, error) {

	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	chunks, err := e.repos.Chunks.GetByIDs(ctx, kbID, ids)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "resolve chunk documents")
	}
	allowed := make(map[uuid.UUID]struct{}, len(docs))
	for _, d := range docs {
		allowed[d] = struct{}{}
	}
	out := cands[:0]
	for _, c := range cands {
		ch, ok := chunks[c.ChunkID]
		if !ok {
			continue
		}
		if _, ok := allowed[ch.DocumentID]; ok {
			c.DocumentID = ch.DocumentID
			out = append(out, c)
		}
	}
	return out, nil
}

// maybeRerank applies the rerank stage per query flag or config.
func (e *Engine) maybeRerank(ctx context.Context, kbID uuid.UUID, q Query, cands []rerank.Candidate) ([]rerank.Candidate, error) {
	enabled := e.rerankCfg.UseDefault
	if q.Rerank != nil {
		enabled = *q.Rerank
	}
	if !enabled || len(cands) == 0 {
		return cands, nil
	}
	mode := q.RerankMode
	if mode == "" {
		mode = e.rerankCfg.ModeDefault
	}
	reranker, err := rerank.New(mode, e.weighted, e.bm25, e.cross)
	if err != nil {
		return nil, err
	}
	// Rerankers that read chunk text or age need the rows loaded first.
	if err := e.loadChunkFields(ctx, kbID, cands); err != nil {
		return nil, err
	}
	return reranker.Rerank(ctx, q.Text, cands)
}

func (e *Engine) loadChunkFields(ctx context.Context, kbID uuid.UUID, cands []rerank.Candidate) error {
	if len(cands) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	chunks, err := e.repos.Chunks.GetByIDs(ctx, kbID, ids)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "load chunk texts")
	}
	for i := range cands {
		if ch, ok := chunks[cands[i].ChunkID]; ok {
			cands[i].Text = ch.Text
			cands[i].CreatedAt = ch.CreatedAt
		}
	}
	return nil
}

// thresholdAndTrim drops candidates under the threshold and keeps the
// best topK with the deterministic tie-break.
func thresholdAndTrim(cands []rerank.Candidate, threshold float64, topK int) []rerank.Candidate {
	kept := cands[:0]
	for _, c := range cands {
		if c.Score >= threshold {
			kept = append(kept, c)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].Score != kept[j].Score {
			return kept[i].Score > kept[j].Score
		}
		return kept[i].ChunkID.String() < kept[j].ChunkID.String()
	})
	if len(kept) > topK {
		kept = kept[:topK]
	}
	return kept
}

func (e *Engine) thresholdFor(q Query) float64 {
	if q.Threshold != nil {
		return *q.Threshold
	}
	if q.Method == MethodSemantic {
		return e.cfg.ScoreThresholdSemantic
	}
	return e.cfg.ScoreThresholdHybrid
}

// populate resolves chunk rows and document titles into the response.
// Chunks whose document has been deleted since indexing are dropped.
func (e *Engine) populate(ctx context.Context, kbID uuid.UUID, method string,
	cands []rerank.Candidate) (*Result, error) {

	result := &Result{Method: method, Chunks: []ResultChunk{}}
	if len(cands) == 0 {
		return result, nil
	}

	ids := make([]uuid.UUID, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	chunks, err := e.repos.Chunks.GetByIDs(ctx, kbID, ids)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "load result chunks")
	}
	docs, err := e.repos.Documents.ListByKB(ctx, kbID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "load result documents")
	}
	titles := make(map[uuid.UUID]string, len(docs))
	for _, d := range docs {
		titles[d.ID] = d.Title
	}

	for _, c := range cands {
		ch, ok := chunks[c.ChunkID]
		if !ok {
			continue // document deleted after indexing
		}
		title, ok := titles[ch.DocumentID]
		if !ok {
			continue
		}
		var meta map[string]any
		if len(ch.Metadata) > 0 {
			meta = decodeMeta(ch.Metadata)
		}
		result.Chunks = append(result.Chunks, ResultChunk{
			ChunkID:       ch.ID,
			DocumentID:    ch.DocumentID,
			DocumentTitle: title,
			Text:          ch.Text,
			Score:         c.Score,
			SemanticScore: c.SemanticScore,
			KeywordScore:  c.KeywordScore,
			Metadata:      meta,
		})
	}
	result.Total = len(result.Chunks)
	return result, nil
}

func (e *Engine) recordUsage(ctx context.Context, kbID uuid.UUID, q Query,
	cacheHit bool, took time.Duration) {

	e.metrics.QueriesTotal.WithLabelValues(q.Method).Inc()
	e.metrics.QueryLatency.WithLabelValues(q.Method).Observe(took.Seconds())
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	e.metrics.QueryCacheHits.WithLabelValues(outcome).Inc()
	if err := e.repos.Usage.Record(ctx, kbID, q.APIKeyID, cacheHit, took.Milliseconds()); err != nil {
		e.log.Warn().Err(err).Str("kb_id", kbID.String()).Msg("record usage")
	}
}
