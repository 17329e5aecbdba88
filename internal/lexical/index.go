package lexical

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// BM25 parameters.
const (
	k1      = 1.2
	b       = 0.75
	epsilon = 0.25 // floor for non-positive idf, as a fraction of the average idf
)

// Hit is one keyword search result carrying a raw BM25 score.
type Hit struct {
	ChunkID uuid.UUID
	Score   float64
}

// Index keeps one in-memory inverted index per knowledge base, rebuilt
// from persisted postings on demand. All methods are safe for
// concurrent use.
type Index struct {
	analyzer *Analyzer
	postings *storage.PostingRepository

	mu  sync.RWMutex
	kbs map[uuid.UUID]*kbIndex
}

type kbIndex struct {
	terms    map[string]map[uuid.UUID]int // term -> chunk -> tf
	lengths  map[uuid.UUID]int            // chunk -> token count
	totalLen int
}

// NewIndex creates an index over the given postings repository.
func NewIndex(analyzer *Analyzer, postings *storage.PostingRepository) *Index {
	return &Index{
		analyzer: analyzer,
		postings: postings,
		kbs:      make(map[uuid.UUID]*kbIndex),
	}
}

// Analyzer exposes the analyzer so the index builder tokenizes chunks
// consistently with query analysis.
func (i *Index) Analyzer() *Analyzer { return i.analyzer }

// ensureLoaded rebuilds a KB's index from the store on first access.
func (i *Index) ensureLoaded(ctx context.Context, kbID uuid.UUID) (*kbIndex, error) {
	i.mu.RLock()
	kb, ok := i.kbs[kbID]
	i.mu.RUnlock()
	if ok {
		return kb, nil
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if kb, ok := i.kbs[kbID]; ok {
		return kb, nil
	}

	kb = newKBIndex()
	if err := i.postings.LoadByKB(ctx, kbID, func(p storage.Posting) error {
		kb.add(p.Term, p.ChunkID, p.TF)
		return nil
	}); err != nil {
		return nil, err
	}
	lengths, err := i.postings.ChunkLengths(ctx, kbID)
	if err != nil {
		return nil, err
	}
	for chunkID, n := range lengths {
		kb.lengths[chunkID] = n
		kb.totalLen += n
	}
	i.kbs[kbID] = kb
	return kb, nil
}

func newKBIndex() *kbIndex {
	return &kbIndex{
		terms:   make(map[string]map[uuid.UUID]int),
		lengths: make(map[uuid.UUID]int),
	}
}

func (kb *kbIndex) add(term string, chunkID uuid.UUID, tf int) {
	chunks, ok := kb.terms[term]
	if !ok {
		chunks = make(map[uuid.UUID]int)
		kb.terms[term] = chunks
	}
	chunks[chunkID] = tf
}

// Add registers one chunk's term frequencies in the live index. Called
// by the index builder after it persists the same postings.
func (i *Index) Add(kbID, chunkID uuid.UUID, freqs map[string]int, length int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kb, ok := i.kbs[kbID]
	if !ok {
		// Not loaded yet; the first search rebuilds from the store.
		return
	}
	if old, ok := kb.lengths[chunkID]; ok {
		kb.totalLen -= old
	}
	kb.lengths[chunkID] = length
	kb.totalLen += length
	for term, tf := range freqs {
		kb.add(term, chunkID, tf)
	}
}

// RemoveChunks drops chunks from the live index after a document
// delete.
func (i *Index) RemoveChunks(kbID uuid.UUID, chunkIDs []uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	kb, ok := i.kbs[kbID]
	if !ok {
		return
	}
	drop := make(map[uuid.UUID]struct{}, len(chunkIDs))
	for _, id := range chunkIDs {
		drop[id] = struct{}{}
		if n, ok := kb.lengths[id]; ok {
			kb.totalLen -= n
			delete(kb.lengths, id)
		}
	}
	for term, chunks := range kb.terms {
		for id := range drop {
			delete(chunks, id)
		}
		if len(chunks) == 0 {
			delete(kb.terms, term)
		}
	}
}

// DropKB discards a KB's in-memory index. The next search reloads from
// the store.
func (i *Index) DropKB(kbID uuid.UUID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.kbs, kbID)
}

// Count returns the number of indexed chunks for a KB.
func (i *Index) Count(ctx context.Context, kbID uuid.UUID) (int, error) {
	kb, err := i.ensureLoaded(ctx, kbID)
	if err != nil {
		return 0, err
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(kb.lengths), nil
}

// Search scores the query against a KB with BM25 and returns the top k
// hits. Non-positive idf terms are floored at epsilon times the average
// idf so very common terms still contribute. Ordering is deterministic:
// score descending, chunk id ascending on ties.
func (i *Index) Search(ctx context.Context, kbID uuid.UUID, query string, k int) ([]Hit, error) {
	kb, err := i.ensureLoaded(ctx, kbID)
	if err != nil {
		return nil, err
	}

	terms := i.analyzer.Tokens(query)
	if len(terms) == 0 {
		return nil, nil
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	n := len(kb.lengths)
	if n == 0 {
		return nil, nil
	}
	avgLen := float64(kb.totalLen) / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	// Raw idf per query term; negatives floored afterwards.
	idf := make(map[string]float64, len(terms))
	var idfSum float64
	var idfCount int
	for _, term := range terms {
		if _, seen := idf[term]; seen {
			continue
		}
		df := len(kb.terms[term])
		if df == 0 {
			continue
		}
		v := math.Log((float64(n)-float64(df)+0.5)/(float64(df)+0.5) + 1e-9)
		idf[term] = v
		if v > 0 {
			idfSum += v
			idfCount++
		}
	}
	avgIdf := 1.0
	if idfCount > 0 {
		avgIdf = idfSum / float64(idfCount)
	}
	for term, v := range idf {
		if v <= 0 {
			idf[term] = epsilon * avgIdf
		}
	}

	scores := make(map[uuid.UUID]float64)
	for _, term := range terms {
		w, ok := idf[term]
		if !ok {
			continue
		}
		for chunkID, tf := range kb.terms[term] {
			length := float64(kb.lengths[chunkID])
			norm := k1 * (1 - b + b*length/avgLen)
			scores[chunkID] += w * float64(tf) * (k1 + 1) / (float64(tf) + norm)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for chunkID, score := range scores {
		hits = append(hits, Hit{ChunkID: chunkID, Score: score})
	}
	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].ChunkID.String() < hits[b].ChunkID.String()
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
