// Package rerank reorders retrieval candidates. Three modes:
// weighted_score (local, blends semantic/keyword/recency),
// cross_encoder (remote provider scoring query-document pairs) and
// bm25 (local lexical rescoring over the candidate set).
package rerank

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Candidate is one scored chunk flowing through the rerank stage. The
// branch scores stay populated so rerankers can blend them.
type Candidate struct {
	ChunkID       uuid.UUID
	DocumentID    uuid.UUID
	Text          string
	Score         float64
	SemanticScore float64
	KeywordScore  float64
	CreatedAt     time.Time
}

// Reranker reorders candidates, rewriting Score. Order of equals is
// settled by the caller's tie-break, not here.
type Reranker interface {
	Rerank(ctx context.Context, query string, cands []Candidate) ([]Candidate, error)
}

// Modes accepted by the query surface.
const (
	ModeWeighted     = "weighted_score"
	ModeCrossEncoder = "cross_encoder"
	ModeBM25         = "bm25"
)

// recencyHalfLifeDays shapes the freshness term of the weighted mode:
// score decays as exp(-age_days/30).
const recencyHalfLifeDays = 30.0

// Weighted blends the branch scores with a freshness term. Weights are
// normalized so callers can pass any positive ratio.
type Weighted struct {
	Semantic float64
	Keyword  float64
	Recency  float64
}

func NewWeighted(semantic, keyword, recency float64) *Weighted {
	if semantic <= 0 && keyword <= 0 && recency <= 0 {
		semantic, keyword, recency = 0.5, 0.3, 0.2
	}
	total := semantic + keyword + recency
	return &Weighted{
		Semantic: semantic / total,
		Keyword:  keyword / total,
		Recency:  recency / total,
	}
}

func (w *Weighted) Rerank(_ context.Context, _ string, cands []Candidate) ([]Candidate, error) {
	now := time.Now().UTC()
	out := make([]Candidate, len(cands))
	for i, c := range cands {
		recency := 0.0
		if !c.CreatedAt.IsZero() {
			ageDays := now.Sub(c.CreatedAt).Hours() / 24
			if ageDays < 0 {
				ageDays = 0
			}
			recency = math.Exp(-ageDays / recencyHalfLifeDays)
		}
		c.Score = w.Semantic*c.SemanticScore + w.Keyword*c.KeywordScore + w.Recency*recency
		out[i] = c
	}
	sortByScore(out)
	return out, nil
}

// sortByScore orders by score descending, chunk id ascending on ties.
func sortByScore(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ChunkID.String() < cands[j].ChunkID.String()
	})
}

// New builds the reranker for a mode name.
func New(mode string, weighted *Weighted, bm25 *BM25, cross *CrossEncoder) (Reranker, error) {
	switch mode {
	case ModeWeighted:
		return weighted, nil
	case ModeBM25:
		return bm25, nil
	case ModeCrossEncoder:
		if cross == nil {
			return nil, faults.New(faults.KindConfiguration, "cross_encoder rerank mode requires a provider endpoint")
		}
		return cross, nil
	default:
		return nil, faults.Newf(faults.KindValidation, "unknown rerank mode %q", mode)
	}
}
