package retrieval

import (
	"sort"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/rerank"
)

// fuseRRF merges the branches with reciprocal-rank fusion
// (1/(k+rank), k=60), then min-max normalizes the fused scores so the
// hybrid threshold applies on [0,1].
func fuseRRF(sem, kw []rerank.Candidate) []rerank.Candidate {
	merged := map[uuid.UUID]*rerank.Candidate{}
	order := []uuid.UUID{}

	take := func(c rerank.Candidate) *rerank.Candidate {
		if existing, ok := merged[c.ChunkID]; ok {
			return existing
		}
		cp := c
		cp.Score = 0
		merged[c.ChunkID] = &cp
		order = append(order, c.ChunkID)
		return &cp
	}

	for rank, c := range sem {
		m := take(c)
		m.SemanticScore = c.SemanticScore
		m.Score += 1.0 / float64(rrfK+rank+1)
	}
	for rank, c := range kw {
		m := take(c)
		m.KeywordScore = c.KeywordScore
		if m.DocumentID == uuid.Nil {
			m.DocumentID = c.DocumentID
		}
		m.Score += 1.0 / float64(rrfK+rank+1)
	}

	out := make([]rerank.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *merged[id])
	}
	normalizeMinMax(out)
	sortCandidates(out)
	return out
}

// fuseWeighted blends the branch scores directly: both branches are
// already on [0,1], the fused score is w_s*semantic + w_k*keyword
// normalized by the weight sum.
func fuseWeighted(sem, kw []rerank.Candidate, semWeight, kwWeight float64) []rerank.Candidate {
	if semWeight <= 0 && kwWeight <= 0 {
		semWeight, kwWeight = 0.7, 0.3
	}
	total := semWeight + kwWeight

	merged := map[uuid.UUID]*rerank.Candidate{}
	order := []uuid.UUID{}
	take := func(c rerank.Candidate) *rerank.Candidate {
		if existing, ok := merged[c.ChunkID]; ok {
			return existing
		}
		cp := c
		cp.Score = 0
		merged[c.ChunkID] = &cp
		order = append(order, c.ChunkID)
		return &cp
	}

	for _, c := range sem {
		m := take(c)
		m.SemanticScore = c.SemanticScore
	}
	for _, c := range kw {
		m := take(c)
		m.KeywordScore = c.KeywordScore
		if m.DocumentID == uuid.Nil {
			m.DocumentID = c.DocumentID
		}
	}
	out := make([]rerank.Candidate, 0, len(order))
	for _, id := range order {
		m := merged[id]
		m.Score = (semWeight*m.SemanticScore + kwWeight*m.KeywordScore) / total
		out = append(out, *m)
	}
	sortCandidates(out)
	return out
}

// normalizeMinMax maps scores onto [0,1]. A uniform set maps to 1.
func normalizeMinMax(cands []rerank.Candidate) {
	if len(cands) == 0 {
		return
	}
	lo, hi := cands[0].Score, cands[0].Score
	for _, c := range cands[1:] {
		if c.Score < lo {
			lo = c.Score
		}
		if c.Score > hi {
			hi = c.Score
		}
	}
	if hi == lo {
		for i := range cands {
			cands[i].Score = 1
		}
		return
	}
	for i := range cands {
		cands[i].Score = (cands[i].Score - lo) / (hi - lo)
	}
}

func sortCandidates(cands []rerank.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].ChunkID.String() < cands[j].ChunkID.String()
	})
}
