// Package vectorstore abstracts the dense index behind a capability
// interface with a local persistent backend and a remote qdrant backend.
// Scores returned by every backend are cosine similarity rescaled to
// [0,1], higher meaning more similar.
package vectorstore

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// Point is one vector keyed by chunk id.
type Point struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Vector     []float32
	Metadata   map[string]any
}

// Result is one search hit.
type Result struct {
	ChunkID    uuid.UUID
	DocumentID uuid.UUID
	Score      float64 // rescaled cosine, [0,1]
	Metadata   map[string]any
}

// Store is the capability set every backend provides. Upserts are
// idempotent on chunk id; the first insert of a collection pins its
// dimension.
type Store interface {
	Upsert(ctx context.Context, kbID uuid.UUID, points []Point) error
	Search(ctx context.Context, kbID uuid.UUID, query []float32, k int, filterDocs []uuid.UUID) ([]Result, error)
	DeleteByKB(ctx context.Context, kbID uuid.UUID) error
	DeleteByDocument(ctx context.Context, kbID, documentID uuid.UUID) error
	Count(ctx context.Context, kbID uuid.UUID) (int, error)
	HealthCheck(ctx context.Context) error
	Optimize(ctx context.Context, kbID uuid.UUID) error
	Close() error
}

// New selects a backend from configuration.
func New(cfg config.VectorConfig) (Store, error) {
	switch cfg.Kind {
	case "local":
		return NewLocalStore(cfg.DataDir)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant)
	default:
		return nil, faults.Newf(faults.KindConfiguration, "unknown vector store kind %q", cfg.Kind)
	}
}

// CollectionName derives the deterministic collection name for a KB.
func CollectionName(kbID uuid.UUID) string {
	return "kb_" + strings.ReplaceAll(kbID.String(), "-", "")
}

// rescale maps cosine similarity [-1,1] onto [0,1].
func rescale(cosine float64) float64 {
	s := (cosine + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
