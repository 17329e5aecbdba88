package vectorstore

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// LocalStore is the single-node backend: per-KB in-memory collections
// with JSON snapshots under the data directory. Collections load
// lazily on first access and persist after every mutation.
type LocalStore struct {
	mu          sync.RWMutex
	dataDir     string
	collections map[uuid.UUID]*localCollection
}

type localCollection struct {
	Dimension int                      `json:"dimension"`
	Points    map[uuid.UUID]localPoint `json:"points"`
}

type localPoint struct {
	DocumentID uuid.UUID      `json:"document_id"`
	Vector     []float32      `json:"vector"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewLocalStore opens (creating if needed) the snapshot directory.
func NewLocalStore(dataDir string) (*LocalStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindConfiguration, err, "create vector data directory")
	}
	return &LocalStore{
		dataDir:     dataDir,
		collections: make(map[uuid.UUID]*localCollection),
	}, nil
}

func (s *LocalStore) snapshotPath(kbID uuid.UUID) string {
	return filepath.Join(s.dataDir, CollectionName(kbID)+".json")
}

// collection returns the loaded collection for kbID, reading the
// snapshot on first access. Caller must hold the write lock.
func (s *LocalStore) collection(kbID uuid.UUID, create bool) (*localCollection, error) {
	if col, ok := s.collections[kbID]; ok {
		return col, nil
	}
	data, err := os.ReadFile(s.snapshotPath(kbID))
	switch {
	case err == nil:
		col := &localCollection{}
		if err := json.Unmarshal(data, col); err != nil {
			return nil, faults.Wrap(faults.KindVectorStoreError, err, "decode vector snapshot")
		}
		if col.Points == nil {
			col.Points = make(map[uuid.UUID]localPoint)
		}
		s.collections[kbID] = col
		return col, nil
	case os.IsNotExist(err):
		if !create {
			return nil, nil
		}
		col := &localCollection{Points: make(map[uuid.UUID]localPoint)}
		s.collections[kbID] = col
		return col, nil
	default:
		return nil, faults.Wrap(faults.KindVectorStoreError, err, "read vector snapshot")
	}
}

// persist writes the collection snapshot atomically.
func (s *LocalStore) persist(kbID uuid.UUID, col *localCollection) error {
	data, err := json.Marshal(col)
	if err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "encode vector snapshot")
	}
	path := s.snapshotPath(kbID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "write vector snapshot")
	}
	if err := os.Rename(tmp, path); err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "replace vector snapshot")
	}
	return nil
}

// Upsert writes points, pinning the collection dimension on first
// insert. Re-upserting a chunk id replaces its vector.
func (s *LocalStore) Upsert(ctx context.Context, kbID uuid.UUID, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return faults.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(kbID, true)
	if err != nil {
		return err
	}
	if col.Dimension == 0 {
		col.Dimension = len(points[0].Vector)
	}
	for _, p := range points {
		if len(p.Vector) != col.Dimension {
			return faults.Newf(faults.KindVectorStoreError,
				"vector dimension %d does not match collection dimension %d", len(p.Vector), col.Dimension)
		}
		col.Points[p.ChunkID] = localPoint{
			DocumentID: p.DocumentID,
			Vector:     p.Vector,
			Metadata:   p.Metadata,
		}
	}
	return s.persist(kbID, col)
}

// Search scans the collection for the k nearest neighbors by cosine
// similarity. Ordering is deterministic: score descending, chunk id
// ascending on ties.
func (s *LocalStore) Search(ctx context.Context, kbID uuid.UUID, query []float32, k int, filterDocs []uuid.UUID) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.FromContext(err)
	}

	s.mu.Lock()
	col, err := s.collection(kbID, false)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if col == nil || len(col.Points) == 0 {
		return nil, nil
	}
	if len(query) != col.Dimension {
		return nil, faults.Newf(faults.KindVectorStoreError,
			"query dimension %d does not match collection dimension %d", len(query), col.Dimension)
	}

	var docFilter map[uuid.UUID]struct{}
	if len(filterDocs) > 0 {
		docFilter = make(map[uuid.UUID]struct{}, len(filterDocs))
		for _, id := range filterDocs {
			docFilter[id] = struct{}{}
		}
	}

	s.mu.RLock()
	results := make([]Result, 0, len(col.Points))
	for chunkID, p := range col.Points {
		if docFilter != nil {
			if _, ok := docFilter[p.DocumentID]; !ok {
				continue
			}
		}
		results = append(results, Result{
			ChunkID:    chunkID,
			DocumentID: p.DocumentID,
			Score:      rescale(cosine(query, p.Vector)),
			Metadata:   p.Metadata,
		})
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID.String() < results[j].ChunkID.String()
	})
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// DeleteByKB drops the collection and its snapshot. Deleting an absent
// collection succeeds.
func (s *LocalStore) DeleteByKB(_ context.Context, kbID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, kbID)
	if err := os.Remove(s.snapshotPath(kbID)); err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindVectorStoreError, err, "remove vector snapshot")
	}
	return nil
}

// DeleteByDocument removes every point of one document.
func (s *LocalStore) DeleteByDocument(ctx context.Context, kbID, documentID uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return faults.FromContext(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	col, err := s.collection(kbID, false)
	if err != nil || col == nil {
		return err
	}
	changed := false
	for chunkID, p := range col.Points {
		if p.DocumentID == documentID {
			delete(col.Points, chunkID)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.persist(kbID, col)
}

// Count returns the number of points in a KB's collection.
func (s *LocalStore) Count(_ context.Context, kbID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(kbID, false)
	if err != nil || col == nil {
		return 0, err
	}
	return len(col.Points), nil
}

// HealthCheck verifies the data directory is writable.
func (s *LocalStore) HealthCheck(_ context.Context) error {
	probe := filepath.Join(s.dataDir, ".health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "vector data directory not writable")
	}
	return os.Remove(probe)
}

// Optimize rewrites the snapshot, compacting any stale file content.
func (s *LocalStore) Optimize(_ context.Context, kbID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.collection(kbID, false)
	if err != nil || col == nil {
		return err
	}
	return s.persist(kbID, col)
}

// Close flushes nothing: every mutation already persisted.
func (s *LocalStore) Close() error { return nil }

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

var _ Store = (*LocalStore)(nil)
