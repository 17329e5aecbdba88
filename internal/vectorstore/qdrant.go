package vectorstore

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
)

// QdrantStore is the remote backend. One qdrant collection per KB,
// cosine distance, document id carried in the payload for filtered
// search and per-document deletes.
type QdrantStore struct {
	client *qdrant.Client
}

// NewQdrantStore connects to a qdrant instance.
func NewQdrantStore(cfg config.QdrantConfig) (*QdrantStore, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, faults.Wrap(faults.KindVectorStoreError, err, "connect to qdrant")
	}
	return &QdrantStore{client: client}, nil
}

// ensureCollection creates the KB collection on first use, pinning the
// dimension to the first batch.
func (s *QdrantStore) ensureCollection(ctx context.Context, name string, dim int) error {
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "check collection")
	}
	if exists {
		return nil
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "create collection")
	}
	return nil
}

// Upsert writes points; idempotent on chunk id.
func (s *QdrantStore) Upsert(ctx context.Context, kbID uuid.UUID, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	name := CollectionName(kbID)
	if err := s.ensureCollection(ctx, name, len(points[0].Vector)); err != nil {
		return err
	}

	qdrantPoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		payload := map[string]any{"document_id": p.DocumentID.String()}
		if len(p.Metadata) > 0 {
			meta, err := json.Marshal(p.Metadata)
			if err == nil {
				payload["metadata"] = string(meta)
			}
		}
		qdrantPoints = append(qdrantPoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ChunkID.String()),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(payload),
		})
	}

	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: name,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "upsert vectors")
	}
	return nil
}

// Search returns the k nearest neighbors, optionally restricted to
// specific documents.
func (s *QdrantStore) Search(ctx context.Context, kbID uuid.UUID, query []float32, k int, filterDocs []uuid.UUID) ([]Result, error) {
	name := CollectionName(kbID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return nil, faults.Wrap(faults.KindVectorStoreError, err, "check collection")
	}
	if !exists {
		return nil, nil
	}

	req := &qdrant.QueryPoints{
		CollectionName: name,
		Query:          qdrant.NewQuery(query...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filterDocs) > 0 {
		conditions := make([]*qdrant.Condition, 0, len(filterDocs))
		for _, id := range filterDocs {
			conditions = append(conditions, qdrant.NewMatch("document_id", id.String()))
		}
		req.Filter = &qdrant.Filter{Should: conditions}
	}

	scored, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, faults.Wrap(faults.KindVectorStoreError, err, "search vectors")
	}

	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		chunkID, err := uuid.Parse(sp.GetId().GetUuid())
		if err != nil {
			continue
		}
		r := Result{
			ChunkID: chunkID,
			Score:   rescale(float64(sp.GetScore())),
		}
		payload := sp.GetPayload()
		if v, ok := payload["document_id"]; ok {
			if docID, err := uuid.Parse(v.GetStringValue()); err == nil {
				r.DocumentID = docID
			}
		}
		if v, ok := payload["metadata"]; ok {
			_ = json.Unmarshal([]byte(v.GetStringValue()), &r.Metadata)
		}
		results = append(results, r)
	}
	return results, nil
}

// DeleteByKB drops the KB's collection. Deleting an absent collection
// succeeds.
func (s *QdrantStore) DeleteByKB(ctx context.Context, kbID uuid.UUID) error {
	if err := s.client.DeleteCollection(ctx, CollectionName(kbID)); err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "delete collection")
	}
	return nil
}

// DeleteByDocument removes every point carrying the document id.
func (s *QdrantStore) DeleteByDocument(ctx context.Context, kbID, documentID uuid.UUID) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: CollectionName(kbID),
		Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
			Must: []*qdrant.Condition{qdrant.NewMatch("document_id", documentID.String())},
		}),
	})
	if err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "delete document vectors")
	}
	return nil
}

// Count returns the exact point count of a KB's collection.
func (s *QdrantStore) Count(ctx context.Context, kbID uuid.UUID) (int, error) {
	name := CollectionName(kbID)
	exists, err := s.client.CollectionExists(ctx, name)
	if err != nil {
		return 0, faults.Wrap(faults.KindVectorStoreError, err, "check collection")
	}
	if !exists {
		return 0, nil
	}
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: name,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, faults.Wrap(faults.KindVectorStoreError, err, "count vectors")
	}
	return int(n), nil
}

// HealthCheck pings the qdrant instance.
func (s *QdrantStore) HealthCheck(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return faults.Wrap(faults.KindVectorStoreError, err, "qdrant health check")
	}
	return nil
}

// Optimize is a no-op: qdrant runs its optimizers in the background.
func (s *QdrantStore) Optimize(_ context.Context, _ uuid.UUID) error { return nil }

// Close closes the underlying gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

var _ Store = (*QdrantStore)(nil)
