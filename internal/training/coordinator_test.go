package training

import (
	"context"
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
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

type harness struct {
	coord   *Coordinator
	kbs     *kb.Service
	repos   *storage.Repositories
	vectors vectorstore.Store
	index   *lexical.Index
	owner   *storage.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "training.db"), JournalMode: "WAL"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))
	repos := storage.NewRepositories(db)

	blobs, err := storage.NewBlobStore(t.TempDir())
	require.NoError(t, err)
	analyzer := lexical.NewAnalyzer("english")
	index := lexical.NewIndex(analyzer, repos.Postings)
	vectors, err := vectorstore.New(config.VectorConfig{Kind: "local", DataDir: t.TempDir()})
	require.NoError(t, err)
	mem := cache.NewMemoryClient(128)
	log := observability.Nop()
	metrics := observability.NewMetrics()

	pipeline := ingest.NewPipeline(config.DefaultConfig().Ingestion, db, repos, blobs,
		analyzer, nil, log, metrics)
	kbs := kb.NewService(db, repos, pipeline, vectors, index, mem, nil, log)
	embedder := embedding.NewService(config.EmbeddingConfig{
		Provider:  "mock",
		Dimension: 64,
		BatchSize: 16,
	}, mem, time.Hour, nil, log, metrics)

	users := kb.NewUserService(repos, nil, log, "")
	owner, err := users.Create(ctx, nil, "owner@example.com", "password123", false)
	require.NoError(t, err)

	coord := NewCoordinator(config.TrainingConfig{
		Workers:      2,
		StageTimeout: 30 * time.Second,
	}, db, repos, kbs, pipeline, embedder, vectors, index, mem, nil, log, metrics)

	return &harness{
		coord:   coord,
		kbs:     kbs,
		repos:   repos,
		vectors: vectors,
		index:   index,
		owner:   owner.User,
	}
}

func (h *harness) newKB(t *testing.T, docs ...string) *storage.KnowledgeBase {
	t.Helper()
	ctx := context.Background()
	kbRow, err := h.kbs.Create(ctx, h.owner, kb.CreateParams{Name: "docs", Domain: "test"})
	require.NoError(t, err)
	for i, text := range docs {
		_, err := h.kbs.UploadDocument(ctx, h.owner, kbRow.ID, []byte(text),
			"text/plain", fmt.Sprintf("doc-%d.txt", i), "")
		require.NoError(t, err)
	}
	return kbRow
}

func (h *harness) waitFor(t *testing.T, kbID uuid.UUID, want storage.TrainingStatus) *Status {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		st, err := h.coord.Status(ctx, h.owner, kbID)
		require.NoError(t, err)
		if st.Status == want {
			return st
		}
		if st.Status == storage.TrainingStatusError && want != storage.TrainingStatusError {
			t.Fatalf("training errored: %s", st.Error)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
	return nil
}

func TestTrain_RequiresDocuments(t *testing.T) {
	h := newHarness(t)
	kbRow := h.newKB(t)

	err := h.coord.Train(context.Background(), h.owner, kbRow.ID)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestTrain_SecondCallConflicts(t *testing.T) {
	h := newHarness(t) // coordinator not started: the row stays queued
	ctx := context.Background()
	kbRow := h.newKB(t, "some content for the first document of this knowledge base")

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	err := h.coord.Train(ctx, h.owner, kbRow.ID)
	assert.Equal(t, faults.KindTrainingInProgress, faults.KindOf(err))

	st, err := h.coord.Status(ctx, h.owner, kbRow.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TrainingStatusQueued, st.Status)
}

func TestStop_UnqueuesQueuedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kbRow := h.newKB(t, "content that will never be trained on")

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	require.NoError(t, h.coord.Stop(ctx, h.owner, kbRow.ID))

	st, err := h.coord.Status(ctx, h.owner, kbRow.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TrainingStatusStopped, st.Status)

	// Stopping an idle knowledge base is a conflict.
	err = h.coord.Stop(ctx, h.owner, kbRow.ID)
	assert.Equal(t, faults.KindConflict, faults.KindOf(err))
}

func TestTraining_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kbRow := h.newKB(t,
		"Postgres performance tuning starts with shared_buffers and work_mem settings.",
		"Redis persistence offers RDB snapshots and append-only files for durability.",
	)

	h.coord.Start(ctx)
	t.Cleanup(h.coord.Close)

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	st := h.waitFor(t, kbRow.ID, storage.TrainingStatusReady)
	assert.Equal(t, 100, st.Progress)
	assert.Equal(t, 2, st.TotalDocs)
	assert.Equal(t, 2, st.ProcessedDocs)

	fresh, err := h.kbs.Get(ctx, h.owner, kbRow.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.TrainedAt)

	docs, err := h.kbs.Documents(ctx, h.owner, kbRow.ID)
	require.NoError(t, err)
	for _, doc := range docs {
		assert.Equal(t, storage.DocumentStatusIndexed, doc.Status)
	}

	count, err := h.vectors.Count(ctx, kbRow.ID)
	require.NoError(t, err)
	assert.Positive(t, count)

	lexCount, err := h.index.Count(ctx, kbRow.ID)
	require.NoError(t, err)
	assert.Positive(t, lexCount)
}

func TestTraining_PersistsDocumentFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kbRow := h.newKB(t, "A healthy document about query planner statistics.")

	// A document that claims to be chunked but has no chunks cannot be
	// indexed; the run must record that on the row, not just skip it.
	broken, err := h.kbs.UploadDocument(ctx, h.owner, kbRow.ID,
		[]byte("placeholder"), "text/plain", "broken.txt", "")
	require.NoError(t, err)
	require.NoError(t, h.repos.Documents.UpdateStatus(ctx, broken.ID, storage.DocumentStatusChunked, ""))

	h.coord.Start(ctx)
	t.Cleanup(h.coord.Close)

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	h.waitFor(t, kbRow.ID, storage.TrainingStatusReady)

	fresh, err := h.repos.Documents.GetByID(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.DocumentStatusFailed, fresh.Status)
	assert.Contains(t, fresh.ErrorMessage, "no chunks")
}

func TestTraining_ResumesUnindexedOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	kbRow := h.newKB(t, "The first document covers database indexing strategies in depth.")

	h.coord.Start(ctx)
	t.Cleanup(h.coord.Close)

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	h.waitFor(t, kbRow.ID, storage.TrainingStatusReady)

	// A later upload retrains from ready and indexes only the new doc.
	_, err := h.kbs.UploadDocument(ctx, h.owner, kbRow.ID,
		[]byte("The second document explains connection pooling behavior."),
		"text/plain", "second.txt", "")
	require.NoError(t, err)

	unindexed, err := h.repos.Documents.ListUnindexedByKB(ctx, kbRow.ID)
	require.NoError(t, err)
	require.Len(t, unindexed, 1)

	require.NoError(t, h.coord.Train(ctx, h.owner, kbRow.ID))
	st := h.waitFor(t, kbRow.ID, storage.TrainingStatusReady)
	assert.Equal(t, 2, st.ProcessedDocs)

	count, err := h.vectors.Count(ctx, kbRow.ID)
	require.NoError(t, err)
	assert.Positive(t, count)
}
