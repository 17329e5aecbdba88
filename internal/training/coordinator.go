// Package training runs the per-knowledge-base training lifecycle: a
// bounded worker pool claims queued knowledge bases FIFO, drives each
// document through parse, chunk, embed and index stages, and reports
// progress through the externally observable state machine
// init/queued/training/ready/error/stopped.
package training

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/cache"
	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/embedding"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/ingest"
	"github.com/lorekeep-ai/lorekeep/internal/kb"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
	"github.com/lorekeep-ai/lorekeep/internal/vectorstore"
)

// requeueFrom are the states a Train call may leave.
var requeueFrom = []storage.TrainingStatus{
	storage.TrainingStatusInit,
	storage.TrainingStatusReady,
	storage.TrainingStatusError,
	storage.TrainingStatusStopped,
}

// Coordinator owns the training worker pool and the doorbell that
// wakes it. One coordinator per process.
type Coordinator struct {
	cfg      config.TrainingConfig
	db       *sql.DB
	repos    *storage.Repositories
	kbs      *kb.Service
	pipeline *ingest.Pipeline
	embedder *embedding.Service
	vectors  vectorstore.Store
	index    *lexical.Index
	cache    cache.Client
	bus      *events.Bus
	log      *observability.Logger
	metrics  *observability.Metrics

	doorbell chan struct{}
	jobs     sync.Map // kb id -> *job
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewCoordinator(cfg config.TrainingConfig, db *sql.DB, repos *storage.Repositories,
	kbs *kb.Service, pipeline *ingest.Pipeline, embedder *embedding.Service,
	vectors vectorstore.Store, index *lexical.Index, c cache.Client,
	bus *events.Bus, log *observability.Logger, metrics *observability.Metrics) *Coordinator {

	if cfg.Workers < 1 {
		cfg.Workers = 4
	}
	return &Coordinator{
		cfg:      cfg,
		db:       db,
		repos:    repos,
		kbs:      kbs,
		pipeline: pipeline,
		embedder: embedder,
		vectors:  vectors,
		index:    index,
		cache:    c,
		bus:      bus,
		log:      log.WithComponent("training"),
		metrics:  metrics,
		doorbell: make(chan struct{}, 1),
	}
}

// Start launches the worker pool. Queued knowledge bases left over from
// a previous run are picked up by the first sweep.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
}

// Close stops the pool. Running jobs observe cancellation at the next
// stage boundary and leave their knowledge base in `stopped`.
func (c *Coordinator) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	sweep := time.NewTicker(2 * time.Second)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doorbell:
		case <-sweep.C:
		}
		c.drainQueue(ctx)
	}
}

// drainQueue claims and runs queued knowledge bases until none remain.
func (c *Coordinator) drainQueue(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		kbRow, err := c.repos.KnowledgeBases.ClaimNextQueued(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			c.log.Error().Err(err).Msg("claim queued knowledge base")
			return
		}
		c.metrics.TrainingQueued.Dec()
		c.run(ctx, kbRow)
	}
}

// Train queues a knowledge base for training. Requires editor access.
func (c *Coordinator) Train(ctx context.Context, actor *storage.User, kbID uuid.UUID) error {
	if _, err := c.kbs.Authorize(ctx, kbID, actor, storage.PermissionEditor); err != nil {
		return err
	}

	total, _, err := c.repos.Documents.CountByKB(ctx, kbID)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "count documents")
	}
	if total == 0 {
		return faults.New(faults.KindValidation, "knowledge base has no documents to train on")
	}

	ok, err := c.repos.KnowledgeBases.MarkQueued(ctx, kbID, requeueFrom)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "queue training")
	}
	if !ok {
		return faults.New(faults.KindTrainingInProgress, "a training run is already queued or active")
	}

	c.metrics.TrainingQueued.Inc()
	c.log.Info().Str("kb_id", kbID.String()).Msg("training queued")
	c.ring()
	return nil
}

// Stop requests a cooperative stop. A queued run is unqueued directly;
// a running job observes the request at the next stage boundary.
func (c *Coordinator) Stop(ctx context.Context, actor *storage.User, kbID uuid.UUID) error {
	if _, err := c.kbs.Authorize(ctx, kbID, actor, storage.PermissionEditor); err != nil {
		return err
	}

	unqueued, err := c.repos.KnowledgeBases.TransitionStatus(ctx, kbID,
		[]storage.TrainingStatus{storage.TrainingStatusQueued}, storage.TrainingStatusStopped)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "stop training")
	}
	if unqueued {
		c.metrics.TrainingQueued.Dec()
		c.log.Info().Str("kb_id", kbID.String()).Msg("training unqueued")
		return nil
	}

	if j, ok := c.jobs.Load(kbID); ok {
		j.(*job).requestStop()
		c.log.Info().Str("kb_id", kbID.String()).Msg("training stop requested")
		return nil
	}
	return faults.New(faults.KindConflict, "knowledge base is not training")
}

// Status describes a training run for the status endpoint.
type Status struct {
	Status              storage.TrainingStatus `json:"status"`
	Progress            int                    `json:"progress"`
	ProcessedDocs       int                    `json:"processed_docs"`
	TotalDocs           int                    `json:"total_docs"`
	EstimatedCompletion *time.Time             `json:"estimated_completion,omitempty"`
	Error               string                 `json:"error,omitempty"`
}

// Status requires viewer access. The completion estimate is only
// present while a job is running and has timing history.
func (c *Coordinator) Status(ctx context.Context, actor *storage.User, kbID uuid.UUID) (*Status, error) {
	kbRow, err := c.kbs.Authorize(ctx, kbID, actor, storage.PermissionViewer)
	if err != nil {
		return nil, err
	}
	st := &Status{
		Status:        kbRow.TrainingStatus,
		Progress:      kbRow.TrainingProgress,
		ProcessedDocs: kbRow.ProcessedDocs,
		TotalDocs:     kbRow.TotalDocs,
		Error:         kbRow.ErrorMessage,
	}
	if j, ok := c.jobs.Load(kbID); ok {
		if eta, ok := j.(*job).estimate(); ok {
			st.EstimatedCompletion = &eta
		}
	}
	return st, nil
}

func (c *Coordinator) ring() {
	select {
	case c.doorbell <- struct{}{}:
	default:
	}
}

// run executes one claimed training job to a terminal state.
func (c *Coordinator) run(ctx context.Context, kbRow *storage.KnowledgeBase) {
	j := newJob(kbRow)
	c.jobs.Store(kbRow.ID, j)
	defer c.jobs.Delete(kbRow.ID)

	c.metrics.TrainingActive.Inc()
	defer c.metrics.TrainingActive.Dec()

	log := c.log.WithKB(kbRow.ID.String())
	log.Info().Msg("training started")

	outcome, errMsg := c.process(ctx, j, log)

	finished, err := c.repos.KnowledgeBases.FinishTraining(ctx, kbRow.ID, outcome, errMsg)
	if err != nil {
		log.Error().Err(err).Msg("record training outcome")
	}
	if !finished {
		// A concurrent stop already moved the row out of training.
		outcome = storage.TrainingStatusStopped
	}

	// Query results cached before this run no longer reflect the index.
	if c.cache != nil {
		if err := c.cache.DeleteByPrefix(ctx, cache.KBKey(kbRow.ID.String(), "query")); err != nil {
			log.Warn().Err(err).Msg("invalidate query cache")
		}
	}

	log.Info().Str("outcome", string(outcome)).Msg("training finished")
	if c.bus != nil {
		_ = c.bus.Publish(events.New(events.KnowledgeBaseUpdated, map[string]any{
			"kb_id":           kbRow.ID.String(),
			"training_status": string(outcome),
			"error":           errMsg,
		}, map[string]any{"kb_id": kbRow.ID.String()}))
	}
}

// process runs the document loop and returns the terminal status.
func (c *Coordinator) process(ctx context.Context, j *job, log *observability.Logger) (storage.TrainingStatus, string) {
	kbID := j.kb.ID

	provider, err := c.embedder.ProviderFor(j.kb.LLMSettings())
	if err != nil {
		return storage.TrainingStatusError, faults.Message(err)
	}

	docs, err := c.repos.Documents.ListUnindexedByKB(ctx, kbID)
	if err != nil {
		return storage.TrainingStatusError, "list documents: " + err.Error()
	}
	total, indexed, err := c.repos.Documents.CountByKB(ctx, kbID)
	if err != nil {
		return storage.TrainingStatusError, "count documents: " + err.Error()
	}
	j.begin(len(docs), indexed, total)
	c.updateProgress(ctx, j)

	failed := 0
	for _, doc := range docs {
		if j.stopRequested() || ctx.Err() != nil {
			return storage.TrainingStatusStopped, ""
		}

		if doc.Status != storage.DocumentStatusChunked {
			if err := c.stage(ctx, func(sctx context.Context) error {
				return c.pipeline.Process(sctx, doc)
			}); err != nil {
				failed++
				c.documentFailed(ctx, doc, err)
				continue
			}
		}

		if j.stopRequested() || ctx.Err() != nil {
			return storage.TrainingStatusStopped, ""
		}

		if err := c.stage(ctx, func(sctx context.Context) error {
			return c.indexDocument(sctx, j, provider, doc)
		}); err != nil {
			if faults.KindOf(err) == faults.KindCanceled {
				return storage.TrainingStatusStopped, ""
			}
			failed++
			c.documentFailed(ctx, doc, err)
			continue
		}

		j.docDone()
		c.updateProgress(ctx, j)
		c.metrics.DocumentsProcessed.WithLabelValues("indexed").Inc()
		if c.bus != nil {
			_ = c.bus.Publish(events.New(events.DocumentProcessed, map[string]any{
				"document_id": doc.ID.String(),
				"kb_id":       kbID.String(),
				"title":       doc.Title,
				"chunks":      doc.ChunkCount,
			}, map[string]any{"kb_id": kbID.String()}))
		}
	}

	if failed > 0 && j.processed == j.initialProcessed {
		return storage.TrainingStatusError, fmt.Sprintf("all %d documents failed", failed)
	}
	return storage.TrainingStatusReady, ""
}

// indexDocument embeds a chunked document and writes vectors, lexical
// postings and bookkeeping, then marks it indexed.
func (c *Coordinator) indexDocument(ctx context.Context, j *job, provider embedding.Provider,
	doc *storage.Document) error {

	chunks, err := c.repos.Chunks.ListByDocument(ctx, doc.ID)
	if err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "load chunks")
	}
	if len(chunks) == 0 {
		return faults.New(faults.KindUnsupportedFormat, "document has no chunks")
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	started := time.Now()
	vecs, err := c.embedder.EmbedTexts(ctx, provider, texts)
	if err != nil {
		return err
	}

	points := make([]vectorstore.Point, len(chunks))
	records := make([]*storage.EmbeddingRecord, len(chunks))
	chunkIDs := make([]uuid.UUID, len(chunks))
	var postings []storage.Posting
	analyzer := c.index.Analyzer()

	for i, ch := range chunks {
		meta := map[string]any{"ordinal": ch.Ordinal}
		points[i] = vectorstore.Point{
			ChunkID:    ch.ID,
			DocumentID: doc.ID,
			Vector:     vecs[i],
			Metadata:   meta,
		}
		records[i] = &storage.EmbeddingRecord{
			ChunkID:   ch.ID,
			KBID:      ch.KBID,
			Model:     provider.Model(),
			Dimension: len(vecs[i]),
			Checksum:  embedding.CacheKey(provider.Model(), ch.Text),
		}
		chunkIDs[i] = ch.ID
		freqs, length := analyzer.TermFrequencies(ch.Text)
		for term, tf := range freqs {
			postings = append(postings, storage.Posting{KBID: ch.KBID, Term: term, ChunkID: ch.ID, TF: tf})
		}
		c.index.Add(doc.KBID, ch.ID, freqs, length)
	}

	if err := c.vectors.Upsert(ctx, doc.KBID, points); err != nil {
		return err
	}
	if err := c.repos.Postings.ReplaceForChunks(ctx, doc.KBID, chunkIDs, postings); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "write postings")
	}
	if err := c.repos.Embeddings.UpsertBatch(ctx, records); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "write embedding records")
	}
	if err := c.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusIndexed, ""); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "mark document indexed")
	}
	doc.Status = storage.DocumentStatusIndexed

	j.recordChunks(len(chunks), time.Since(started))
	return nil
}

// stage runs fn under the configured per-stage deadline.
func (c *Coordinator) stage(ctx context.Context, fn func(context.Context) error) error {
	if c.cfg.StageTimeout <= 0 {
		return fn(ctx)
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.StageTimeout)
	defer cancel()
	err := fn(sctx)
	if err != nil && sctx.Err() != nil && ctx.Err() == nil {
		return faults.Wrap(faults.KindTimeout, err, "training stage deadline exceeded")
	}
	return err
}

func (c *Coordinator) documentFailed(ctx context.Context, doc *storage.Document, err error) {
	c.log.Warn().Err(err).Str("document_id", doc.ID.String()).Msg("document failed during training")
	if uerr := c.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusFailed, faults.Message(err)); uerr != nil {
		c.log.Warn().Err(uerr).Str("document_id", doc.ID.String()).Msg("persist failed document status")
	} else {
		doc.Status = storage.DocumentStatusFailed
	}
	c.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
	if c.bus != nil {
		_ = c.bus.Publish(events.New(events.DocumentFailed, map[string]any{
			"document_id": doc.ID.String(),
			"kb_id":       doc.KBID.String(),
			"title":       doc.Title,
			"error":       faults.Message(err),
		}, map[string]any{"kb_id": doc.KBID.String()}))
	}
}

func (c *Coordinator) updateProgress(ctx context.Context, j *job) {
	progress, processed, total := j.progress()
	if err := c.repos.KnowledgeBases.UpdateProgress(ctx, j.kb.ID, progress, processed, total); err != nil {
		c.log.Warn().Err(err).Str("kb_id", j.kb.ID.String()).Msg("persist training progress")
	}
}
