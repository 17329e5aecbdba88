package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/lexical"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Pipeline ingests raw documents and processes them into chunks. The
// embed/index stage is driven separately by the training coordinator.
type Pipeline struct {
	cfg      config.IngestionConfig
	db       *sql.DB
	repos    *storage.Repositories
	blobs    *storage.BlobStore
	analyzer *lexical.Analyzer
	bus      *events.Bus
	log      *observability.Logger
	metrics  *observability.Metrics

	// Working buffers for blob reads, bounded by the pool.
	buffers sync.Pool
}

// NewPipeline wires the ingestion pipeline. The analyzer is shared with
// the lexical index so chunk token counts match its scoring.
func NewPipeline(cfg config.IngestionConfig, db *sql.DB, repos *storage.Repositories,
	blobs *storage.BlobStore, analyzer *lexical.Analyzer, bus *events.Bus,
	log *observability.Logger, metrics *observability.Metrics) *Pipeline {

	return &Pipeline{
		cfg:      cfg,
		db:       db,
		repos:    repos,
		blobs:    blobs,
		analyzer: analyzer,
		bus:      bus,
		log:      log.WithComponent("ingest"),
		metrics:  metrics,
		buffers:  sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Ingest validates raw bytes and persists a pending document. Checks
// run in order: format, size, duplicate content.
func (p *Pipeline) Ingest(ctx context.Context, kb *storage.KnowledgeBase, raw []byte,
	mime, title, sourceURL string) (*storage.Document, error) {

	kind, err := KindFromMIME(mime, title)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > p.cfg.MaxFileSize {
		return nil, faults.Newf(faults.KindFileTooLarge,
			"document is %d bytes, limit is %d", len(raw), p.cfg.MaxFileSize)
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])
	exists, err := p.repos.Documents.ExistsByHash(ctx, kb.ID, hash)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "check duplicate content")
	}
	if exists {
		return nil, faults.New(faults.KindDuplicateContent, "identical content already uploaded to this knowledge base")
	}

	if err := p.blobs.Put(hash, bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	doc := &storage.Document{
		KBID:        kb.ID,
		Title:       title,
		SourceURL:   sourceURL,
		ContentHash: hash,
		SizeBytes:   int64(len(raw)),
		Kind:        kind,
		Status:      storage.DocumentStatusPending,
	}
	if err := p.repos.Documents.Create(ctx, doc); err != nil {
		if err == storage.ErrConflict {
			return nil, faults.New(faults.KindDuplicateContent, "identical content already uploaded to this knowledge base")
		}
		return nil, faults.Wrap(faults.KindDatabaseError, err, "persist document")
	}

	p.log.Info().Str("kb_id", kb.ID.String()).Str("document_id", doc.ID.String()).
		Str("kind", string(kind)).Int64("size", doc.SizeBytes).Msg("document ingested")
	if p.bus != nil {
		_ = p.bus.Publish(events.New(events.DocumentUploaded, map[string]any{
			"document_id": doc.ID.String(),
			"kb_id":       kb.ID.String(),
			"title":       doc.Title,
			"kind":        string(doc.Kind),
		}, map[string]any{"kb_id": kb.ID.String()}))
	}
	return doc, nil
}

// Process runs extract, clean, chunk and persist for one document. Any
// stage error marks the document failed with a structured reason; the
// caller decides whether to continue with other documents.
func (p *Pipeline) Process(ctx context.Context, doc *storage.Document) error {
	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusParsing, ""); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "mark document parsing")
	}

	chunks, err := p.buildChunks(ctx, doc)
	if err != nil {
		reason := faults.Message(err)
		if uerr := p.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusFailed, reason); uerr != nil {
			p.log.Error().Err(uerr).Str("document_id", doc.ID.String()).Msg("mark document failed")
		}
		p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return err
	}

	err = storage.InTx(ctx, p.db, func(tx *sql.Tx) error {
		repos := p.repos.WithTx(tx)
		if err := repos.Chunks.DeleteByDocument(ctx, doc.ID); err != nil {
			return err
		}
		if err := repos.Chunks.CreateBatch(ctx, chunks); err != nil {
			return err
		}
		if err := repos.Documents.SetChunkCount(ctx, doc.ID, len(chunks)); err != nil {
			return err
		}
		return repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusChunked, "")
	})
	if err != nil {
		if uerr := p.repos.Documents.UpdateStatus(ctx, doc.ID, storage.DocumentStatusFailed, "persist chunks failed"); uerr != nil {
			p.log.Error().Err(uerr).Str("document_id", doc.ID.String()).Msg("mark document failed")
		}
		p.metrics.DocumentsProcessed.WithLabelValues("failed").Inc()
		return faults.Wrap(faults.KindDatabaseError, err, "persist chunks")
	}

	doc.Status = storage.DocumentStatusChunked
	doc.ChunkCount = len(chunks)
	p.log.Info().Str("document_id", doc.ID.String()).Int("chunks", len(chunks)).Msg("document chunked")
	return nil
}

// buildChunks runs the extract, clean and chunk stages with a pooled
// working buffer, released on every exit path.
func (p *Pipeline) buildChunks(ctx context.Context, doc *storage.Document) ([]*storage.Chunk, error) {
	buf := p.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer p.buffers.Put(buf)

	blob, err := p.blobs.Open(doc.ContentHash)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	if _, err := io.Copy(buf, blob); err != nil {
		return nil, faults.Wrap(faults.KindInternal, err, "read document blob")
	}

	if err := ctx.Err(); err != nil {
		return nil, faults.FromContext(err)
	}

	sections, err := Extract(buf.Bytes(), doc.Kind)
	if err != nil {
		return nil, err
	}

	chunker, err := NewChunker(p.cfg.ChunkStrategy, p.cfg.ChunkSize, p.cfg.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	cleanOpts := CleanOptions{MinLineChars: p.cfg.MinLineChars, MaxLineChars: p.cfg.MaxLineChars}

	var chunks []*storage.Chunk
	ordinal := 0
	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return nil, faults.FromContext(err)
		}
		text := Clean(section.Text, cleanOpts)
		if text == "" {
			continue
		}
		for _, piece := range chunker.Split(text) {
			meta := map[string]any{"document_id": doc.ID.String(), "title": doc.Title}
			for k, v := range section.Meta {
				meta[k] = v
			}
			metaJSON, _ := json.Marshal(meta)
			chunks = append(chunks, &storage.Chunk{
				DocumentID: doc.ID,
				KBID:       doc.KBID,
				Ordinal:    ordinal,
				Text:       piece,
				SizeBytes:  len(piece),
				TokenCount: len(p.analyzer.Tokens(piece)),
				Metadata:   metaJSON,
			})
			ordinal++
		}
	}
	if len(chunks) == 0 {
		return nil, faults.New(faults.KindUnsupportedFormat, "document contains no extractable text")
	}
	return chunks, nil
}
