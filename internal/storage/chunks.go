package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ChunkRepository handles chunk rows, their embedding bookkeeping and
// the lexical postings derived from them.
type ChunkRepository struct {
	db DB
}

// NewChunkRepository creates a new chunk repository.
func NewChunkRepository(db DB) *ChunkRepository {
	return &ChunkRepository{db: db}
}

const chunkColumns = `id, document_id, kb_id, ordinal, text, size_bytes, token_count, metadata, created_at`

// CreateBatch inserts the chunks of one document. Ordinals must be
// dense and start at zero; the unique index enforces no duplicates.
func (r *ChunkRepository) CreateBatch(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	query := `
		INSERT INTO chunks (` + chunkColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, c := range chunks {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		c.CreatedAt = now
		_, err := r.db.ExecContext(ctx, query,
			c.ID, c.DocumentID, c.KBID, c.Ordinal, c.Text,
			c.SizeBytes, c.TokenCount, jsonArg(c.Metadata, "{}"), c.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return err
		}
	}
	return nil
}

func scanChunk(row interface{ Scan(...interface{}) error }) (*Chunk, error) {
	c := &Chunk{}
	err := row.Scan(
		&c.ID, &c.DocumentID, &c.KBID, &c.Ordinal, &c.Text,
		&c.SizeBytes, &c.TokenCount, jsonText{&c.Metadata}, &c.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// GetByID retrieves a single chunk.
func (r *ChunkRepository) GetByID(ctx context.Context, id uuid.UUID) (*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE id = $1`
	return scanChunk(r.db.QueryRowContext(ctx, query, id))
}

// GetByIDs retrieves the chunks that still exist among the given ids,
// scoped to one knowledge base. Missing ids are silently dropped: a
// vector hit whose chunk row is gone belongs to a deleted document and
// must not surface.
func (r *ChunkRepository) GetByIDs(ctx context.Context, kbID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*Chunk, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*Chunk{}, nil
	}
	placeholders := make([]string, len(ids))
	args := []interface{}{kbID}
	for i, id := range ids {
		placeholders[i] = placeholder(len(args) + 1)
		args = append(args, id)
	}
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE kb_id = $1 AND id IN (` +
		strings.Join(placeholders, ", ") + `)`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	found := make(map[uuid.UUID]*Chunk, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		found[c.ID] = c
	}
	return found, rows.Err()
}

// ListByDocument returns a document's chunks in ordinal order.
func (r *ChunkRepository) ListByDocument(ctx context.Context, documentID uuid.UUID) ([]*Chunk, error) {
	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE document_id = $1 ORDER BY ordinal`
	rows, err := r.db.QueryContext(ctx, query, documentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// DeleteByDocument removes a document's chunks. Embeddings and
// postings cascade.
func (r *ChunkRepository) DeleteByDocument(ctx context.Context, documentID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID)
	return err
}

// CountByKB returns how many chunks a knowledge base holds.
func (r *ChunkRepository) CountByKB(ctx context.Context, kbID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE kb_id = $1`, kbID).Scan(&n)
	return n, err
}

// EmbeddingRepository tracks which chunk embeddings exist per model.
// The vectors themselves live in the vector store; this table is the
// authoritative record used for resume and compaction decisions.
type EmbeddingRepository struct {
	db DB
}

// NewEmbeddingRepository creates a new embedding repository.
func NewEmbeddingRepository(db DB) *EmbeddingRepository {
	return &EmbeddingRepository{db: db}
}

// UpsertBatch records embeddings as written to the vector store.
func (r *EmbeddingRepository) UpsertBatch(ctx context.Context, records []*EmbeddingRecord) error {
	now := time.Now().UTC()
	query := `
		INSERT INTO embeddings (chunk_id, kb_id, model, dimension, checksum, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id, model) DO UPDATE SET dimension = $4, checksum = $5, created_at = $6
	`
	for _, rec := range records {
		rec.CreatedAt = now
		if _, err := r.db.ExecContext(ctx, query,
			rec.ChunkID, rec.KBID, rec.Model, rec.Dimension, rec.Checksum, rec.CreatedAt,
		); err != nil {
			return err
		}
	}
	return nil
}

// CountByKB returns how many embeddings exist for a knowledge base and
// model.
func (r *EmbeddingRepository) CountByKB(ctx context.Context, kbID uuid.UUID, model string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM embeddings WHERE kb_id = $1 AND model = $2
	`, kbID, model).Scan(&n)
	return n, err
}

// PostingRepository persists the lexical index postings so keyword
// search survives restarts without re-tokenizing the corpus.
type PostingRepository struct {
	db DB
}

// NewPostingRepository creates a new posting repository.
func NewPostingRepository(db DB) *PostingRepository {
	return &PostingRepository{db: db}
}

// Posting is one term occurrence row of the lexical index.
type Posting struct {
	KBID    uuid.UUID
	Term    string
	ChunkID uuid.UUID
	TF      int
}

// ReplaceForChunks rewrites the postings of the given chunks. Called
// once per document during indexing.
func (r *PostingRepository) ReplaceForChunks(ctx context.Context, kbID uuid.UUID, chunkIDs []uuid.UUID, postings []Posting) error {
	if len(chunkIDs) > 0 {
		placeholders := make([]string, len(chunkIDs))
		args := make([]interface{}, 0, len(chunkIDs))
		for i, id := range chunkIDs {
			placeholders[i] = placeholder(i + 1)
			args = append(args, id)
		}
		query := `DELETE FROM lexical_postings WHERE chunk_id IN (` + strings.Join(placeholders, ", ") + `)`
		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO lexical_postings (kb_id, term, chunk_id, tf)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kb_id, term, chunk_id) DO UPDATE SET tf = $4
	`
	for _, p := range postings {
		if _, err := r.db.ExecContext(ctx, query, kbID, p.Term, p.ChunkID, p.TF); err != nil {
			return err
		}
	}
	return nil
}

// LoadByKB streams every posting of a knowledge base to fn in
// unspecified order. The lexical index is rebuilt from this at startup
// and after invalidation.
func (r *PostingRepository) LoadByKB(ctx context.Context, kbID uuid.UUID, fn func(p Posting) error) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kb_id, term, chunk_id, tf FROM lexical_postings WHERE kb_id = $1
	`, kbID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.KBID, &p.Term, &p.ChunkID, &p.TF); err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ChunkLengths returns chunk token counts for a knowledge base, the
// document length table of the lexical scorer.
func (r *PostingRepository) ChunkLengths(ctx context.Context, kbID uuid.UUID) (map[uuid.UUID]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, token_count FROM chunks WHERE kb_id = $1
	`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lengths := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		lengths[id] = n
	}
	return lengths, rows.Err()
}
