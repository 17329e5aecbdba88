package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DocumentRepository handles document rows and their processing status.
type DocumentRepository struct {
	db DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

const documentColumns = `id, kb_id, title, source_url, content_hash, size_bytes, kind,
	status, error_message, chunk_count, metadata, created_at, updated_at`

// Create inserts a document. A duplicate content hash within the same
// knowledge base surfaces as ErrConflict.
func (r *DocumentRepository) Create(ctx context.Context, doc *Document) error {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	if doc.Status == "" {
		doc.Status = DocumentStatusPending
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	query := `
		INSERT INTO documents (` + documentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		doc.ID, doc.KBID, doc.Title, doc.SourceURL, doc.ContentHash, doc.SizeBytes,
		doc.Kind, doc.Status, doc.ErrorMessage, doc.ChunkCount, jsonArg(doc.Metadata, "{}"),
		doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanDocument(row interface{ Scan(...interface{}) error }) (*Document, error) {
	doc := &Document{}
	err := row.Scan(
		&doc.ID, &doc.KBID, &doc.Title, &doc.SourceURL, &doc.ContentHash, &doc.SizeBytes,
		&doc.Kind, &doc.Status, &doc.ErrorMessage, &doc.ChunkCount, jsonText{&doc.Metadata},
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetByID retrieves a document by id.
func (r *DocumentRepository) GetByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	return scanDocument(r.db.QueryRowContext(ctx, query, id))
}

// ExistsByHash reports whether the knowledge base already holds a
// document with this content hash.
func (r *DocumentRepository) ExistsByHash(ctx context.Context, kbID uuid.UUID, hash string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx, `
		SELECT 1 FROM documents WHERE kb_id = $1 AND content_hash = $2
	`, kbID, hash).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *DocumentRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Document, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListByKB returns the documents of a knowledge base in upload order.
func (r *DocumentRepository) ListByKB(ctx context.Context, kbID uuid.UUID) ([]*Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents WHERE kb_id = $1 ORDER BY created_at, id`
	return r.queryMany(ctx, query, kbID)
}

// ListUnindexedByKB returns documents a training run still has to
// index, in upload order. Indexed documents are skipped, so a resumed
// run only pays for the remaining work. Failed documents are included
// and get another chance.
func (r *DocumentRepository) ListUnindexedByKB(ctx context.Context, kbID uuid.UUID) ([]*Document, error) {
	query := `
		SELECT ` + documentColumns + ` FROM documents
		WHERE kb_id = $1 AND status != 'indexed'
		ORDER BY created_at, id
	`
	return r.queryMany(ctx, query, kbID)
}

// UpdateStatus records a processing state change and its error, if any.
func (r *DocumentRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status DocumentStatus, errorMessage string) error {
	query := `UPDATE documents SET status = $1, error_message = $2, updated_at = $3 WHERE id = $4`
	res, err := r.db.ExecContext(ctx, query, status, errorMessage, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetChunkCount records how many chunks the document produced.
func (r *DocumentRepository) SetChunkCount(ctx context.Context, id uuid.UUID, count int) error {
	query := `UPDATE documents SET chunk_count = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, count, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a document. Chunks, embeddings and postings cascade;
// vector store entries are cleaned up by the caller.
func (r *DocumentRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByKB returns total and indexed document counts for a knowledge
// base in one round trip.
func (r *DocumentRepository) CountByKB(ctx context.Context, kbID uuid.UUID) (total, indexed int, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'indexed' THEN 1 ELSE 0 END), 0)
		FROM documents WHERE kb_id = $1
	`, kbID).Scan(&total, &indexed)
	return total, indexed, err
}
