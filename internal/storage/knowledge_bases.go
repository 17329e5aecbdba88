package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// KnowledgeBaseRepository handles knowledge base rows and their
// training lifecycle transitions.
type KnowledgeBaseRepository struct {
	db DB
}

// NewKnowledgeBaseRepository creates a new knowledge base repository.
func NewKnowledgeBaseRepository(db DB) *KnowledgeBaseRepository {
	return &KnowledgeBaseRepository{db: db}
}

const kbColumns = `id, owner_id, name, domain, example_queries, entity_types, llm_config,
	training_status, training_progress, processed_docs, total_docs, error_message,
	queued_at, trained_at, created_at, updated_at`

// Create inserts a knowledge base in its initial state.
func (r *KnowledgeBaseRepository) Create(ctx context.Context, kb *KnowledgeBase) error {
	if kb.ID == uuid.Nil {
		kb.ID = uuid.New()
	}
	if kb.TrainingStatus == "" {
		kb.TrainingStatus = TrainingStatusInit
	}
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	query := `
		INSERT INTO knowledge_bases (` + kbColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := r.db.ExecContext(ctx, query,
		kb.ID, kb.OwnerID, kb.Name, kb.Domain,
		jsonArg(kb.ExampleQueries, "[]"), jsonArg(kb.EntityTypes, "[]"), jsonArg(kb.LLMConfig, "{}"),
		kb.TrainingStatus, kb.TrainingProgress, kb.ProcessedDocs, kb.TotalDocs, kb.ErrorMessage,
		kb.QueuedAt, kb.TrainedAt, kb.CreatedAt, kb.UpdatedAt,
	)
	return err
}

func scanKnowledgeBase(row interface{ Scan(...interface{}) error }) (*KnowledgeBase, error) {
	kb := &KnowledgeBase{}
	err := row.Scan(
		&kb.ID, &kb.OwnerID, &kb.Name, &kb.Domain,
		jsonText{&kb.ExampleQueries}, jsonText{&kb.EntityTypes}, jsonText{&kb.LLMConfig},
		&kb.TrainingStatus, &kb.TrainingProgress, &kb.ProcessedDocs, &kb.TotalDocs, &kb.ErrorMessage,
		&kb.QueuedAt, &kb.TrainedAt, &kb.CreatedAt, &kb.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return kb, nil
}

// GetByID retrieves a knowledge base by id.
func (r *KnowledgeBaseRepository) GetByID(ctx context.Context, id uuid.UUID) (*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases WHERE id = $1`
	return scanKnowledgeBase(r.db.QueryRowContext(ctx, query, id))
}

func (r *KnowledgeBaseRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*KnowledgeBase, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKnowledgeBase(rows)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// ListAll returns every knowledge base, newest first.
func (r *KnowledgeBaseRepository) ListAll(ctx context.Context) ([]*KnowledgeBase, error) {
	query := `SELECT ` + kbColumns + ` FROM knowledge_bases ORDER BY created_at DESC`
	return r.queryMany(ctx, query)
}

// ListForUser returns the knowledge bases the user is a member of,
// newest first.
func (r *KnowledgeBaseRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*KnowledgeBase, error) {
	query := `
		SELECT ` + prefixColumns(kbColumns, "kb") + `
		FROM knowledge_bases kb
		JOIN kb_memberships m ON m.kb_id = kb.id
		WHERE m.user_id = $1
		ORDER BY kb.created_at DESC
	`
	return r.queryMany(ctx, query, userID)
}

// prefixColumns qualifies a comma-separated column list with a table alias.
func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// Update persists the user-editable fields.
func (r *KnowledgeBaseRepository) Update(ctx context.Context, kb *KnowledgeBase) error {
	kb.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE knowledge_bases
		SET name = $1, domain = $2, example_queries = $3, entity_types = $4, llm_config = $5, updated_at = $6
		WHERE id = $7
	`
	res, err := r.db.ExecContext(ctx, query,
		kb.Name, kb.Domain,
		jsonArg(kb.ExampleQueries, "[]"), jsonArg(kb.EntityTypes, "[]"), jsonArg(kb.LLMConfig, "{}"),
		kb.UpdatedAt, kb.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a knowledge base and everything hanging off it.
func (r *KnowledgeBaseRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM knowledge_bases WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves the training status from any of the given
// states to the target state. The WHERE guard makes the transition
// optimistic: it reports false when a concurrent writer got there
// first, without error.
func (r *KnowledgeBaseRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []TrainingStatus, to TrainingStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("storage: transition requires at least one source status")
	}
	placeholders := make([]string, len(from))
	args := []interface{}{to, time.Now().UTC(), id}
	for i, s := range from {
		placeholders[i] = placeholder(len(args) + 1)
		args = append(args, s)
	}
	query := `
		UPDATE knowledge_bases SET training_status = $1, updated_at = $2
		WHERE id = $3 AND training_status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkQueued enqueues a knowledge base for training. Queue position is
// the queued_at timestamp, so the claim order is FIFO.
func (r *KnowledgeBaseRepository) MarkQueued(ctx context.Context, id uuid.UUID, from []TrainingStatus) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("storage: transition requires at least one source status")
	}
	now := time.Now().UTC()
	placeholders := make([]string, len(from))
	args := []interface{}{now, id}
	for i, s := range from {
		placeholders[i] = placeholder(len(args) + 1)
		args = append(args, s)
	}
	query := `
		UPDATE knowledge_bases
		SET training_status = 'queued', queued_at = $1, error_message = '', updated_at = $1
		WHERE id = $2 AND training_status IN (` + strings.Join(placeholders, ", ") + `)`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimNextQueued atomically claims the oldest queued knowledge base
// and moves it to training. Returns ErrNotFound when the queue is
// empty. Concurrent claimers race on the optimistic guard and loop.
func (r *KnowledgeBaseRepository) ClaimNextQueued(ctx context.Context) (*KnowledgeBase, error) {
	for {
		var id uuid.UUID
		err := r.db.QueryRowContext(ctx, `
			SELECT id FROM knowledge_bases
			WHERE training_status = 'queued'
			ORDER BY queued_at ASC
			LIMIT 1
		`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		claimed, err := r.TransitionStatus(ctx, id, []TrainingStatus{TrainingStatusQueued}, TrainingStatusTraining)
		if err != nil {
			return nil, err
		}
		if !claimed {
			// Another worker took it, look again.
			continue
		}
		return r.GetByID(ctx, id)
	}
}

// UpdateProgress records training progress as a percentage plus the
// document counters behind it.
func (r *KnowledgeBaseRepository) UpdateProgress(ctx context.Context, id uuid.UUID, progress, processed, total int) error {
	query := `
		UPDATE knowledge_bases
		SET training_progress = $1, processed_docs = $2, total_docs = $3, updated_at = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, progress, processed, total, time.Now().UTC(), id)
	return err
}

// FinishTraining records the terminal outcome of a training run. The
// guard only allows completion out of the training state so a stop
// that already won is preserved. A stop keeps the progress the run had
// reached so status reflects the resumable state; an error resets it.
func (r *KnowledgeBaseRepository) FinishTraining(ctx context.Context, id uuid.UUID, to TrainingStatus, errorMessage string) (bool, error) {
	now := time.Now().UTC()
	var trainedAt interface{}
	if to == TrainingStatusReady {
		trainedAt = now
	}
	query := `
		UPDATE knowledge_bases
		SET training_status = $1,
		    error_message = $2,
		    training_progress = CASE WHEN $1 = 'ready' THEN 100 WHEN $1 = 'stopped' THEN training_progress ELSE 0 END,
		    trained_at = $3,
		    updated_at = $4
		WHERE id = $5 AND training_status = 'training'
	`
	res, err := r.db.ExecContext(ctx, query, to, errorMessage, trainedAt, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountByStatus returns how many knowledge bases sit in each training
// status. Used for gauges and the readiness probe.
func (r *KnowledgeBaseRepository) CountByStatus(ctx context.Context) (map[TrainingStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT training_status, COUNT(*) FROM knowledge_bases GROUP BY training_status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[TrainingStatus]int)
	for rows.Next() {
		var status TrainingStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// MembershipRepository handles per-knowledge-base access grants.
type MembershipRepository struct {
	db DB
}

// NewMembershipRepository creates a new membership repository.
func NewMembershipRepository(db DB) *MembershipRepository {
	return &MembershipRepository{db: db}
}

// Upsert inserts or updates a membership. Granting a second owner
// trips the single-owner index and surfaces as ErrConflict.
func (r *MembershipRepository) Upsert(ctx context.Context, m *Membership) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO kb_memberships (kb_id, user_id, permission, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kb_id, user_id) DO UPDATE SET permission = $3
	`
	_, err := r.db.ExecContext(ctx, query, m.KBID, m.UserID, m.Permission, m.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Get retrieves one membership.
func (r *MembershipRepository) Get(ctx context.Context, kbID, userID uuid.UUID) (*Membership, error) {
	m := &Membership{}
	err := r.db.QueryRowContext(ctx, `
		SELECT kb_id, user_id, permission, created_at
		FROM kb_memberships WHERE kb_id = $1 AND user_id = $2
	`, kbID, userID).Scan(&m.KBID, &m.UserID, &m.Permission, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListByKB returns all memberships of a knowledge base, owner first.
func (r *MembershipRepository) ListByKB(ctx context.Context, kbID uuid.UUID) ([]*Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT kb_id, user_id, permission, created_at
		FROM kb_memberships WHERE kb_id = $1
		ORDER BY CASE permission WHEN 'owner' THEN 0 WHEN 'admin' THEN 1 WHEN 'editor' THEN 2 ELSE 3 END, created_at
	`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*Membership
	for rows.Next() {
		m := &Membership{}
		if err := rows.Scan(&m.KBID, &m.UserID, &m.Permission, &m.CreatedAt); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// Delete removes a grant. Callers must not remove the owner; the
// service layer enforces that ownership moves before removal.
func (r *MembershipRepository) Delete(ctx context.Context, kbID, userID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM kb_memberships WHERE kb_id = $1 AND user_id = $2
	`, kbID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PermissionFor resolves the effective permission of a user on a
// knowledge base. Returns ErrNotFound when the user has no grant.
func (r *MembershipRepository) PermissionFor(ctx context.Context, kbID, userID uuid.UUID) (Permission, error) {
	var p Permission
	err := r.db.QueryRowContext(ctx, `
		SELECT permission FROM kb_memberships WHERE kb_id = $1 AND user_id = $2
	`, kbID, userID).Scan(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return p, nil
}
