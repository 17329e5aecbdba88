package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// APIKeyRepository handles API key rows. Only the salted hash of a
// token is stored; the prefix column exists for display and as the
// lookup key during verification.
type APIKeyRepository struct {
	db DB
}

// NewAPIKeyRepository creates a new API key repository.
func NewAPIKeyRepository(db DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, user_id, name, prefix, salt, token_hash, scopes, rate_limit,
	is_active, expires_at, last_used_at, usage_count, created_at`

// Create inserts an API key record.
func (r *APIKeyRepository) Create(ctx context.Context, key *APIKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	key.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO api_keys (` + apiKeyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.Name, key.Prefix, key.Salt, key.TokenHash,
		key.Scopes, key.RateLimit, key.IsActive, key.ExpiresAt, key.LastUsedAt,
		key.UsageCount, key.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*APIKey, error) {
	key := &APIKey{}
	err := row.Scan(
		&key.ID, &key.UserID, &key.Name, &key.Prefix, &key.Salt, &key.TokenHash,
		&key.Scopes, &key.RateLimit, &key.IsActive, &key.ExpiresAt, &key.LastUsedAt,
		&key.UsageCount, &key.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByID retrieves an API key row by id.
func (r *APIKeyRepository) GetByID(ctx context.Context, id uuid.UUID) (*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	return scanAPIKey(r.db.QueryRowContext(ctx, query, id))
}

// ListByUser returns a user's API keys, newest first.
func (r *APIKeyRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// FindActiveByPrefix returns the active keys sharing a token prefix.
// Prefixes are not unique, so verification hashes the presented token
// against each candidate.
func (r *APIKeyRepository) FindActiveByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE prefix = $1 AND is_active = TRUE`
	rows, err := r.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke deactivates a key. Revocation is permanent; a new key must be
// minted to restore access.
func (r *APIKeyRepository) Revoke(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE api_keys SET is_active = FALSE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a key row entirely.
func (r *APIKeyRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchUsage bumps the usage counter and last-used timestamp. Best
// effort; verification does not fail when the bump does.
func (r *APIKeyRepository) TouchUsage(ctx context.Context, id uuid.UUID, usedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET usage_count = usage_count + 1, last_used_at = $1 WHERE id = $2
	`, usedAt.UTC(), id)
	return err
}
