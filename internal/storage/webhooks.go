package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// WebhookRepository handles webhook subscriptions.
type WebhookRepository struct {
	db DB
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db DB) *WebhookRepository {
	return &WebhookRepository{db: db}
}

const webhookColumns = `id, user_id, url, secret, events, headers, timeout_s,
	max_attempts, backoff_base_s, is_active, created_at`

// Create inserts a webhook subscription.
func (r *WebhookRepository) Create(ctx context.Context, wh *Webhook) error {
	if wh.ID == uuid.Nil {
		wh.ID = uuid.New()
	}
	wh.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO webhooks (` + webhookColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := r.db.ExecContext(ctx, query,
		wh.ID, wh.UserID, wh.URL, wh.Secret, wh.Events, jsonArg(wh.Headers, "{}"),
		wh.TimeoutS, wh.MaxAttempts, wh.BackoffBase, wh.IsActive, wh.CreatedAt,
	)
	return err
}

func scanWebhook(row interface{ Scan(...interface{}) error }) (*Webhook, error) {
	wh := &Webhook{}
	err := row.Scan(
		&wh.ID, &wh.UserID, &wh.URL, &wh.Secret, &wh.Events, jsonText{&wh.Headers},
		&wh.TimeoutS, &wh.MaxAttempts, &wh.BackoffBase, &wh.IsActive, &wh.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return wh, nil
}

// GetByID retrieves a webhook by id.
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE id = $1`
	return scanWebhook(r.db.QueryRowContext(ctx, query, id))
}

func (r *WebhookRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*Webhook, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hooks []*Webhook
	for rows.Next() {
		wh, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, wh)
	}
	return hooks, rows.Err()
}

// ListByUser returns a user's webhooks, newest first.
func (r *WebhookRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]*Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE user_id = $1 ORDER BY created_at DESC`
	return r.queryMany(ctx, query, userID)
}

// ListActive returns every active webhook. Event matching against the
// subscription list happens in the dispatcher.
func (r *WebhookRepository) ListActive(ctx context.Context) ([]*Webhook, error) {
	query := `SELECT ` + webhookColumns + ` FROM webhooks WHERE is_active = TRUE`
	return r.queryMany(ctx, query)
}

// Update persists the mutable subscription fields.
func (r *WebhookRepository) Update(ctx context.Context, wh *Webhook) error {
	query := `
		UPDATE webhooks
		SET url = $1, secret = $2, events = $3, headers = $4,
		    timeout_s = $5, max_attempts = $6, backoff_base_s = $7, is_active = $8
		WHERE id = $9
	`
	res, err := r.db.ExecContext(ctx, query,
		wh.URL, wh.Secret, wh.Events, jsonArg(wh.Headers, "{}"),
		wh.TimeoutS, wh.MaxAttempts, wh.BackoffBase, wh.IsActive, wh.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a webhook. Its delivery history cascades.
func (r *WebhookRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeliveryRepository persists webhook delivery attempts so retries
// survive restarts.
type DeliveryRepository struct {
	db DB
}

// NewDeliveryRepository creates a new delivery repository.
func NewDeliveryRepository(db DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, webhook_id, event_type, event_id, payload, attempt, last_status,
	last_error, next_attempt_at, delivered_at, state, created_at, updated_at`

// Create enqueues a delivery due immediately.
func (r *DeliveryRepository) Create(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.State == "" {
		d.State = DeliveryStatePending
	}
	now := time.Now().UTC()
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		d.ID, d.WebhookID, d.EventType, d.EventID, d.Payload, d.Attempt,
		d.LastStatus, d.LastError, d.NextAttemptAt, d.DeliveredAt, d.State,
		d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func scanDelivery(row interface{ Scan(...interface{}) error }) (*WebhookDelivery, error) {
	d := &WebhookDelivery{}
	err := row.Scan(
		&d.ID, &d.WebhookID, &d.EventType, &d.EventID, &d.Payload, &d.Attempt,
		&d.LastStatus, &d.LastError, &d.NextAttemptAt, &d.DeliveredAt, &d.State,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// GetByID retrieves one delivery record.
func (r *DeliveryRepository) GetByID(ctx context.Context, id uuid.UUID) (*WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`
	return scanDelivery(r.db.QueryRowContext(ctx, query, id))
}

func (r *DeliveryRepository) queryMany(ctx context.Context, query string, args ...interface{}) ([]*WebhookDelivery, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

// ListDue returns pending deliveries whose next attempt time has
// passed, oldest first. The dispatcher deduplicates in-flight ids.
func (r *DeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*WebhookDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE state = 'pending' AND next_attempt_at <= $1
		ORDER BY next_attempt_at ASC LIMIT $2
	`
	return r.queryMany(ctx, query, now.UTC(), limit)
}

// ListByWebhook returns a webhook's delivery history, newest first.
func (r *DeliveryRepository) ListByWebhook(ctx context.Context, webhookID uuid.UUID, limit int) ([]*WebhookDelivery, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE webhook_id = $1 ORDER BY created_at DESC LIMIT $2
	`
	return r.queryMany(ctx, query, webhookID, limit)
}

// RecordFailure logs a failed attempt and schedules the next one.
func (r *DeliveryRepository) RecordFailure(ctx context.Context, id uuid.UUID, attempt, lastStatus int, lastError string, nextAttemptAt time.Time) error {
	query := `
		UPDATE webhook_deliveries
		SET attempt = $1, last_status = $2, last_error = $3, next_attempt_at = $4, updated_at = $5
		WHERE id = $6
	`
	_, err := r.db.ExecContext(ctx, query, attempt, lastStatus, lastError, nextAttemptAt.UTC(), time.Now().UTC(), id)
	return err
}

// MarkSucceeded finalizes a delivery after a 2xx response.
func (r *DeliveryRepository) MarkSucceeded(ctx context.Context, id uuid.UUID, attempt, lastStatus int) error {
	now := time.Now().UTC()
	query := `
		UPDATE webhook_deliveries
		SET attempt = $1, last_status = $2, last_error = '', state = 'succeeded', delivered_at = $3, updated_at = $3
		WHERE id = $4
	`
	_, err := r.db.ExecContext(ctx, query, attempt, lastStatus, now, id)
	return err
}

// MarkExhausted finalizes a delivery whose retry budget ran out.
func (r *DeliveryRepository) MarkExhausted(ctx context.Context, id uuid.UUID, attempt, lastStatus int, lastError string) error {
	query := `
		UPDATE webhook_deliveries
		SET attempt = $1, last_status = $2, last_error = $3, state = 'exhausted', updated_at = $4
		WHERE id = $5
	`
	_, err := r.db.ExecContext(ctx, query, attempt, lastStatus, lastError, time.Now().UTC(), id)
	return err
}

// PurgeOlderThan removes terminal delivery rows past the retention
// window. Returns the number of rows removed.
func (r *DeliveryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM webhook_deliveries
		WHERE state != 'pending' AND updated_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
