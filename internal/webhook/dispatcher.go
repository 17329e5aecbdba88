package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

const (
	sweepInterval = 3 * time.Second
	dueBatchSize  = 100
)

// payload is the body POSTed to subscribers.
type payload struct {
	EventType string         `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Dispatcher consumes the event bus, fans events out to matching
// subscriptions as durable delivery rows, and drives the retry
// schedule. Deliveries for the same webhook always run on the same
// worker, so an endpoint never sees two concurrent requests.
type Dispatcher struct {
	cfg     config.WebhookConfig
	repos   *storage.Repositories
	bus     *events.Bus
	client  *http.Client
	log     *observability.Logger
	metrics *observability.Metrics

	queues   []chan uuid.UUID
	inflight sync.Map // delivery id -> struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(cfg config.WebhookConfig, repos *storage.Repositories, bus *events.Bus,
	log *observability.Logger, metrics *observability.Metrics) *Dispatcher {

	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	queues := make([]chan uuid.UUID, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan uuid.UUID, 64)
	}
	return &Dispatcher{
		cfg:     cfg,
		repos:   repos,
		bus:     bus,
		client:  &http.Client{Timeout: cfg.Timeout},
		log:     log.WithComponent("webhook-dispatcher"),
		metrics: metrics,
		queues:  queues,
	}
}

// Start launches the consumer, the workers and the due-delivery
// sweeper.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(1)
	go d.consume(ctx)

	for i := range d.queues {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}

	d.wg.Add(1)
	go d.sweep(ctx)
}

// Close stops all goroutines. Pending deliveries stay in the table and
// resume on the next start.
func (d *Dispatcher) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) consume(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-d.bus.Events():
			if !ok {
				return
			}
			d.fanOut(ctx, ev)
		}
	}
}

// fanOut writes one delivery row per matching subscription and hands
// the ids to the workers.
func (d *Dispatcher) fanOut(ctx context.Context, ev events.Event) {
	hooks, err := d.repos.Webhooks.ListActive(ctx)
	if err != nil {
		d.log.Error().Err(err).Str("event", ev.Type).Msg("list webhooks for fan-out")
		return
	}

	var body []byte
	for _, wh := range hooks {
		if !Matches(wh, ev.Type) {
			continue
		}
		if body == nil {
			body, err = json.Marshal(payload{
				EventType: ev.Type,
				Timestamp: ev.Timestamp,
				Data:      ev.Data,
				Metadata:  ev.Meta,
			})
			if err != nil {
				d.log.Error().Err(err).Str("event", ev.Type).Msg("encode webhook payload")
				return
			}
		}
		delivery := &storage.WebhookDelivery{
			WebhookID: wh.ID,
			EventType: ev.Type,
			EventID:   ev.ID,
			Payload:   string(body),
		}
		if err := d.repos.Deliveries.Create(ctx, delivery); err != nil {
			d.log.Error().Err(err).Str("webhook_id", wh.ID.String()).Msg("enqueue delivery")
			continue
		}
		d.enqueue(wh.ID, delivery.ID)
	}
}

// enqueue routes a delivery to its webhook's worker. A full queue is
// fine; the sweeper picks the row up again.
func (d *Dispatcher) enqueue(webhookID, deliveryID uuid.UUID) {
	if _, loaded := d.inflight.LoadOrStore(deliveryID, struct{}{}); loaded {
		return
	}
	h := fnv.New32a()
	h.Write(webhookID[:])
	q := d.queues[h.Sum32()%uint32(len(d.queues))]
	select {
	case q <- deliveryID:
	default:
		d.inflight.Delete(deliveryID)
	}
}

func (d *Dispatcher) worker(ctx context.Context, i int) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-d.queues[i]:
			d.deliver(ctx, id)
			d.inflight.Delete(id)
		}
	}
}

// sweep re-enqueues pending deliveries whose next attempt is due. This
// is both the retry driver and crash recovery.
func (d *Dispatcher) sweep(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := d.repos.Deliveries.ListDue(ctx, time.Now(), dueBatchSize)
			if err != nil {
				d.log.Error().Err(err).Msg("list due deliveries")
				continue
			}
			for _, delivery := range due {
				d.enqueue(delivery.WebhookID, delivery.ID)
			}
		}
	}
}

// deliver runs one attempt and records the outcome.
func (d *Dispatcher) deliver(ctx context.Context, id uuid.UUID) {
	delivery, err := d.repos.Deliveries.GetByID(ctx, id)
	if err != nil {
		d.log.Warn().Err(err).Str("delivery_id", id.String()).Msg("load delivery")
		return
	}
	if delivery.State != storage.DeliveryStatePending {
		return
	}
	wh, err := d.repos.Webhooks.GetByID(ctx, delivery.WebhookID)
	if err != nil || !wh.IsActive {
		// Subscription removed or disabled while the delivery was queued.
		_ = d.repos.Deliveries.MarkExhausted(ctx, id, delivery.Attempt, 0, "webhook no longer active")
		return
	}

	attempt := delivery.Attempt + 1
	status, attemptErr := d.post(ctx, wh, delivery)
	if attemptErr == nil {
		d.metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		if err := d.repos.Deliveries.MarkSucceeded(ctx, id, attempt, status); err != nil {
			d.log.Warn().Err(err).Str("delivery_id", id.String()).Msg("mark delivered")
		}
		return
	}

	d.metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	maxAttempts := wh.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.cfg.MaxAttempts
	}
	if attempt >= maxAttempts {
		d.metrics.WebhookExhausted.Inc()
		d.log.Warn().Str("webhook_id", wh.ID.String()).Str("delivery_id", id.String()).
			Int("attempts", attempt).Msg("delivery exhausted")
		if err := d.repos.Deliveries.MarkExhausted(ctx, id, attempt, status, attemptErr.Error()); err != nil {
			d.log.Warn().Err(err).Str("delivery_id", id.String()).Msg("mark exhausted")
		}
		return
	}

	next := time.Now().Add(d.backoff(wh, attempt))
	if err := d.repos.Deliveries.RecordFailure(ctx, id, attempt, status, attemptErr.Error(), next); err != nil {
		d.log.Warn().Err(err).Str("delivery_id", id.String()).Msg("record failure")
	}
}

// post sends the signed request. Any non-2xx response is a failure.
func (d *Dispatcher) post(ctx context.Context, wh *storage.Webhook, delivery *storage.WebhookDelivery) (int, error) {
	timeout := d.cfg.Timeout
	if wh.TimeoutS > 0 {
		timeout = time.Duration(wh.TimeoutS) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader([]byte(delivery.Payload)))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", Sign(wh.Secret, []byte(delivery.Payload)))
	req.Header.Set("X-Event", delivery.EventType)
	req.Header.Set("X-Delivery-Id", delivery.ID.String())
	if len(wh.Headers) > 0 {
		var custom map[string]string
		if err := json.Unmarshal(wh.Headers, &custom); err == nil {
			for k, v := range custom {
				req.Header.Set(k, v)
			}
		}
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// backoff computes base*2^(attempt-1) with jitter, capped.
func (d *Dispatcher) backoff(wh *storage.Webhook, attempt int) time.Duration {
	base := time.Duration(wh.BackoffBase) * time.Second
	if base <= 0 {
		base = d.cfg.BackoffBase
	}
	delay := base << (attempt - 1)
	ceiling := d.cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = time.Hour
	}
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	if delay+jitter > ceiling {
		return ceiling
	}
	return delay + jitter
}

// Sign returns the X-Signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
// Exported for SDK consumers and the CLI's webhook test command.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
