// Package webhook delivers core events to subscriber endpoints. Bodies
// are signed with the subscription secret; failed deliveries retry on
// an exponential schedule persisted across restarts.
package webhook

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// knownEvents is the subscribable event set. "*" subscribes to all.
var knownEvents = map[string]struct{}{
	events.UserCreated:          {},
	events.UserUpdated:          {},
	events.UserDeleted:          {},
	events.KnowledgeBaseCreated: {},
	events.KnowledgeBaseUpdated: {},
	events.KnowledgeBaseDeleted: {},
	events.DocumentUploaded:     {},
	events.DocumentProcessed:    {},
	events.DocumentFailed:       {},
	events.ChatStarted:          {},
	events.ChatEnded:            {},
	events.SystemAlert:          {},
}

// Service manages webhook subscriptions.
type Service struct {
	cfg   config.WebhookConfig
	repos *storage.Repositories
	log   *observability.Logger
}

func NewService(cfg config.WebhookConfig, repos *storage.Repositories, log *observability.Logger) *Service {
	return &Service{cfg: cfg, repos: repos, log: log.WithComponent("webhook")}
}

// CreateRequest describes a new subscription.
type CreateRequest struct {
	UserID      uuid.UUID
	URL         string
	Secret      string // generated when empty
	Events      []string
	Headers     map[string]string
	TimeoutS    int
	MaxAttempts int
}

// Create registers a subscription. The secret is returned on the row;
// callers should surface it once and not store it client side.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*storage.Webhook, error) {
	if err := s.validateURL(req.URL); err != nil {
		return nil, err
	}
	eventList, err := normalizeEvents(req.Events)
	if err != nil {
		return nil, err
	}

	secret := req.Secret
	switch {
	case secret == "":
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err != nil {
			return nil, faults.Wrap(faults.KindInternal, err, "generate webhook secret")
		}
		secret = "whsec_" + base64.RawURLEncoding.EncodeToString(raw)
	case len(secret) < 32:
		// Signatures are HMAC-SHA256; short secrets undercut them.
		return nil, faults.New(faults.KindValidation, "webhook secret must be at least 32 bytes")
	}

	var headers json.RawMessage
	if len(req.Headers) > 0 {
		headers, err = json.Marshal(req.Headers)
		if err != nil {
			return nil, faults.Wrap(faults.KindValidation, err, "encode headers")
		}
	}

	timeoutS := req.TimeoutS
	if timeoutS <= 0 {
		timeoutS = int(s.cfg.Timeout.Seconds())
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	wh := &storage.Webhook{
		UserID:      req.UserID,
		URL:         req.URL,
		Secret:      secret,
		Events:      strings.Join(eventList, ","),
		Headers:     headers,
		TimeoutS:    timeoutS,
		MaxAttempts: maxAttempts,
		BackoffBase: int(s.cfg.BackoffBase.Seconds()),
		IsActive:    true,
	}
	if err := s.repos.Webhooks.Create(ctx, wh); err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "create webhook")
	}
	s.log.Info().Str("webhook_id", wh.ID.String()).Str("url", wh.URL).Msg("webhook registered")
	return wh, nil
}

// UpdateRequest carries the mutable subscription fields. Nil means keep.
type UpdateRequest struct {
	URL      *string
	Events   []string
	Headers  map[string]string
	IsActive *bool
}

// Update edits a subscription owned by the actor.
func (s *Service) Update(ctx context.Context, actor *storage.User, id uuid.UUID, req UpdateRequest) (*storage.Webhook, error) {
	wh, err := s.owned(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if req.URL != nil {
		if err := s.validateURL(*req.URL); err != nil {
			return nil, err
		}
		wh.URL = *req.URL
	}
	if req.Events != nil {
		eventList, err := normalizeEvents(req.Events)
		if err != nil {
			return nil, err
		}
		wh.Events = strings.Join(eventList, ",")
	}
	if req.Headers != nil {
		headers, err := json.Marshal(req.Headers)
		if err != nil {
			return nil, faults.Wrap(faults.KindValidation, err, "encode headers")
		}
		wh.Headers = headers
	}
	if req.IsActive != nil {
		wh.IsActive = *req.IsActive
	}
	if err := s.repos.Webhooks.Update(ctx, wh); err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "update webhook")
	}
	return wh, nil
}

// Delete removes a subscription and its delivery history.
func (s *Service) Delete(ctx context.Context, actor *storage.User, id uuid.UUID) error {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return err
	}
	if err := s.repos.Webhooks.Delete(ctx, id); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "delete webhook")
	}
	return nil
}

// List returns the actor's subscriptions.
func (s *Service) List(ctx context.Context, actor *storage.User) ([]*storage.Webhook, error) {
	hooks, err := s.repos.Webhooks.ListByUser(ctx, actor.ID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "list webhooks")
	}
	return hooks, nil
}

// Deliveries returns recent delivery attempts for a subscription.
func (s *Service) Deliveries(ctx context.Context, actor *storage.User, id uuid.UUID, limit int) ([]*storage.WebhookDelivery, error) {
	if _, err := s.owned(ctx, actor, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	deliveries, err := s.repos.Deliveries.ListByWebhook(ctx, id, limit)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "list deliveries")
	}
	return deliveries, nil
}

func (s *Service) owned(ctx context.Context, actor *storage.User, id uuid.UUID) (*storage.Webhook, error) {
	wh, err := s.repos.Webhooks.GetByID(ctx, id)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, faults.New(faults.KindNotFound, "webhook not found")
		}
		return nil, faults.Wrap(faults.KindDatabaseError, err, "load webhook")
	}
	if wh.UserID != actor.ID && !actor.IsAdmin {
		return nil, faults.New(faults.KindPermissionDenied, "webhook belongs to another user")
	}
	return wh, nil
}

func (s *Service) validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return faults.New(faults.KindValidation, "webhook URL is invalid")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !s.cfg.AllowHTTP {
			return faults.New(faults.KindValidation, "webhook URL must use https")
		}
	default:
		return faults.Newf(faults.KindValidation, "unsupported webhook scheme %q", u.Scheme)
	}
	return nil
}

func normalizeEvents(list []string) ([]string, error) {
	if len(list) == 0 {
		return nil, faults.New(faults.KindValidation, "at least one event type is required")
	}
	out := make([]string, 0, len(list))
	for _, ev := range list {
		ev = strings.TrimSpace(ev)
		if ev == "*" {
			return []string{"*"}, nil
		}
		if _, ok := knownEvents[ev]; !ok {
			return nil, faults.Newf(faults.KindValidation, "unknown event type %q", ev)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Matches reports whether a subscription wants an event type.
func Matches(wh *storage.Webhook, eventType string) bool {
	for _, ev := range strings.Split(wh.Events, ",") {
		if ev == "*" || ev == eventType {
			return true
		}
	}
	return false
}
