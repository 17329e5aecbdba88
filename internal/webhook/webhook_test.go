package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorekeep-ai/lorekeep/internal/config"
	"github.com/lorekeep-ai/lorekeep/internal/events"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

type hookFixture struct {
	svc        *Service
	dispatcher *Dispatcher
	repos      *storage.Repositories
	bus        *events.Bus
	user       *storage.User
}

func newHookFixture(t *testing.T) *hookFixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "hooks.db"), JournalMode: "WAL"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(db, "sqlite"))
	repos := storage.NewRepositories(db)

	user := &storage.User{Email: "hooks@test", PasswordHash: "x", IsActive: true, SDKKey: "sdk_h"}
	require.NoError(t, repos.Users.Create(ctx, user))

	cfg := config.WebhookConfig{
		Workers:     2,
		Timeout:     2 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  time.Second,
		AllowHTTP:   true, // httptest endpoints
	}
	bus := events.NewBus(64)
	log := observability.Nop()
	metrics := observability.NewMetrics()

	f := &hookFixture{
		svc:        NewService(cfg, repos, log),
		dispatcher: NewDispatcher(cfg, repos, bus, log, metrics),
		repos:      repos,
		bus:        bus,
		user:       user,
	}
	f.dispatcher.Start(ctx)
	t.Cleanup(f.dispatcher.Close)
	return f
}

func waitForState(t *testing.T, f *hookFixture, want storage.DeliveryState) *storage.WebhookDelivery {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("no delivery reached state %s", want)
		case <-time.After(20 * time.Millisecond):
		}
		hooks, err := f.repos.Webhooks.ListByUser(context.Background(), f.user.ID)
		require.NoError(t, err)
		for _, wh := range hooks {
			deliveries, err := f.repos.Deliveries.ListByWebhook(context.Background(), wh.ID, 10)
			require.NoError(t, err)
			for _, d := range deliveries {
				if d.State == want {
					return d
				}
			}
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateRequest{UserID: f.user.ID, URL: "ftp://host", Events: []string{"*"}})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = f.svc.Create(ctx, CreateRequest{UserID: f.user.ID, URL: "https://example.com/hook"})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: "https://example.com/hook", Events: []string{"made.up"},
	})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: "https://example.com/hook", Events: []string{"*"},
		Secret: "too-short",
	})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	wh, err := f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: "https://example.com/hook", Events: []string{"*"},
		Secret: strings.Repeat("s", 32),
	})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("s", 32), wh.Secret)

	wh, err = f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: "https://example.com/hook", Events: []string{events.DocumentProcessed, "*"},
	})
	require.NoError(t, err)
	assert.Equal(t, "*", wh.Events)
	assert.Contains(t, wh.Secret, "whsec_")
	assert.Equal(t, 3, wh.MaxAttempts)
}

func TestCreate_HTTPSRequiredByDefault(t *testing.T) {
	repos := newHookFixture(t).repos
	svc := NewService(config.WebhookConfig{Timeout: time.Second, MaxAttempts: 3}, repos, observability.Nop())
	_, err := svc.Create(context.Background(), CreateRequest{
		URL: "http://example.com/hook", Events: []string{"*"},
	})
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestDispatch_SignedDelivery(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	type received struct {
		signature string
		event     string
		custom    string
		body      []byte
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		got <- received{
			signature: r.Header.Get("X-Signature"),
			event:     r.Header.Get("X-Event"),
			custom:    r.Header.Get("X-Team"),
			body:      append([]byte(nil), buf[:n]...),
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := f.svc.Create(ctx, CreateRequest{
		UserID:  f.user.ID,
		URL:     srv.URL,
		Events:  []string{events.DocumentProcessed},
		Headers: map[string]string{"X-Team": "search"},
	})
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(events.New(events.DocumentProcessed,
		map[string]any{"document_id": "d1"}, map[string]any{"kb_id": "k1"})))

	var rec received
	select {
	case rec = <-got:
	case <-time.After(10 * time.Second):
		t.Fatal("no delivery arrived")
	}

	assert.Equal(t, events.DocumentProcessed, rec.event)
	assert.Equal(t, "search", rec.custom)
	assert.True(t, VerifySignature(wh.Secret, rec.body, rec.signature))

	var body payload
	require.NoError(t, json.Unmarshal(rec.body, &body))
	assert.Equal(t, "d1", body.Data["document_id"])
	assert.Equal(t, "k1", body.Metadata["kb_id"])

	d := waitForState(t, f, storage.DeliveryStateSucceeded)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, http.StatusNoContent, d.LastStatus)
	assert.NotNil(t, d.DeliveredAt)
}

func TestDispatch_EventFilter(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	_, err := f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: srv.URL, Events: []string{events.ChatStarted},
	})
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(events.New(events.DocumentProcessed, nil, nil)))
	require.NoError(t, f.bus.Publish(events.New(events.ChatStarted, map[string]any{"chat_id": "c1"}, nil)))

	waitForState(t, f, storage.DeliveryStateSucceeded)
	assert.Equal(t, int32(1), hits.Load())
}

func TestDispatch_RetriesThenExhausts(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: srv.URL, Events: []string{"*"},
	})
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(events.New(events.SystemAlert, map[string]any{"reason": "test"}, nil)))

	d := waitForState(t, f, storage.DeliveryStateExhausted)
	assert.Equal(t, 3, d.Attempt)
	assert.Equal(t, http.StatusBadGateway, d.LastStatus)
	assert.Contains(t, d.LastError, "502")
	assert.Equal(t, int32(3), hits.Load())
}

func TestDeliveries_OwnershipAndHistory(t *testing.T) {
	f := newHookFixture(t)
	ctx := context.Background()

	wh, err := f.svc.Create(ctx, CreateRequest{
		UserID: f.user.ID, URL: "https://example.com/hook", Events: []string{"*"},
	})
	require.NoError(t, err)

	stranger := &storage.User{Email: "other@test", PasswordHash: "x", IsActive: true, SDKKey: "sdk_s"}
	require.NoError(t, f.repos.Users.Create(ctx, stranger))

	_, err = f.svc.Deliveries(ctx, stranger, wh.ID, 10)
	assert.Equal(t, faults.KindPermissionDenied, faults.KindOf(err))

	deliveries, err := f.svc.Deliveries(ctx, f.user, wh.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, deliveries)

	require.NoError(t, f.svc.Delete(ctx, f.user, wh.ID))
	_, err = f.svc.Deliveries(ctx, f.user, wh.ID, 10)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event_type":"system.alert"}`)
	sig := Sign("secret", body)
	assert.Contains(t, sig, "sha256=")
	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte("tampered"), sig))
}
