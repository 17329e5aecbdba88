// Package middleware provides the API-key gate and request plumbing in
// front of the REST and RPC surfaces.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/lorekeep-ai/lorekeep/cmd/lorekeep-api/handlers"
	"github.com/lorekeep-ai/lorekeep/internal/apikey"
	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Gate authenticates requests with API keys and enforces the per-key
// sliding-window rate limit.
type Gate struct {
	keys    *apikey.Service
	users   *storage.UserRepository
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewGate builds the gate middleware.
func NewGate(keys *apikey.Service, users *storage.UserRepository,
	log *observability.Logger, metrics *observability.Metrics) *Gate {

	return &Gate{
		keys:    keys,
		users:   users,
		log:     log.WithComponent("gate"),
		metrics: metrics,
	}
}

// Authenticate verifies the presented key, applies the rate limit and
// attaches the caller to the request context. Rate headers go out on
// every gated response, allowed or not.
func (g *Gate) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			handlers.WriteError(w, faults.New(faults.KindUnauthorized, "API key required"))
			return
		}

		key, err := g.keys.Verify(r.Context(), token)
		if err != nil {
			handlers.WriteError(w, err)
			return
		}

		user, err := g.users.GetByID(r.Context(), key.UserID)
		if err != nil || !user.IsActive {
			handlers.WriteError(w, faults.New(faults.KindInvalidCredential, "invalid API key"))
			return
		}

		decision, err := g.keys.CheckRate(r.Context(), key)
		setRateHeaders(w, decision)
		if err != nil {
			g.metrics.RateLimited.Inc()
			handlers.WriteError(w, err)
			return
		}

		ctx := apikey.ContextWithAuth(r.Context(), user, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireScope gates a route family on an API-key scope. Admin keys
// pass every check.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := apikey.KeyFromContext(r.Context())
			if key == nil {
				handlers.WriteError(w, faults.New(faults.KindUnauthorized, "API key required"))
				return
			}
			if !apikey.HasScope(key, scope) {
				handlers.WriteError(w, faults.Newf(faults.KindPermissionDenied,
					"API key lacks the %s scope", scope))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogger emits one structured line per request and threads the
// request id through the context for downstream log records.
func RequestLogger(log *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			reqID := middleware.GetReqID(r.Context())
			ctx := observability.ContextWithRequestID(r.Context(), reqID)
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			log.Info().
				Str("request_id", reqID).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("took", time.Since(started)).
				Msg("request")
		})
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-API-Key")
}

func setRateHeaders(w http.ResponseWriter, d apikey.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
}
