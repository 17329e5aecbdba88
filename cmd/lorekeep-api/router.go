// Package main provides the lorekeep API server.
package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lorekeep-ai/lorekeep/cmd/lorekeep-api/handlers"
	"github.com/lorekeep-ai/lorekeep/cmd/lorekeep-api/middleware"
	"github.com/lorekeep-ai/lorekeep/internal/api/rpc"
	"github.com/lorekeep-ai/lorekeep/internal/apikey"
)

// newRouter assembles the HTTP surface: health and metrics in the
// clear, everything else behind the API-key gate.
func newRouter(a *app) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(a.log.WithComponent("http")))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
		MaxAge:         86400,
	}))
	r.Use(chimiddleware.Timeout(a.cfg.Server.WriteTimeout))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"lorekeep"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := a.db.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.Write([]byte(`{"status":"ready"}`))
	})
	if a.cfg.Observability.MetricsEnabled {
		r.Handle("/metrics", a.metrics.Handler())
	}

	gate := middleware.NewGate(a.keys, a.repos.Users, a.log, a.metrics)

	kbHandler := handlers.NewKnowledgeBaseHandler(a.kbs, a.coordinator, a.engine,
		a.repos.Usage, a.cache, a.cfg.Ingestion.MaxFileSize)
	chatHandler := handlers.NewChatHandler(a.chats, a.kbs, a.repos.Chats, a.log)
	keyHandler := handlers.NewAPIKeyHandler(a.keys)
	webhookHandler := handlers.NewWebhookHandler(a.webhooks)
	userHandler := handlers.NewUserHandler(a.users)

	// Connect RPC rides behind the same gate as REST.
	queryService := rpc.NewQueryService(a.kbs, a.engine, a.log)
	rpcPath, rpcHandler := queryService.Handler()
	r.Group(func(r chi.Router) {
		r.Use(gate.Authenticate)
		r.With(middleware.RequireScope(apikey.ScopeRead)).Handle(rpcPath, rpcHandler)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(gate.Authenticate)

		read := middleware.RequireScope(apikey.ScopeRead)
		write := middleware.RequireScope(apikey.ScopeWrite)
		admin := middleware.RequireScope(apikey.ScopeAdmin)
		hook := middleware.RequireScope(apikey.ScopeWebhook)

		r.Route("/knowledge-bases", func(r chi.Router) {
			r.With(read).Get("/", kbHandler.List)
			r.With(write).Post("/", kbHandler.Create)

			r.Route("/{kbID}", func(r chi.Router) {
				r.With(read).Get("/", kbHandler.Get)
				r.With(write).Put("/", kbHandler.Update)
				r.With(write).Delete("/", kbHandler.Delete)
				r.With(read).Get("/stats", kbHandler.Stats)

				r.With(read).Get("/members", kbHandler.Members)
				r.With(write).Put("/members/{userID}", kbHandler.SetMember)
				r.With(write).Delete("/members/{userID}", kbHandler.RemoveMember)

				r.With(read).Get("/documents", kbHandler.Documents)
				r.With(write).Post("/documents", kbHandler.Upload)
				r.With(read).Get("/documents/{docID}", kbHandler.Document)
				r.With(write).Delete("/documents/{docID}", kbHandler.DeleteDocument)

				r.With(write).Post("/train", kbHandler.Train)
				r.With(write).Post("/train/stop", kbHandler.StopTraining)
				r.With(read).Get("/train/status", kbHandler.TrainingStatus)

				r.With(read).Post("/query", kbHandler.Query)
				r.With(read).Get("/cache", kbHandler.CacheStats)
				r.With(write).Delete("/cache", kbHandler.ClearCache)

				r.With(read).Get("/chat/ws", chatHandler.Open)
			})
		})

		r.Route("/chats", func(r chi.Router) {
			r.With(read).Get("/", chatHandler.List)
			r.Route("/{chatID}", func(r chi.Router) {
				r.With(read).Get("/", chatHandler.Get)
				r.With(read).Get("/messages", chatHandler.Messages)
				r.With(write).Post("/mode", chatHandler.SwitchMode)
				r.With(write).Delete("/", chatHandler.Delete)
				r.With(write).Post("/restore", chatHandler.Restore)
				r.With(write).Get("/ws", chatHandler.Join)
			})
		})

		r.Route("/api-keys", func(r chi.Router) {
			r.With(read).Get("/", keyHandler.List)
			r.With(write).Post("/", keyHandler.Mint)
			r.With(write).Delete("/{keyID}", keyHandler.Revoke)
		})

		r.Route("/webhooks", func(r chi.Router) {
			r.Use(hook)
			r.Get("/", webhookHandler.List)
			r.Post("/", webhookHandler.Create)
			r.Put("/{webhookID}", webhookHandler.Update)
			r.Delete("/{webhookID}", webhookHandler.Delete)
			r.Get("/{webhookID}/deliveries", webhookHandler.Deliveries)
		})

		r.Route("/users", func(r chi.Router) {
			r.With(read).Get("/me", userHandler.Me)
			r.With(write).Post("/me/password", userHandler.ChangePassword)

			r.With(admin).Get("/", userHandler.List)
			r.With(admin).Post("/", userHandler.Create)
			r.With(admin).Get("/{userID}", userHandler.Get)
			r.With(admin).Post("/{userID}/deactivate", userHandler.Deactivate)
			r.With(admin).Delete("/{userID}", userHandler.Delete)
		})
	})

	return r
}
