package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/chatrelay/internal/middleware"
	"github.com/capitalize-ai/chatrelay/pkg/logger"
)

// RouterConfig carries everything the HTTP surface is built from.
type RouterConfig struct {
	Health        *HealthHandler
	Chat          *ChatHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Verifier      middleware.TokenVerifier
	ChatPerHour   int
	Logger        *logger.Logger
}

// NewRouter wires the public routes.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.Verifier))

		r.With(middleware.ChatRateLimit(cfg.ChatPerHour)).Post("/chat-process", cfg.Chat.Process)
		r.Post("/session", cfg.Chat.Session)
		r.Post("/config", cfg.Chat.Config)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", cfg.Conversations.List)
			r.Post("/", cfg.Conversations.Create)

			r.Route("/{uuid}", func(r chi.Router) {
				r.Get("/", cfg.Conversations.Get)
				r.Put("/", cfg.Conversations.Rename)
				r.Delete("/", cfg.Conversations.Delete)
				r.Get("/events", cfg.Conversations.Events)

				r.Get("/messages", cfg.Messages.List)
				r.Post("/messages", cfg.Messages.Append)
				r.Delete("/messages", cfg.Messages.Clear)
			})
		})

		r.Get("/blobs/{key}", cfg.Messages.Blob)
	})

	return r
}
