package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/marketplace-messaging/internal/auth"
	"github.com/capitalize-ai/marketplace-messaging/internal/middleware"
	"github.com/capitalize-ai/marketplace-messaging/pkg/logger"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// RouterConfig collects everything the HTTP surface is built from.
type RouterConfig struct {
	Logger        *logger.Logger
	Verifier      *auth.Verifier
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Health        *HealthHandler
	// Live serves the live-channel handshake. It authenticates on its own
	// so browsers can pass the token as a query parameter.
	Live http.Handler

	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration
}

// NewRouter builds the chi router for the API server.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Live != nil {
			r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).Handle("/ws", cfg.Live)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.Verifier))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			Mount(r, cfg.Conversations, cfg.Messages)
		})
	})

	return r
}

// Mount registers the authenticated REST surface on r. Callers are expected
// to have applied authentication middleware already.
func Mount(r chi.Router, conversations *ConversationHandler, messages *MessageHandler) {
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", conversations.List)
		r.Post("/", conversations.Create)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(middleware.ValidateIDParam("id"))
			r.Get("/", conversations.Get)
			r.Delete("/", conversations.Delete)
			r.Get("/messages", messages.List)
			r.Post("/messages", messages.Send)
			r.Patch("/read", messages.MarkRead)
		})
	})

	r.Get("/messages/unread-count", messages.UnreadCount)
}
