package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/thrift-inbox/internal/middleware"
	"github.com/capitalize-ai/thrift-inbox/pkg/logger"
)

// RouterConfig wires handlers into the API router. Admin and Conversations
// are optional; when Admin is nil the /admin routes are not mounted.
type RouterConfig struct {
	Webhook       *WebhookHandler
	Health        *HealthHandler
	Conversations *ConversationHandler
	Admin         *AdminHandler

	JWTSecret         string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	AllowedOrigins    []string
	Logger            *logger.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The platform posts to either path.
	for _, path := range []string{"/webhook", "/webhook/tiktok"} {
		r.Post(path, cfg.Webhook.Receive)
		r.Get(path, cfg.Webhook.Challenge)
	}

	if cfg.Admin != nil {
		origins := cfg.AllowedOrigins
		if len(origins) == 0 {
			origins = []string{"https://*", "http://*"}
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins:   origins,
				AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
				ExposedHeaders:   []string{"Link", middleware.CorrelationHeader},
				AllowCredentials: true,
				MaxAge:           300,
			}))
			if cfg.RateLimitRequests > 0 {
				r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			}
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.RequireScope(middleware.ScopeAdmin))

			r.Get("/events/{id}", cfg.Admin.EventStatus)
			if cfg.Conversations != nil {
				r.Get("/users/{id}/conversations", cfg.Conversations.List)
			}
			r.Get("/inventory", cfg.Admin.SearchInventory)
			r.Post("/inventory/{sku}/reserve", cfg.Admin.Reserve)
			r.Post("/simulate", cfg.Admin.Simulate)
		})
	}

	return r
}
