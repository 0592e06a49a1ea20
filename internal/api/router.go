package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/onnwee/swarmlight/internal/middleware"
)

// RouterConfig wires handlers and per-route middleware.
type RouterConfig struct {
	Events     *EventHandlers
	WebSockets *WebSocketHandlers
	Health     *HealthHandlers
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	Authenticator middleware.Authenticator
	// RateLimitStore enables rate limiting when non-nil.
	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	ConnectLimit   middleware.RateLimitConfig
	// HTTPMetrics may be nil.
	HTTPMetrics *middleware.Metrics

	// AllowedOrigins restricts CORS. Empty allows all.
	AllowedOrigins []string
}

// NewRouter builds the route table:
//
//	GET  /health, /ready, /metrics
//	GET  /events/around, /events/{id}
//	POST /events                                  (admin token)
//	GET  /events/{id}/graph|edges|participants    (event admin)
//	PUT  /events/{id}/close                       (event admin)
//	GET  /events/{id}/join, /events/{id}/admin    (websocket)
func NewRouter(config RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(corsHandler(config.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
	})

	r.Get("/health", config.Health.Health)
	r.Get("/ready", config.Health.Ready)
	if config.Metrics != nil {
		r.Handle("/metrics", config.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(config, config.GlobalLimit))

		r.Get("/events/around", config.Events.Around)
		r.Get("/events/{id}", config.Events.GetEvent)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAdmin(config.Authenticator))

			r.Post("/events", config.Events.CreateEvent)
			r.Get("/events/{id}/graph", config.Events.GetGraph)
			r.Get("/events/{id}/edges", config.Events.GetEdges)
			r.Get("/events/{id}/participants", config.Events.GetParticipants)
			r.Put("/events/{id}/close", config.Events.CloseEvent)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(rateLimit(config, config.ConnectLimit))

		r.Get("/events/{id}/join", config.WebSockets.Join)
		r.Get("/events/{id}/admin", config.WebSockets.Admin)
	})

	return r
}

func rateLimit(config RouterConfig, limit middleware.RateLimitConfig) func(http.Handler) http.Handler {
	if config.RateLimitStore == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return middleware.RateLimiter(config.RateLimitStore, limit, middleware.IPKeyFunc(), config.HTTPMetrics)
}

func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader, "Retry-After", "X-RateLimit-Reset"},
		MaxAge:         300,
	})
}
