package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/arena/internal/api/middleware"
	"github.com/eldtechnologies/arena/internal/auth"
	"github.com/eldtechnologies/arena/internal/handlers"
	"github.com/eldtechnologies/arena/internal/store"
)

// Config wires the router's dependencies.
type Config struct {
	KV        store.KV
	Auth      *auth.State
	Handler   *handlers.Handler
	AdminKey  string
	AdminUser string
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(handlers.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting
	limiter := middleware.NewRateLimiter(cfg.KV, logger, cfg.RateLimit)
	r.Use(limiter.Middleware)

	// CORS - agents and dashboards call from anywhere
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-Admin-Token"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := cfg.Handler
	bearer := middleware.NewBearerAuth(cfg.Auth)
	admin := middleware.NewAdminGate(cfg.KV, cfg.Auth, cfg.AdminKey, cfg.AdminUser)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/health", h.Health)
	r.Get("/api/ws-token", h.WsToken) // bearer optional, checked by the handler
	r.Get("/ws", h.ServeWS)           // session token in the query
	r.Post("/api/admin/login", h.AdminLogin)
	r.Post("/api/admin/logout", h.AdminLogout)

	// Agent routes (require bearer credential)
	r.Group(func(r chi.Router) {
		r.Use(bearer.RequireAuth)

		r.Post("/api/callbacks/post-message", h.PostMessage)
		r.Get("/api/agent-snapshot", h.AgentSnapshot)
		r.Post("/api/usage", h.AttachUsage)
	})

	// Admin routes (admin key, admin session or bearer credential)
	r.Group(func(r chi.Router) {
		r.Use(admin.RequireAdmin)

		r.Get("/api/rooms", h.ListRooms)
		r.Post("/api/rooms", h.CreateRoom)
		r.Delete("/api/rooms", h.DeleteRoom)

		r.Get("/api/admin/status", h.AdminStatus)
		r.Post("/api/admin/check", h.AdminCheck)
		r.Post("/api/admin/alerts/ack", h.AdminAckAlert)
	})

	return r
}
