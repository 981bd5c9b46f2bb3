package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/sessions"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cruxstack/oauth2-capture/internal/middleware"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Logger       *slog.Logger
	SessionStore sessions.Store
	OwnerHeader  string
	Limiter      *middleware.RateLimiter // optional; applied to /connect routes
	Metrics      http.Handler            // optional; defaults to promhttp.Handler()
}

// NewRouter builds the HTTP routes.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger(opts.Logger))
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	metricsHandler := opts.Metrics
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metricsHandler)
	r.Get("/providers", h.ListProviders)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Owner(opts.OwnerHeader))
		r.Use(middleware.Session(opts.SessionStore))

		r.Group(func(r chi.Router) {
			if opts.Limiter != nil {
				r.Use(middleware.RateLimit(opts.Limiter))
			}
			r.Get("/connect/{provider}", h.Connect)
			r.Get("/connect/{provider}/callback", h.Callback)
		})

		r.Get("/connections", h.ListConnections)
		r.Get("/connections/{id}/status", h.ConnectionStatus)
		r.Delete("/connections/{id}", h.DeleteConnection)
		r.Post("/connections/{id}/revoke", h.RevokeConnection)
	})

	return r
}
