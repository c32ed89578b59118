// Package status serves the client's state and operations as a local JSON
// API for wallboards, browsers and scripts.
package status

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/markus-barta/epiwatch/internal/actions"
	"github.com/markus-barta/epiwatch/internal/alerts"
	"github.com/markus-barta/epiwatch/internal/dashboard"
	"github.com/markus-barta/epiwatch/internal/models"
	"github.com/markus-barta/epiwatch/internal/notifications"
	"github.com/markus-barta/epiwatch/internal/observable"
	"github.com/markus-barta/epiwatch/internal/realtime"
	"github.com/rs/zerolog"
)

// Backend is the running client as seen by the status API.
type Backend interface {
	Conn() *realtime.Client
	Store() *notifications.Store
	Poller() *notifications.Poller
	Alerts() *alerts.Presenter
	Dashboard() *dashboard.Reconciler
	Actions() *actions.Actions
	Session() *observable.Value[models.Session]
	MarkRead(ctx context.Context, id string) (bool, error)
}

// Server is the status API.
type Server struct {
	b      Backend
	log    zerolog.Logger
	router *chi.Mux
}

// NewServer creates a status server for b.
func NewServer(b Backend, log zerolog.Logger) *Server {
	s := &Server{
		b:   b,
		log: log.With().Str("component", "status").Logger(),
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.securityHeaders)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/connection", s.handleConnection)
		r.Get("/session", s.handleSession)

		r.Get("/notifications", s.handleListNotifications)
		r.Post("/notifications/{id}/read", s.handleMarkRead)
		r.Delete("/notifications", s.handleClearNotifications)

		r.Get("/alerts", s.handleListAlerts)
		r.Delete("/alerts/{id}", s.handleDismissAlert)

		r.Get("/dashboard", s.handleGetDashboard)
		r.Put("/dashboard/filters", s.handleSetFilters)
		r.Post("/dashboard/refresh", s.handleRefreshDashboard)

		r.Post("/actions/insight", s.handleTriggerInsight)
		r.Post("/actions/forecast", s.handleTriggerForecast)
		r.Get("/actions/{kind}", s.handleGetAction)
	})

	s.router = r
}

// securityHeaders adds security headers to responses.
func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// Router returns the HTTP router (for testing).
func (s *Server) Router() http.Handler {
	return s.router
}

// HTTPServer returns an *http.Server serving the API on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
