// Package api serves the municipal health map and detail endpoints over
// HTTP with chi.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twpayne/go-geom"

	"github.com/seemycity/muni-health/internal/model"
	"github.com/seemycity/muni-health/internal/monitoring"
	"github.com/seemycity/muni-health/internal/refresh"
	"github.com/seemycity/muni-health/internal/store"
)

// Store is the read side of the cache store used by the handlers.
type Store interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter store.EntityFilter) ([]model.EntitySummary, error)
	ListFinancials(ctx context.Context, entityID string) ([]model.FinancialRecord, error)
	GetBoundary(ctx context.Context, entityID string) (geom.T, error)
	Ping(ctx context.Context) error
}

// Refresher resolves the record for an entity-year, refreshing it when stale.
type Refresher interface {
	Get(ctx context.Context, entityID string, year int) (*refresh.Result, error)
}

// Config controls the HTTP layer.
type Config struct {
	DefaultYear    int
	AllowedOrigins []string
	RequestTimeout time.Duration
	MaxListLimit   int
}

// Server holds the handler dependencies.
type Server struct {
	store     Store
	refresher Refresher
	cfg       Config
	metrics   *monitoring.Metrics
	router    chi.Router
}

// NewServer builds the router with middleware and all routes.
func NewServer(st Store, rf Refresher, cfg Config, metrics *monitoring.Metrics) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxListLimit <= 0 {
		cfg.MaxListLimit = 1000
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if metrics == nil {
		metrics = monitoring.NewMetricsForTesting()
	}

	s := &Server{store: st, refresher: rf, cfg: cfg, metrics: metrics}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	entityRoutes := func(r chi.Router) {
		r.Get("/", s.handleListEntities)
		r.Get("/{id}", s.handleEntityDetail)
	}
	r.Route("/entities", entityRoutes)
	r.Route("/api/municipalities", entityRoutes)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	s.router = r
	return s
}

// ServeHTTP delegates to the router, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
