package httpserver

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Clark-Hu/ratings-pipeline/internal/aggregate"
	"github.com/Clark-Hu/ratings-pipeline/internal/config"
	"github.com/Clark-Hu/ratings-pipeline/internal/domain"
	"github.com/Clark-Hu/ratings-pipeline/internal/objectstore"
	"github.com/Clark-Hu/ratings-pipeline/internal/repository"
)

// BatchRunner runs one input unit through the pipeline and notifies.
type BatchRunner interface {
	Fire(ctx context.Context, source string, r io.Reader) domain.PipelineOutcome
}

// Aggregates serves and refreshes the movie-count snapshot.
type Aggregates interface {
	Query(filter domain.AggregateFilter) []domain.AggregateRow
	Snapshot() *aggregate.Snapshot
	Refresh(ctx context.Context) error
}

// AuditStore reads quarantine storage.
type AuditStore interface {
	GetSummary(ctx context.Context, batchID string) (domain.RuleOutcomeSummary, error)
	ListRejected(ctx context.Context, batchID string, limit int) ([]repository.QuarantinedRecord, error)
}

// HealthChecker reports whether the database is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Objects and Gatherer are
// optional; their routes answer 503 or are not mounted when nil.
type Deps struct {
	Runner     BatchRunner
	Aggregates Aggregates
	Audit      AuditStore
	Health     HealthChecker
	Objects    objectstore.Client
	Gatherer   prometheus.Gatherer
}

// Server wires HTTP routing, middleware, and handlers.
type Server struct {
	cfg     config.Config
	deps    Deps
	logger  *log.Logger
	router  chi.Router
	httpSrv *http.Server
}

// New constructs the HTTP server with base middleware and routes.
func New(cfg config.Config, deps Deps, logger *log.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
		router: r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	s.router.Post("/batches", s.requireBearer(s.handleSubmitBatch))
	s.router.Post("/events", s.requireBearer(s.handleObjectEvent))
	s.router.Route("/batches/{batchID}", func(r chi.Router) {
		r.Get("/summary", s.handleGetSummary)
		r.Get("/rejected", s.handleListRejected)
	})
	s.router.Route("/aggregates", func(r chi.Router) {
		r.Get("/", s.handleListAggregates)
		r.Post("/refresh", s.requireBearer(s.handleRefreshAggregates))
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start boots the HTTP server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSecs) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
