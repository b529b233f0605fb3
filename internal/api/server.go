package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/qualys/intelengine/internal/config"
	"github.com/qualys/intelengine/internal/correlation"
	"github.com/qualys/intelengine/internal/eventbus"
	"github.com/qualys/intelengine/internal/graphmirror"
	"github.com/qualys/intelengine/internal/metrics"
	"github.com/qualys/intelengine/internal/models"
	"github.com/qualys/intelengine/internal/pipeline"
	"github.com/qualys/intelengine/internal/reports"
	"github.com/qualys/intelengine/internal/scheduler"
	"github.com/qualys/intelengine/internal/store"
)

// Deps are the engine components the API serves. Engine, Store, Reports and
// Bus are required; the rest unlock optional routes.
type Deps struct {
	Engine    *pipeline.Engine
	Store     *store.Orchestrator
	Reports   *reports.Generator
	Bus       *eventbus.Bus
	Scheduler *scheduler.Scheduler
	Mirror    *graphmirror.Mirror
	// ReadyChecks are run by /ready; any failure reports the named
	// dependency unavailable.
	ReadyChecks map[string]func(context.Context) error
}

type Server struct {
	cfg    config.ServerConfig
	router *chi.Mux
	http   *http.Server
	logger *slog.Logger

	engine    *pipeline.Engine
	graph     *correlation.Graph
	store     *store.Orchestrator
	reports   *reports.Generator
	bus       *eventbus.Bus
	scheduler *scheduler.Scheduler
	mirror    *graphmirror.Mirror
	ready     map[string]func(context.Context) error

	metricsPath string
}

type ServerOption func(*Server)

// WithMetricsPath moves the prometheus endpoint. An empty path disables it.
func WithMetricsPath(path string) ServerOption {
	return func(s *Server) {
		s.metricsPath = path
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func NewServer(cfg config.ServerConfig, deps Deps, opts ...ServerOption) (*Server, error) {
	if deps.Engine == nil || deps.Store == nil || deps.Reports == nil || deps.Bus == nil {
		return nil, errors.New("api: engine, store, reports and bus are required")
	}

	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		logger:    slog.Default(),
		engine:    deps.Engine,
		graph:     deps.Engine.Graph(),
		store:     deps.Store,
		reports:   deps.Reports,
		bus:       deps.Bus,
		scheduler: deps.Scheduler,
		mirror:    deps.Mirror,
		ready:     deps.ReadyChecks,

		metricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestTimeout applies to plain request/response routes. The event stream
// is long-lived and stays outside it.
const requestTimeout = 60 * time.Second

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)
	if s.metricsPath != "" {
		s.router.Method(http.MethodGet, s.metricsPath, metrics.Handler())
	}

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Post("/ingest", s.ingest)
			r.Post("/ingest/batch", s.ingestBatch)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/{jobID}", s.getJob)
				r.Delete("/{jobID}", s.cancelJob)
			})

			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.listEntities)
				r.Get("/{id}", s.getEntity)
				r.Delete("/{id}", s.deleteEntity)
				r.Get("/{id}/neighbors", s.getNeighbors)
				r.Get("/{id}/relationships", s.getRelationships)
			})

			r.Get("/records/{id}", s.getRecord)
			r.Delete("/records/{id}", s.deleteRecord)
			r.Get("/lineage/{id}", s.getLineage)
			r.Get("/findings", s.listFindings)
			r.Get("/indicators", s.listIndicators)
			r.Post("/synthesize", s.synthesize)

			r.Route("/contradictions", func(r chi.Router) {
				r.Get("/", s.listContradictions)
				r.Post("/{id}/resolve", s.resolveContradiction)
			})

			r.Route("/reports", func(r chi.Router) {
				r.Post("/", s.createReport)
				r.Get("/", s.listReports)
				r.Get("/{id}", s.getReport)
				r.Get("/{id}/pdf", s.getReportPDF)
				r.Get("/{id}/csv", s.getReportCSV)
			})

			if s.scheduler != nil {
				r.Route("/schedules", func(r chi.Router) {
					r.Get("/", s.listScheduledJobs)
					r.Post("/", s.createScheduledJob)
					r.Get("/{jobID}", s.getScheduledJob)
					r.Put("/{jobID}", s.updateScheduledJob)
					r.Delete("/{jobID}", s.deleteScheduledJob)
					r.Post("/{jobID}/run", s.runScheduledJobNow)
					r.Get("/{jobID}/executions", s.getJobExecutions)
				})
			}
		})
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

type apiResponse struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *models.Error `json:"error,omitempty"`
	Meta    *apiMeta      `json:"meta,omitempty"`
}

type apiMeta struct {
	Total    int      `json:"total,omitempty"`
	Limit    int      `json:"limit,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func writeHeader(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeHeader(w, status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	writeHeader(w, status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code models.ErrorCode, message string) {
	writeHeader(w, status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Error: &models.Error{Code: code, Message: message},
	})
}

// respondErr maps an engine error onto its structured form and HTTP status.
func respondErr(w http.ResponseWriter, err error) {
	e := models.ToError(err)
	writeHeader(w, statusFor(e.Code))
	_ = json.NewEncoder(w).Encode(apiResponse{Error: e})
}

func statusFor(code models.ErrorCode) int {
	switch code {
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeConflict, models.CodeStaleReference:
		return http.StatusConflict
	case models.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	entities, relationships, intel := s.graph.Stats()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"entities":      entities,
		"relationships": relationships,
		"intelligence":  intel,
		"records":       s.store.Len(),
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	for name, check := range s.ready {
		if err := check(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "dependency", name, "error", err)
			respondError(w, http.StatusServiceUnavailable, models.CodeStorageUnavailable, name+" not available")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
