// Package gateway exposes the HTTP surface of the function platform:
// deploys, invocations, cascade executions, logs, and human tasks.
package gateway

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/cascadefn/cascadefn/internal/auth"
	"github.com/cascadefn/cascadefn/internal/logs"
	"github.com/cascadefn/cascadefn/internal/observability"
	"github.com/cascadefn/cascadefn/internal/ratelimit"
	"github.com/cascadefn/cascadefn/internal/registry"
	"github.com/cascadefn/cascadefn/internal/tasks"
	"github.com/cascadefn/cascadefn/pkg/models"
)

// Version reported by the status endpoint.
const Version = "0.3.0"

// Invokers groups the per-type executors the gateway dispatches to.
type Invokers struct {
	Code       CodeInvoker
	Generative GenerativeInvoker
	Agentic    AgenticInvoker
	Cascade    CascadeInvoker
}

// Options wires the gateway's collaborators.
type Options struct {
	Registry *registry.Registry
	Invokers Invokers
	Tasks    *tasks.Store
	Logs     *logs.Store
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *slog.Logger
}

// Server is the HTTP gateway.
type Server struct {
	registry *registry.Registry
	invokers Invokers
	tasks    *tasks.Store
	logs     *logs.Store
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *slog.Logger
	router   chi.Router
	started  time.Time
}

// NewServer builds the router with the middleware chain
// auth -> scope -> rate limit ahead of the handlers.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry: opts.Registry,
		invokers: opts.Invokers,
		tasks:    opts.Tasks,
		logs:     opts.Logs,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		logger:   logger,
		started:  time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}
	r.Use(auth.Middleware(opts.Auth, logger))

	limited := ratelimit.Middleware(opts.Limiter, func(r *http.Request) string {
		return chi.URLParam(r, "id")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)

	r.With(auth.RequireScope(models.ScopeFunctionsDeploy)).
		Post("/api/functions", s.handleDeploy)
	r.With(auth.RequireScope(models.ScopeFunctionsRead)).
		Get("/api/functions", s.handleList)
	r.With(auth.RequireScope(models.ScopeFunctionsRead)).
		Get("/api/functions/{id}", s.handleGetFunction)
	r.With(auth.RequireScope(models.ScopeFunctionsWrite)).
		Delete("/api/functions/{id}", s.handleDeleteFunction)
	r.With(auth.RequireScope(models.ScopeFunctionsWrite)).
		Post("/api/functions/{id}/rollback", s.handleRollback)
	r.With(auth.RequireScope(models.ScopeFunctionsRead)).
		Get("/api/functions/{id}/logs", s.handleLogs)

	r.With(limited).Post("/functions/{id}/invoke", s.handleInvoke)

	r.With(auth.RequireScope(models.ScopeFunctionsDeploy)).
		Post("/api/cascades", s.handleDeployCascade)
	r.With(limited).Post("/cascades/{id}/invoke", s.handleInvokeCascade)
	r.Get("/cascades/{id}/executions/{executionID}", s.handleGetExecution)

	r.Get("/api/tasks/{taskID}", s.handleGetTask)
	r.Post("/api/tasks/{taskID}/complete", s.handleCompleteTask)

	s.router = r
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "cascadefn",
		"version": Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       Version,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
	})
}

// metricsMiddleware records request counts and latency per route.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern,
			strconv.Itoa(ww.Status()), time.Since(start).Seconds())
	})
}
