package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/star/rtecfix/internal/auth"
	"github.com/star/rtecfix/internal/correction"
	"github.com/star/rtecfix/internal/health"
	"github.com/star/rtecfix/internal/httputil"
	"github.com/star/rtecfix/internal/metrics"
	"github.com/star/rtecfix/internal/results"
	"github.com/star/rtecfix/internal/store/sqlite"
	"github.com/star/rtecfix/internal/stream"
)

// RunLister lists archived runs.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]sqlite.RunSummary, error)
}

// Deps are the components the handlers read from.
type Deps struct {
	Orchestrator *correction.Orchestrator
	Results      *results.Store
	// Archive is optional; without it /api/v1/runs returns 404.
	Archive RunLister
	// Ready is optional; nil means always ready.
	Ready func() bool
	// Stream is optional; without it the run stream is not served.
	Stream *stream.Handler
	// TrustProxy logs the forwarded client address instead of RemoteAddr.
	TrustProxy bool
}

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a configured HTTP server.
func NewServer(addr string, logger *slog.Logger, authCfg auth.Config, deps Deps) *Server {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz(deps.Ready))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/v1/runs", runsHandler(logger, deps.Archive))
	mux.HandleFunc("GET /api/v1/runs/latest", latestRunHandler(deps.Results))
	mux.HandleFunc("GET /api/v1/runs/latest/{sat}", latestSatelliteHandler(deps.Results))
	mux.HandleFunc("POST /api/v1/correct", correctHandler(logger, deps.Orchestrator))
	if deps.Stream != nil {
		mux.HandleFunc("GET /api/v1/stream/runs", deps.Stream.HandleRuns)
	}

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = loggingMiddleware(logger, deps.TrustProxy)(handler)
	handler = metrics.Middleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		logger: logger,
	}
}

// HTTPServer returns the underlying *http.Server for external control (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// probePath returns true for health/readiness probe paths that should not log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func loggingMiddleware(logger *slog.Logger, trustProxy bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(sr, r)

			duration := time.Since(start)
			level := slog.LevelInfo
			if probePath(r.URL.Path) {
				level = slog.LevelDebug
			}

			logger.Log(r.Context(), level, "request",
				"component", "api",
				"method", r.Method,
				"path", r.URL.Path,
				"status", strconv.Itoa(sr.statusCode),
				"duration_ms", duration.Milliseconds(),
				"remote_ip", httputil.ClientIP(r, trustProxy),
			)
		})
	}
}
