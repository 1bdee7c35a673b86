// Package api is the HTTP control surface for matching runs: start, query,
// cancel, and follow progress over server-sent events.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/banshee-data/crossview/internal/monitoring"
	"github.com/banshee-data/crossview/internal/reid"
	"github.com/banshee-data/crossview/internal/reid/pipeline"
)

// ANSI escape codes for request logs
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// RunHistory is the persisted run log. *sqlite.RunStore satisfies it.
type RunHistory interface {
	GetRun(runID string) (*reid.RunRecord, error)
	ListRuns(limit int) ([]*reid.RunRecord, error)
}

type Server struct {
	runs     *pipeline.Manager
	history  RunHistory
	dataDir  string
	validate *validator.Validate
}

// NewServer creates a Server. history may be nil; dataDir, when set,
// confines source paths to that directory.
func NewServer(runs *pipeline.Manager, history RunHistory, dataDir string) *Server {
	return &Server{
		runs:     runs,
		history:  history,
		dataDir:  dataDir,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux registers the run routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

// Register adds the run routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/runs", s.startRun)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.getRun)
	mux.HandleFunc("GET /api/runs/{id}/result", s.getResult)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.cancelRun)
	mux.HandleFunc("GET /api/runs/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /api/version", s.showVersion)
}

// Handler is the ServeMux wrapped in request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}
