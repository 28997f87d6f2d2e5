// Package admin exposes the operator HTTP surfaces: the admin server with
// live logging and diagnostics controls, and the status server with health
// and config endpoints. Neither is on the ingest hot path.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/buildlog-io/buildlog/internal/admin/middleware"
	"github.com/buildlog-io/buildlog/internal/config"
	"github.com/buildlog-io/buildlog/internal/ingest/handlers"
	"github.com/buildlog-io/buildlog/internal/metrics"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 5 * time.Second

	// maxBodyBytes bounds admin request bodies; filters and regexes are short.
	maxBodyBytes = 64 * 1024

	// defaultMemProfileRate restores the runtime default when profiling is
	// re-enabled after a disable.
	defaultMemProfileRate = 512 * 1024
)

// Server is the admin HTTP server. It mutates live process state: the
// logging level, the span-close toggle, the debug-print regex, and the
// memory profiler.
type Server struct {
	logLevel   *slog.LevelVar
	spanEvents *atomic.Bool
	printEvent *handlers.PrintEventHandler
	reg        *metrics.Registry
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer wires the admin endpoints. logLevel is the process-wide
// reloadable level handle; the server's own logger observes it too, so a
// log_filter reload retunes the admin surface alongside everything else.
// spanEvents gates span-close log records.
func NewServer(addr string, logLevel *slog.LevelVar, spanEvents *atomic.Bool, printEvent *handlers.PrintEventHandler, reg *metrics.Registry) *Server {
	s := &Server{
		logLevel:   logLevel,
		spanEvents: spanEvents,
		printEvent: printEvent,
		reg:        reg,
		logger:     slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/log_filter", s.handleLogFilter)
	mux.HandleFunc("POST /admin/span", s.handleSpan)
	mux.Handle("GET /admin/metrics", reg.Handler())
	mux.HandleFunc("POST /admin/debug_message", s.handleDebugMessage)
	mux.HandleFunc("GET /admin/mem/stats", s.handleMemStats)
	mux.HandleFunc("GET /admin/mem/dump", s.handleMemDump)
	mux.HandleFunc("GET /admin/mem/enable", s.handleMemEnable)
	mux.HandleFunc("GET /admin/stackz", s.handleStackz)

	s.httpServer = &http.Server{
		Addr: addr,
		Handler: middleware.Apply(mux,
			middleware.WithRecovery(s.logger),
			middleware.WithRequestLogger(s.logger),
		),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown. It returns http.ErrServerClosed on a clean
// shutdown, like net/http.
func (s *Server) Start() error {
	s.logger.Info("Admin server listening", slog.String("addr", s.httpServer.Addr))

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, bounded by a timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) body(w http.ResponseWriter, r *http.Request) (string, bool) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return "", false
	}

	return strings.TrimSpace(string(b)), true
}

// handleLogFilter reloads the process logging level. Body is a level name:
// debug, info, warn, or error.
func (s *Server) handleLogFilter(w http.ResponseWriter, r *http.Request) {
	filter, ok := s.body(w, r)
	if !ok {
		return
	}

	level, err := config.ParseLogLevel(filter)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	s.logLevel.Set(level)

	s.logger.Info("Log filter reloaded", slog.String("level", level.String()))
	w.WriteHeader(http.StatusOK)
}

// handleSpan toggles span-close log events. Body is "true" or "false".
func (s *Server) handleSpan(w http.ResponseWriter, r *http.Request) {
	body, ok := s.body(w, r)
	if !ok {
		return
	}

	enabled, err := strconv.ParseBool(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	s.spanEvents.Store(enabled)

	s.logger.Info("Span events toggled", slog.Bool("enabled", enabled))
	w.WriteHeader(http.StatusOK)
}

// handleDebugMessage reloads the print-event regex. An empty body disables
// printing; a regex that does not compile is a 500.
func (s *Server) handleDebugMessage(w http.ResponseWriter, r *http.Request) {
	pattern, ok := s.body(w, r)
	if !ok {
		return
	}

	if err := s.printEvent.SetPattern(pattern); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	s.logger.Info("Debug message pattern reloaded", slog.String("pattern", pattern))
	w.WriteHeader(http.StatusOK)
}

// handleMemStats returns the allocator statistics as JSON.
func (s *Server) handleMemStats(w http.ResponseWriter, _ *http.Request) {
	var m runtime.MemStats

	runtime.ReadMemStats(&m)

	stats := map[string]any{
		"alloc_bytes":       m.Alloc,
		"total_alloc_bytes": m.TotalAlloc,
		"sys_bytes":         m.Sys,
		"heap_alloc_bytes":  m.HeapAlloc,
		"heap_objects":      m.HeapObjects,
		"num_gc":            m.NumGC,
		"goroutines":        runtime.NumGoroutine(),
		"profile_rate":      runtime.MemProfileRate,
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		s.logger.Error("Failed to encode mem stats", slog.String("error", err.Error()))
	}
}

// handleMemDump writes the current heap profile.
func (s *Server) handleMemDump(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")

	if err := pprof.WriteHeapProfile(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleMemEnable toggles heap profiling via ?enable=bool.
func (s *Server) handleMemEnable(w http.ResponseWriter, r *http.Request) {
	enable, err := strconv.ParseBool(r.URL.Query().Get("enable"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	if enable {
		runtime.MemProfileRate = defaultMemProfileRate
	} else {
		runtime.MemProfileRate = 0
	}

	s.logger.Info("Heap profiling toggled", slog.Bool("enabled", enable))
	fmt.Fprintf(w, "profiling=%t\n", enable)
}

// handleStackz dumps every goroutine's stack in text form.
func (s *Server) handleStackz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if err := pprof.Lookup("goroutine").WriteTo(w, 2); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
