package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/buildlog-io/buildlog/internal/admin/middleware"
	"github.com/buildlog-io/buildlog/internal/config"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

const healthTimeout = 5 * time.Second

// StatusServer is the public-facing HTTP surface of the ingest process:
// readiness and the effective (sanitized) configuration.
type StatusServer struct {
	store  invocation.Store
	cfg    *config.Config
	logger *slog.Logger

	httpServer *http.Server
}

// NewStatusServer wires the status endpoints. The logger is the process
// logger, so the admin log-filter handle retunes this component too; nil
// falls back to slog.Default.
func NewStatusServer(addr string, store invocation.Store, cfg *config.Config, logger *slog.Logger) *StatusServer {
	if logger == nil {
		logger = slog.Default()
	}

	s := &StatusServer{
		store:  store,
		cfg:    cfg,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /config", s.handleConfig)

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
func (s *StatusServer) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until Shutdown.
func (s *StatusServer) Start() error {
	s.logger.Info("Status server listening", slog.String("addr", s.httpServer.Addr))

	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests, bounded by a timeout.
func (s *StatusServer) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.httpServer.Shutdown(ctx)
}

// handleHealthz reports readiness: the store must answer a ping.
func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("Health check failed", slog.String("error", err.Error()))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)

		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// handleConfig returns the effective configuration with secrets masked.
func (s *StatusServer) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(s.cfg.Sanitized()); err != nil {
		s.logger.Error("Failed to encode config", slog.String("error", err.Error()))
	}
}
