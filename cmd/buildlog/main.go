// Package main provides the buildlog ingest service.
//
// The binary serves the Build Event Protocol publish API over gRPC, persists
// invocations to a relational store, and exposes status and admin HTTP
// surfaces.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/buildlog-io/buildlog/internal/admin"
	"github.com/buildlog-io/buildlog/internal/config"
	"github.com/buildlog-io/buildlog/internal/ingest"
	"github.com/buildlog-io/buildlog/internal/ingest/handlers"
	"github.com/buildlog-io/buildlog/internal/metrics"
	"github.com/buildlog-io/buildlog/internal/notify"
	"github.com/buildlog-io/buildlog/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "buildlog"
)

func main() {
	os.Exit(run())
}

//nolint:funlen // startup wiring reads best as one sequence
func run() int {
	cfg, showVersion, err := loadConfig(os.Args[1:])
	if err != nil {
		log.Printf("%s: %v", name, err)

		return 2
	}

	if showVersion {
		log.Printf("%s v%s\n", name, version)

		return 0
	}

	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		log.Printf("%s: %v", name, err)

		return 2
	}

	logLevel := &slog.LevelVar{}
	logLevel.Set(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Starting buildlog service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded configuration",
		slog.String("grpc_host", cfg.GRPCHost),
		slog.String("http_host", cfg.HTTPHost),
		slog.String("admin_host", cfg.AdminHost),
		slog.Duration("retention", cfg.Retention),
		slog.Duration("session_lock_time", cfg.SessionLockTime),
		slog.String("log_level", cfg.LogLevel),
	)

	conn, err := storage.NewConnection(storage.LoadConfig(cfg.DBPath), logger)
	if err != nil {
		logger.Error("Failed to connect to store", slog.String("error", err.Error()))

		return 1
	}

	defer func() {
		_ = conn.Close() // Ensure connection closes on normal shutdown
	}()

	invocationStore, err := storage.NewInvocationStore(conn, logger)
	if err != nil {
		logger.Error("Failed to create invocation store", slog.String("error", err.Error()))

		return 1
	}

	reg := metrics.NewRegistry()
	store := storage.NewInstrumentedStore(invocationStore, reg)

	printEvent, err := handlers.NewPrintEventHandler(cfg.PrintMessage, logger)
	if err != nil {
		logger.Error("Invalid --print_message pattern", slog.String("error", err.Error()))

		return 2
	}

	chain := handlers.NewChain(reg, printEvent, logger)
	ingestServer := ingest.NewServer(store, chain, reg, cfg.SessionLockTime, logger)

	if len(cfg.NotifyBrokers) > 0 {
		notifier := notify.New(cfg.NotifyBrokers, cfg.NotifyTopic, reg, logger)
		ingestServer.SetNotifier(notifier)

		defer func() {
			_ = notifier.Close()
		}()

		logger.Info("Completion notifier enabled",
			slog.Any("brokers", cfg.NotifyBrokers),
			slog.String("topic", cfg.NotifyTopic))
	}

	if cfg.Retention > 0 {
		sweeper, err := storage.NewRetentionSweeper(store, cfg.Retention, logger)
		if err != nil {
			logger.Error("Failed to start retention sweeper", slog.String("error", err.Error()))

			return 1
		}

		defer sweeper.Close()
	}

	spanEvents := &atomic.Bool{}
	ingestServer.SetSpanEvents(spanEvents)

	adminServer := admin.NewServer(cfg.AdminHost, logLevel, spanEvents, printEvent, reg)
	statusServer := admin.NewStatusServer(cfg.HTTPHost, store, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)

	go func() {
		if err := ingestServer.Serve(cfg.GRPCHost); err != nil {
			errCh <- err
		}
	}()

	go func() {
		if err := adminServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		if err := statusServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.Error("Server failed", slog.String("error", err.Error()))

		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ingestServer.Shutdown()

	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown", slog.String("error", err.Error()))
	}

	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Status server shutdown", slog.String("error", err.Error()))
	}

	logger.Info("buildlog service stopped")

	return 0
}

// loadConfig resolves the effective configuration in three layers: defaults,
// then the optional --config YAML file, then explicit CLI flags.
func loadConfig(args []string) (*config.Config, bool, error) {
	cfg := config.NewConfig()
	flags := config.NewConfig()

	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	configPath := fs.String("config", "", "path to a YAML configuration file")
	versionFlag := fs.Bool("version", false, "show version information")

	fs.StringVar(&flags.GRPCHost, "grpc_host", cfg.GRPCHost, "gRPC listen address for the publish API")
	fs.StringVar(&flags.HTTPHost, "http_host", cfg.HTTPHost, "HTTP listen address for the status surface")
	fs.StringVar(&flags.AdminHost, "admin_host", cfg.AdminHost, "HTTP listen address for the admin surface")
	fs.StringVar(&flags.DBPath, "db_path", "", "store URI: sqlite://<path> or postgres://<uri> (required)")
	fs.StringVar(&flags.PrintMessage, "print_message", "", "regex of build event payload names to log verbatim")
	fs.BoolVar(&flags.AllowLocal, "allow_local", false, "allow file:// artifact URIs")
	fs.DurationVar(&flags.Retention, "retention", 0, "invocation retention window; 0 disables sweeping")
	fs.DurationVar(&flags.SessionLockTime, "session_lock_time", cfg.SessionLockTime,
		"grace period during which a finished invocation still accepts stream retries")
	fs.StringVar(&flags.LogLevel, "log_level", cfg.LogLevel, "log level: debug, info, warn, or error")
	fs.StringVar(&flags.NotifyTopic, "notify_topic", "", "Kafka topic for completion notifications")

	var brokers string

	fs.StringVar(&brokers, "notify_brokers", "", "comma-separated Kafka brokers; empty disables notifications")

	fs.Func("bytestream_override", "host=url artifact rewrite, repeatable", flags.AddBytestreamOverride)

	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	if *versionFlag {
		return cfg, true, nil
	}

	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, false, err
		}
	}

	// Explicitly-set flags win over the file.
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if set["grpc_host"] {
		cfg.GRPCHost = flags.GRPCHost
	}

	if set["http_host"] {
		cfg.HTTPHost = flags.HTTPHost
	}

	if set["admin_host"] {
		cfg.AdminHost = flags.AdminHost
	}

	if set["db_path"] {
		cfg.DBPath = flags.DBPath
	}

	if set["print_message"] {
		cfg.PrintMessage = flags.PrintMessage
	}

	if set["allow_local"] {
		cfg.AllowLocal = flags.AllowLocal
	}

	if set["retention"] {
		cfg.Retention = flags.Retention
	}

	if set["session_lock_time"] {
		cfg.SessionLockTime = flags.SessionLockTime
	}

	if set["log_level"] {
		cfg.LogLevel = flags.LogLevel
	}

	if set["notify_brokers"] {
		cfg.NotifyBrokers = config.ParseCommaSeparatedList(brokers)
	}

	if set["notify_topic"] {
		cfg.NotifyTopic = flags.NotifyTopic
	}

	for host, url := range flags.BytestreamOverrides {
		cfg.BytestreamOverrides[host] = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}
