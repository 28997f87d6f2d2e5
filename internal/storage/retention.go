package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/buildlog-io/buildlog/internal/invocation"
)

const (
	// maxSweepInterval caps how rarely the sweeper runs regardless of the
	// retention window.
	maxSweepInterval = 24 * time.Hour

	// sweepQueryTimeout bounds a single retention delete.
	sweepQueryTimeout = 30 * time.Second

	// sweeperShutdownTimeout bounds the wait for the sweep goroutine on Close.
	sweeperShutdownTimeout = 5 * time.Second
)

// ErrInvalidRetention is returned when the retention window is not positive.
var ErrInvalidRetention = errors.New("retention window must be greater than zero")

// RetentionSweeper periodically deletes invocations older than the retention
// window. The sweep interval is retention/7 capped at 24h, so short windows
// are enforced promptly and long windows don't hammer the database.
type RetentionSweeper struct {
	store     invocation.Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRetentionSweeper creates the sweeper and starts its goroutine. A first
// sweep runs immediately so restarts don't wait a full interval to enforce
// the window.
func NewRetentionSweeper(store invocation.Store, retention time.Duration, logger *slog.Logger) (*RetentionSweeper, error) {
	if store == nil {
		return nil, ErrNoDatabaseConnection
	}

	if retention <= 0 {
		return nil, ErrInvalidRetention
	}

	if logger == nil {
		logger = slog.Default()
	}

	interval := retention / 7
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}

	s := &RetentionSweeper{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go s.run()

	s.logger.Info("Started retention sweeper",
		slog.Duration("retention", retention),
		slog.Duration("interval", interval))

	return s, nil
}

func (s *RetentionSweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.sweep(ctx)

	for {
		select {
		case <-s.stop:
			cancel()
			s.logger.Info("Stopping retention sweeper")

			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep deletes invocations whose start is at or before now - retention.
func (s *RetentionSweeper) sweep(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepQueryTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.retention)

	n, err := s.store.DeleteInvocationsSince(sweepCtx, cutoff)
	if err != nil {
		s.logger.Error("Retention sweep failed",
			slog.Time("cutoff", cutoff),
			slog.String("error", err.Error()))

		return
	}

	if n > 0 {
		s.logger.Info("Retention sweep completed",
			slog.Int64("deleted", n),
			slog.Time("cutoff", cutoff))
	}
}

// Close stops the sweep goroutine and waits for it, bounded by a timeout.
// Safe to call multiple times.
func (s *RetentionSweeper) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)

		select {
		case <-s.done:
			s.logger.Info("Retention sweeper stopped gracefully")
		case <-time.After(sweeperShutdownTimeout):
			s.logger.Warn("Retention sweeper did not stop within timeout")
		}
	})

	return nil
}
