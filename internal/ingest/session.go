// Package ingest implements the build event ingest surface: the
// PublishBuildEvent gRPC service and the per-stream session state machine
// that feeds decoded events through the handler chain into the store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	buildpb "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/storage"
)

// Dispatcher runs the handler chain over one decoded event. Satisfied by
// handlers.Chain; an interface so session tests can observe dispatches.
type Dispatcher interface {
	Dispatch(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent)
}

// Notifier publishes completion records once an invocation reaches a
// terminal status. Satisfied by notify.Notifier, including its nil form.
type Notifier interface {
	BuildFinished(ctx context.Context, inv *invocation.Invocation)
}

// heartbeatInterval throttles heartbeat writes; busy streams deliver many
// messages per second and the liveness threshold is a minute.
const heartbeatInterval = 5 * time.Second

// DefaultSessionLockTime is how long after an invocation ended a new stream
// with the same id is still accepted (client retries resend the tail of the
// stream shortly after the build finishes).
const DefaultSessionLockTime = 5 * time.Minute

// Session coordinates one inbound event stream. It binds the stream to a
// single invocation id on the first message, validates the session lock,
// heartbeats, and routes each decoded payload: terminal writes for
// BuildFinished, the handler chain for everything else.
type Session struct {
	store     invocation.Store
	chain     Dispatcher
	notifier  Notifier
	lockTime  time.Duration
	heartbeat *rate.Limiter
	logger    *slog.Logger

	invocationID string
	finished     bool
}

// NewSession creates a session in the pending state. A nil logger falls
// back to slog.Default.
func NewSession(store invocation.Store, chain Dispatcher, lockTime time.Duration, logger *slog.Logger) *Session {
	if lockTime <= 0 {
		lockTime = DefaultSessionLockTime
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Session{
		store:     store,
		chain:     chain,
		lockTime:  lockTime,
		heartbeat: rate.NewLimiter(rate.Every(heartbeatInterval), 1),
		logger:    logger,
	}
}

// SetNotifier attaches a completion notifier. A nil notifier is fine.
func (s *Session) SetNotifier(n Notifier) { s.notifier = n }

// InvocationID returns the bound invocation id, or "" while pending.
func (s *Session) InvocationID() string { return s.invocationID }

// Finished reports whether a terminal event has been observed.
func (s *Session) Finished() bool { return s.finished }

// HandleMessage processes one inbound stream message. Returned errors carry
// gRPC status codes and terminate the stream.
func (s *Session) HandleMessage(ctx context.Context, req *buildpb.PublishBuildToolEventStreamRequest) error {
	obe := req.GetOrderedBuildEvent()
	if obe == nil {
		return status.Error(codes.InvalidArgument, "missing ordered_build_event")
	}

	if s.invocationID == "" {
		if err := s.bind(ctx, obe); err != nil {
			return err
		}
	}

	// Best effort; a missed heartbeat only delays the liveness indicator.
	if s.heartbeat.Allow() {
		if err := s.store.UpdateInvocationHeartbeat(ctx, s.invocationID); err != nil {
			s.logger.Warn("Heartbeat update failed",
				slog.String("invocation_id", s.invocationID),
				slog.String("error", err.Error()))
		}
	}

	switch e := obe.GetEvent().GetEvent().(type) {
	case *buildpb.BuildEvent_BazelEvent:
		return s.handleBazelEvent(ctx, e.BazelEvent)
	case *buildpb.BuildEvent_ComponentStreamFinished:
		s.finished = true
	default:
		// Lifecycle-only variants carry nothing the store needs.
	}

	return nil
}

// bind transitions Pending -> InProgress: extract the invocation id, check
// the session lock, and create the invocation row.
func (s *Session) bind(ctx context.Context, obe *buildpb.OrderedBuildEvent) error {
	id := obe.GetStreamId().GetInvocationId()
	if id == "" {
		return status.Error(codes.InvalidArgument, "stream carries no invocation id")
	}

	prior, err := s.store.GetShallowInvocation(ctx, id)

	switch {
	case err == nil:
		if prior.End != nil && time.Since(*prior.End) > s.lockTime {
			return status.Error(codes.FailedPrecondition, "session already ended")
		}
	case errors.Is(err, storage.ErrNotFound):
		// First stream for this invocation.
	default:
		return status.Errorf(codes.Internal, "session lock check: %v", err)
	}

	err = s.store.UpsertShallowInvocation(ctx, &invocation.Invocation{
		ID:     id,
		Status: invocation.StatusInProgress,
		Start:  time.Now(),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "create invocation: %v", err)
	}

	s.invocationID = id

	s.logger.Info("Stream bound to invocation", slog.String("invocation_id", id))

	return nil
}

func (s *Session) handleBazelEvent(ctx context.Context, payload *anypb.Any) error {
	ev, err := besproto.UnmarshalAny(payload)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decode bazel event: %v", err)
	}

	if ev.LastMessage {
		s.finished = true
	}

	if ev.Finished != nil {
		return s.writeTerminal(ctx, ev.Finished)
	}

	s.chain.Dispatch(ctx, s.store, s.invocationID, ev)

	return nil
}

// writeTerminal records the build's final status from the exit code.
func (s *Session) writeTerminal(ctx context.Context, finished *besproto.BuildFinished) error {
	s.finished = true

	terminal := invocation.StatusFail
	if finished.ExitCode == 0 {
		terminal = invocation.StatusSuccess
	}

	end := time.Now()

	err := s.store.UpdateShallowInvocation(ctx, s.invocationID, func(inv *invocation.Invocation) {
		inv.Status = terminal
		inv.End = &end
	})
	if err != nil {
		return status.Errorf(codes.Internal, "write terminal status: %v", err)
	}

	s.logger.Info("Invocation finished",
		slog.String("invocation_id", s.invocationID),
		slog.String("status", string(terminal)),
		slog.String("exit_code_name", finished.ExitCodeName))

	s.notifyFinished(ctx)

	return nil
}

// notifyFinished publishes the completion record, re-reading the row so the
// notifier sees the full invocation and not just the terminal fields.
func (s *Session) notifyFinished(ctx context.Context) {
	if s.notifier == nil {
		return
	}

	inv, err := s.store.GetShallowInvocation(ctx, s.invocationID)
	if err != nil {
		s.logger.Warn("Skipping completion notification",
			slog.String("invocation_id", s.invocationID),
			slog.String("error", err.Error()))

		return
	}

	s.notifier.BuildFinished(ctx, inv)
}

// Cleanup handles unexpected termination: an invocation still in a
// non-terminal status is promoted to Fail with end set to now, so rows never
// stay InProgress after their stream is gone.
func (s *Session) Cleanup(ctx context.Context) error {
	if s.invocationID == "" || s.finished {
		return nil
	}

	end := time.Now()

	err := s.store.UpdateShallowInvocation(ctx, s.invocationID, func(inv *invocation.Invocation) {
		if inv.Status.IsTerminal() {
			return
		}

		inv.Status = invocation.StatusFail
		inv.End = &end
	})
	if err != nil {
		return fmt.Errorf("session cleanup: %w", err)
	}

	s.logger.Warn("Stream ended without terminal event; invocation failed",
		slog.String("invocation_id", s.invocationID))

	s.notifyFinished(ctx)

	return nil
}
