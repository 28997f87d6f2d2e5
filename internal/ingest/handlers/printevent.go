package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sync/atomic"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

// PrintEventHandler is a tracing hook, not a persistence handler. It holds a
// hot-reloadable regex; when the regex is non-empty and matches an event's
// payload type name, the whole decoded event is serialized to JSON and
// emitted as a log record. It never errors.
//
// The regex is swapped atomically: admin POSTs write, every event reads.
type PrintEventHandler struct {
	pattern atomic.Pointer[regexp.Regexp]
	logger  *slog.Logger
}

// NewPrintEventHandler creates the handler with the given initial pattern
// (may be empty, meaning print nothing). A nil logger falls back to
// slog.Default.
func NewPrintEventHandler(pattern string, logger *slog.Logger) (*PrintEventHandler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	h := &PrintEventHandler{logger: logger}

	if err := h.SetPattern(pattern); err != nil {
		return nil, err
	}

	return h, nil
}

// SetPattern compiles and installs a new match pattern. An empty pattern
// disables printing. Invalid patterns leave the current one in place.
func (h *PrintEventHandler) SetPattern(pattern string) error {
	if pattern == "" {
		h.pattern.Store(nil)
		return nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	h.pattern.Store(re)

	return nil
}

// Pattern returns the current match pattern, or "" when printing is off.
func (h *PrintEventHandler) Pattern() string {
	re := h.pattern.Load()
	if re == nil {
		return ""
	}

	return re.String()
}

func (h *PrintEventHandler) Name() string { return "printevent" }

func (h *PrintEventHandler) Handle(_ context.Context, _ invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	re := h.pattern.Load()
	if re == nil {
		return nil
	}

	name := ev.PayloadName()
	if name == "" || !re.MatchString(name) {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		// Unreachable for the decoded event types; swallow per contract.
		return nil
	}

	h.logger.Info("Matched build event",
		slog.String("invocation_id", invocationID),
		slog.String("payload", name),
		slog.String("event", string(body)))

	return nil
}
