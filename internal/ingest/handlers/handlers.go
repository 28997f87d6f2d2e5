// Package handlers contains the event handler chain: a fixed, ordered list
// of interpreters that each translate one family of build event payloads
// into store mutations.
//
// Handlers are stateless (the print-event handler's hot-reloadable regex is
// the one exception) and isolated: a handler error is logged and counted but
// never propagates, so one failing handler cannot suppress the others' side
// effects or terminate the stream.
package handlers

import (
	"context"
	"log/slog"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/metrics"
)

// Handler interprets one decoded build event for one invocation.
type Handler interface {
	// Name identifies the handler in logs and metrics.
	Name() string

	// Handle applies the event's side effects through the store. A nil
	// return does not imply the handler did anything; most payloads are
	// not of interest to most handlers.
	Handle(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error
}

// Chain dispatches each event to every handler in declared order.
type Chain struct {
	handlers []Handler
	reg      *metrics.Registry
	logger   *slog.Logger
}

// NewChain builds the standard chain: buildinfo, progress, target, options,
// printevent. The order is part of the contract; buildinfo must run before
// target so the invocation row exists when child rows arrive. A nil logger
// falls back to slog.Default.
func NewChain(reg *metrics.Registry, printEvent *PrintEventHandler, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	return &Chain{
		handlers: []Handler{
			&BuildInfoHandler{},
			&ProgressHandler{},
			&TargetHandler{},
			&OptionsHandler{},
			printEvent,
		},
		reg:    reg,
		logger: logger,
	}
}

// Dispatch runs every handler on the event, continuing past failures.
func (c *Chain) Dispatch(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) {
	if name := ev.PayloadName(); name != "" {
		c.reg.EventsTotal.WithLabelValues(name).Inc()
	}

	for _, h := range c.handlers {
		if err := h.Handle(ctx, store, invocationID, ev); err != nil {
			c.reg.HandlerErrors.WithLabelValues(h.Name()).Inc()
			c.logger.Warn("Event handler failed",
				slog.String("handler", h.Name()),
				slog.String("invocation_id", invocationID),
				slog.String("payload", ev.PayloadName()),
				slog.String("error", err.Error()))
		}
	}
}
