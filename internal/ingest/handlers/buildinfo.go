package handlers

import (
	"context"
	"fmt"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

// BuildInfoHandler copies the invocation-level facts off the stream: start
// time and command from BuildStarted, build patterns from PatternExpanded.
type BuildInfoHandler struct{}

func (h *BuildInfoHandler) Name() string { return "buildinfo" }

func (h *BuildInfoHandler) Handle(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	switch {
	case ev.Started != nil:
		started := ev.Started

		err := store.UpdateShallowInvocation(ctx, invocationID, func(inv *invocation.Invocation) {
			if !started.StartTime.IsZero() {
				inv.Start = started.StartTime
			}

			inv.Command = started.Command
		})
		if err != nil {
			return fmt.Errorf("record build start: %w", err)
		}

	case ev.Expanded != nil:
		if ev.ID == nil || ev.ID.Pattern == nil || len(ev.ID.Pattern.Patterns) == 0 {
			return nil
		}

		patterns := ev.ID.Pattern.Patterns

		err := store.UpdateShallowInvocation(ctx, invocationID, func(inv *invocation.Invocation) {
			inv.Patterns = patterns
		})
		if err != nil {
			return fmt.Errorf("record build patterns: %w", err)
		}
	}

	return nil
}
