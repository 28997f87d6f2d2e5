package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

// ProgressHandler appends the build tool's stdout and stderr chunks to the
// invocation's output log. Truncation of very long output is a presentation
// concern; everything is stored.
type ProgressHandler struct{}

func (h *ProgressHandler) Name() string { return "progress" }

func (h *ProgressHandler) Handle(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	if ev.Progress == nil {
		return nil
	}

	lines := progressLines(ev.Progress.Stdout)
	lines = append(lines, progressLines(ev.Progress.Stderr)...)

	if len(lines) == 0 {
		return nil
	}

	if err := store.InsertOutputLines(ctx, invocationID, lines); err != nil {
		return fmt.Errorf("append output: %w", err)
	}

	return nil
}

// progressLines normalizes a progress chunk and splits it into lines.
// Bazel terminates console lines with "\n\r" when a terminal is attached.
func progressLines(chunk string) []string {
	if chunk == "" {
		return nil
	}

	normalized := strings.ReplaceAll(chunk, "\n\r", "\n")
	normalized = strings.TrimSuffix(normalized, "\n")

	if normalized == "" {
		return nil
	}

	return strings.Split(normalized, "\n")
}
