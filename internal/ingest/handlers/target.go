package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/buildlog-io/buildlog/internal/besproto"
	"github.com/buildlog-io/buildlog/internal/invocation"
)

// TargetHandler maintains the target and test children of an invocation:
// target rows from TargetConfigured/TargetComplete, test summary rows from
// TestSummary, and per-run rows with artifacts from TestResult.
type TargetHandler struct{}

func (h *TargetHandler) Name() string { return "target" }

func (h *TargetHandler) Handle(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	switch {
	case ev.Configured != nil:
		return h.handleConfigured(ctx, store, invocationID, ev)
	case ev.Completed != nil:
		return h.handleCompleted(ctx, store, invocationID, ev)
	case ev.TestSummary != nil:
		return h.handleTestSummary(ctx, store, invocationID, ev)
	case ev.TestResult != nil:
		return h.handleTestResult(ctx, store, invocationID, ev)
	}

	return nil
}

func (h *TargetHandler) handleConfigured(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	if ev.ID == nil || ev.ID.TargetConfigured == nil || ev.ID.TargetConfigured.Label == "" {
		return nil
	}

	target := &invocation.Target{
		Name:   ev.ID.TargetConfigured.Label,
		Status: invocation.StatusInProgress,
		Kind:   ev.Configured.TargetKind,
		Start:  time.Now(),
	}

	if err := store.UpsertTarget(ctx, invocationID, target); err != nil {
		return fmt.Errorf("configure target: %w", err)
	}

	return nil
}

func (h *TargetHandler) handleCompleted(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	if ev.ID == nil || ev.ID.TargetCompleted == nil || ev.ID.TargetCompleted.Label == "" {
		return nil
	}

	status := invocation.StatusFail
	if ev.Completed.Success {
		status = invocation.StatusSuccess
	}

	err := store.UpdateTargetResult(ctx, invocationID, ev.ID.TargetCompleted.Label, status, time.Now())
	if err != nil {
		return fmt.Errorf("complete target: %w", err)
	}

	return nil
}

func (h *TargetHandler) handleTestSummary(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	if ev.ID == nil || ev.ID.TestSummary == nil || ev.ID.TestSummary.Label == "" {
		return nil
	}

	summary := ev.TestSummary

	test := &invocation.Test{
		Name:    ev.ID.TestSummary.Label,
		Status:  testStatusToStatus(summary.OverallStatus),
		End:     summary.LastStopTime,
		NumRuns: int(summary.TotalRunCount),
	}

	if !summary.FirstStartTime.IsZero() && !summary.LastStopTime.IsZero() {
		test.Duration = summary.LastStopTime.Sub(summary.FirstStartTime)
	}

	if _, err := store.UpsertTest(ctx, invocationID, test); err != nil {
		return fmt.Errorf("record test summary: %w", err)
	}

	return nil
}

func (h *TargetHandler) handleTestResult(ctx context.Context, store invocation.Store, invocationID string, ev *besproto.BuildEvent) error {
	if ev.ID == nil || ev.ID.TestResult == nil || ev.ID.TestResult.Label == "" {
		return nil
	}

	id := ev.ID.TestResult
	result := ev.TestResult

	// Ensure the parent test row exists; the summary event arriving later
	// overwrites these provisional fields.
	testID, err := store.UpsertTest(ctx, invocationID, &invocation.Test{
		Name:     id.Label,
		Status:   testStatusToStatus(result.Status),
		Duration: result.Duration,
		End:      time.Now(),
		NumRuns:  int(id.Run),
	})
	if err != nil {
		return fmt.Errorf("record test for run: %w", err)
	}

	run := &invocation.TestRun{
		Run:      int(id.Run),
		Shard:    int(id.Shard),
		Attempt:  int(id.Attempt),
		Status:   testStatusToStatus(result.Status),
		Details:  result.StatusDetails,
		Duration: result.Duration,
	}

	for _, f := range result.Outputs {
		run.Artifacts = append(run.Artifacts, &invocation.TestArtifact{Name: f.Name, URI: f.URI})
	}

	if err := store.UpsertTestRun(ctx, invocationID, testID, run); err != nil {
		return fmt.Errorf("record test run: %w", err)
	}

	return nil
}

// testStatusToStatus maps the wire test status onto the stored status model.
// FLAKY counts as a pass (the last attempt succeeded); everything that isn't
// a pass or an explicit skip is a failure.
func testStatusToStatus(s besproto.TestStatus) invocation.Status {
	switch s {
	case besproto.TestStatusPassed, besproto.TestStatusFlaky:
		return invocation.StatusSuccess
	case besproto.TestStatusNoStatus, besproto.TestStatusIncomplete:
		return invocation.StatusSkip
	default:
		return invocation.StatusFail
	}
}
