package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/buildlog-io/buildlog/internal/invocation"
)

// newTestStore opens a fresh sqlite-backed store in a temp directory. The
// embedded engine makes these tests hermetic; the same store code runs
// against postgres in the integration suite.
func newTestStore(t *testing.T) (*InvocationStore, *Connection) {
	t.Helper()

	cfg := LoadConfig("sqlite://" + filepath.Join(t.TempDir(), "buildlog.db"))

	conn, err := NewConnection(cfg, nil)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	store, err := NewInvocationStore(conn, nil)
	if err != nil {
		t.Fatalf("NewInvocationStore() error = %v", err)
	}

	return store, conn
}

func newTestInvocation(id string, start time.Time) *invocation.Invocation {
	return &invocation.Invocation{
		ID:       id,
		Status:   invocation.StatusInProgress,
		Start:    start,
		Command:  "test",
		Patterns: []string{"//foo:all", "//bar:baz_test"},
	}
}

func TestInvocationStoreShallowRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	inv := newTestInvocation("11111111-1111-1111-1111-111111111111", start)

	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	got, err := store.GetShallowInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.Status != invocation.StatusInProgress {
		t.Errorf("status = %q, want %q", got.Status, invocation.StatusInProgress)
	}

	if !got.Start.Equal(start) {
		t.Errorf("start = %v, want %v", got.Start, start)
	}

	if got.End != nil {
		t.Errorf("end = %v, want nil", got.End)
	}

	if len(got.Patterns) != 2 || got.Patterns[0] != "//foo:all" || got.Patterns[1] != "//bar:baz_test" {
		t.Errorf("patterns = %v, want the two inserted patterns in order", got.Patterns)
	}

	// Upsert with the same id must update, not duplicate.
	end := start.Add(90 * time.Second)
	inv.Status = invocation.StatusSuccess
	inv.End = &end

	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() second upsert error = %v", err)
	}

	got, err = store.GetShallowInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetShallowInvocation() after update error = %v", err)
	}

	if got.Status != invocation.StatusSuccess {
		t.Errorf("status after update = %q, want %q", got.Status, invocation.StatusSuccess)
	}

	if got.End == nil || !got.End.Equal(end) {
		t.Errorf("end after update = %v, want %v", got.End, end)
	}
}

func TestInvocationStoreNotFound(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	if _, err := store.GetShallowInvocation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetShallowInvocation(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.DeleteInvocation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteInvocation(missing) error = %v, want ErrNotFound", err)
	}

	if err := store.UpdateInvocationHeartbeat(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateInvocationHeartbeat(missing) error = %v, want ErrNotFound", err)
	}
}

func TestUpdateShallowInvocationMutator(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	inv := newTestInvocation("22222222-2222-2222-2222-222222222222", time.Now().UTC().Truncate(time.Millisecond))
	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	err := store.UpdateShallowInvocation(ctx, inv.ID, func(i *invocation.Invocation) {
		i.Command = "coverage"
		i.ProfileURI = "bytestream://cache/blobs/abc/123"
	})
	if err != nil {
		t.Fatalf("UpdateShallowInvocation() error = %v", err)
	}

	got, err := store.GetShallowInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.Command != "coverage" {
		t.Errorf("command = %q, want %q", got.Command, "coverage")
	}

	if got.ProfileURI != "bytestream://cache/blobs/abc/123" {
		t.Errorf("profile URI = %q", got.ProfileURI)
	}
}

func TestTargetLifecycle(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	start := time.Now().UTC().Truncate(time.Millisecond)
	inv := newTestInvocation("33333333-3333-3333-3333-333333333333", start)

	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	target := &invocation.Target{
		Name:   "//foo:bar",
		Status: invocation.StatusInProgress,
		Kind:   "go_library rule",
		Start:  start,
	}

	if err := store.UpsertTarget(ctx, inv.ID, target); err != nil {
		t.Fatalf("UpsertTarget() error = %v", err)
	}

	end := start.Add(3 * time.Second)
	if err := store.UpdateTargetResult(ctx, inv.ID, target.Name, invocation.StatusSuccess, end); err != nil {
		t.Fatalf("UpdateTargetResult() error = %v", err)
	}

	got, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation() error = %v", err)
	}

	if len(got.Targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(got.Targets))
	}

	if got.Targets[0].Status != invocation.StatusSuccess {
		t.Errorf("target status = %q, want Success", got.Targets[0].Status)
	}

	if got.Targets[0].Kind != "go_library rule" {
		t.Errorf("target kind = %q", got.Targets[0].Kind)
	}

	if got.Targets[0].End == nil || !got.Targets[0].End.Equal(end) {
		t.Errorf("target end = %v, want %v", got.Targets[0].End, end)
	}

	// Finalizing an unknown target reports not found.
	if err := store.UpdateTargetResult(ctx, inv.ID, "//no:such", invocation.StatusFail, end); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTargetResult(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestTestRunsAndArtifacts(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	start := time.Now().UTC().Truncate(time.Millisecond)
	inv := newTestInvocation("44444444-4444-4444-4444-444444444444", start)

	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	testID, err := store.UpsertTest(ctx, inv.ID, &invocation.Test{
		Name:     "//bar:baz_test",
		Status:   invocation.StatusFail,
		Duration: 2500 * time.Millisecond,
		End:      start.Add(10 * time.Second),
		NumRuns:  2,
	})
	if err != nil {
		t.Fatalf("UpsertTest() error = %v", err)
	}

	if want := inv.ID + "|//bar:baz_test"; testID != want {
		t.Errorf("test id = %q, want %q", testID, want)
	}

	run := &invocation.TestRun{
		Run:      1,
		Shard:    1,
		Attempt:  1,
		Status:   invocation.StatusFail,
		Details:  "3 of 7 tests failed",
		Duration: 1200 * time.Millisecond,
		Artifacts: []*invocation.TestArtifact{
			{Name: "test.log", URI: "bytestream://cache/blobs/deadbeef/42"},
			{Name: "test.xml", URI: "bytestream://cache/blobs/cafef00d/17"},
		},
	}

	if err := store.UpsertTestRun(ctx, inv.ID, testID, run); err != nil {
		t.Fatalf("UpsertTestRun() error = %v", err)
	}

	// Replaying the same run must not duplicate artifacts.
	if err := store.UpsertTestRun(ctx, inv.ID, testID, run); err != nil {
		t.Fatalf("UpsertTestRun() replay error = %v", err)
	}

	got, err := store.GetInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetInvocation() error = %v", err)
	}

	if len(got.Tests) != 1 {
		t.Fatalf("tests = %d, want 1", len(got.Tests))
	}

	gotTest := got.Tests[0]
	if gotTest.Status != invocation.StatusFail || gotTest.NumRuns != 2 {
		t.Errorf("test = %+v", gotTest)
	}

	if gotTest.Duration != 2500*time.Millisecond {
		t.Errorf("test duration = %v, want 2.5s", gotTest.Duration)
	}

	if len(gotTest.Runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(gotTest.Runs))
	}

	gotRun := gotTest.Runs[0]
	if gotRun.Details != "3 of 7 tests failed" {
		t.Errorf("run details = %q", gotRun.Details)
	}

	if len(gotRun.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(gotRun.Artifacts))
	}

	if gotRun.Artifacts[0].Name != "test.log" || gotRun.Artifacts[1].Name != "test.xml" {
		t.Errorf("artifact names = %q, %q", gotRun.Artifacts[0].Name, gotRun.Artifacts[1].Name)
	}
}

func TestDeleteInvocationCascades(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, conn := newTestStore(t)

	start := time.Now().UTC().Truncate(time.Millisecond)
	inv := newTestInvocation("55555555-5555-5555-5555-555555555555", start)

	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	if err := store.UpsertTarget(ctx, inv.ID, &invocation.Target{Name: "//foo:bar", Status: invocation.StatusInProgress, Start: start}); err != nil {
		t.Fatalf("UpsertTarget() error = %v", err)
	}

	testID, err := store.UpsertTest(ctx, inv.ID, &invocation.Test{Name: "//bar:t", Status: invocation.StatusSuccess, End: start})
	if err != nil {
		t.Fatalf("UpsertTest() error = %v", err)
	}

	if err := store.UpsertTestRun(ctx, inv.ID, testID, &invocation.TestRun{
		Run: 1, Shard: 1, Attempt: 1, Status: invocation.StatusSuccess,
		Artifacts: []*invocation.TestArtifact{{Name: "test.log", URI: "file:///dev/null"}},
	}); err != nil {
		t.Fatalf("UpsertTestRun() error = %v", err)
	}

	if err := store.InsertOutputLines(ctx, inv.ID, []string{"line one"}); err != nil {
		t.Fatalf("InsertOutputLines() error = %v", err)
	}

	if err := store.DeleteInvocation(ctx, inv.ID); err != nil {
		t.Fatalf("DeleteInvocation() error = %v", err)
	}

	for _, table := range []string{"targets", "tests", "testruns", "testartifacts", "invocationoutput"} {
		var n int

		query := conn.rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE invocation_id = ?", table))
		if err := conn.db.GetContext(ctx, &n, query, inv.ID); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}

		if n != 0 {
			t.Errorf("%s rows after delete = %d, want 0", table, n)
		}
	}
}

func TestDeleteInvocationsSinceBoundary(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	cutoff := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		id    string
		start time.Time
	}{
		{"before", cutoff.Add(-time.Hour)},
		{"at", cutoff},
		{"after", cutoff.Add(time.Hour)},
	}

	for _, c := range cases {
		if err := store.UpsertShallowInvocation(ctx, newTestInvocation(c.id, c.start)); err != nil {
			t.Fatalf("UpsertShallowInvocation(%s) error = %v", c.id, err)
		}
	}

	n, err := store.DeleteInvocationsSince(ctx, cutoff)
	if err != nil {
		t.Fatalf("DeleteInvocationsSince() error = %v", err)
	}

	// The filter is start <= cutoff, so the row exactly at the cutoff goes too.
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}

	if _, err := store.GetShallowInvocation(ctx, "before"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invocation before cutoff survived")
	}

	if _, err := store.GetShallowInvocation(ctx, "at"); !errors.Is(err, ErrNotFound) {
		t.Errorf("invocation at cutoff survived")
	}

	if _, err := store.GetShallowInvocation(ctx, "after"); err != nil {
		t.Errorf("invocation after cutoff deleted: %v", err)
	}
}

func TestOutputLines(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	inv := newTestInvocation("66666666-6666-6666-6666-666666666666", time.Now().UTC())
	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	if err := store.InsertOutputLines(ctx, inv.ID, []string{"one", "two"}); err != nil {
		t.Fatalf("InsertOutputLines() error = %v", err)
	}

	if err := store.InsertOutputLines(ctx, inv.ID, []string{"three", "four"}); err != nil {
		t.Fatalf("InsertOutputLines() second batch error = %v", err)
	}

	progress, err := store.GetProgress(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetProgress() error = %v", err)
	}

	if progress != "one\ntwo\nthree\nfour" {
		t.Errorf("progress = %q", progress)
	}

	// DeleteLastOutputLines removes the n OLDEST rows.
	if err := store.DeleteLastOutputLines(ctx, inv.ID, 2); err != nil {
		t.Fatalf("DeleteLastOutputLines() error = %v", err)
	}

	progress, err = store.GetProgress(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetProgress() after delete error = %v", err)
	}

	if progress != "three\nfour" {
		t.Errorf("progress after delete = %q, want %q", progress, "three\nfour")
	}
}

func TestHeartbeatAndLiveness(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	inv := newTestInvocation("77777777-7777-7777-7777-777777777777", time.Now().UTC())
	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	got, err := store.GetShallowInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.IsLive(time.Now(), invocation.DefaultLivenessThreshold) {
		t.Errorf("invocation live before any heartbeat")
	}

	if err := store.UpdateInvocationHeartbeat(ctx, inv.ID); err != nil {
		t.Fatalf("UpdateInvocationHeartbeat() error = %v", err)
	}

	got, err = store.GetShallowInvocation(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetShallowInvocation() after heartbeat error = %v", err)
	}

	if got.LastHeartbeat == nil {
		t.Fatalf("last heartbeat not set")
	}

	if !got.IsLive(time.Now(), invocation.DefaultLivenessThreshold) {
		t.Errorf("invocation not live right after heartbeat")
	}
}

func TestGetTestHistory(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	// Five invocations running the same test, alternating branch metadata.
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("hist-%d", i)

		if err := store.UpsertShallowInvocation(ctx, newTestInvocation(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("UpsertShallowInvocation(%s) error = %v", id, err)
		}

		status := invocation.StatusSuccess
		if i%2 == 1 {
			status = invocation.StatusFail
		}

		if _, err := store.UpsertTest(ctx, id, &invocation.Test{
			Name:     "//bar:baz_test",
			Status:   status,
			Duration: time.Duration(i+1) * time.Second,
			End:      base.Add(time.Duration(i) * time.Hour),
			NumRuns:  1,
		}); err != nil {
			t.Fatalf("UpsertTest(%s) error = %v", id, err)
		}

		branch := "main"
		if i%2 == 1 {
			branch = "dev"
		}

		if err := store.InsertOptions(ctx, id, &invocation.BuildOptions{
			BuildMetadata: []string{"BRANCH=" + branch},
		}); err != nil {
			t.Fatalf("InsertOptions(%s) error = %v", id, err)
		}
	}

	t.Run("newest first with truncation", func(t *testing.T) {
		history, err := store.GetTestHistory(ctx, "//bar:baz_test", nil, 3)
		if err != nil {
			t.Fatalf("GetTestHistory() error = %v", err)
		}

		if len(history.Points) != 3 {
			t.Fatalf("points = %d, want 3", len(history.Points))
		}

		if !history.Truncated {
			t.Errorf("truncated = false, want true")
		}

		if history.Points[0].InvocationID != "hist-4" || history.Points[2].InvocationID != "hist-2" {
			t.Errorf("order = %q..%q, want hist-4..hist-2",
				history.Points[0].InvocationID, history.Points[2].InvocationID)
		}
	})

	t.Run("metadata filter", func(t *testing.T) {
		history, err := store.GetTestHistory(ctx, "//bar:baz_test", map[string]string{"BRANCH": "dev"}, 10)
		if err != nil {
			t.Fatalf("GetTestHistory() error = %v", err)
		}

		if len(history.Points) != 2 {
			t.Fatalf("points = %d, want 2", len(history.Points))
		}

		if history.Truncated {
			t.Errorf("truncated = true, want false")
		}

		for _, p := range history.Points {
			if p.Status != invocation.StatusFail {
				t.Errorf("point %s status = %q, want Fail", p.InvocationID, p.Status)
			}
		}
	})

	t.Run("unknown test", func(t *testing.T) {
		history, err := store.GetTestHistory(ctx, "//no:such_test", nil, 10)
		if err != nil {
			t.Fatalf("GetTestHistory() error = %v", err)
		}

		if len(history.Points) != 0 || history.Truncated {
			t.Errorf("history = %+v, want empty", history)
		}
	})
}
