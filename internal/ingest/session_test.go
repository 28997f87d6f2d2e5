package ingest

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	buildpb "google.golang.org/genproto/googleapis/devtools/build/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildlog-io/buildlog/internal/besproto/bespbtest"
	"github.com/buildlog-io/buildlog/internal/ingest/handlers"
	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/metrics"
	"github.com/buildlog-io/buildlog/internal/storage"
)

func newTestStore(t *testing.T) invocation.Store {
	t.Helper()

	conn, err := storage.NewConnection(storage.LoadConfig("sqlite://" + filepath.Join(t.TempDir(), "buildlog.db")), nil)
	if err != nil {
		t.Fatalf("NewConnection() error = %v", err)
	}

	t.Cleanup(func() { _ = conn.Close() })

	store, err := storage.NewInvocationStore(conn, nil)
	if err != nil {
		t.Fatalf("NewInvocationStore() error = %v", err)
	}

	return store
}

func newTestChain(t *testing.T) *handlers.Chain {
	t.Helper()

	printEvent, err := handlers.NewPrintEventHandler("", nil)
	if err != nil {
		t.Fatalf("NewPrintEventHandler() error = %v", err)
	}

	return handlers.NewChain(metrics.NewRegistry(), printEvent, nil)
}

// bazelReq wraps a wire-encoded Bazel event in the stream envelope.
func bazelReq(invocationID string, seq int64, e *bespbtest.Event) *buildpb.PublishBuildToolEventStreamRequest {
	return &buildpb.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &buildpb.OrderedBuildEvent{
			StreamId:       &buildpb.StreamId{InvocationId: invocationID},
			SequenceNumber: seq,
			Event: &buildpb.BuildEvent{
				Event: &buildpb.BuildEvent_BazelEvent{BazelEvent: e.Any()},
			},
		},
	}
}

func feed(t *testing.T, s *Session, reqs ...*buildpb.PublishBuildToolEventStreamRequest) {
	t.Helper()

	for i, req := range reqs {
		if err := s.HandleMessage(context.Background(), req); err != nil {
			t.Fatalf("HandleMessage(#%d) error = %v", i, err)
		}
	}
}

// happyBuild is seed scenario 1's event sequence.
func happyBuild(invocationID string, exitCode int32) []*buildpb.PublishBuildToolEventStreamRequest {
	start := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	exitName := "SUCCESS"
	if exitCode != 0 {
		exitName = "BUILD_FAILURE"
	}

	return []*buildpb.PublishBuildToolEventStreamRequest{
		bazelReq(invocationID, 1, bespbtest.Started(invocationID, "build", start)),
		bazelReq(invocationID, 2, bespbtest.Expanded("//x:all")),
		bazelReq(invocationID, 3, bespbtest.Configured("//x", "go_library rule")),
		bazelReq(invocationID, 4, bespbtest.Completed("//x", exitCode == 0)),
		bazelReq(invocationID, 5, bespbtest.Finished(exitName, exitCode).LastMessage()),
	}
}

func TestSessionHappyBuild(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	session := NewSession(store, newTestChain(t), DefaultSessionLockTime, nil)

	feed(t, session, happyBuild("A", 0)...)

	if !session.Finished() {
		t.Errorf("Finished() = false after terminal event")
	}

	got, err := store.GetInvocation(ctx, "A")
	if err != nil {
		t.Fatalf("GetInvocation() error = %v", err)
	}

	if got.Status != invocation.StatusSuccess {
		t.Errorf("status = %q, want Success", got.Status)
	}

	if got.End == nil {
		t.Errorf("end not set on finished invocation")
	}

	if got.Command != "build" {
		t.Errorf("command = %q, want build", got.Command)
	}

	if len(got.Targets) != 1 || got.Targets[0].Status != invocation.StatusSuccess || got.Targets[0].End == nil {
		t.Errorf("targets = %+v, want one successful ended target", got.Targets)
	}
}

// A session logs through the injected process logger, so retuning the shared
// level handle (the admin log_filter endpoint) changes its output mid-stream.
func TestSessionLoggerFollowsLevelReload(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	level := &slog.LevelVar{}
	level.Set(slog.LevelError)

	var buf bytes.Buffer

	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: level}))
	session := NewSession(newTestStore(t), newTestChain(t), DefaultSessionLockTime, logger)

	reqs := happyBuild("A", 0)

	feed(t, session, reqs[0])

	if buf.Len() != 0 {
		t.Fatalf("session logged below the error level: %s", buf.String())
	}

	level.Set(slog.LevelInfo)

	feed(t, session, reqs[1:]...)

	if !strings.Contains(buf.String(), "Invocation finished") {
		t.Errorf("no completion record after level reload, log output: %s", buf.String())
	}

	if strings.Contains(buf.String(), "Stream bound to invocation") {
		t.Errorf("bind record emitted despite error-level filter, log output: %s", buf.String())
	}
}

func TestSessionFailedBuild(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	session := NewSession(store, newTestChain(t), DefaultSessionLockTime, nil)

	feed(t, session, happyBuild("A", 1)...)

	got, err := store.GetShallowInvocation(ctx, "A")
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.Status != invocation.StatusFail {
		t.Errorf("status = %q, want Fail", got.Status)
	}
}

func TestSessionAbortedStream(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)
	session := NewSession(store, newTestChain(t), DefaultSessionLockTime, nil)

	start := time.Now().UTC()
	feed(t, session, bazelReq("B", 1, bespbtest.Started("B", "build", start)))

	if session.Finished() {
		t.Fatalf("Finished() = true before terminal event")
	}

	// Transport died; the server calls Cleanup.
	if err := session.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	got, err := store.GetShallowInvocation(ctx, "B")
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.Status != invocation.StatusFail {
		t.Errorf("status after abort = %q, want Fail", got.Status)
	}

	if got.End == nil {
		t.Fatalf("end not set after abort")
	}

	if time.Since(*got.End) > time.Minute {
		t.Errorf("end = %v, want approximately now", got.End)
	}
}

func TestSessionStaleReconnect(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)

	end := time.Now().Add(-10 * time.Minute).UTC().Truncate(time.Millisecond)
	prior := &invocation.Invocation{
		ID:      "C",
		Status:  invocation.StatusSuccess,
		Start:   end.Add(-time.Minute),
		End:     &end,
		Command: "build",
	}

	if err := store.UpsertShallowInvocation(ctx, prior); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	session := NewSession(store, newTestChain(t), 5*time.Minute, nil)

	err := session.HandleMessage(ctx, bazelReq("C", 1, bespbtest.Started("C", "build", time.Now())))
	if status.Code(err) != codes.FailedPrecondition {
		t.Fatalf("HandleMessage() error = %v, want FailedPrecondition", err)
	}

	// The rejected stream must not have touched the row.
	got, err := store.GetShallowInvocation(ctx, "C")
	if err != nil {
		t.Fatalf("GetShallowInvocation() error = %v", err)
	}

	if got.Status != prior.Status || got.Command != prior.Command {
		t.Errorf("row changed by rejected stream: %+v", got)
	}

	if !got.Start.Equal(prior.Start) {
		t.Errorf("start changed: %v, want %v", got.Start, prior.Start)
	}

	if got.End == nil || !got.End.Equal(*prior.End) {
		t.Errorf("end changed: %v, want %v", got.End, prior.End)
	}
}

func TestSessionRecentReconnectAllowed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store := newTestStore(t)

	end := time.Now().Add(-time.Minute).UTC()
	if err := store.UpsertShallowInvocation(ctx, &invocation.Invocation{
		ID:     "D",
		Status: invocation.StatusSuccess,
		Start:  end.Add(-time.Minute),
		End:    &end,
	}); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	session := NewSession(store, newTestChain(t), 5*time.Minute, nil)

	// Ended one minute ago, lock is five minutes: the retry is accepted.
	if err := session.HandleMessage(ctx, bazelReq("D", 1, bespbtest.Started("D", "build", time.Now()))); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if session.InvocationID() != "D" {
		t.Errorf("InvocationID() = %q, want D", session.InvocationID())
	}
}

func TestSessionRejectsMissingInvocationID(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	session := NewSession(newTestStore(t), newTestChain(t), DefaultSessionLockTime, nil)

	t.Run("no ordered_build_event", func(t *testing.T) {
		err := session.HandleMessage(ctx, &buildpb.PublishBuildToolEventStreamRequest{})
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("error = %v, want InvalidArgument", err)
		}
	})

	t.Run("empty invocation id", func(t *testing.T) {
		req := bazelReq("", 1, bespbtest.Started("", "build", time.Now()))

		err := session.HandleMessage(ctx, req)
		if status.Code(err) != codes.InvalidArgument {
			t.Errorf("error = %v, want InvalidArgument", err)
		}
	})
}

func TestSessionRejectsUndecodableEvent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	session := NewSession(newTestStore(t), newTestChain(t), DefaultSessionLockTime, nil)

	req := bazelReq("E", 1, bespbtest.Started("E", "build", time.Now()))
	if err := session.HandleMessage(ctx, req); err != nil {
		t.Fatalf("HandleMessage(started) error = %v", err)
	}

	bad := bazelReq("E", 2, bespbtest.Progress("x", ""))
	bad.GetOrderedBuildEvent().GetEvent().GetBazelEvent().Value = []byte{0xff, 0xff}

	err := session.HandleMessage(ctx, bad)
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("error = %v, want InvalidArgument", err)
	}
}

func TestSessionComponentStreamFinished(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	session := NewSession(newTestStore(t), newTestChain(t), DefaultSessionLockTime, nil)

	feed(t, session, bazelReq("F", 1, bespbtest.Started("F", "build", time.Now())))

	req := &buildpb.PublishBuildToolEventStreamRequest{
		OrderedBuildEvent: &buildpb.OrderedBuildEvent{
			StreamId:       &buildpb.StreamId{InvocationId: "F"},
			SequenceNumber: 2,
			Event: &buildpb.BuildEvent{
				Event: &buildpb.BuildEvent_ComponentStreamFinished{
					ComponentStreamFinished: &buildpb.BuildEvent_BuildComponentStreamFinished{},
				},
			},
		},
	}

	if err := session.HandleMessage(ctx, req); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if !session.Finished() {
		t.Errorf("Finished() = false after ComponentStreamFinished")
	}
}

// aggregateShape strips the wall-clock fields that legitimately differ
// between replays of the same stream.
type aggregateShape struct {
	Status   invocation.Status
	Command  string
	Patterns []string
	Targets  map[string]invocation.Status
	Tests    map[string]int
	Options  invocation.BuildOptions
}

func shapeOf(t *testing.T, store invocation.Store, id string) aggregateShape {
	t.Helper()

	ctx := context.Background()

	inv, err := store.GetInvocation(ctx, id)
	if err != nil {
		t.Fatalf("GetInvocation() error = %v", err)
	}

	opts, err := store.GetOptions(ctx, id)
	if err != nil {
		t.Fatalf("GetOptions() error = %v", err)
	}

	shape := aggregateShape{
		Status:   inv.Status,
		Command:  inv.Command,
		Patterns: inv.Patterns,
		Targets:  map[string]invocation.Status{},
		Tests:    map[string]int{},
		Options:  *opts,
	}

	for _, target := range inv.Targets {
		shape.Targets[target.Name] = target.Status
	}

	for _, test := range inv.Tests {
		runs := 0
		for _, r := range test.Runs {
			runs += 1 + len(r.Artifacts)
		}

		shape.Tests[test.Name] = runs
	}

	return shape
}

func TestSessionIdempotentReplay(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	store := newTestStore(t)
	chain := newTestChain(t)

	events := happyBuild("G", 0)
	extra := []*buildpb.PublishBuildToolEventStreamRequest{
		bazelReq("G", 6, bespbtest.UnstructuredCommandLine("build", "//x:all")),
		bazelReq("G", 7, bespbtest.BuildMetadata(map[string]string{"BRANCH": "main"})),
	}

	sequence := append(append([]*buildpb.PublishBuildToolEventStreamRequest{}, events[:4]...), extra...)
	sequence = append(sequence, events[4])

	first := NewSession(store, chain, DefaultSessionLockTime, nil)
	feed(t, first, sequence...)

	before := shapeOf(t, store, "G")

	// Replay the identical sequence on a fresh stream with the same uuid.
	second := NewSession(store, chain, DefaultSessionLockTime, nil)
	feed(t, second, sequence...)

	after := shapeOf(t, store, "G")

	if !reflect.DeepEqual(before, after) {
		t.Errorf("aggregate changed across replay:\n before %+v\n after  %+v", before, after)
	}
}
