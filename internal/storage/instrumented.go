package storage

import (
	"context"
	"time"

	"github.com/buildlog-io/buildlog/internal/invocation"
	"github.com/buildlog-io/buildlog/internal/metrics"
)

// InstrumentedStore decorates an invocation.Store with exec counters, an
// in-flight gauge, and a latency histogram per operation. It adds no behavior
// of its own; every call delegates to the wrapped store.
type InstrumentedStore struct {
	next invocation.Store
	reg  *metrics.Registry
}

var _ invocation.Store = (*InstrumentedStore)(nil)

// NewInstrumentedStore wraps a store with metrics.
func NewInstrumentedStore(next invocation.Store, reg *metrics.Registry) *InstrumentedStore {
	return &InstrumentedStore{next: next, reg: reg}
}

// observe records one store operation. Returned by begin so the defer reads
// the clock at function exit.
func (s *InstrumentedStore) begin(operation string) func() {
	start := time.Now()

	s.reg.StoreExecTotal.WithLabelValues(operation).Inc()
	s.reg.StoreExecInflight.Inc()

	return func() {
		s.reg.StoreExecInflight.Dec()
		s.reg.StoreExecDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

func (s *InstrumentedStore) UpsertShallowInvocation(ctx context.Context, inv *invocation.Invocation) error {
	defer s.begin("upsert_shallow_invocation")()
	return s.next.UpsertShallowInvocation(ctx, inv)
}

func (s *InstrumentedStore) UpdateShallowInvocation(ctx context.Context, id string, mutate func(*invocation.Invocation)) error {
	defer s.begin("update_shallow_invocation")()
	return s.next.UpdateShallowInvocation(ctx, id, mutate)
}

func (s *InstrumentedStore) UpsertTarget(ctx context.Context, invocationID string, target *invocation.Target) error {
	defer s.begin("upsert_target")()
	return s.next.UpsertTarget(ctx, invocationID, target)
}

func (s *InstrumentedStore) UpdateTargetResult(ctx context.Context, invocationID, name string, status invocation.Status, end time.Time) error {
	defer s.begin("update_target_result")()
	return s.next.UpdateTargetResult(ctx, invocationID, name, status, end)
}

func (s *InstrumentedStore) UpsertTest(ctx context.Context, invocationID string, test *invocation.Test) (string, error) {
	defer s.begin("upsert_test")()
	return s.next.UpsertTest(ctx, invocationID, test)
}

func (s *InstrumentedStore) UpdateTestResult(ctx context.Context, invocationID, name string, status invocation.Status, duration time.Duration, numRuns int) error {
	defer s.begin("update_test_result")()
	return s.next.UpdateTestResult(ctx, invocationID, name, status, duration, numRuns)
}

func (s *InstrumentedStore) UpsertTestRun(ctx context.Context, invocationID, testID string, run *invocation.TestRun) error {
	defer s.begin("upsert_test_run")()
	return s.next.UpsertTestRun(ctx, invocationID, testID, run)
}

func (s *InstrumentedStore) GetInvocation(ctx context.Context, id string) (*invocation.Invocation, error) {
	defer s.begin("get_invocation")()
	return s.next.GetInvocation(ctx, id)
}

func (s *InstrumentedStore) GetShallowInvocation(ctx context.Context, id string) (*invocation.Invocation, error) {
	defer s.begin("get_shallow_invocation")()
	return s.next.GetShallowInvocation(ctx, id)
}

func (s *InstrumentedStore) DeleteInvocation(ctx context.Context, id string) error {
	defer s.begin("delete_invocation")()
	return s.next.DeleteInvocation(ctx, id)
}

func (s *InstrumentedStore) DeleteInvocationsSince(ctx context.Context, cutoff time.Time) (int64, error) {
	defer s.begin("delete_invocations_since")()
	return s.next.DeleteInvocationsSince(ctx, cutoff)
}

func (s *InstrumentedStore) InsertOptions(ctx context.Context, invocationID string, opts *invocation.BuildOptions) error {
	defer s.begin("insert_options")()
	return s.next.InsertOptions(ctx, invocationID, opts)
}

func (s *InstrumentedStore) GetOptions(ctx context.Context, id string) (*invocation.BuildOptions, error) {
	defer s.begin("get_options")()
	return s.next.GetOptions(ctx, id)
}

func (s *InstrumentedStore) InsertOutputLines(ctx context.Context, id string, lines []string) error {
	defer s.begin("insert_output_lines")()
	return s.next.InsertOutputLines(ctx, id, lines)
}

func (s *InstrumentedStore) DeleteLastOutputLines(ctx context.Context, id string, n int) error {
	defer s.begin("delete_last_output_lines")()
	return s.next.DeleteLastOutputLines(ctx, id, n)
}

func (s *InstrumentedStore) GetProgress(ctx context.Context, id string) (string, error) {
	defer s.begin("get_progress")()
	return s.next.GetProgress(ctx, id)
}

func (s *InstrumentedStore) UpdateInvocationHeartbeat(ctx context.Context, id string) error {
	defer s.begin("update_invocation_heartbeat")()
	return s.next.UpdateInvocationHeartbeat(ctx, id)
}

func (s *InstrumentedStore) GetTestHistory(ctx context.Context, name string, filters map[string]string, limit int) (*invocation.TestHistory, error) {
	defer s.begin("get_test_history")()
	return s.next.GetTestHistory(ctx, name, filters, limit)
}

func (s *InstrumentedStore) HealthCheck(ctx context.Context) error {
	defer s.begin("health_check")()
	return s.next.HealthCheck(ctx)
}
