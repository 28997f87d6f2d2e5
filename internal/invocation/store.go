package invocation

import (
	"context"
	"time"
)

// Store defines the persistence operations the ingest pipeline needs.
//
// All upserts use natural or deterministically derived primary keys so a
// client replaying its event stream converges to the same final row set.
// Implementations surface backend failures to the caller and never retry
// internally; the sentinel taxonomy lives in internal/storage
// (ErrNotFound, ErrConflict, ErrBackend).
type Store interface {
	// UpsertShallowInvocation inserts or updates the invocation row only,
	// without touching children. Idempotent.
	UpsertShallowInvocation(ctx context.Context, inv *Invocation) error

	// UpdateShallowInvocation fetches the invocation row, applies mutate to a
	// local copy, and writes it back. The mutator must be a pure function of
	// the row; concurrent writers race and the last writer wins.
	UpdateShallowInvocation(ctx context.Context, id string, mutate func(*Invocation)) error

	// UpsertTarget inserts or updates a target row.
	UpsertTarget(ctx context.Context, invocationID string, target *Target) error

	// UpdateTargetResult finalizes an existing target row.
	UpdateTargetResult(ctx context.Context, invocationID, name string, status Status, end time.Time) error

	// UpsertTest inserts or updates a test row and returns the stored row id.
	UpsertTest(ctx context.Context, invocationID string, test *Test) (string, error)

	// UpdateTestResult updates the summary fields of an existing test row.
	UpdateTestResult(ctx context.Context, invocationID, name string, status Status, duration time.Duration, numRuns int) error

	// UpsertTestRun inserts or updates a test run row and bulk-inserts its
	// artifacts. Artifact inserts tolerate stream replays (conflicting rows
	// are left untouched).
	UpsertTestRun(ctx context.Context, invocationID, testID string, run *TestRun) error

	// GetInvocation returns the fully assembled aggregate.
	GetInvocation(ctx context.Context, id string) (*Invocation, error)

	// GetShallowInvocation returns the invocation row without children.
	GetShallowInvocation(ctx context.Context, id string) (*Invocation, error)

	// DeleteInvocation deletes the invocation and all its children.
	DeleteInvocation(ctx context.Context, id string) error

	// DeleteInvocationsSince deletes every invocation whose start is at or
	// before cutoff, returning the number deleted. The name is historical;
	// the filter really is "start <= cutoff".
	DeleteInvocationsSince(ctx context.Context, cutoff time.Time) (int64, error)

	// InsertOptions writes one row per option line. Values are scrubbed
	// before storage: anything after a second '=' in a token is replaced
	// with "<SCRUBBED>".
	InsertOptions(ctx context.Context, invocationID string, opts *BuildOptions) error

	// GetOptions reads all option rows in insertion order and bucketizes
	// them by kind.
	GetOptions(ctx context.Context, id string) (*BuildOptions, error)

	// InsertOutputLines bulk-appends lines to the invocation's output log.
	InsertOutputLines(ctx context.Context, id string, lines []string) error

	// DeleteLastOutputLines deletes n output rows. Despite the name it
	// removes the n oldest rows; the behavior is preserved from the
	// original system.
	DeleteLastOutputLines(ctx context.Context, id string, n int) error

	// GetProgress returns all output lines joined by "\n".
	GetProgress(ctx context.Context, id string) (string, error)

	// UpdateInvocationHeartbeat sets last_heartbeat to now.
	UpdateInvocationHeartbeat(ctx context.Context, id string) error

	// GetTestHistory returns history points for a test label across
	// invocations, newest first. Filters of the form "metadata.key=value"
	// restrict results to invocations carrying that build-metadata line.
	GetTestHistory(ctx context.Context, name string, filters map[string]string, limit int) (*TestHistory, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
