package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildlog-io/buildlog/internal/invocation"
)

// patternSeparator joins the invocation's build patterns into the single
// pattern column. Bazel labels cannot contain newlines.
const patternSeparator = "\n"

// InvocationStore implements invocation.Store on a pooled SQL connection.
// Both backends share the query text; placeholders are rebound and timestamps
// encoded per dialect by the Connection.
type InvocationStore struct {
	conn   *Connection
	logger *slog.Logger
}

// Compile-time interface assertion.
var _ invocation.Store = (*InvocationStore)(nil)

// NewInvocationStore creates the store on an established connection. A nil
// logger falls back to slog.Default.
func NewInvocationStore(conn *Connection, logger *slog.Logger) (*InvocationStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &InvocationStore{
		conn:   conn,
		logger: logger,
	}, nil
}

// targetRowID derives the natural key of a target or test row.
func targetRowID(invocationID, name string) string {
	return invocationID + "|" + name
}

// testRunRowID derives the natural key of a test run row.
func testRunRowID(testID string, run, shard, attempt int) string {
	return fmt.Sprintf("%s|%d|%d|%d", testID, run, shard, attempt)
}

// artifactRowID derives the deterministic UUIDv5 id of a test artifact, so
// replayed streams insert identical rows.
func artifactRowID(invocationID, testRunID, name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(invocationID+"/"+testRunID+"/"+name)).String()
}

// UpsertShallowInvocation inserts or updates the invocation row only.
func (s *InvocationStore) UpsertShallowInvocation(ctx context.Context, inv *invocation.Invocation) error {
	query := s.conn.rebind(`
		INSERT INTO invocations (id, status, started_at, ended_at, command, pattern, last_heartbeat, profile_uri)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			command = excluded.command,
			pattern = excluded.pattern,
			last_heartbeat = excluded.last_heartbeat,
			profile_uri = excluded.profile_uri`)

	var pattern any
	if len(inv.Patterns) > 0 {
		pattern = strings.Join(inv.Patterns, patternSeparator)
	}

	_, err := s.conn.db.ExecContext(ctx, query,
		inv.ID,
		string(inv.Status),
		s.conn.bindTime(inv.Start),
		s.conn.bindNullTime(inv.End),
		inv.Command,
		pattern,
		s.conn.bindNullTime(inv.LastHeartbeat),
		nullString(inv.ProfileURI),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert invocation: %w", ErrBackend, err)
	}

	return nil
}

// UpdateShallowInvocation performs a read-modify-write of the invocation row.
// Concurrent writers race; the last writer wins, matching the source system.
func (s *InvocationStore) UpdateShallowInvocation(ctx context.Context, id string, mutate func(*invocation.Invocation)) error {
	inv, err := s.GetShallowInvocation(ctx, id)
	if err != nil {
		return err
	}

	mutate(inv)

	return s.UpsertShallowInvocation(ctx, inv)
}

// GetShallowInvocation returns the invocation row without children.
func (s *InvocationStore) GetShallowInvocation(ctx context.Context, id string) (*invocation.Invocation, error) {
	query := s.conn.rebind(`
		SELECT id, status, started_at, ended_at, command, pattern, last_heartbeat, profile_uri
		FROM invocations WHERE id = ?`)

	return s.scanInvocation(s.conn.db.QueryRowContext(ctx, query, id))
}

func (s *InvocationStore) scanInvocation(row *sql.Row) (*invocation.Invocation, error) {
	var (
		inv        invocation.Invocation
		status     string
		start      nullTime
		end        nullTime
		pattern    sql.NullString
		heartbeat  nullTime
		profileURI sql.NullString
	)

	err := row.Scan(&inv.ID, &status, &start, &end, &inv.Command, &pattern, &heartbeat, &profileURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("%w: scan invocation: %w", ErrBackend, err)
	}

	inv.Status = invocation.Status(status)
	inv.Start = start.Time
	inv.End = end.ptr()
	inv.LastHeartbeat = heartbeat.ptr()
	inv.ProfileURI = profileURI.String

	if pattern.Valid && pattern.String != "" {
		inv.Patterns = strings.Split(pattern.String, patternSeparator)
	}

	return &inv, nil
}

// UpsertTarget inserts or updates a target row.
func (s *InvocationStore) UpsertTarget(ctx context.Context, invocationID string, target *invocation.Target) error {
	query := s.conn.rebind(`
		INSERT INTO targets (id, invocation_id, name, status, kind, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			kind = excluded.kind,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`)

	_, err := s.conn.db.ExecContext(ctx, query,
		targetRowID(invocationID, target.Name),
		invocationID,
		target.Name,
		string(target.Status),
		target.Kind,
		s.conn.bindTime(target.Start),
		s.conn.bindNullTime(target.End),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert target %s: %w", ErrBackend, target.Name, err)
	}

	return nil
}

// UpdateTargetResult finalizes an existing target row.
func (s *InvocationStore) UpdateTargetResult(ctx context.Context, invocationID, name string, status invocation.Status, end time.Time) error {
	query := s.conn.rebind(`UPDATE targets SET status = ?, ended_at = ? WHERE id = ?`)

	res, err := s.conn.db.ExecContext(ctx, query,
		string(status), s.conn.bindTime(end), targetRowID(invocationID, name))
	if err != nil {
		return fmt.Errorf("%w: update target %s: %w", ErrBackend, name, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: target %s", ErrNotFound, name)
	}

	return nil
}

// UpsertTest inserts or updates a test row and returns the stored row id.
func (s *InvocationStore) UpsertTest(ctx context.Context, invocationID string, test *invocation.Test) (string, error) {
	id := targetRowID(invocationID, test.Name)

	query := s.conn.rebind(`
		INSERT INTO tests (id, invocation_id, name, status, duration_s, ended_at, num_runs)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			duration_s = excluded.duration_s,
			ended_at = excluded.ended_at,
			num_runs = excluded.num_runs`)

	_, err := s.conn.db.ExecContext(ctx, query,
		id,
		invocationID,
		test.Name,
		string(test.Status),
		test.Duration.Seconds(),
		s.conn.bindTime(test.End),
		test.NumRuns,
	)
	if err != nil {
		return "", fmt.Errorf("%w: upsert test %s: %w", ErrBackend, test.Name, err)
	}

	return id, nil
}

// UpdateTestResult updates the summary fields of an existing test row.
func (s *InvocationStore) UpdateTestResult(ctx context.Context, invocationID, name string, status invocation.Status, duration time.Duration, numRuns int) error {
	query := s.conn.rebind(`UPDATE tests SET status = ?, duration_s = ?, num_runs = ? WHERE id = ?`)

	res, err := s.conn.db.ExecContext(ctx, query,
		string(status), duration.Seconds(), numRuns, targetRowID(invocationID, name))
	if err != nil {
		return fmt.Errorf("%w: update test %s: %w", ErrBackend, name, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: test %s", ErrNotFound, name)
	}

	return nil
}

// UpsertTestRun inserts or updates a test run row and bulk-inserts its
// artifacts. Artifact ids are deterministic, and the insert ignores
// conflicting rows, so stream replays leave the row set unchanged.
func (s *InvocationStore) UpsertTestRun(ctx context.Context, invocationID, testID string, run *invocation.TestRun) error {
	runID := testRunRowID(testID, run.Run, run.Shard, run.Attempt)

	tx, err := s.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrBackend, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call after commit.
	}()

	runQuery := s.conn.rebind(`
		INSERT INTO testruns (id, invocation_id, test_id, run, shard, attempt, status, details, duration_s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			details = excluded.details,
			duration_s = excluded.duration_s`)

	_, err = tx.ExecContext(ctx, runQuery,
		runID, invocationID, testID,
		run.Run, run.Shard, run.Attempt,
		string(run.Status), run.Details, run.Duration.Seconds())
	if err != nil {
		return fmt.Errorf("%w: upsert test run %s: %w", ErrBackend, runID, err)
	}

	artifactQuery := s.conn.rebind(`
		INSERT INTO testartifacts (id, invocation_id, test_run_id, name, uri)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	for _, artifact := range run.Artifacts {
		_, err = tx.ExecContext(ctx, artifactQuery,
			artifactRowID(invocationID, runID, artifact.Name),
			invocationID, runID, artifact.Name, artifact.URI)
		if err != nil {
			return fmt.Errorf("%w: insert artifact %s: %w", ErrBackend, artifact.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit test run: %w", ErrBackend, err)
	}

	return nil
}

// GetInvocation assembles the full aggregate in five queries: invocation,
// targets, tests, runs, artifacts, grouped in memory.
func (s *InvocationStore) GetInvocation(ctx context.Context, id string) (*invocation.Invocation, error) {
	inv, err := s.GetShallowInvocation(ctx, id)
	if err != nil {
		return nil, err
	}

	if inv.Targets, err = s.queryTargets(ctx, id); err != nil {
		return nil, err
	}

	tests, testByID, err := s.queryTests(ctx, id)
	if err != nil {
		return nil, err
	}

	inv.Tests = tests

	runByID, err := s.queryTestRuns(ctx, id, testByID)
	if err != nil {
		return nil, err
	}

	if err := s.queryArtifacts(ctx, id, runByID); err != nil {
		return nil, err
	}

	return inv, nil
}

func (s *InvocationStore) queryTargets(ctx context.Context, id string) ([]*invocation.Target, error) {
	query := s.conn.rebind(`
		SELECT name, status, kind, started_at, ended_at
		FROM targets WHERE invocation_id = ? ORDER BY name`)

	rows, err := s.conn.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%w: query targets: %w", ErrBackend, err)
	}
	defer rows.Close()

	var targets []*invocation.Target

	for rows.Next() {
		var (
			t          invocation.Target
			status     string
			start, end nullTime
		)

		if err := rows.Scan(&t.Name, &status, &t.Kind, &start, &end); err != nil {
			return nil, fmt.Errorf("%w: scan target: %w", ErrBackend, err)
		}

		t.Status = invocation.Status(status)
		t.Start = start.Time
		t.End = end.ptr()
		targets = append(targets, &t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate targets: %w", ErrBackend, err)
	}

	return targets, nil
}

func (s *InvocationStore) queryTests(ctx context.Context, id string) ([]*invocation.Test, map[string]*invocation.Test, error) {
	query := s.conn.rebind(`
		SELECT id, name, status, duration_s, ended_at, num_runs
		FROM tests WHERE invocation_id = ? ORDER BY name`)

	rows, err := s.conn.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: query tests: %w", ErrBackend, err)
	}
	defer rows.Close()

	var (
		tests    []*invocation.Test
		testByID = map[string]*invocation.Test{}
	)

	for rows.Next() {
		var (
			t        invocation.Test
			status   string
			duration sql.NullFloat64
			end      nullTime
			numRuns  sql.NullInt64
		)

		if err := rows.Scan(&t.ID, &t.Name, &status, &duration, &end, &numRuns); err != nil {
			return nil, nil, fmt.Errorf("%w: scan test: %w", ErrBackend, err)
		}

		t.Status = invocation.Status(status)
		t.Duration = time.Duration(duration.Float64 * float64(time.Second))
		t.End = end.Time
		t.NumRuns = int(numRuns.Int64)
		tests = append(tests, &t)
		testByID[t.ID] = &t
	}

	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("%w: iterate tests: %w", ErrBackend, err)
	}

	return tests, testByID, nil
}

func (s *InvocationStore) queryTestRuns(ctx context.Context, id string, testByID map[string]*invocation.Test) (map[string]*invocation.TestRun, error) {
	query := s.conn.rebind(`
		SELECT id, test_id, run, shard, attempt, status, details, duration_s
		FROM testruns WHERE invocation_id = ? ORDER BY id`)

	rows, err := s.conn.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("%w: query test runs: %w", ErrBackend, err)
	}
	defer rows.Close()

	runByID := map[string]*invocation.TestRun{}

	for rows.Next() {
		var (
			r        invocation.TestRun
			rowID    string
			testID   string
			status   string
			duration sql.NullFloat64
		)

		if err := rows.Scan(&rowID, &testID, &r.Run, &r.Shard, &r.Attempt, &status, &r.Details, &duration); err != nil {
			return nil, fmt.Errorf("%w: scan test run: %w", ErrBackend, err)
		}

		r.Status = invocation.Status(status)
		r.Duration = time.Duration(duration.Float64 * float64(time.Second))
		runByID[rowID] = &r

		if t, ok := testByID[testID]; ok {
			t.Runs = append(t.Runs, &r)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate test runs: %w", ErrBackend, err)
	}

	return runByID, nil
}

func (s *InvocationStore) queryArtifacts(ctx context.Context, id string, runByID map[string]*invocation.TestRun) error {
	query := s.conn.rebind(`
		SELECT test_run_id, name, uri
		FROM testartifacts WHERE invocation_id = ? ORDER BY name`)

	rows, err := s.conn.db.QueryContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: query artifacts: %w", ErrBackend, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			runID    string
			artifact invocation.TestArtifact
		)

		if err := rows.Scan(&runID, &artifact.Name, &artifact.URI); err != nil {
			return fmt.Errorf("%w: scan artifact: %w", ErrBackend, err)
		}

		if r, ok := runByID[runID]; ok {
			r.Artifacts = append(r.Artifacts, &artifact)
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: iterate artifacts: %w", ErrBackend, err)
	}

	return nil
}

// DeleteInvocation deletes the invocation; children cascade.
func (s *InvocationStore) DeleteInvocation(ctx context.Context, id string) error {
	query := s.conn.rebind(`DELETE FROM invocations WHERE id = ?`)

	res, err := s.conn.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("%w: delete invocation: %w", ErrBackend, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}

	return nil
}

// DeleteInvocationsSince deletes all invocations with start <= cutoff. The
// filter really is "before or at the cutoff" despite the name; the behavior
// is preserved from the source system.
func (s *InvocationStore) DeleteInvocationsSince(ctx context.Context, cutoff time.Time) (int64, error) {
	query := s.conn.rebind(`DELETE FROM invocations WHERE started_at <= ?`)

	res, err := s.conn.db.ExecContext(ctx, query, s.conn.bindTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("%w: delete expired invocations: %w", ErrBackend, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: rows affected: %w", ErrBackend, err)
	}

	if n > 0 {
		s.logger.Info("Deleted expired invocations",
			slog.Int64("count", n),
			slog.Time("cutoff", cutoff))
	}

	return n, nil
}

// UpdateInvocationHeartbeat sets last_heartbeat to now.
func (s *InvocationStore) UpdateInvocationHeartbeat(ctx context.Context, id string) error {
	query := s.conn.rebind(`UPDATE invocations SET last_heartbeat = ? WHERE id = ?`)

	res, err := s.conn.db.ExecContext(ctx, query, s.conn.bindTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("%w: update heartbeat: %w", ErrBackend, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: invocation %s", ErrNotFound, id)
	}

	return nil
}

// InsertOutputLines bulk-appends lines to the invocation's output log.
func (s *InvocationStore) InsertOutputLines(ctx context.Context, id string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrBackend, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := s.conn.rebind(`INSERT INTO invocationoutput (invocation_id, line) VALUES (?, ?)`)

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: prepare output insert: %w", ErrBackend, err)
	}
	defer stmt.Close()

	for _, line := range lines {
		if _, err := stmt.ExecContext(ctx, id, line); err != nil {
			return fmt.Errorf("%w: insert output line: %w", ErrBackend, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit output lines: %w", ErrBackend, err)
	}

	return nil
}

// DeleteLastOutputLines deletes n output rows for the invocation. Despite the
// name it removes the n oldest rows; the behavior is preserved from the
// source system.
func (s *InvocationStore) DeleteLastOutputLines(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}

	query := s.conn.rebind(`
		DELETE FROM invocationoutput WHERE id IN (
			SELECT id FROM invocationoutput WHERE invocation_id = ? ORDER BY id ASC LIMIT ?
		)`)

	if _, err := s.conn.db.ExecContext(ctx, query, id, n); err != nil {
		return fmt.Errorf("%w: delete output lines: %w", ErrBackend, err)
	}

	return nil
}

// GetProgress returns all output lines joined by "\n".
func (s *InvocationStore) GetProgress(ctx context.Context, id string) (string, error) {
	query := s.conn.rebind(`SELECT line FROM invocationoutput WHERE invocation_id = ? ORDER BY id ASC`)

	rows, err := s.conn.db.QueryContext(ctx, query, id)
	if err != nil {
		return "", fmt.Errorf("%w: query output lines: %w", ErrBackend, err)
	}
	defer rows.Close()

	var lines []string

	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", fmt.Errorf("%w: scan output line: %w", ErrBackend, err)
		}

		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("%w: iterate output lines: %w", ErrBackend, err)
	}

	return strings.Join(lines, "\n"), nil
}

// GetTestHistory returns history points for a test label across invocations,
// newest first. Filters of the form key=value restrict results to invocations
// whose build metadata carries that exact line. One extra row is fetched to
// detect truncation.
func (s *InvocationStore) GetTestHistory(ctx context.Context, name string, filters map[string]string, limit int) (*invocation.TestHistory, error) {
	var sb strings.Builder

	sb.WriteString(`
		SELECT t.invocation_id, i.started_at, t.status, t.duration_s, t.num_runs
		FROM tests t
		JOIN invocations i ON i.id = t.invocation_id
		WHERE t.name = ?`)

	args := []any{name}

	// Stable filter order so query plans and tests are deterministic.
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString(`
		AND EXISTS (
			SELECT 1 FROM options o
			WHERE o.invocation_id = t.invocation_id AND o.kind = ? AND o.keyval = ?
		)`)
		args = append(args, invocation.OptionKindBuildMetadata, k+"="+filters[k])
	}

	sb.WriteString(` ORDER BY i.started_at DESC LIMIT ?`)
	args = append(args, limit+1)

	rows, err := s.conn.db.QueryContext(ctx, s.conn.rebind(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query test history: %w", ErrBackend, err)
	}
	defer rows.Close()

	history := &invocation.TestHistory{Name: name}

	for rows.Next() {
		var (
			p        invocation.TestHistoryPoint
			start    nullTime
			status   string
			duration sql.NullFloat64
			numRuns  sql.NullInt64
		)

		if err := rows.Scan(&p.InvocationID, &start, &status, &duration, &numRuns); err != nil {
			return nil, fmt.Errorf("%w: scan history point: %w", ErrBackend, err)
		}

		p.Start = start.Time
		p.Status = invocation.Status(status)
		p.Duration = time.Duration(duration.Float64 * float64(time.Second))
		p.NumRuns = int(numRuns.Int64)
		history.Points = append(history.Points, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate history points: %w", ErrBackend, err)
	}

	if len(history.Points) > limit {
		history.Points = history.Points[:limit]
		history.Truncated = true
	}

	return history, nil
}

// HealthCheck verifies the backend is reachable.
func (s *InvocationStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// nullString maps "" to NULL for optional text columns.
func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
