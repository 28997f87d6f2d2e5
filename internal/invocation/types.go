// Package invocation provides the build-invocation domain model and the
// persistence interface the ingest pipeline writes through.
//
// This package defines the Store interface which represents what the domain
// needs for invocation persistence. Concrete implementations (PostgreSQL,
// SQLite) live in the internal/storage package, following the same pattern
// as the rest of the codebase: the domain defines the interface, storage
// provides implementations.
package invocation

import (
	"time"
)

// Status is the lifecycle status of an invocation, target, test, or test run.
type Status string

// Status values. An invocation converges to Success, Fail, or Skip after its
// stream closes; InProgress and Unknown are transient.
const (
	StatusUnknown    Status = "Unknown"
	StatusInProgress Status = "InProgress"
	StatusSuccess    Status = "Success"
	StatusFail       Status = "Fail"
	StatusSkip       Status = "Skip"
)

// IsTerminal reports whether the status is one an invocation can end in.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFail || s == StatusSkip
}

// DefaultLivenessThreshold is the heartbeat age beyond which an in-progress
// invocation is no longer considered live.
const DefaultLivenessThreshold = 60 * time.Second

// Invocation is the aggregate root: one build/test run identified by the UUID
// the build tool supplies on the first event of its stream.
type Invocation struct {
	ID            string
	Status        Status
	Start         time.Time
	End           *time.Time
	Command       string
	Patterns      []string
	LastHeartbeat *time.Time
	ProfileURI    string

	// Children, populated by Store.GetInvocation only.
	Targets []*Target
	Tests   []*Test
}

// IsLive reports whether the invocation is still being written to: its status
// is non-terminal and a heartbeat arrived within the threshold.
func (inv *Invocation) IsLive(now time.Time, threshold time.Duration) bool {
	if inv.Status != StatusUnknown && inv.Status != StatusInProgress {
		return false
	}

	if inv.LastHeartbeat == nil {
		return false
	}

	return now.Sub(*inv.LastHeartbeat) < threshold
}

// Target is a configured build target within an invocation, keyed by
// (invocation id, label).
type Target struct {
	Name   string
	Status Status
	Kind   string
	Start  time.Time
	End    *time.Time
}

// Test is the per-label summary of a test target, keyed by
// (invocation id, label).
type Test struct {
	// ID is the stored row id, assigned by the store on upsert.
	ID       string
	Name     string
	Status   Status
	Duration time.Duration
	End      time.Time
	NumRuns  int

	// Runs, populated by Store.GetInvocation only.
	Runs []*TestRun
}

// TestRun is a single execution attempt of a test, keyed by
// (invocation id, test id, run, shard, attempt).
type TestRun struct {
	Run     int
	Shard   int
	Attempt int
	Status  Status
	Details string

	Duration time.Duration

	Artifacts []*TestArtifact
}

// TestArtifact is an output file of a test run (log, xml, ...). Its stored id
// is a UUIDv5 over invocation id, test run id, and name, so replayed streams
// produce identical rows.
type TestArtifact struct {
	Name string
	URI  string
}

// Option kinds, matching the command-line groupings Bazel reports.
const (
	OptionKindUnstructured    = "Unstructured"
	OptionKindStartup         = "Startup"
	OptionKindExplicitStartup = "Explicit Startup"
	OptionKindCmdLine         = "Command Line"
	OptionKindExplicitCmdLine = "Explicit Command Line"
	OptionKindBuildMetadata   = "Build Metadata"
)

// BuildOptions holds the option lines recorded for an invocation, bucketized
// by kind. Order within each kind is the order the lines were reported in.
type BuildOptions struct {
	Unstructured    []string
	Startup         []string
	ExplicitStartup []string
	CmdLine         []string
	ExplicitCmdLine []string
	BuildMetadata   []string

	// Other collects rows whose kind is none of the known constants.
	Other map[string][]string
}

// Empty reports whether no option lines are present in any bucket.
func (o *BuildOptions) Empty() bool {
	return len(o.Unstructured) == 0 &&
		len(o.Startup) == 0 &&
		len(o.ExplicitStartup) == 0 &&
		len(o.CmdLine) == 0 &&
		len(o.ExplicitCmdLine) == 0 &&
		len(o.BuildMetadata) == 0 &&
		len(o.Other) == 0
}

// TestHistoryPoint is one invocation's result for a test label, as returned
// by Store.GetTestHistory.
type TestHistoryPoint struct {
	InvocationID string
	Start        time.Time
	Status       Status
	Duration     time.Duration
	NumRuns      int
}

// TestHistory is the cross-invocation history of a single test label.
type TestHistory struct {
	Name   string
	Points []*TestHistoryPoint
	// Truncated is set when more points matched than the requested limit.
	Truncated bool
}
