// Package besproto decodes the subset of build_event_stream.BuildEvent the
// ingest pipeline interprets.
//
// Bazel publishes its inner build events as a google.protobuf.Any wrapping
// build_event_stream.BuildEvent. The canonical Go bindings for that schema
// are generated inside Bazel's own repository and are not published as a
// module, so this package parses the wire format directly with
// google.golang.org/protobuf/encoding/protowire, materializing only the
// fields the handlers consume. Unknown fields and unhandled payload variants
// are skipped, which also keeps the decoder tolerant of schema additions.
//
// Field numbers follow build_event_stream.proto.
package besproto

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/anypb"
)

// ErrMalformedEvent is returned when the Any payload does not parse as a
// build_event_stream.BuildEvent.
var ErrMalformedEvent = errors.New("malformed bazel build event")

// bazelEventTypeSuffix identifies build_event_stream.BuildEvent Any payloads.
const bazelEventTypeSuffix = "build_event_stream.BuildEvent"

// TestStatus mirrors the build_event_stream.TestStatus enum.
type TestStatus int32

// TestStatus values.
const (
	TestStatusNoStatus                TestStatus = 0
	TestStatusPassed                  TestStatus = 1
	TestStatusFlaky                   TestStatus = 2
	TestStatusTimeout                 TestStatus = 3
	TestStatusFailed                  TestStatus = 4
	TestStatusIncomplete              TestStatus = 5
	TestStatusRemoteFailure           TestStatus = 6
	TestStatusFailedToBuild           TestStatus = 7
	TestStatusToolHaltedBeforeTesting TestStatus = 8
)

// String returns the proto enum name.
func (s TestStatus) String() string {
	switch s {
	case TestStatusPassed:
		return "PASSED"
	case TestStatusFlaky:
		return "FLAKY"
	case TestStatusTimeout:
		return "TIMEOUT"
	case TestStatusFailed:
		return "FAILED"
	case TestStatusIncomplete:
		return "INCOMPLETE"
	case TestStatusRemoteFailure:
		return "REMOTE_FAILURE"
	case TestStatusFailedToBuild:
		return "FAILED_TO_BUILD"
	case TestStatusToolHaltedBeforeTesting:
		return "TOOL_HALTED_BEFORE_TESTING"
	default:
		return "NO_STATUS"
	}
}

type (
	// BuildEvent is the decoded subset of build_event_stream.BuildEvent.
	// Exactly one payload pointer is non-nil for events the decoder
	// understands; all of them are nil for skipped variants.
	BuildEvent struct {
		ID          *EventID `json:"id,omitempty"`
		LastMessage bool     `json:"lastMessage,omitempty"`

		Progress        *Progress                `json:"progress,omitempty"`
		Aborted         *Aborted                 `json:"aborted,omitempty"`
		Started         *BuildStarted            `json:"started,omitempty"`
		Expanded        *PatternExpanded         `json:"expanded,omitempty"`
		Completed       *TargetComplete          `json:"completed,omitempty"`
		TestSummary     *TestSummary             `json:"testSummary,omitempty"`
		TestResult      *TestResult              `json:"testResult,omitempty"`
		Unstructured    *UnstructuredCommandLine `json:"unstructuredCommandLine,omitempty"`
		OptionsParsed   *OptionsParsed           `json:"optionsParsed,omitempty"`
		Finished        *BuildFinished           `json:"finished,omitempty"`
		Configured      *TargetConfigured        `json:"configured,omitempty"`
		BuildMetadata   *BuildMetadata           `json:"buildMetadata,omitempty"`
		UnknownPayload  bool                     `json:"unknownPayload,omitempty"`
	}

	// EventID is the decoded subset of build_event_stream.BuildEventId.
	EventID struct {
		Pattern         *PatternID    `json:"pattern,omitempty"`
		TargetConfigured *TargetID    `json:"targetConfigured,omitempty"`
		TargetCompleted  *TargetID    `json:"targetCompleted,omitempty"`
		TestSummary      *TargetID    `json:"testSummary,omitempty"`
		TestResult       *TestResultID `json:"testResult,omitempty"`
	}

	// PatternID carries the build patterns of a PatternExpanded event id.
	PatternID struct {
		Patterns []string `json:"pattern,omitempty"`
	}

	// TargetID is a label-bearing event id (configured, completed, summary).
	TargetID struct {
		Label string `json:"label,omitempty"`
	}

	// TestResultID identifies a single test execution attempt.
	TestResultID struct {
		Label   string `json:"label,omitempty"`
		Run     int32  `json:"run,omitempty"`
		Shard   int32  `json:"shard,omitempty"`
		Attempt int32  `json:"attempt,omitempty"`
	}

	// Progress carries a chunk of build tool output.
	Progress struct {
		Stdout string `json:"stdout,omitempty"`
		Stderr string `json:"stderr,omitempty"`
	}

	// Aborted reports an aborted build or target.
	Aborted struct {
		Reason      int32  `json:"reason,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// BuildStarted is the first real event of a stream.
	BuildStarted struct {
		UUID      string    `json:"uuid,omitempty"`
		StartTime time.Time `json:"startTime,omitzero"`
		Command   string    `json:"command,omitempty"`
	}

	// PatternExpanded marks the expansion of the requested target patterns.
	// Its interesting content (the patterns) lives on the event id.
	PatternExpanded struct{}

	// TargetConfigured announces a target entering the build.
	TargetConfigured struct {
		TargetKind string `json:"targetKind,omitempty"`
		TestSize   int32  `json:"testSize,omitempty"`
	}

	// TargetComplete finalizes a target.
	TargetComplete struct {
		Success bool `json:"success,omitempty"`
	}

	// TestSummary aggregates all runs of one test target.
	TestSummary struct {
		TotalRunCount  int32      `json:"totalRunCount,omitempty"`
		OverallStatus  TestStatus `json:"overallStatus,omitempty"`
		FirstStartTime time.Time  `json:"firstStartTime,omitzero"`
		LastStopTime   time.Time  `json:"lastStopTime,omitzero"`
		Passed         []*File    `json:"passed,omitempty"`
		Failed         []*File    `json:"failed,omitempty"`
	}

	// TestResult reports one execution attempt of a test.
	TestResult struct {
		Status        TestStatus    `json:"status,omitempty"`
		StatusDetails string        `json:"statusDetails,omitempty"`
		CachedLocally bool          `json:"cachedLocally,omitempty"`
		Duration      time.Duration `json:"duration,omitempty"`
		Outputs       []*File       `json:"outputs,omitempty"`
	}

	// File is an output file reference.
	File struct {
		Name string `json:"name,omitempty"`
		URI  string `json:"uri,omitempty"`
	}

	// UnstructuredCommandLine is the raw argv of the build.
	UnstructuredCommandLine struct {
		Args []string `json:"args,omitempty"`
	}

	// OptionsParsed carries the canonicalized option groups.
	OptionsParsed struct {
		StartupOptions         []string `json:"startupOptions,omitempty"`
		ExplicitStartupOptions []string `json:"explicitStartupOptions,omitempty"`
		CmdLine                []string `json:"cmdLine,omitempty"`
		ExplicitCmdLine        []string `json:"explicitCmdLine,omitempty"`
	}

	// BuildFinished is the terminal event of a build.
	BuildFinished struct {
		OverallSuccess bool   `json:"overallSuccess,omitempty"`
		ExitCodeName   string `json:"exitCodeName,omitempty"`
		ExitCode       int32  `json:"exitCode,omitempty"`
	}

	// BuildMetadata carries the --build_metadata key/value pairs.
	BuildMetadata struct {
		Metadata map[string]string `json:"metadata,omitempty"`
	}
)

// PayloadName returns the proto message name of the set payload variant, or
// "" when the event carries no decoded payload. The print-event handler
// matches its regex against this name.
func (ev *BuildEvent) PayloadName() string {
	switch {
	case ev.Progress != nil:
		return "Progress"
	case ev.Aborted != nil:
		return "Aborted"
	case ev.Started != nil:
		return "BuildStarted"
	case ev.Expanded != nil:
		return "PatternExpanded"
	case ev.Configured != nil:
		return "TargetConfigured"
	case ev.Completed != nil:
		return "TargetComplete"
	case ev.TestSummary != nil:
		return "TestSummary"
	case ev.TestResult != nil:
		return "TestResult"
	case ev.Unstructured != nil:
		return "UnstructuredCommandLine"
	case ev.OptionsParsed != nil:
		return "OptionsParsed"
	case ev.Finished != nil:
		return "BuildFinished"
	case ev.BuildMetadata != nil:
		return "BuildMetadata"
	default:
		return ""
	}
}

// IsBazelEvent reports whether the Any wraps a build_event_stream.BuildEvent.
func IsBazelEvent(any *anypb.Any) bool {
	return any != nil && strings.HasSuffix(any.GetTypeUrl(), bazelEventTypeSuffix)
}

// UnmarshalAny decodes the BuildEvent carried by the given Any.
func UnmarshalAny(any *anypb.Any) (*BuildEvent, error) {
	if !IsBazelEvent(any) {
		return nil, fmt.Errorf("%w: unexpected type url %q", ErrMalformedEvent, any.GetTypeUrl())
	}

	return Unmarshal(any.GetValue())
}

// Unmarshal decodes a serialized build_event_stream.BuildEvent.
func Unmarshal(b []byte) (*BuildEvent, error) {
	ev := &BuildEvent{}

	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1: // id
			id, err := unmarshalEventID(val)
			if err != nil {
				return err
			}

			ev.ID = id
		case 20: // last_message
			ev.LastMessage = uval != 0
		case 3: // progress
			return decodeInto(val, &ev.Progress, unmarshalProgress)
		case 4: // aborted
			return decodeInto(val, &ev.Aborted, unmarshalAborted)
		case 5: // started
			return decodeInto(val, &ev.Started, unmarshalStarted)
		case 6: // expanded
			ev.Expanded = &PatternExpanded{}
		case 8: // completed
			return decodeInto(val, &ev.Completed, unmarshalCompleted)
		case 9: // test_summary
			return decodeInto(val, &ev.TestSummary, unmarshalTestSummary)
		case 10: // test_result
			return decodeInto(val, &ev.TestResult, unmarshalTestResult)
		case 12: // unstructured_command_line
			return decodeInto(val, &ev.Unstructured, unmarshalUnstructured)
		case 13: // options_parsed
			return decodeInto(val, &ev.OptionsParsed, unmarshalOptionsParsed)
		case 14: // finished
			return decodeInto(val, &ev.Finished, unmarshalFinished)
		case 18: // configured
			return decodeInto(val, &ev.Configured, unmarshalConfigured)
		case 26: // build_metadata
			return decodeInto(val, &ev.BuildMetadata, unmarshalBuildMetadata)
		default:
			// Other payload variants (action, named_set_of_files, ...) and
			// the children list are intentionally skipped.
			if typ == protowire.BytesType && num > 2 && num != 20 {
				ev.UnknownPayload = true
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return ev, nil
}

// decodeInto decodes val with fn and stores the result through dst.
func decodeInto[T any](val []byte, dst **T, fn func([]byte) (*T, error)) error {
	v, err := fn(val)
	if err != nil {
		return err
	}

	*dst = v

	return nil
}

// eachField walks the top-level fields of a wire-encoded message, handing the
// raw bytes of length-delimited fields and the uint value of varint fields to
// fn. Unknown wire types are skipped.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, val []byte, uval uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: bad tag", ErrMalformedEvent)
		}

		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: bad varint for field %d", ErrMalformedEvent, num)
			}

			if err := fn(num, typ, nil, v); err != nil {
				return err
			}

			b = b[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: bad bytes for field %d", ErrMalformedEvent, num)
			}

			if err := fn(num, typ, v, 0); err != nil {
				return err
			}

			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: bad field %d", ErrMalformedEvent, num)
			}

			b = b[m:]
		}
	}

	return nil
}

func unmarshalEventID(b []byte) (*EventID, error) {
	id := &EventID{}

	err := eachField(b, func(num protowire.Number, typ protowire.Type, val []byte, _ uint64) error {
		switch num {
		case 4, 10: // pattern, pattern_skipped
			p := &PatternID{}

			err := eachField(val, func(n protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
				if n == 1 {
					p.Patterns = append(p.Patterns, string(v))
				}

				return nil
			})
			if err != nil {
				return err
			}

			id.Pattern = p
		case 5: // target_completed
			t, err := unmarshalTargetID(val)
			if err != nil {
				return err
			}

			id.TargetCompleted = t
		case 7: // test_summary
			t, err := unmarshalTargetID(val)
			if err != nil {
				return err
			}

			id.TestSummary = t
		case 8: // test_result
			t, err := unmarshalTestResultID(val)
			if err != nil {
				return err
			}

			id.TestResult = t
		case 16: // target_configured
			t, err := unmarshalTargetID(val)
			if err != nil {
				return err
			}

			id.TargetConfigured = t
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return id, nil
}

func unmarshalTargetID(b []byte) (*TargetID, error) {
	t := &TargetID{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		if num == 1 {
			t.Label = string(val)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

func unmarshalTestResultID(b []byte) (*TestResultID, error) {
	t := &TestResultID{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			t.Label = string(val)
		case 2:
			t.Run = int32(uval)
		case 3:
			t.Shard = int32(uval)
		case 4:
			t.Attempt = int32(uval)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return t, nil
}

func unmarshalProgress(b []byte) (*Progress, error) {
	p := &Progress{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		switch num {
		case 1:
			p.Stdout = string(val)
		case 2:
			p.Stderr = string(val)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return p, nil
}

func unmarshalAborted(b []byte) (*Aborted, error) {
	a := &Aborted{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			a.Reason = int32(uval)
		case 2:
			a.Description = string(val)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return a, nil
}

func unmarshalStarted(b []byte) (*BuildStarted, error) {
	s := &BuildStarted{}

	var startMillis int64

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			s.UUID = string(val)
		case 2:
			startMillis = int64(uval)
		case 5:
			s.Command = string(val)
		case 9:
			t, err := unmarshalTimestamp(val)
			if err != nil {
				return err
			}

			s.StartTime = t
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	// The millis field is deprecated upstream but still populated; prefer
	// the Timestamp when both are present.
	if s.StartTime.IsZero() && startMillis != 0 {
		s.StartTime = time.UnixMilli(startMillis).UTC()
	}

	return s, nil
}

func unmarshalConfigured(b []byte) (*TargetConfigured, error) {
	c := &TargetConfigured{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			c.TargetKind = string(val)
		case 2:
			c.TestSize = int32(uval)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func unmarshalCompleted(b []byte) (*TargetComplete, error) {
	c := &TargetComplete{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, _ []byte, uval uint64) error {
		if num == 1 {
			c.Success = uval != 0
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func unmarshalTestSummary(b []byte) (*TestSummary, error) {
	s := &TestSummary{}

	var firstStartMillis, lastStopMillis int64

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			s.TotalRunCount = int32(uval)
		case 3:
			f, err := unmarshalFile(val)
			if err != nil {
				return err
			}

			s.Passed = append(s.Passed, f)
		case 4:
			f, err := unmarshalFile(val)
			if err != nil {
				return err
			}

			s.Failed = append(s.Failed, f)
		case 5:
			s.OverallStatus = TestStatus(uval)
		case 7:
			firstStartMillis = int64(uval)
		case 8:
			lastStopMillis = int64(uval)
		case 13:
			t, err := unmarshalTimestamp(val)
			if err != nil {
				return err
			}

			s.FirstStartTime = t
		case 14:
			t, err := unmarshalTimestamp(val)
			if err != nil {
				return err
			}

			s.LastStopTime = t
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.FirstStartTime.IsZero() && firstStartMillis != 0 {
		s.FirstStartTime = time.UnixMilli(firstStartMillis).UTC()
	}

	if s.LastStopTime.IsZero() && lastStopMillis != 0 {
		s.LastStopTime = time.UnixMilli(lastStopMillis).UTC()
	}

	return s, nil
}

func unmarshalTestResult(b []byte) (*TestResult, error) {
	r := &TestResult{}

	var durationMillis int64

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 2:
			f, err := unmarshalFile(val)
			if err != nil {
				return err
			}

			r.Outputs = append(r.Outputs, f)
		case 3:
			durationMillis = int64(uval)
		case 4:
			r.CachedLocally = uval != 0
		case 5:
			r.Status = TestStatus(uval)
		case 9:
			r.StatusDetails = string(val)
		case 11:
			d, err := unmarshalDuration(val)
			if err != nil {
				return err
			}

			r.Duration = d
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.Duration == 0 && durationMillis != 0 {
		r.Duration = time.Duration(durationMillis) * time.Millisecond
	}

	return r, nil
}

func unmarshalFile(b []byte) (*File, error) {
	f := &File{}

	var prefix []string

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		switch num {
		case 1:
			f.Name = string(val)
		case 2:
			f.URI = string(val)
		case 4:
			prefix = append(prefix, string(val))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(prefix) > 0 && f.Name != "" {
		f.Name = strings.Join(append(prefix, f.Name), "/")
	}

	return f, nil
}

func unmarshalUnstructured(b []byte) (*UnstructuredCommandLine, error) {
	u := &UnstructuredCommandLine{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		if num == 1 {
			u.Args = append(u.Args, string(val))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return u, nil
}

func unmarshalOptionsParsed(b []byte) (*OptionsParsed, error) {
	o := &OptionsParsed{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		switch num {
		case 1:
			o.StartupOptions = append(o.StartupOptions, string(val))
		case 2:
			o.ExplicitStartupOptions = append(o.ExplicitStartupOptions, string(val))
		case 3:
			o.CmdLine = append(o.CmdLine, string(val))
		case 4:
			o.ExplicitCmdLine = append(o.ExplicitCmdLine, string(val))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return o, nil
}

func unmarshalFinished(b []byte) (*BuildFinished, error) {
	f := &BuildFinished{}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, uval uint64) error {
		switch num {
		case 1:
			f.OverallSuccess = uval != 0
		case 3:
			return eachField(val, func(n protowire.Number, _ protowire.Type, v []byte, u uint64) error {
				switch n {
				case 1:
					f.ExitCodeName = string(v)
				case 2:
					f.ExitCode = int32(u)
				}

				return nil
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return f, nil
}

func unmarshalBuildMetadata(b []byte) (*BuildMetadata, error) {
	m := &BuildMetadata{Metadata: map[string]string{}}

	err := eachField(b, func(num protowire.Number, _ protowire.Type, val []byte, _ uint64) error {
		if num != 1 {
			return nil
		}

		var k, v string

		err := eachField(val, func(n protowire.Number, _ protowire.Type, entry []byte, _ uint64) error {
			switch n {
			case 1:
				k = string(entry)
			case 2:
				v = string(entry)
			}

			return nil
		})
		if err != nil {
			return err
		}

		m.Metadata[k] = v

		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// unmarshalTimestamp decodes a google.protobuf.Timestamp.
func unmarshalTimestamp(b []byte) (time.Time, error) {
	var seconds, nanos int64

	err := eachField(b, func(num protowire.Number, _ protowire.Type, _ []byte, uval uint64) error {
		switch num {
		case 1:
			seconds = int64(uval)
		case 2:
			nanos = int64(uval)
		}

		return nil
	})
	if err != nil {
		return time.Time{}, err
	}

	if seconds == 0 && nanos == 0 {
		return time.Time{}, nil
	}

	return time.Unix(seconds, nanos).UTC(), nil
}

// unmarshalDuration decodes a google.protobuf.Duration.
func unmarshalDuration(b []byte) (time.Duration, error) {
	var seconds, nanos int64

	err := eachField(b, func(num protowire.Number, _ protowire.Type, _ []byte, uval uint64) error {
		switch num {
		case 1:
			seconds = int64(uval)
		case 2:
			nanos = int64(uval)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return time.Duration(seconds)*time.Second + time.Duration(nanos), nil
}
