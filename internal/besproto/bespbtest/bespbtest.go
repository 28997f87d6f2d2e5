// Package bespbtest builds wire-encoded build_event_stream.BuildEvent
// messages for tests. Events are assembled with protowire so decoder and
// pipeline tests exercise the same bytes a real Bazel client would send.
package bespbtest

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/anypb"
)

// BazelEventTypeURL is the Any type url Bazel uses for its build events.
const BazelEventTypeURL = "type.googleapis.com/build_event_stream.BuildEvent"

// Event accumulates fields of a BuildEvent under construction.
type Event struct {
	buf []byte
}

// Bytes returns the wire encoding of the event.
func (e *Event) Bytes() []byte { return e.buf }

// Any wraps the event in a google.protobuf.Any the way Bazel publishes it.
func (e *Event) Any() *anypb.Any {
	return &anypb.Any{TypeUrl: BazelEventTypeURL, Value: e.Bytes()}
}

// LastMessage marks the event as the stream's final message.
func (e *Event) LastMessage() *Event {
	e.buf = protowire.AppendTag(e.buf, 20, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 1)

	return e
}

func appendMsg(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, msg)
}

func appendStr(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

func appendTimestamp(b []byte, num protowire.Number, t time.Time) []byte {
	var ts []byte
	ts = appendVarint(ts, 1, uint64(t.Unix()))
	ts = appendVarint(ts, 2, uint64(t.Nanosecond()))

	return appendMsg(b, num, ts)
}

// Started builds a BuildStarted event.
func Started(uuid, command string, start time.Time) *Event {
	var p []byte
	p = appendStr(p, 1, uuid)
	p = appendVarint(p, 2, uint64(start.UnixMilli()))
	p = appendStr(p, 5, command)
	p = appendTimestamp(p, 9, start)

	return &Event{buf: appendMsg(nil, 5, p)}
}

// Expanded builds a PatternExpanded event whose id carries the patterns.
func Expanded(patterns ...string) *Event {
	var pid []byte
	for _, p := range patterns {
		pid = appendStr(pid, 1, p)
	}

	var id []byte
	id = appendMsg(id, 4, pid)

	var buf []byte
	buf = appendMsg(buf, 1, id)
	buf = appendMsg(buf, 6, nil)

	return &Event{buf: buf}
}

// Progress builds a Progress event.
func Progress(stdout, stderr string) *Event {
	var p []byte
	if stdout != "" {
		p = appendStr(p, 1, stdout)
	}

	if stderr != "" {
		p = appendStr(p, 2, stderr)
	}

	return &Event{buf: appendMsg(nil, 3, p)}
}

// Configured builds a TargetConfigured event for the given label.
func Configured(label, kind string) *Event {
	var tid []byte
	tid = appendStr(tid, 1, label)

	var id []byte
	id = appendMsg(id, 16, tid)

	var p []byte
	p = appendStr(p, 1, kind)

	var buf []byte
	buf = appendMsg(buf, 1, id)
	buf = appendMsg(buf, 18, p)

	return &Event{buf: buf}
}

// Completed builds a TargetComplete event for the given label.
func Completed(label string, success bool) *Event {
	var tid []byte
	tid = appendStr(tid, 1, label)

	var id []byte
	id = appendMsg(id, 5, tid)

	var p []byte
	if success {
		p = appendVarint(p, 1, 1)
	}

	var buf []byte
	buf = appendMsg(buf, 1, id)
	buf = appendMsg(buf, 8, p)

	return &Event{buf: buf}
}

// TestFile describes an output file for summary and result events.
type TestFile struct {
	Name string
	URI  string
}

func appendFile(b []byte, num protowire.Number, f TestFile) []byte {
	var fb []byte
	fb = appendStr(fb, 1, f.Name)
	fb = appendStr(fb, 2, f.URI)

	return appendMsg(b, num, fb)
}

// TestSummary builds a TestSummary event for the given label.
func TestSummary(label string, overallStatus int32, runs int, first, last time.Time, passed, failed []TestFile) *Event {
	var tid []byte
	tid = appendStr(tid, 1, label)

	var id []byte
	id = appendMsg(id, 7, tid)

	var p []byte
	p = appendVarint(p, 1, uint64(runs))

	for _, f := range passed {
		p = appendFile(p, 3, f)
	}

	for _, f := range failed {
		p = appendFile(p, 4, f)
	}

	p = appendVarint(p, 5, uint64(overallStatus))
	p = appendVarint(p, 7, uint64(first.UnixMilli()))
	p = appendVarint(p, 8, uint64(last.UnixMilli()))
	p = appendTimestamp(p, 13, first)
	p = appendTimestamp(p, 14, last)

	var buf []byte
	buf = appendMsg(buf, 1, id)
	buf = appendMsg(buf, 9, p)

	return &Event{buf: buf}
}

// TestResult builds a TestResult event for one execution attempt.
func TestResult(label string, run, shard, attempt int, status int32, details string, duration time.Duration, outputs []TestFile) *Event {
	var tid []byte
	tid = appendStr(tid, 1, label)
	tid = appendVarint(tid, 2, uint64(run))
	tid = appendVarint(tid, 3, uint64(shard))
	tid = appendVarint(tid, 4, uint64(attempt))

	var id []byte
	id = appendMsg(id, 8, tid)

	var p []byte
	for _, f := range outputs {
		p = appendFile(p, 2, f)
	}

	p = appendVarint(p, 3, uint64(duration.Milliseconds()))
	p = appendVarint(p, 5, uint64(status))

	if details != "" {
		p = appendStr(p, 9, details)
	}

	var buf []byte
	buf = appendMsg(buf, 1, id)
	buf = appendMsg(buf, 10, p)

	return &Event{buf: buf}
}

// UnstructuredCommandLine builds an UnstructuredCommandLine event.
func UnstructuredCommandLine(args ...string) *Event {
	var p []byte
	for _, a := range args {
		p = appendStr(p, 1, a)
	}

	return &Event{buf: appendMsg(nil, 12, p)}
}

// OptionsParsed builds an OptionsParsed event.
func OptionsParsed(startup, explicitStartup, cmdLine, explicitCmdLine []string) *Event {
	var p []byte
	for _, s := range startup {
		p = appendStr(p, 1, s)
	}

	for _, s := range explicitStartup {
		p = appendStr(p, 2, s)
	}

	for _, s := range cmdLine {
		p = appendStr(p, 3, s)
	}

	for _, s := range explicitCmdLine {
		p = appendStr(p, 4, s)
	}

	return &Event{buf: appendMsg(nil, 13, p)}
}

// BuildMetadata builds a BuildMetadata event.
func BuildMetadata(metadata map[string]string) *Event {
	var p []byte
	for k, v := range metadata {
		var entry []byte
		entry = appendStr(entry, 1, k)
		entry = appendStr(entry, 2, v)
		p = appendMsg(p, 1, entry)
	}

	return &Event{buf: appendMsg(nil, 26, p)}
}

// Finished builds a BuildFinished event with the given exit code.
func Finished(exitName string, exitCode int32) *Event {
	var ec []byte
	ec = appendStr(ec, 1, exitName)
	ec = appendVarint(ec, 2, uint64(exitCode))

	var p []byte
	if exitCode == 0 {
		p = appendVarint(p, 1, 1)
	}

	p = appendMsg(p, 3, ec)

	return &Event{buf: appendMsg(nil, 14, p)}
}
