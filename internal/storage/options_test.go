package storage

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/buildlog-io/buildlog/internal/invocation"
)

func TestScrubOption(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name  string
		token string
		want  string
	}{
		{
			name:  "no equals passes through",
			token: "--keep_going",
			want:  "--keep_going",
		},
		{
			name:  "single equals passes through",
			token: "--jobs=16",
			want:  "--jobs=16",
		},
		{
			name:  "two equals scrubs after second",
			token: "--bes_header=auth=secrettoken",
			want:  "--bes_header=auth=<SCRUBBED>",
		},
		{
			name:  "everything after second equals goes",
			token: "build_metadata=AUTH=token=secret=trail",
			want:  "build_metadata=AUTH=<SCRUBBED>",
		},
		{
			name:  "empty tail still scrubbed",
			token: "--remote_header=x-api-key=",
			want:  "--remote_header=x-api-key=<SCRUBBED>",
		},
		{
			name:  "empty token",
			token: "",
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scrubOption(tt.token); got != tt.want {
				t.Errorf("scrubOption(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestOptionsRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	inv := newTestInvocation("88888888-8888-8888-8888-888888888888", time.Now().UTC())
	if err := store.UpsertShallowInvocation(ctx, inv); err != nil {
		t.Fatalf("UpsertShallowInvocation() error = %v", err)
	}

	in := &invocation.BuildOptions{
		Unstructured:    []string{"build", "//foo:all"},
		Startup:         []string{"--max_idle_secs=10800"},
		ExplicitStartup: []string{"--output_base=/tmp/ob"},
		CmdLine:         []string{"--jobs=16", "--keep_going"},
		ExplicitCmdLine: []string{"--config=ci"},
		BuildMetadata:   []string{"BRANCH=main", "AUTH=token=secret"},
		Other:           map[string][]string{"Residual": {"--zeta", "--alpha"}},
	}

	if err := store.InsertOptions(ctx, inv.ID, in); err != nil {
		t.Fatalf("InsertOptions() error = %v", err)
	}

	got, err := store.GetOptions(ctx, inv.ID)
	if err != nil {
		t.Fatalf("GetOptions() error = %v", err)
	}

	if !reflect.DeepEqual(got.Unstructured, in.Unstructured) {
		t.Errorf("unstructured = %v, want %v", got.Unstructured, in.Unstructured)
	}

	if !reflect.DeepEqual(got.CmdLine, in.CmdLine) {
		t.Errorf("cmdline = %v, want %v", got.CmdLine, in.CmdLine)
	}

	// Insertion order within a bucket survives the round trip, including for
	// unknown kinds, which land in Other.
	if !reflect.DeepEqual(got.Other, map[string][]string{"Residual": {"--zeta", "--alpha"}}) {
		t.Errorf("other = %v", got.Other)
	}

	// The credential-bearing metadata line was scrubbed on the way in.
	want := []string{"BRANCH=main", "AUTH=token=<SCRUBBED>"}
	if !reflect.DeepEqual(got.BuildMetadata, want) {
		t.Errorf("build metadata = %v, want %v", got.BuildMetadata, want)
	}
}

func TestInsertOptionsEmpty(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	ctx := context.Background()
	store, _ := newTestStore(t)

	if err := store.InsertOptions(ctx, "whatever", nil); err != nil {
		t.Errorf("InsertOptions(nil) error = %v", err)
	}

	if err := store.InsertOptions(ctx, "whatever", &invocation.BuildOptions{}); err != nil {
		t.Errorf("InsertOptions(empty) error = %v", err)
	}

	got, err := store.GetOptions(ctx, "whatever")
	if err != nil {
		t.Fatalf("GetOptions() error = %v", err)
	}

	if !got.Empty() {
		t.Errorf("options = %+v, want empty", got)
	}
}
