package config

import (
	"reflect"
	"testing"
	"time"
)

func TestGetEnvInt(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("BUILDLOG_TEST_INT", "42")

	if got := GetEnvInt("BUILDLOG_TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt() = %d, want 42", got)
	}

	if got := GetEnvInt("BUILDLOG_TEST_INT_UNSET", 7); got != 7 {
		t.Errorf("GetEnvInt() default = %d, want 7", got)
	}

	t.Setenv("BUILDLOG_TEST_INT", "not-a-number")

	if got := GetEnvInt("BUILDLOG_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt() on garbage = %d, want 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Setenv("BUILDLOG_TEST_DURATION", "90s")

	if got := GetEnvDuration("BUILDLOG_TEST_DURATION", time.Minute); got != 90*time.Second {
		t.Errorf("GetEnvDuration() = %v, want 90s", got)
	}

	if got := GetEnvDuration("BUILDLOG_TEST_DURATION_UNSET", time.Minute); got != time.Minute {
		t.Errorf("GetEnvDuration() default = %v, want 1m", got)
	}
}

func TestParseCommaSeparatedList(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		input string
		want  []string
	}{
		{"", []string{}},
		{"a", []string{"a"}},
		{"a, b ,c", []string{"a", "b", "c"}},
		{" , ,", []string{}},
	}

	for _, tt := range tests {
		if got := ParseCommaSeparatedList(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("ParseCommaSeparatedList(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
