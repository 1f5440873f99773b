package config

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestLaunchGroupCloneIsDeep(t *testing.T) {
	group := LaunchGroupSpec{
		Name: "demo",
		Tasks: []TaskSpec{{
			Name:    "api",
			Program: "/bin/true",
			Args:    []string{"a"},
			Env:     map[string]string{"K": "v"},
			Tags:    []string{"x"},
		}},
	}
	dup := group.Clone()
	dup.Tasks[0].Args[0] = "b"
	dup.Tasks[0].Env["K"] = "w"
	dup.Tasks[0].Tags[0] = "y"

	orig := group.Tasks[0]
	if orig.Args[0] != "a" || orig.Env["K"] != "v" || orig.Tags[0] != "x" {
		t.Fatalf("clone shares state with original: %+v", orig)
	}
	if _, ok := group.Task("api"); !ok {
		t.Fatalf("expected to find task by name")
	}
}

func TestTaskValidateRejectsPathNames(t *testing.T) {
	task := TaskSpec{Name: "a/b", Program: "/bin/true", RestartBackoff: time.Second}
	err := task.Validate()
	if err == nil || !strings.Contains(err.Error(), "path separators") {
		t.Fatalf("expected path separator error, got %v", err)
	}
}

func TestParseSeconds(t *testing.T) {
	cases := []struct {
		in   any
		want time.Duration
	}{
		{nil, 0},
		{3, 3 * time.Second},
		{int64(2), 2 * time.Second},
		{0.25, 250 * time.Millisecond},
		{"1.5", 1500 * time.Millisecond},
		{"2m", 2 * time.Minute},
	}
	for _, tc := range cases {
		got, err := parseSeconds(tc.in)
		if err != nil {
			t.Fatalf("parseSeconds(%v): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("parseSeconds(%v): got %s want %s", tc.in, got, tc.want)
		}
	}
	if _, err := parseSeconds("soon"); err == nil {
		t.Fatalf("expected error for invalid duration")
	}
	if _, err := parseSeconds([]any{1}); err == nil {
		t.Fatalf("expected error for list duration")
	}
	for _, in := range []any{1e12, "1e12", int64(math.MaxInt64)} {
		_, err := parseSeconds(in)
		if err == nil || !strings.Contains(err.Error(), "too large") {
			t.Fatalf("parseSeconds(%v) error = %v, want too large", in, err)
		}
	}
	if got, err := parseSeconds(maxSeconds); err != nil || got <= 0 {
		t.Fatalf("parseSeconds(max) = %s, %v", got, err)
	}
}
