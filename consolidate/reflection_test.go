package consolidate

import (
	"strings"
	"testing"
	"time"

	"goa.design/cortex/memory"
)

func TestIsFailureEpisode(t *testing.T) {
	cases := []struct {
		content string
		want    bool
	}{
		{"the build failed on the second stage", true},
		{"error: no such file", true},
		{"Traceback (most recent call last):", true},
		{"unhandled exception in worker", true},
		{"all checks passed", false},
		{"wrote the initial draft", false},
	}
	for _, c := range cases {
		got := isFailureEpisode(memory.Episode{Content: c.content})
		if got != c.want {
			t.Errorf("isFailureEpisode(%q) = %v, want %v", c.content, got, c.want)
		}
	}
}

func TestReflectionID(t *testing.T) {
	now := time.Now()
	id := reflectionID("ctx", "err", now)
	if !strings.HasPrefix(id, "refl_") {
		t.Errorf("expected refl_ prefix, got %q", id)
	}
	if len(id) != len("refl_")+12 {
		t.Errorf("expected 12 hash characters, got %q", id)
	}
	if id != reflectionID("ctx", "err", now) {
		t.Error("same inputs must derive the same id")
	}
	if id == reflectionID("ctx", "err", now.Add(time.Nanosecond)) {
		t.Error("a different generation time must derive a different id")
	}
	if id == reflectionID("other", "err", now) {
		t.Error("a different context must derive a different id")
	}
}

func TestFormatCluster(t *testing.T) {
	got := formatCluster([]memory.Episode{
		{StepNumber: 1, Role: "planner", Content: "plan"},
		{StepNumber: 2, Role: "coder", Content: "code"},
	})
	want := "[Step 1] planner:\nplan\n\n[Step 2] coder:\ncode"
	if got != want {
		t.Errorf("formatCluster = %q, want %q", got, want)
	}
}
