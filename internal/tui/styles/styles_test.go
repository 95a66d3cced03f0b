package styles

import (
	"strings"
	"testing"

	"github.com/Iron-Ham/imagebatch/internal/batch"
)

func TestJobStateColor(t *testing.T) {
	tests := []struct {
		state    batch.JobState
		expected string
	}{
		{batch.JobSucceeded, "#10B981"},
		{batch.JobRunning, "#60A5FA"},
		{batch.JobFailed, "#F87171"},
		{batch.JobCancelled, "#F59E0B"},
		{batch.JobExpired, "#F59E0B"},
		{batch.JobPending, "#9CA3AF"},
		{batch.JobState("weird"), "#9CA3AF"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := JobStateColor(tt.state); string(got) != tt.expected {
				t.Errorf("JobStateColor(%q) = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestJobStateIcon(t *testing.T) {
	tests := []struct {
		state    batch.JobState
		expected string
	}{
		{batch.JobSucceeded, "✓"},
		{batch.JobRunning, "●"},
		{batch.JobFailed, "✗"},
		{batch.JobCancelled, "⊘"},
		{batch.JobExpired, "⏰"},
		{batch.JobPending, "○"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := JobStateIcon(tt.state); got != tt.expected {
				t.Errorf("JobStateIcon(%q) = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestJobStateRendersName(t *testing.T) {
	if got := JobState(batch.JobRunning); !strings.Contains(got, "running") {
		t.Errorf("JobState(running) = %q", got)
	}
}
