package batch

import (
	"fmt"
	"strings"
)

// Phase is the coarse progress of a run.
//
//	planning → staging → staged → submitted → polling → downloading → applying → complete
//
// failed is reachable from any non-terminal phase.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseStaging     Phase = "staging"
	PhaseStaged      Phase = "staged"
	PhaseSubmitted   Phase = "submitted"
	PhasePolling     Phase = "polling"
	PhaseDownloading Phase = "downloading"
	PhaseApplying    Phase = "applying"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

var phaseRank = map[Phase]int{
	PhasePlanning:    0,
	PhaseStaging:     1,
	PhaseStaged:      2,
	PhaseSubmitted:   3,
	PhasePolling:     4,
	PhaseDownloading: 5,
	PhaseApplying:    6,
	PhaseComplete:    7,
}

// Phases lists every phase in lattice order, failed last.
func Phases() []Phase {
	return []Phase{
		PhasePlanning, PhaseStaging, PhaseStaged, PhaseSubmitted,
		PhasePolling, PhaseDownloading, PhaseApplying, PhaseComplete, PhaseFailed,
	}
}

// ParsePhase normalizes s into a known phase.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(s)))
	if p == PhaseFailed {
		return p, nil
	}
	if _, ok := phaseRank[p]; ok {
		return p, nil
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// IsTerminal reports whether no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}

// CanTransition reports whether a run may move from p to next. Staying in
// the same phase and skipping forward are allowed; moving backwards is not.
func (p Phase) CanTransition(next Phase) bool {
	if p.IsTerminal() {
		return false
	}
	if next == PhaseFailed {
		return true
	}
	from, okFrom := phaseRank[p]
	to, okTo := phaseRank[next]
	return okFrom && okTo && to >= from
}

// Before reports whether p comes strictly before other in the lattice.
// failed is ordered after every other phase.
func (p Phase) Before(other Phase) bool {
	rank := func(x Phase) int {
		if x == PhaseFailed {
			return len(phaseRank)
		}
		return phaseRank[x]
	}
	return rank(p) < rank(other)
}

// JobState is the normalized state of a remote job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
	JobExpired   JobState = "expired"
)

// ParseJobState maps remote state strings (JOB_STATE_RUNNING,
// BATCH_STATE_SUCCEEDED, running, ...) to a JobState.
func ParseJobState(s string) JobState {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.TrimPrefix(n, "JOB_STATE_")
	n = strings.TrimPrefix(n, "BATCH_STATE_")
	switch n {
	case "PENDING", "QUEUED", "UNSPECIFIED", "":
		return JobPending
	case "RUNNING", "PROCESSING":
		return JobRunning
	case "SUCCEEDED", "SUCCESS", "COMPLETED":
		return JobSucceeded
	case "FAILED":
		return JobFailed
	case "CANCELLED", "CANCELED", "CANCELLING":
		return JobCancelled
	case "EXPIRED":
		return JobExpired
	default:
		return JobPending
	}
}

// IsTerminal reports whether the job will not change state again.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobExpired:
		return true
	}
	return false
}

// String returns the state name.
func (s JobState) String() string {
	return string(s)
}
