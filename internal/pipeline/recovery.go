package pipeline

import (
	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// step is one stage of the chain a run is driven through.
type step int

const (
	stepPlan step = iota
	stepStage
	stepSubmit
	stepPoll
	stepDownload
	stepApply
	stepCount
)

var stepNames = [...]string{
	stepPlan:     "plan",
	stepStage:    "stage",
	stepSubmit:   "submit",
	stepPoll:     "poll",
	stepDownload: "download",
	stepApply:    "apply",
}

func (s step) String() string {
	if s < 0 || s >= stepCount {
		return "unknown"
	}
	return stepNames[s]
}

// recovery maps the phase a run stopped in to the first step that
// continues it. Finished phases are absent.
var recovery = map[batch.Phase]step{
	batch.PhasePlanning:    stepPlan,
	batch.PhaseStaging:     stepStage,
	batch.PhaseStaged:      stepSubmit,
	batch.PhaseSubmitted:   stepPoll,
	batch.PhasePolling:     stepPoll,
	batch.PhaseDownloading: stepPoll,
	batch.PhaseApplying:    stepApply,
}

// resumeStep is the first step Resume runs for st. A submitted run with
// chunks that never got a job, such as one interrupted mid-submission,
// goes back through submit before polling.
func resumeStep(st runstore.RunState) (step, bool) {
	s, ok := recovery[st.Phase]
	if ok && st.Phase == batch.PhaseSubmitted && len(st.UnsubmittedChunks()) > 0 {
		s = stepSubmit
	}
	return s, ok
}

// RecoveryStep names the step Resume starts with for st. It returns false
// for runs that cannot be resumed.
func RecoveryStep(st runstore.RunState) (string, bool) {
	s, ok := resumeStep(st)
	if !ok {
		return "", false
	}
	return s.String(), true
}

// parseStep resolves a step name. The empty name is the final step.
func parseStep(name string) (step, error) {
	if name == "" {
		return stepApply, nil
	}
	for s := stepStage; s < stepCount; s++ {
		if stepNames[s] == name {
			return s, nil
		}
	}
	return 0, errors.NewValidationError("unknown step").WithField("until").WithValue(name)
}

// StopSteps lists the step names a run can be stopped after.
func StopSteps() []string {
	out := make([]string, 0, stepCount-stepStage)
	for s := stepStage; s < stepCount; s++ {
		out = append(out, stepNames[s])
	}
	return out
}
