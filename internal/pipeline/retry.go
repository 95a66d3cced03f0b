package pipeline

import (
	"context"

	"github.com/Iron-Ham/imagebatch/internal/apply"
	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// RetryResult is how a retry run changed the source run's queue.
type RetryResult struct {
	Retried   int
	Recovered int
	// Failed counts tasks that failed again and gained an attempt.
	Failed int
}

// Retry starts a new run from the retryable dead letters of sourceRunID
// and folds its outcome back into the source queue. Recovered tasks are
// removed; tasks that failed again keep their entry with one more
// attempt, so MaxAttempts bounds retries across runs.
func (r *Runner) Retry(ctx context.Context, sourceRunID string) (*Outcome, *RetryResult, error) {
	layout := runstore.NewLayout(r.rc.Root, sourceRunID)
	src, err := runstore.Open(r.rc.Fs, r.rc.Root, sourceRunID)
	if err != nil {
		return nil, nil, err
	}
	srcQueue, err := dlq.Open(r.rc.Fs, layout.DLQ())
	if err != nil {
		return nil, nil, err
	}

	tasks := srcQueue.ExtractTasksForRetry(r.rc.Settings.MaxAttempts)
	if len(tasks) == 0 {
		return nil, nil, errors.NewRunError("no retryable dead letters", errors.ErrNoTasks).WithRunID(sourceRunID)
	}
	plan := &batch.Plan{
		Scope:     src.State().Scope,
		Tasks:     tasks,
		Summary:   batch.PlanSummary{TotalTasks: len(tasks)},
		CreatedAt: r.now().UTC(),
	}
	r.rc.Logger.WithRun(sourceRunID).Info("retrying dead letters", "tasks", len(tasks))

	out, runErr := r.startPlan(ctx, plan, stepApply)
	res := &RetryResult{Retried: len(tasks)}
	if out == nil || out.Apply == nil {
		// The retry run stopped early; the source queue is untouched and
		// the retry run can be resumed on its own.
		return out, res, runErr
	}

	retryQueue, err := dlq.Open(r.rc.Fs, runstore.NewLayout(r.rc.Root, out.RunID).DLQ())
	if err != nil {
		return out, res, errors.Join(runErr, err)
	}
	recovered := make(map[string]bool, len(out.Apply.Outcomes))
	for _, o := range out.Apply.Outcomes {
		if o.Status != apply.StatusFailed {
			recovered[o.Key] = true
		}
	}
	for _, t := range tasks {
		if e, ok := retryQueue.Get(t.Key); ok {
			e.Error.Attempt = out.RunID + "/retry"
			if _, err := srcQueue.Add(e); err != nil {
				return out, res, errors.Join(runErr, err)
			}
			res.Failed++
			continue
		}
		if recovered[t.Key] {
			if _, err := srcQueue.Remove(t.Key); err != nil {
				return out, res, errors.Join(runErr, err)
			}
			res.Recovered++
		}
	}
	return out, res, runErr
}
