// Package executor tracks submitted jobs until they reach a terminal state.
package executor

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// Defaults.
const (
	DefaultInterval       = 30 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxWait        = time.Hour
	DefaultConcurrency    = 8
)

// Options tunes polling.
type Options struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	// MaxWait bounds how long one Poll call waits for every job. Jobs still
	// running afterwards are abandoned locally and left running remotely.
	MaxWait     time.Duration
	Concurrency int
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.MaxWait <= 0 {
		o.MaxWait = DefaultMaxWait
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	return o
}

// Result summarizes a Poll call.
type Result struct {
	Jobs      []runstore.JobInfo
	Succeeded int
	Failed    int
	// TimedOut lists jobs abandoned after MaxWait, still non-terminal.
	TimedOut []string
	Rounds   int
	Elapsed  time.Duration
}

// Done reports whether every job reached a terminal state.
func (r *Result) Done() bool {
	for _, j := range r.Jobs {
		if !j.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Poller polls remote jobs and records their states in the run store.
type Poller struct {
	jobs   remote.BatchService
	opts   Options
	logger *logging.Logger
	bus    *event.Bus
	now    func() time.Time
}

// Option configures a Poller.
type Option func(*Poller)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// WithEventBus publishes job.polled and job.timed_out events.
func WithEventBus(b *event.Bus) Option {
	return func(p *Poller) { p.bus = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a Poller.
func New(jobs remote.BatchService, opts Options, options ...Option) *Poller {
	p := &Poller{jobs: jobs, opts: opts.withDefaults(), logger: logging.NopLogger(), now: time.Now}
	for _, o := range options {
		o(p)
	}
	return p
}

type observation struct {
	jobID string
	job   remote.Job
	err   error
}

// Poll polls every non-terminal job each Interval until all are terminal
// or MaxWait elapses. A submitted run moves to polling; a run already past
// polling keeps its phase, so Poll can refresh states during recovery.
// Failed status checks are logged and retried on the next round.
// Cancellation is observed between rounds; calls already in flight finish.
func (p *Poller) Poll(ctx context.Context, store *runstore.Store) (*Result, error) {
	switch store.Phase() {
	case batch.PhaseSubmitted:
		if err := store.UpdatePhase(batch.PhasePolling); err != nil {
			return nil, err
		}
	case batch.PhasePolling, batch.PhaseDownloading:
	default:
		return nil, errors.NewRunError("cannot poll", errors.ErrInvalidPhase).
			WithRunID(store.RunID()).WithPhase(store.Phase().String())
	}

	log := p.logger.WithPhase(batch.PhasePolling.String())
	start := p.now()
	res := &Result{}
	abandoned := make(map[string]bool)

	for {
		if err := ctx.Err(); err != nil {
			return p.finish(store, res, start), errors.Wrap(err, "poll jobs")
		}

		st := store.State()
		var pending []runstore.JobInfo
		for _, j := range st.PendingJobs() {
			if !abandoned[j.JobID] {
				pending = append(pending, j)
			}
		}
		if len(pending) == 0 {
			break
		}

		if waited := p.now().Sub(start); waited >= p.opts.MaxWait {
			for _, j := range pending {
				abandoned[j.JobID] = true
				res.TimedOut = append(res.TimedOut, j.JobID)
				log.WithJob(j.JobID).Warn("job abandoned after max wait", "waited", waited.String(), "state", j.State)
				p.publish(event.NewJobTimedOutEvent(j.JobID, waited))
			}
			break
		}

		res.Rounds++
		p.round(ctx, store, pending, start)

		if st := store.State(); len(st.PendingJobs()) == 0 {
			break
		}
		// The last wait ends at MaxWait rather than a full Interval later.
		wait := p.opts.Interval
		if left := p.opts.MaxWait - p.now().Sub(start); left < wait {
			wait = max(left, 0)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.finish(store, res, start), errors.Wrap(ctx.Err(), "poll jobs")
		case <-timer.C:
		}
	}

	res = p.finish(store, res, start)
	log.Info("polling finished",
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"timed_out", len(res.TimedOut),
		"rounds", res.Rounds,
	)
	return res, nil
}

// round checks every pending job once. Status calls run concurrently on a
// context detached from ctx's cancellation; their results are merged into
// the store by the calling goroutine alone.
func (p *Poller) round(ctx context.Context, store *runstore.Store, pending []runstore.JobInfo, start time.Time) {
	detached := context.WithoutCancel(ctx)
	results := make(chan observation, len(pending))

	wp := pool.New().WithMaxGoroutines(p.opts.Concurrency)
	for _, j := range pending {
		wp.Go(func() {
			rctx, cancel := context.WithTimeout(detached, p.opts.RequestTimeout)
			defer cancel()
			job, err := p.jobs.GetJob(rctx, j.JobID)
			results <- observation{jobID: j.JobID, job: job, err: err}
		})
	}
	go func() {
		wp.Wait()
		close(results)
	}()

	previous := make(map[string]batch.JobState, len(pending))
	for _, j := range pending {
		previous[j.JobID] = j.State
	}
	for obs := range results {
		p.merge(store, obs, previous[obs.jobID], p.now().Sub(start))
	}
}

func (p *Poller) merge(store *runstore.Store, obs observation, prev batch.JobState, elapsed time.Duration) {
	log := p.logger.WithJob(obs.jobID)
	if obs.err != nil {
		log.Warn("status check failed", "error", obs.err.Error(), "retryable", errors.IsRetryable(obs.err))
		return
	}

	state := obs.job.State
	if state == "" {
		state = batch.ParseJobState(obs.job.RawState)
	}
	status := runstore.JobStatus{State: state, OutputFile: obs.job.OutputFile, Error: obs.job.Error}
	if err := store.UpdateJobState(obs.jobID, status); err != nil {
		log.Error("job state not recorded", "error", err.Error())
		return
	}
	if state != prev {
		log.Info("job state changed", "from", prev, "to", state, "elapsed", elapsed.Round(time.Second).String())
	}
	p.publish(event.NewJobPolledEvent(obs.jobID, prev.String(), state.String(), elapsed))
}

func (p *Poller) finish(store *runstore.Store, res *Result, start time.Time) *Result {
	res.Jobs = store.State().Jobs
	res.Succeeded, res.Failed = 0, 0
	for _, j := range res.Jobs {
		switch {
		case j.State == batch.JobSucceeded:
			res.Succeeded++
		case j.State.IsTerminal():
			res.Failed++
		}
	}
	res.Elapsed = p.now().Sub(start)
	return res
}

// Cancel asks the remote service to cancel every job that has not reached
// a terminal state and returns the ids it cancelled. Failures are joined;
// the remaining jobs are still attempted.
func (p *Poller) Cancel(ctx context.Context, store *runstore.Store) ([]string, error) {
	st := store.State()
	var cancelled []string
	var errs []error
	for _, j := range st.PendingJobs() {
		if err := p.jobs.CancelJob(ctx, j.JobID); err != nil {
			errs = append(errs, errors.Wrapf(err, "cancel %s", j.JobID))
			continue
		}
		if err := store.UpdateJobState(j.JobID, runstore.JobStatus{State: batch.JobCancelled, Error: "cancelled by operator"}); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.WithJob(j.JobID).Warn("job cancelled")
		cancelled = append(cancelled, j.JobID)
	}
	return cancelled, errors.Join(errs...)
}

func (p *Poller) publish(e event.Event) {
	if p.bus != nil {
		p.bus.Publish(e)
	}
}
