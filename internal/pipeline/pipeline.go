package pipeline

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/apply"
	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/download"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/executor"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/report"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/submit"
	"github.com/Iron-Ham/imagebatch/internal/uploader"
)

// Runner starts and resumes runs.
type Runner struct {
	rc        RunContext
	now       func() time.Time
	newRunID  func(time.Time) string
	lock      Locker
	runLogger func(runDir string) (*logging.Logger, error)
}

// NewRunner validates rc and returns a Runner.
func NewRunner(rc RunContext, opts ...Option) (*Runner, error) {
	if rc.Fs == nil {
		return nil, errors.New("pipeline: Fs is required")
	}
	if rc.Root == "" {
		return nil, errors.New("pipeline: Root is required")
	}
	if rc.Remote == nil {
		return nil, errors.New("pipeline: Remote is required")
	}
	if rc.Logger == nil {
		rc.Logger = logging.NopLogger()
	}
	r := &Runner{
		rc:       rc,
		now:      time.Now,
		newRunID: runstore.NewRunID,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// execution is the state of one Start or Resume call.
type execution struct {
	store    *runstore.Store
	queue    *dlq.Queue
	logger   *logging.Logger
	out      *Outcome
	plan     *batch.Plan
	staged   []batch.Task
	release  func() error
	closeLog func() error
}

// Start plans scope and drives a new run as far as it goes. Planning
// errors, including an empty plan, return before any run directory is
// created.
func (r *Runner) Start(ctx context.Context, scope batch.Scope) (*Outcome, error) {
	return r.StartUntil(ctx, scope, "")
}

// StartUntil is Start stopping after the step named last ("stage",
// "submit", "poll", "download" or "apply"). An empty last runs every step.
func (r *Runner) StartUntil(ctx context.Context, scope batch.Scope, last string) (*Outcome, error) {
	until, err := parseStep(last)
	if err != nil {
		return nil, err
	}
	if r.rc.Planner == nil {
		return nil, errors.New("pipeline: Planner is required to start a run")
	}
	plan, err := r.rc.Planner.Plan(ctx, scope)
	if err != nil {
		return nil, err
	}
	if len(plan.Tasks) == 0 {
		return &Outcome{Plan: plan}, errors.NewRunError("nothing to submit", errors.ErrNoTasks)
	}
	return r.startPlan(ctx, plan, until)
}

// startPlan creates a run for an already built plan and drives it.
func (r *Runner) startPlan(ctx context.Context, plan *batch.Plan, until step) (*Outcome, error) {
	runID := r.newRunID(r.now())
	dir := runstore.NewLayout(r.rc.Root, runID).Dir
	ex, err := r.begin(dir, runID)
	if err != nil {
		return nil, err
	}
	defer ex.end()

	ex.store, err = runstore.Create(r.rc.Fs, r.rc.Root, runID, plan.Scope, r.rc.ConfigSnapshot, r.storeOptions(ex.logger)...)
	if err != nil {
		return ex.out, err
	}
	if err := ex.store.SavePlan(plan); err != nil {
		return ex.out, err
	}
	ex.plan = plan
	ex.out.Plan = plan
	ex.logger.Info("run started", "tasks", len(plan.Tasks), "skipped_at_plan", plan.Summary.SkippedAlreadyGenerated)

	return ex.out, r.drive(ctx, ex, stepStage, until)
}

// Resume continues the run runID from the phase it stopped in.
func (r *Runner) Resume(ctx context.Context, runID string) (*Outcome, error) {
	return r.ResumeUntil(ctx, runID, "")
}

// ResumeUntil is Resume stopping after the step named last. A run that
// is already past last is left alone and ErrInvalidPhase is returned.
func (r *Runner) ResumeUntil(ctx context.Context, runID, last string) (*Outcome, error) {
	until, err := parseStep(last)
	if err != nil {
		return nil, err
	}
	dir := runstore.NewLayout(r.rc.Root, runID).Dir
	ex, err := r.begin(dir, runID)
	if err != nil {
		return nil, err
	}
	defer ex.end()

	ex.store, err = runstore.Open(r.rc.Fs, r.rc.Root, runID, r.storeOptions(ex.logger)...)
	if err != nil {
		return ex.out, err
	}
	st := ex.store.State()
	phase := st.Phase
	ex.out.ResumedFrom = phase

	from, ok := resumeStep(st)
	if !ok {
		return ex.out, errors.NewRunError("run already finished", errors.ErrRunFinished).
			WithRunID(runID).WithPhase(phase.String())
	}
	if from > until {
		return ex.out, errors.NewRunError("run is past "+until.String(), errors.ErrInvalidPhase).
			WithRunID(runID).WithPhase(phase.String())
	}
	ex.logger.Info("resuming run", "phase", phase.String(), "step", from.String())

	if from > stepPlan {
		if ex.plan, err = ex.store.LoadPlan(); err != nil {
			return ex.out, err
		}
		ex.out.Plan = ex.plan
	}
	return ex.out, r.drive(ctx, ex, from, until)
}

func (r *Runner) begin(dir, runID string) (*execution, error) {
	ex := &execution{out: &Outcome{RunID: runID}, logger: r.rc.Logger.WithRun(runID)}
	if r.lock != nil {
		release, err := r.lock(dir)
		if err != nil {
			return nil, err
		}
		ex.release = release
	}
	if r.runLogger != nil {
		l, err := r.runLogger(dir)
		if err != nil {
			ex.end()
			return nil, errors.Wrap(err, "open run log")
		}
		ex.logger = l.WithRun(runID)
		ex.closeLog = l.Close
	}
	return ex, nil
}

func (ex *execution) end() {
	if ex.closeLog != nil {
		_ = ex.closeLog()
	}
	if ex.release != nil {
		_ = ex.release()
	}
}

func (r *Runner) storeOptions(l *logging.Logger) []runstore.Option {
	opts := []runstore.Option{runstore.WithLogger(l), runstore.WithClock(r.now)}
	if r.rc.Bus != nil {
		opts = append(opts, runstore.WithEventBus(r.rc.Bus))
	}
	return opts
}

// drive runs the steps first through last, then writes the report
// whatever the outcome.
func (r *Runner) drive(ctx context.Context, ex *execution, first, last step) error {
	queue, err := dlq.Open(r.rc.Fs, ex.store.Layout().DLQ())
	if err != nil {
		return err
	}
	ex.queue = queue

	steps := []func(context.Context, *execution) error{
		stepPlan:     r.plan,
		stepStage:    r.stage,
		stepSubmit:   r.submit,
		stepPoll:     r.poll,
		stepDownload: r.download,
		stepApply:    r.apply,
	}
	var runErr error
	for s := first; s <= last; s++ {
		if runErr = steps[s](ctx, ex); runErr != nil {
			ex.logger.Error("run stopped", "step", s.String(), "phase", ex.store.Phase().String(), "error", runErr.Error())
			break
		}
	}

	rep := r.report(ex)
	if runErr == nil {
		ex.logger.Info(report.QuickSummary(rep))
		if r.rc.Settings.CleanupAfterSuccess && ex.store.Phase() == batch.PhaseComplete {
			r.cleanup(ctx, ex)
		}
	}
	return runErr
}

func (r *Runner) plan(ctx context.Context, ex *execution) error {
	plan, err := ex.store.LoadPlan()
	if err == nil {
		ex.plan = plan
		ex.out.Plan = plan
		return nil
	}
	if !errors.Is(err, errors.ErrPlanNotFound) {
		return err
	}
	if r.rc.Planner == nil {
		return errors.New("pipeline: Planner is required to replan a run")
	}
	if plan, err = r.rc.Planner.Plan(ctx, ex.store.State().Scope); err != nil {
		return err
	}
	if len(plan.Tasks) == 0 {
		return ex.fail(errors.NewRunError("nothing to submit", errors.ErrNoTasks))
	}
	if err := ex.store.SavePlan(plan); err != nil {
		return err
	}
	ex.plan = plan
	ex.out.Plan = plan
	return nil
}

func (r *Runner) stage(ctx context.Context, ex *execution) error {
	if err := ex.store.UpdatePhase(batch.PhaseStaging); err != nil {
		return err
	}
	up := uploader.New(r.rc.Fs, r.rc.Remote, r.rc.Cache, r.rc.Settings.Upload,
		uploader.WithLogger(ex.logger.WithPhase(batch.PhaseStaging.String())),
		uploader.WithEventBus(r.rc.Bus))
	res, err := up.Upload(ctx, ex.plan.Tasks)
	if err != nil {
		return err
	}
	ex.out.Upload = res

	attempt := ex.store.RunID() + "/upload"
	for _, b := range res.Blocked {
		ex.deadLetter(b.Task, errors.Code(b.Err, dlq.CodeUploadFailed), b.Err.Error(), "", attempt)
	}
	if len(res.Tasks) == 0 {
		return ex.fail(errors.NewRunError("every task is blocked by a failed reference upload",
			errors.Join(append([]error{errors.ErrNoTasks}, res.Errors...)...)))
	}
	ex.staged = res.Tasks
	return nil
}

func (r *Runner) submit(ctx context.Context, ex *execution) error {
	c := submit.New(r.rc.Remote, r.rc.Settings.Submit,
		submit.WithLogger(ex.logger.WithPhase(batch.PhaseStaged.String())),
		submit.WithEventBus(r.rc.Bus),
		submit.WithClock(r.now))

	var res *submit.Result
	var err error
	if ex.staged != nil {
		res, err = c.Submit(ctx, ex.store, ex.staged)
	} else {
		res, err = c.Resume(ctx, ex.store)
	}
	ex.out.Submit = res
	if err != nil {
		// Without any job the run stays staged and can be resubmitted.
		return err
	}
	if err := ctx.Err(); err != nil {
		// Chunks cut short keep no job and no dead letter, so Resume
		// submits them again.
		return errors.Wrap(err, "submit chunks")
	}

	tasks := batch.IndexByKey(ex.plan.Tasks)
	st := ex.store.State()
	for _, ce := range res.Errors {
		path := ce.RequestFile
		if ch, ok := chunkOf(st, ce.ChunkIndex); ok && path == "" {
			path = ch.RequestFile
		}
		attempt := ex.store.RunID() + "/chunk-" + strconv.Itoa(ce.ChunkIndex)
		code := errors.Code(ce, dlq.CodeSubmitFailed)
		ex.deadLetterFile(path, tasks, ex.plan.Tasks, code, ce.Error(), "", attempt)
	}
	return nil
}

func (r *Runner) poll(ctx context.Context, ex *execution) error {
	p := executor.New(r.rc.Remote, r.rc.Settings.Poll,
		executor.WithLogger(ex.logger.WithPhase(batch.PhasePolling.String())),
		executor.WithEventBus(r.rc.Bus),
		executor.WithClock(r.now))
	res, err := p.Poll(ctx, ex.store)
	ex.out.Poll = res
	if err != nil {
		return err
	}

	timedOut := make(map[string]bool, len(res.TimedOut))
	for _, id := range res.TimedOut {
		timedOut[id] = true
	}
	tasks := batch.IndexByKey(ex.plan.Tasks)
	st := ex.store.State()
	for _, job := range st.Jobs {
		var code, msg string
		switch {
		case timedOut[job.JobID]:
			code, msg = dlq.CodeTimeout, "job still "+string(job.State)+" after "+r.rc.Settings.Poll.MaxWait.String()
		case job.State.IsTerminal() && job.State != batch.JobSucceeded:
			code, msg = dlq.CodeJobFailed, "job "+string(job.State)
			if job.Error != "" {
				msg += ": " + job.Error
			}
		default:
			continue
		}
		ch, ok := chunkOf(st, job.ChunkIndex)
		if !ok {
			ex.logger.Warn("job has no staged chunk", "job", job.JobID, "chunk", job.ChunkIndex)
			continue
		}
		ex.deadLetterFile(ch.RequestFile, tasks, ex.plan.Tasks, code, msg, job.JobID, ex.store.RunID()+"/"+job.JobID)
	}
	return nil
}

func (r *Runner) download(ctx context.Context, ex *execution) error {
	d := download.New(r.rc.Remote, r.rc.Settings.Download,
		download.WithLogger(ex.logger.WithPhase(batch.PhaseDownloading.String())),
		download.WithEventBus(r.rc.Bus),
		download.WithClock(r.now))
	res, err := d.DownloadAll(ctx, ex.store)
	ex.out.Download = res
	if err != nil {
		return err
	}
	for _, ierr := range res.IntegrityErrors() {
		ex.logger.Warn("result file does not match its chunk", "error", ierr.Error())
	}
	if len(res.Errors) > 0 {
		// Succeeded jobs without results would leave tasks unresolved, so
		// the run waits in downloading for a resume.
		return errors.NewRunError("download results", errors.Join(res.Errors...)).
			WithRunID(ex.store.RunID()).WithPhase(batch.PhaseDownloading.String())
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, ex *execution) error {
	if err := ex.store.UpdatePhase(batch.PhaseApplying); err != nil {
		return err
	}
	opts := []apply.Option{
		apply.WithLogger(ex.logger.WithPhase(batch.PhaseApplying.String())),
		apply.WithEventBus(r.rc.Bus),
	}
	if r.rc.Ledger != nil {
		opts = append(opts, apply.WithLedger(r.rc.Ledger))
	}
	a := apply.New(r.rc.Fs, ex.queue, apply.Options{
		RunID:        ex.store.RunID(),
		SkipExisting: r.rc.Settings.SkipExisting,
		CreateBackup: r.rc.Settings.CreateBackup,
	}, opts...)

	files := ex.store.State().ResultFiles
	sort.Slice(files, func(i, j int) bool { return files[i].ChunkIndex < files[j].ChunkIndex })
	res, err := a.Apply(ctx, ex.plan.Tasks, files)
	ex.out.Apply = res
	if err != nil {
		return err
	}
	ex.settle(res)
	return ex.store.UpdatePhase(batch.PhaseComplete)
}

// settle drops dead letters this run recorded for tasks that later
// produced an output, such as a job abandoned by an earlier poll that
// finished before the run was resumed.
func (ex *execution) settle(res *apply.Result) {
	prefix := ex.store.RunID() + "/"
	for _, o := range res.Outcomes {
		if o.Status == apply.StatusFailed {
			continue
		}
		e, ok := ex.queue.Get(o.Key)
		if !ok || !strings.HasPrefix(e.Error.Attempt, prefix) {
			continue
		}
		if _, err := ex.queue.Remove(o.Key); err != nil {
			ex.logger.Warn("dead letter not removed", "key", o.Key, "error", err.Error())
		}
	}
}

func (r *Runner) report(ex *execution) *report.Report {
	in := report.Input{
		State:       ex.store.State(),
		Plan:        ex.plan,
		Apply:       ex.out.Apply,
		Queue:       ex.queue,
		MaxAttempts: r.rc.Settings.MaxAttempts,
		Pricing:     r.rc.Settings.Pricing,
		Now:         r.now().UTC(),
	}
	if ex.out.Download != nil {
		in.Validations = ex.out.Download.Validations
	}
	rep := report.Build(in)
	if err := report.Save(r.rc.Fs, ex.store.Layout().Report(), rep); err != nil {
		ex.logger.Warn("report not written", "error", err.Error())
	}
	ex.out.Report = rep
	return rep
}

// cleanup deletes remote request and result files. Failures only warn;
// the service expires files on its own.
func (r *Runner) cleanup(ctx context.Context, ex *execution) {
	for _, job := range ex.store.State().Jobs {
		for _, name := range []string{job.InputFileName, job.OutputFile} {
			if name == "" {
				continue
			}
			if err := r.rc.Remote.DeleteFile(ctx, name); err != nil {
				ex.logger.Warn("remote file not deleted", "file", name, "error", err.Error())
			}
		}
	}
}

// fail marks the run failed and returns cause.
func (ex *execution) fail(cause error) error {
	if err := ex.store.MarkFailed(cause); err != nil {
		ex.logger.Error("run not marked failed", "error", err.Error())
	}
	return cause
}

func (ex *execution) deadLetter(task batch.Task, code, msg, jobID, attempt string) {
	_, err := ex.queue.Add(dlq.Entry{
		Task:  task.WithoutStagingState(),
		Error: dlq.ErrorInfo{Code: code, Message: msg, Attempt: attempt},
		JobID: jobID,
	})
	if err != nil {
		ex.logger.Error("dead letter not recorded", "key", task.Key, "error", err.Error())
	}
}

// deadLetterFile dead-letters every task of a request file.
func (ex *execution) deadLetterFile(path string, index map[string]int, tasks []batch.Task, code, msg, jobID, attempt string) {
	lines, err := jsonl.ReadRequests(ex.store.Fs(), path)
	if err != nil {
		ex.logger.Error("request file unreadable, tasks not dead-lettered",
			"file", filepath.Base(path), "code", code, "error", err.Error())
		return
	}
	for _, key := range jsonl.Keys(lines) {
		i, ok := index[key]
		if !ok {
			continue
		}
		ex.deadLetter(tasks[i], code, msg, jobID, attempt)
	}
}

func chunkOf(st runstore.RunState, index int) (runstore.Chunk, bool) {
	for _, ch := range st.Chunks {
		if ch.Index == index {
			return ch, true
		}
	}
	return runstore.Chunk{}, false
}
