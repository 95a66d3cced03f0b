// Package submit turns staged tasks into remote batch jobs: it writes the
// request files, uploads each one, and creates one job per file, recording
// every job in the run state as soon as it exists.
package submit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// RequestMIMEType is the content type request files are uploaded with.
const RequestMIMEType = "application/jsonl"

// Options tunes submission.
type Options struct {
	// Concurrency is the number of chunks submitted at once. Zero or one
	// submits sequentially.
	Concurrency     int
	MaxTasksPerFile int
	ReadyTimeout    time.Duration
	ReadyInterval   time.Duration
	SafetySettings  []jsonl.SafetySetting
}

// Result describes one Submit or Resume call.
type Result struct {
	// Chunks is the number of staged request files.
	Chunks int
	// Created lists jobs created by this call, in chunk order.
	Created []runstore.JobInfo
	// Existing counts chunks that already had a job.
	Existing int
	Errors   []*errors.ChunkError
}

// Err joins the chunk errors, or returns nil when every chunk succeeded.
func (r *Result) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Coordinator submits request files as batch jobs.
type Coordinator struct {
	svc    remote.Service
	opts   Options
	logger *logging.Logger
	bus    *event.Bus
	now    func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithEventBus publishes chunk submitted and failed events.
func WithEventBus(b *event.Bus) Option {
	return func(c *Coordinator) { c.bus = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(svc remote.Service, opts Options, options ...Option) *Coordinator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	c := &Coordinator{svc: svc, opts: opts, logger: logging.NopLogger(), now: time.Now}
	for _, o := range options {
		o(c)
	}
	return c
}

// Submit stages tasks into request files and submits every chunk. A chunk
// that fails is reported in Result.Errors without stopping the others. The
// run reaches submitted when at least one job exists; when none could be
// created the error wraps ErrNoJobsCreated.
func (c *Coordinator) Submit(ctx context.Context, store *runstore.Store, tasks []batch.Task) (*Result, error) {
	if err := store.UpdatePhase(batch.PhaseStaging); err != nil {
		return nil, err
	}

	built, err := jsonl.Build(store.Fs(), tasks, store.Layout().RequestFile, jsonl.BuildOptions{
		MaxTasksPerFile: c.opts.MaxTasksPerFile,
		SafetySettings:  c.opts.SafetySettings,
	})
	if err != nil {
		return nil, errors.NewRunError("build request files", err).WithRunID(store.RunID()).WithPhase(batch.PhaseStaging.String())
	}

	chunks := make([]runstore.Chunk, len(built.Files))
	first := 0
	for i, path := range built.Files {
		chunks[i] = runstore.Chunk{
			Index:       i + 1,
			RequestFile: path,
			FirstTask:   first,
			TaskCount:   built.TasksPerFile[i],
			Model:       built.Models[i],
		}
		first += built.TasksPerFile[i]
	}
	if err := store.SetChunks(chunks); err != nil {
		return nil, err
	}
	if err := store.UpdatePhase(batch.PhaseStaged); err != nil {
		return nil, err
	}
	c.logger.Info("request files written", "chunks", len(chunks), "requests", built.TotalRequests)

	res := &Result{Chunks: len(chunks)}
	c.submitChunks(ctx, store, chunks, res)
	return res, c.finish(store, res)
}

// Resume submits the staged chunks that have no job yet, reading their
// request files back from disk. It is a no-op when every chunk has a job.
func (c *Coordinator) Resume(ctx context.Context, store *runstore.Store) (*Result, error) {
	st := store.State()
	if st.Phase != batch.PhaseStaged && st.Phase != batch.PhaseSubmitted {
		return nil, errors.NewRunError("cannot resume submission", errors.ErrInvalidPhase).
			WithRunID(st.RunID).WithPhase(st.Phase.String())
	}
	if len(st.Chunks) == 0 {
		return nil, errors.NewRunError("no staged request files", errors.ErrInvalidPhase).
			WithRunID(st.RunID).WithPhase(st.Phase.String())
	}

	missing := st.UnsubmittedChunks()
	res := &Result{Chunks: len(st.Chunks), Existing: len(st.Chunks) - len(missing)}
	if len(missing) == 0 {
		return res, c.finish(store, res)
	}

	c.logger.Info("resuming submission", "missing_chunks", len(missing), "existing", res.Existing)
	var ready []runstore.Chunk
	for _, ch := range missing {
		lines, err := jsonl.ReadRequests(store.Fs(), ch.RequestFile)
		if err == nil && len(lines) != ch.TaskCount {
			err = fmt.Errorf("request file has %d lines, staged %d", len(lines), ch.TaskCount)
		}
		if err != nil {
			c.fail(res, errors.NewChunkError(ch.Index, err).WithRequestFile(ch.RequestFile))
			continue
		}
		ready = append(ready, ch)
	}
	c.submitChunks(ctx, store, ready, res)
	return res, c.finish(store, res)
}

func (c *Coordinator) finish(store *runstore.Store, res *Result) error {
	st := store.State()
	if len(st.Jobs) == 0 {
		return errors.NewRunError("no jobs created", errors.Join(errors.ErrNoJobsCreated, res.Err())).
			WithRunID(st.RunID).WithPhase(st.Phase.String())
	}
	return store.UpdatePhase(batch.PhaseSubmitted)
}

func (c *Coordinator) submitChunks(ctx context.Context, store *runstore.Store, chunks []runstore.Chunk, res *Result) {
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)

	for _, ch := range chunks {
		g.Go(func() error {
			var job runstore.JobInfo
			err := ctx.Err()
			if err == nil {
				job, err = c.submitChunk(ctx, store, ch)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.fail(res, errors.NewChunkError(ch.Index, err).WithRequestFile(ch.RequestFile))
				return nil
			}
			res.Created = append(res.Created, job)
			c.publish(event.NewChunkSubmittedEvent(ch.Index, job.JobID, job.TaskCount))
			return nil
		})
	}
	_ = g.Wait()

	sortJobs(res.Created)
	sortChunkErrors(res.Errors)
}

func (c *Coordinator) fail(res *Result, err *errors.ChunkError) {
	c.logger.WithChunk(err.ChunkIndex).Error("chunk submission failed", "error", err.Error())
	res.Errors = append(res.Errors, err)
	c.publish(event.NewChunkFailedEvent(err.ChunkIndex, err))
}

// submitChunk runs upload, readiness wait and job creation for one chunk,
// in that order, and records the job before returning.
func (c *Coordinator) submitChunk(ctx context.Context, store *runstore.Store, ch runstore.Chunk) (runstore.JobInfo, error) {
	log := c.logger.WithChunk(ch.Index)
	displayName := fmt.Sprintf("%s-requests-%03d", store.RunID(), ch.Index)

	f, err := store.Fs().Open(ch.RequestFile)
	if err != nil {
		return runstore.JobInfo{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return runstore.JobInfo{}, err
	}

	file, err := c.svc.Upload(ctx, remote.Upload{
		DisplayName: displayName,
		MIMEType:    RequestMIMEType,
		Size:        info.Size(),
		Body:        f,
	})
	if err != nil {
		return runstore.JobInfo{}, err
	}
	if file.State != remote.FileActive {
		if file, err = remote.WaitForActive(ctx, c.svc, file.Name, c.opts.ReadyTimeout, c.opts.ReadyInterval); err != nil {
			return runstore.JobInfo{}, err
		}
	}
	log.Debug("request file uploaded", "file", file.Name, "bytes", info.Size())

	job, err := c.svc.CreateJob(ctx, remote.JobRequest{
		Model:       ch.Model,
		DisplayName: displayName + "-job",
		InputFile:   file.Name,
	})
	if err != nil {
		return runstore.JobInfo{}, err
	}

	state := job.State
	if state == "" {
		state = batch.JobPending
	}
	rec := runstore.JobInfo{
		JobID:         job.Name,
		DisplayName:   displayName + "-job",
		ChunkIndex:    ch.Index,
		TaskCount:     ch.TaskCount,
		SubmittedAt:   c.now().UTC(),
		InputFileName: file.Name,
		State:         state,
	}
	if err := store.AddJob(rec); err != nil {
		log.Error("job created but not recorded", "job_id", job.Name, "error", err.Error())
		return runstore.JobInfo{}, err
	}
	log.WithJob(job.Name).Info("job created", "tasks", ch.TaskCount)
	return rec, nil
}

func (c *Coordinator) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func sortJobs(jobs []runstore.JobInfo) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ChunkIndex < jobs[j].ChunkIndex })
}

func sortChunkErrors(errs []*errors.ChunkError) {
	sort.Slice(errs, func(i, j int) bool { return errs[i].ChunkIndex < errs[j].ChunkIndex })
}
