// Package apply writes downloaded results to their target paths and sends
// every task that produced nothing usable to the dead letter queue.
//
// Applying the same results twice converges on the same disk state: an
// output already holding the returned bytes is left alone, and the dead
// letter queue ignores a failure it has already seen for the same job.
package apply

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// DefaultErrorSample bounds Result.Errors.
const DefaultErrorSample = 10

const progressEvery = 100

// Options controls how results are written.
type Options struct {
	RunID string
	// SkipExisting leaves a target alone when any output for the task is
	// already on disk, whatever its extension.
	SkipExisting bool
	// CreateBackup copies an existing target to <target>.bak before it is
	// overwritten.
	CreateBackup bool
	ErrorSample  int
}

// Status is what happened to one task.
type Status string

const (
	StatusApplied   Status = "applied"
	StatusSkipped   Status = "skipped"
	StatusUnchanged Status = "unchanged"
	StatusFailed    Status = "failed"
)

// Outcome is the result of applying one record.
type Outcome struct {
	Key    string
	Status Status
	Path   string
	// Code is the dead letter code of a failed task.
	Code string
	Err  error
}

// Result summarizes an Apply call. Unchanged outputs count as skipped.
type Result struct {
	Applied int
	Skipped int
	Failed  int
	// Unknown counts records whose key matches no task.
	Unknown     int
	UnknownKeys []string
	Malformed   int
	Outcomes    []Outcome
	// Errors is a bounded sample of failures for display.
	Errors []error
}

// Recorder is told about every output written.
type Recorder interface {
	Record(ctx context.Context, key, runID, outputPath string) error
}

// Applier applies result files.
type Applier struct {
	fs     afero.Fs
	queue  *dlq.Queue
	opts   Options
	ledger Recorder
	logger *logging.Logger
	bus    *event.Bus
}

// Option configures an Applier.
type Option func(*Applier)

// WithLedger records every written output in l.
func WithLedger(l Recorder) Option {
	return func(a *Applier) { a.ledger = l }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(a *Applier) { a.logger = l }
}

// WithEventBus publishes apply progress events.
func WithEventBus(b *event.Bus) Option {
	return func(a *Applier) { a.bus = b }
}

// New creates an Applier writing to fs and dead-lettering into queue.
func New(fs afero.Fs, queue *dlq.Queue, opts Options, options ...Option) *Applier {
	if opts.ErrorSample <= 0 {
		opts.ErrorSample = DefaultErrorSample
	}
	a := &Applier{fs: fs, queue: queue, opts: opts, logger: logging.NopLogger()}
	for _, o := range options {
		o(a)
	}
	return a
}

// Apply reads each results file in order and applies its records to the
// tasks they answer. Per-task failures are recorded in the result and the
// queue; only cancellation and unreadable files abort the call.
func (a *Applier) Apply(ctx context.Context, tasks []batch.Task, files []runstore.ResultFile) (*Result, error) {
	index := batch.IndexByKey(tasks)
	res := &Result{}
	for _, rf := range files {
		if err := a.applyFile(ctx, tasks, index, rf, res); err != nil {
			return res, err
		}
	}
	a.publish(res)
	a.logger.Info("results applied",
		"applied", res.Applied,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"unknown", res.Unknown,
		"malformed", res.Malformed,
	)
	return res, nil
}

func (a *Applier) applyFile(ctx context.Context, tasks []batch.Task, index map[string]int, rf runstore.ResultFile, res *Result) error {
	r, err := jsonl.OpenResults(a.fs, rf.Path)
	if err != nil {
		return errors.Wrapf(err, "open %s", rf.Path)
	}
	defer r.Close()

	attempt := a.opts.RunID + "/" + rf.JobID
	for rec, err := range r.All() {
		if err != nil {
			return errors.Wrapf(err, "read %s", rf.Path)
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "apply results")
		}

		i, ok := index[rec.Key]
		if !ok {
			res.Unknown++
			res.UnknownKeys = append(res.UnknownKeys, rec.Key)
			a.logger.Warn("result for unknown task", "key", rec.Key, "file", rf.Path, "line", rec.Line)
			continue
		}
		out := a.applyRecord(ctx, tasks[i], rec, rf.JobID, attempt)
		a.tally(res, out)
		if n := res.Applied + res.Skipped + res.Failed; n%progressEvery == 0 {
			a.publish(res)
		}
	}

	for _, m := range r.Malformed() {
		res.Malformed++
		a.logger.Warn("malformed result line", "file", rf.Path, "line", m.Line, "error", m.Err.Error())
	}
	return nil
}

func (a *Applier) applyRecord(ctx context.Context, task batch.Task, rec jsonl.Result, jobID, attempt string) Outcome {
	if rec.Failure != nil {
		raw, _ := json.Marshal(rec.Failure)
		msg := rec.Failure.Message
		if msg == "" {
			msg = rec.Failure.Status
		}
		return a.deadLetter(task, rec.Failure.Code, msg, jobID, attempt, raw)
	}

	data, ext, code := payload(task, rec.Success)
	if code != "" {
		return a.deadLetter(task, code, describe(code, rec.Success), jobID, attempt, nil)
	}

	target := task.Output.Path(ext)
	if a.opts.SkipExisting {
		if existing, ok := a.existingOutput(task, ext); ok {
			return Outcome{Key: task.Key, Status: StatusSkipped, Path: existing}
		}
	}

	current, err := afero.ReadFile(a.fs, target)
	switch {
	case err == nil && bytes.Equal(current, data):
		a.record(ctx, task.Key, target)
		return Outcome{Key: task.Key, Status: StatusUnchanged, Path: target}
	case err == nil && a.opts.CreateBackup:
		if err := util.WriteFileAtomic(a.fs, target+".bak", current, 0o644); err != nil {
			return a.ioFailure(task, target, errors.Wrap(err, "back up existing output"), jobID, attempt)
		}
	case err != nil && !os.IsNotExist(err):
		return a.ioFailure(task, target, err, jobID, attempt)
	}

	if err := util.WriteFileAtomic(a.fs, target, data, 0o644); err != nil {
		return a.ioFailure(task, target, err, jobID, attempt)
	}
	a.record(ctx, task.Key, target)
	return Outcome{Key: task.Key, Status: StatusApplied, Path: target}
}

// payload picks what to write for a task: the first image of a generate
// task, the text of an analyze task. A non-empty code means nothing
// usable came back.
func payload(task batch.Task, s *jsonl.Success) (data []byte, ext, code string) {
	if task.Kind == batch.KindAnalyze {
		if s.Text == "" {
			return nil, "", dlq.CodeEmptyResponse
		}
		return []byte(s.Text), ".txt", ""
	}
	img, ok := s.FirstImage()
	if !ok {
		return nil, "", dlq.CodeNoImageData
	}
	return img.Data, batch.ExtensionFor(img.MIMEType), ""
}

func describe(code string, s *jsonl.Success) string {
	msg := "response contained no image"
	if code == dlq.CodeEmptyResponse {
		msg = "response contained no text"
	}
	if s.FinishReason != "" {
		msg += " (finish reason " + s.FinishReason + ")"
	}
	if s.Text != "" {
		msg += ": " + util.TruncateMiddle(s.Text, 200)
	}
	return msg
}

func (a *Applier) existingOutput(task batch.Task, ext string) (string, bool) {
	candidates := task.Output.Candidates()
	if ext == ".txt" {
		candidates = []string{task.Output.Path(ext)}
	}
	for _, p := range candidates {
		if ok, _ := afero.Exists(a.fs, p); ok {
			return p, true
		}
	}
	return "", false
}

func (a *Applier) record(ctx context.Context, key, path string) {
	if a.ledger == nil {
		return
	}
	if err := a.ledger.Record(ctx, key, a.opts.RunID, path); err != nil {
		a.logger.Warn("ledger not updated", "key", key, "error", err.Error())
	}
}

func (a *Applier) ioFailure(task batch.Task, target string, err error, jobID, attempt string) Outcome {
	a.logger.Error("output not written", "key", task.Key, "path", target, "error", err.Error())
	out := a.deadLetter(task, dlq.CodeApplyIO, err.Error(), jobID, attempt, nil)
	out.Path = target
	out.Err = errors.Wrapf(err, "write %s", target)
	return out
}

func (a *Applier) deadLetter(task batch.Task, code, msg, jobID, attempt string, raw json.RawMessage) Outcome {
	out := Outcome{Key: task.Key, Status: StatusFailed, Code: code, Err: fmt.Errorf("%s: %s", code, msg)}
	if a.queue == nil {
		return out
	}
	_, err := a.queue.Add(dlq.Entry{
		Task:        task.WithoutStagingState(),
		Error:       dlq.ErrorInfo{Code: code, Message: msg, Attempt: attempt},
		JobID:       jobID,
		RawResponse: raw,
	})
	if err != nil {
		a.logger.Error("dead letter not recorded", "key", task.Key, "error", err.Error())
		out.Err = errors.Join(out.Err, err)
	}
	return out
}

func (a *Applier) tally(res *Result, out Outcome) {
	res.Outcomes = append(res.Outcomes, out)
	switch out.Status {
	case StatusApplied:
		res.Applied++
	case StatusSkipped, StatusUnchanged:
		res.Skipped++
	case StatusFailed:
		res.Failed++
		if len(res.Errors) < a.opts.ErrorSample {
			res.Errors = append(res.Errors, fmt.Errorf("%s: %w", batch.DisplayKey(out.Key), out.Err))
		}
	}
}

func (a *Applier) publish(res *Result) {
	if a.bus != nil {
		a.bus.Publish(event.NewApplyProgressEvent(res.Applied, res.Skipped, res.Failed))
	}
}
