// Package report summarizes a finished or interrupted run.
package report

import (
	"sort"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/apply"
	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/dlq"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// MaxFailures bounds the failure sample kept in a report.
const MaxFailures = 10

// Pricing turns request volume into an estimated cost.
type Pricing struct {
	PerImage           float64 `json:"perImage"`
	PerMillionTokens   float64 `json:"perMillionTokens"`
	BatchDiscountRatio float64 `json:"batchDiscountRatio"`
}

// DefaultPricing approximates published batch prices for image models.
func DefaultPricing() Pricing {
	return Pricing{
		PerImage:           0.039,
		PerMillionTokens:   0.30,
		BatchDiscountRatio: 0.5,
	}
}

// Estimate returns the cost of images generated images plus tokens input
// tokens at batch rates.
func (p Pricing) Estimate(images, tokens int) float64 {
	cost := float64(images)*p.PerImage + float64(tokens)/1e6*p.PerMillionTokens
	if p.BatchDiscountRatio > 0 {
		cost *= p.BatchDiscountRatio
	}
	return cost
}

// JobSummary is one remote job as the report shows it.
type JobSummary struct {
	JobID      string         `json:"jobId"`
	ChunkIndex int            `json:"chunkIndex"`
	TaskCount  int            `json:"taskCount"`
	State      batch.JobState `json:"state"`
	Error      string         `json:"error,omitempty"`
}

// PhaseTiming is the time a run spent in one phase. The current phase of
// an unfinished run has no duration.
type PhaseTiming struct {
	Phase    batch.Phase   `json:"phase"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Failure is one sampled failed task.
type Failure struct {
	Key     string `json:"key"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CodeCount is the number of dead letters with one code.
type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

// DLQSummary mirrors the dead letter queue statistics.
type DLQSummary struct {
	Total     int         `json:"total"`
	Retryable int         `json:"retryable"`
	Exhausted int         `json:"exhausted"`
	Permanent int         `json:"permanent"`
	ByCode    []CodeCount `json:"byCode,omitempty"`
	Hint      string      `json:"hint,omitempty"`
}

// Report is the summary written to report.json.
type Report struct {
	RunID string      `json:"runId"`
	Phase batch.Phase `json:"phase"`
	Error string      `json:"error,omitempty"`

	Planned       int `json:"planned"`
	SkippedAtPlan int `json:"skippedAtPlan"`
	Submitted     int `json:"submitted"`
	NotSubmitted  int `json:"notSubmitted"`
	Succeeded     int `json:"succeeded"`
	Skipped       int `json:"skipped"`
	Failed        int `json:"failed"`
	Unknown       int `json:"unknown,omitempty"`
	Malformed     int `json:"malformed,omitempty"`

	Jobs      []JobSummary  `json:"jobs"`
	DLQ       DLQSummary    `json:"dlq"`
	Timing    []PhaseTiming `json:"timing"`
	Failures  []Failure     `json:"failures,omitempty"`
	Integrity []string      `json:"integrity,omitempty"`

	EstimatedTokens  int       `json:"estimatedTokens"`
	EstimatedCostUSD float64   `json:"estimatedCostUsd"`
	GeneratedAt      time.Time `json:"generatedAt"`
}

// Input is everything a report is built from. Only State is required.
type Input struct {
	State       runstore.RunState
	Plan        *batch.Plan
	Apply       *apply.Result
	Queue       *dlq.Queue
	MaxAttempts int
	Validations []jsonl.Validation
	Pricing     Pricing
	Now         time.Time
}

// Build assembles a report without touching disk.
func Build(in Input) *Report {
	st := in.State
	r := &Report{
		RunID:       st.RunID,
		Phase:       st.Phase,
		Error:       st.Error,
		GeneratedAt: in.Now,
		Jobs:        []JobSummary{},
	}
	if r.GeneratedAt.IsZero() {
		r.GeneratedAt = time.Now().UTC()
	}

	var planned []batch.Task
	if in.Plan != nil {
		planned = in.Plan.Tasks
		r.Planned = len(planned)
		r.SkippedAtPlan = in.Plan.Summary.SkippedAlreadyGenerated
	}

	lost := 0
	for _, j := range st.Jobs {
		r.Submitted += j.TaskCount
		r.Jobs = append(r.Jobs, JobSummary{
			JobID:      j.JobID,
			ChunkIndex: j.ChunkIndex,
			TaskCount:  j.TaskCount,
			State:      j.State,
			Error:      j.Error,
		})
		if j.State.IsTerminal() && j.State != batch.JobSucceeded {
			lost += j.TaskCount
		}
	}
	sort.Slice(r.Jobs, func(i, k int) bool { return r.Jobs[i].ChunkIndex < r.Jobs[k].ChunkIndex })
	if r.Planned > r.Submitted {
		r.NotSubmitted = r.Planned - r.Submitted
	}

	images := 0
	if a := in.Apply; a != nil {
		r.Succeeded = a.Applied
		r.Skipped = a.Skipped
		r.Failed = a.Failed
		r.Unknown = a.Unknown
		r.Malformed = a.Malformed
		images = a.Applied + a.Skipped
	}
	r.Failed += lost

	if in.Queue != nil {
		qs := in.Queue.Stats(in.MaxAttempts)
		r.DLQ = DLQSummary{
			Total:     qs.Total,
			Retryable: qs.Retryable,
			Exhausted: qs.Exhausted,
			Permanent: qs.Permanent,
			Hint:      qs.Hint,
		}
		for _, c := range qs.ByCode {
			r.DLQ.ByCode = append(r.DLQ.ByCode, CodeCount{Code: c.Code, Count: c.Count})
		}
		for _, e := range in.Queue.Entries() {
			if len(r.Failures) == MaxFailures {
				break
			}
			r.Failures = append(r.Failures, Failure{
				Key:     e.Task.Key,
				Code:    e.Error.Code,
				Message: util.TruncateMiddle(e.Error.Message, 200),
			})
		}
	}

	for _, v := range in.Validations {
		if err := v.Err(); err != nil {
			r.Integrity = append(r.Integrity, err.Error())
		}
	}

	r.Timing = timing(st)
	r.EstimatedTokens = jsonl.EstimateTokens(planned)
	r.EstimatedCostUSD = in.Pricing.Estimate(images, r.EstimatedTokens)
	return r
}

func timing(st runstore.RunState) []PhaseTiming {
	var out []PhaseTiming
	for _, p := range batch.Phases() {
		if at, ok := st.Timestamps[p]; ok {
			out = append(out, PhaseTiming{Phase: p, Started: at})
		}
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].Started.Before(out[k].Started) })
	for i := 0; i+1 < len(out); i++ {
		out[i].Duration = out[i+1].Started.Sub(out[i].Started)
	}
	return out
}

// TotalDuration is the time from the first recorded phase to the last.
func (r *Report) TotalDuration() time.Duration {
	if len(r.Timing) < 2 {
		return 0
	}
	return r.Timing[len(r.Timing)-1].Started.Sub(r.Timing[0].Started)
}

// Save writes the report to path atomically.
func Save(fs afero.Fs, path string, r *Report) error {
	if err := util.WriteJSONAtomic(fs, path, r); err != nil {
		return errors.Wrap(err, "save report")
	}
	return nil
}

// Load reads a report written by Save.
func Load(fs afero.Fs, path string) (*Report, error) {
	var r Report
	if err := util.ReadJSON(fs, path, &r); err != nil {
		return nil, errors.Wrap(err, "load report")
	}
	return &r, nil
}
