// Package dlq keeps tasks that did not produce a usable result, together
// with why they failed and how often, so they can be retried in a later
// run.
package dlq

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// DefaultMaxAttempts is the attempt ceiling for retryable failures.
const DefaultMaxAttempts = 3

// Codes assigned locally rather than by the remote service.
const (
	CodeNoImageData   = "NO_IMAGE_DATA"
	CodeEmptyResponse = "EMPTY_RESPONSE"
	CodeApplyIO       = "APPLY_IO"
	CodeTimeout       = "TIMEOUT"
	CodeJobFailed     = "JOB_FAILED"
	CodeSubmitFailed  = "SUBMIT_FAILED"
	CodeUploadFailed  = "UPLOAD_FAILED"
)

var retryableCodes = map[string]bool{
	"429":                true,
	"500":                true,
	"502":                true,
	"503":                true,
	"504":                true,
	"RATE_LIMIT":         true,
	"RESOURCE_EXHAUSTED": true,
	"UNAVAILABLE":        true,
	"TIMEOUT":            true,
	"DEADLINE_EXCEEDED":  true,
}

var rateLimitCodes = map[string]bool{"429": true, "RATE_LIMIT": true, "RESOURCE_EXHAUSTED": true}

// IsRetryable reports whether a failure code is transient. Codes are
// matched exactly.
func IsRetryable(code string) bool {
	return retryableCodes[code]
}

// ErrorInfo describes the latest failure of a task.
type ErrorInfo struct {
	Code          string    `json:"code"`
	Message       string    `json:"message"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	// Attempt identifies the submission that produced this failure, e.g.
	// the run and job. Re-observing the same attempt is not a new attempt.
	Attempt string `json:"attempt,omitempty"`
}

// Entry is a failed task.
type Entry struct {
	Task        batch.Task      `json:"task"`
	Error       ErrorInfo       `json:"error"`
	JobID       string          `json:"jobId,omitempty"`
	RawResponse json.RawMessage `json:"rawResponse,omitempty"`
}

// Key returns the task key the entry is stored under.
func (e Entry) Key() string {
	return e.Task.Key
}

// Retryable reports whether the entry may be retried under maxAttempts.
func (e Entry) Retryable(maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return IsRetryable(e.Error.Code) && e.Error.Attempts < maxAttempts
}

type document struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Entries   []Entry   `json:"entries"`
}

// Queue is the dead letter queue of one run, persisted as failed/dlq.json
// after every change. It is safe for concurrent use.
type Queue struct {
	fs   afero.Fs
	path string
	now  func() time.Time

	mu        sync.Mutex
	createdAt time.Time
	entries   []Entry
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// Open loads the queue at path; a missing file is an empty queue.
func Open(fs afero.Fs, path string, opts ...Option) (*Queue, error) {
	q := &Queue{fs: fs, path: path, now: time.Now}
	for _, opt := range opts {
		opt(q)
	}

	var doc document
	if err := util.ReadJSON(fs, path, &doc); err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "load dead letter queue")
		}
		q.createdAt = q.now().UTC()
		return q, nil
	}
	q.createdAt = doc.CreatedAt
	q.entries = doc.Entries
	return q, nil
}

// Path returns the queue file location.
func (q *Queue) Path() string {
	return q.path
}

// Add records a failure. A new key starts at one attempt; a known key
// whose Attempt differs counts one more attempt; the same Attempt seen
// again changes nothing. It returns the stored entry.
func (q *Queue) Add(e Entry) (Entry, error) {
	if e.Task.Key == "" {
		return Entry{}, errors.NewValidationError("entry has no task key").WithField("task.key")
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	if e.Error.LastAttemptAt.IsZero() {
		e.Error.LastAttemptAt = now
	}

	idx := slices.IndexFunc(q.entries, func(x Entry) bool { return x.Task.Key == e.Task.Key })
	if idx >= 0 {
		prev := q.entries[idx]
		if e.Error.Attempt != "" && prev.Error.Attempt == e.Error.Attempt {
			return prev, nil
		}
		e.Error.Attempts = prev.Error.Attempts + 1
		e.Error.FirstFailedAt = prev.Error.FirstFailedAt
	} else {
		e.Error.Attempts = 1
		if e.Error.FirstFailedAt.IsZero() {
			e.Error.FirstFailedAt = e.Error.LastAttemptAt
		}
	}

	next := slices.Clone(q.entries)
	if idx >= 0 {
		next[idx] = e
	} else {
		next = append(next, e)
	}
	if err := q.save(next); err != nil {
		return Entry{}, err
	}
	q.entries = next
	return e, nil
}

// Get returns the entry for a task key.
func (q *Queue) Get(key string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.Task.Key == key {
			return e, true
		}
	}
	return Entry{}, false
}

// Remove deletes the entry for key and reports whether it existed.
func (q *Queue) Remove(key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	next := slices.DeleteFunc(slices.Clone(q.entries), func(e Entry) bool { return e.Task.Key == key })
	if len(next) == len(q.entries) {
		return false, nil
	}
	if err := q.save(next); err != nil {
		return false, err
	}
	q.entries = next
	return true, nil
}

// Clear empties the queue.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.save(nil); err != nil {
		return err
	}
	q.entries = nil
	return nil
}

// Len returns the number of entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of all entries in insertion order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Retryable returns entries with a transient code and attempts left.
func (q *Queue) Retryable(maxAttempts int) []Entry {
	var out []Entry
	for _, e := range q.Entries() {
		if e.Retryable(maxAttempts) {
			out = append(out, e)
		}
	}
	return out
}

// PermanentFailures returns entries whose code is not transient.
func (q *Queue) PermanentFailures() []Entry {
	var out []Entry
	for _, e := range q.Entries() {
		if !IsRetryable(e.Error.Code) {
			out = append(out, e)
		}
	}
	return out
}

// ExtractTasksForRetry returns fresh copies of retryable tasks, ready to
// be planned into a new run.
func (q *Queue) ExtractTasksForRetry(maxAttempts int) []batch.Task {
	entries := q.Retryable(maxAttempts)
	tasks := make([]batch.Task, len(entries))
	for i, e := range entries {
		tasks[i] = e.Task.WithoutStagingState()
	}
	return tasks
}

// CodeCount is the number of entries with one error code.
type CodeCount struct {
	Code  string
	Count int
}

// Stats summarizes the queue.
type Stats struct {
	Total     int
	Retryable int
	Permanent int
	// Exhausted entries are transient but out of attempts.
	Exhausted int
	ByCode    []CodeCount
	// Hint suggests an operator action when one failure mode dominates.
	Hint string
}

// Stats groups entries by code, most frequent first.
func (q *Queue) Stats(maxAttempts int) Stats {
	entries := q.Entries()
	st := Stats{Total: len(entries)}
	counts := make(map[string]int)
	rateLimited := 0
	for _, e := range entries {
		counts[e.Error.Code]++
		switch {
		case e.Retryable(maxAttempts):
			st.Retryable++
		case IsRetryable(e.Error.Code):
			st.Exhausted++
		default:
			st.Permanent++
		}
		if rateLimitCodes[e.Error.Code] {
			rateLimited++
		}
	}
	for code, n := range counts {
		st.ByCode = append(st.ByCode, CodeCount{Code: code, Count: n})
	}
	sort.Slice(st.ByCode, func(i, j int) bool {
		if st.ByCode[i].Count != st.ByCode[j].Count {
			return st.ByCode[i].Count > st.ByCode[j].Count
		}
		return st.ByCode[i].Code < st.ByCode[j].Code
	})
	if st.Total > 0 && rateLimited*2 > st.Total {
		st.Hint = "most failures are rate limits; lower submit and upload concurrency before retrying"
	}
	return st
}

// Format renders the queue for the console, listing at most sample
// entries.
func (q *Queue) Format(maxAttempts, sample int) string {
	entries := q.Entries()
	if len(entries) == 0 {
		return "Dead letter queue is empty."
	}
	st := q.Stats(maxAttempts)

	var b strings.Builder
	fmt.Fprintf(&b, "Dead letter queue: %d failed tasks\n", st.Total)
	fmt.Fprintf(&b, "  Retryable: %d\n", st.Retryable)
	fmt.Fprintf(&b, "  Exhausted: %d\n", st.Exhausted)
	fmt.Fprintf(&b, "  Permanent: %d\n", st.Permanent)
	b.WriteString("\nErrors by code:\n")
	for _, c := range st.ByCode {
		fmt.Fprintf(&b, "  %s: %d\n", c.Code, c.Count)
	}
	if st.Hint != "" {
		fmt.Fprintf(&b, "\nHint: %s\n", st.Hint)
	}

	if sample <= 0 {
		sample = 5
	}
	b.WriteString("\nRecent failures:\n")
	for _, e := range entries[:min(sample, len(entries))] {
		fmt.Fprintf(&b, "  • %s\n", batch.DisplayKey(e.Task.Key))
		fmt.Fprintf(&b, "    %s: %s\n", e.Error.Code, e.Error.Message)
		fmt.Fprintf(&b, "    attempts: %d, last: %s\n", e.Error.Attempts, e.Error.LastAttemptAt.Format(time.RFC3339))
	}
	if len(entries) > sample {
		fmt.Fprintf(&b, "  ... and %d more\n", len(entries)-sample)
	}
	return b.String()
}

func (q *Queue) save(entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	doc := document{CreatedAt: q.createdAt, UpdatedAt: q.now().UTC(), Entries: entries}
	if err := util.WriteJSONAtomic(q.fs, q.path, doc); err != nil {
		return errors.Wrap(err, "save dead letter queue")
	}
	return nil
}
