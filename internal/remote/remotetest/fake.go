// Package remotetest provides an in-memory remote service for tests.
package remotetest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/remote"
)

// PNG is the image every default success response carries.
var PNG = []byte("\x89PNG\r\n\x1a\nfake-image")

// Fake is an in-memory remote.Service. Configure the exported fields
// before first use. It is safe for concurrent use.
type Fake struct {
	// StepsToComplete is the number of GetJob calls a job reports running
	// before reaching its final state.
	StepsToComplete int
	// Outcome decides a job's final state; nil means succeeded.
	Outcome func(job remote.Job) batch.JobState
	// Respond produces the result line for a request key; nil answers
	// every request with PNG.
	Respond func(key string) jsonl.ResultLine
	// InlineResults returns results in the job body instead of a file.
	InlineResults bool
	// UploadHook, CreateHook and GetJobHook fail the n-th call (1-based)
	// when they return an error.
	UploadHook func(n int, u remote.Upload) error
	CreateHook func(n int, req remote.JobRequest) error
	GetJobHook func(n int, name string) error
	// Now and FileLifetime control reported file expiry.
	Now          func() time.Time
	FileLifetime time.Duration

	mu        sync.Mutex
	counts    Counts
	files     map[string]*storedFile
	fileOrder []string
	jobs      map[string]*storedJob
	jobOrder  []string
	jobInputs map[string]string
	cancelled []string
}

// Counts tallies calls by method.
type Counts struct {
	Uploads   int
	Gets      int
	Deletes   int
	Downloads int
	Creates   int
	GetJobs   int
	Cancels   int
}

type storedFile struct {
	meta remote.File
	data []byte
}

type storedJob struct {
	job   remote.Job
	polls int
	final batch.JobState
}

var _ remote.Service = (*Fake)(nil)

// New returns an empty Fake whose jobs finish on their first poll.
func New() *Fake {
	return &Fake{}
}

func (f *Fake) lazyInit() {
	if f.files == nil {
		f.files = make(map[string]*storedFile)
		f.jobs = make(map[string]*storedJob)
		f.jobInputs = make(map[string]string)
	}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func notFound(op, name string) error {
	return errors.NewRemoteError(op, fmt.Errorf("%w: %s not found", errors.ErrBadRequest, name)).WithStatus(404, "NOT_FOUND")
}

// Upload stores the body as a new ACTIVE file.
func (f *Fake) Upload(ctx context.Context, u remote.Upload) (remote.File, error) {
	data, err := io.ReadAll(u.Body)
	if err != nil {
		return remote.File{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Uploads++
	if f.UploadHook != nil {
		if err := f.UploadHook(f.counts.Uploads, u); err != nil {
			return remote.File{}, err
		}
	}
	return f.putLocked(u.DisplayName, u.MIMEType, data), nil
}

func (f *Fake) putLocked(displayName, mime string, data []byte) remote.File {
	name := fmt.Sprintf("files/f%d", len(f.fileOrder)+1)
	lifetime := f.FileLifetime
	if lifetime == 0 {
		lifetime = 48 * time.Hour
	}
	now := f.now()
	meta := remote.File{
		Name:        name,
		DisplayName: displayName,
		URI:         "https://fake.remote/v1beta/" + name,
		MIMEType:    mime,
		SizeBytes:   int64(len(data)),
		State:       remote.FileActive,
		CreatedAt:   now,
		ExpiresAt:   now.Add(lifetime),
	}
	f.files[name] = &storedFile{meta: meta, data: data}
	f.fileOrder = append(f.fileOrder, name)
	return meta
}

// GetFile returns a stored file's metadata.
func (f *Fake) GetFile(ctx context.Context, name string) (remote.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Gets++
	sf, ok := f.files[name]
	if !ok {
		return remote.File{}, notFound("get file", name)
	}
	return sf.meta, nil
}

// DeleteFile removes a stored file.
func (f *Fake) DeleteFile(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Deletes++
	if _, ok := f.files[name]; !ok {
		return notFound("delete file", name)
	}
	delete(f.files, name)
	return nil
}

// Download returns a reader over a stored file.
func (f *Fake) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Downloads++
	sf, ok := f.files[name]
	if !ok {
		return nil, notFound("download file", name)
	}
	return io.NopCloser(bytes.NewReader(sf.data)), nil
}

// CreateJob creates a pending job over an uploaded request file.
func (f *Fake) CreateJob(ctx context.Context, req remote.JobRequest) (remote.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Creates++
	if f.CreateHook != nil {
		if err := f.CreateHook(f.counts.Creates, req); err != nil {
			return remote.Job{}, err
		}
	}
	if _, ok := f.files[req.InputFile]; !ok {
		return remote.Job{}, notFound("create job", req.InputFile)
	}

	name := fmt.Sprintf("batches/b%d", len(f.jobOrder)+1)
	now := f.now()
	job := remote.Job{
		Name:        name,
		DisplayName: req.DisplayName,
		Model:       req.Model,
		State:       batch.JobPending,
		RawState:    "BATCH_STATE_PENDING",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.jobs[name] = &storedJob{job: job}
	f.jobOrder = append(f.jobOrder, name)
	f.jobInputs[name] = req.InputFile
	return job, nil
}

// GetJob advances the job one step and returns its state.
func (f *Fake) GetJob(ctx context.Context, name string) (remote.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.GetJobs++
	if f.GetJobHook != nil {
		if err := f.GetJobHook(f.counts.GetJobs, name); err != nil {
			return remote.Job{}, err
		}
	}
	sj, ok := f.jobs[name]
	if !ok {
		return remote.Job{}, notFound("get job", name)
	}
	if sj.job.State.IsTerminal() {
		return cloneJob(sj.job), nil
	}

	sj.polls++
	sj.job.UpdatedAt = f.now()
	if sj.polls <= f.StepsToComplete {
		sj.job.State = batch.JobRunning
		sj.job.RawState = "BATCH_STATE_RUNNING"
		return cloneJob(sj.job), nil
	}

	final := batch.JobSucceeded
	if sj.final != "" {
		final = sj.final
	} else if f.Outcome != nil {
		final = f.Outcome(sj.job)
	}
	if err := f.finishLocked(sj, final); err != nil {
		return remote.Job{}, err
	}
	return cloneJob(sj.job), nil
}

func (f *Fake) finishLocked(sj *storedJob, state batch.JobState) error {
	sj.job.State = state
	sj.job.RawState = "BATCH_STATE_" + strings.ToUpper(string(state))
	if state != batch.JobSucceeded {
		sj.job.Error = "job " + string(state)
		return nil
	}

	in := f.files[f.jobInputs[sj.job.Name]]
	if in == nil {
		return notFound("get job", f.jobInputs[sj.job.Name])
	}
	keys, err := requestKeys(in.data)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	for _, key := range keys {
		line, err := json.Marshal(f.respond(key))
		if err != nil {
			return err
		}
		if f.InlineResults {
			sj.job.InlineResponses = append(sj.job.InlineResponses, line)
			continue
		}
		out.Write(line)
		out.WriteByte('\n')
	}
	sj.job.Stats = remote.JobStats{Total: len(keys), Succeeded: len(keys)}
	if !f.InlineResults {
		sj.job.OutputFile = f.putLocked(sj.job.Name+"-results", "application/jsonl", out.Bytes()).Name
	}
	return nil
}

func (f *Fake) respond(key string) jsonl.ResultLine {
	if f.Respond != nil {
		return f.Respond(key)
	}
	return SuccessLine(key, "image/png", PNG)
}

// CancelJob marks a job cancelled.
func (f *Fake) CancelJob(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	f.counts.Cancels++
	sj, ok := f.jobs[name]
	if !ok {
		return notFound("cancel job", name)
	}
	f.cancelled = append(f.cancelled, name)
	if !sj.job.State.IsTerminal() {
		sj.job.State = batch.JobCancelled
		sj.job.RawState = "BATCH_STATE_CANCELLED"
	}
	return nil
}

// SetFinalState fixes the state a job will finish in.
func (f *Fake) SetFinalState(name string, state batch.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lazyInit()
	if sj, ok := f.jobs[name]; ok {
		sj.final = state
	}
}

// Counts returns the number of calls made so far.
func (f *Fake) Counts() Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts
}

// Files returns the metadata of stored files in upload order.
func (f *Fake) Files() []remote.File {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remote.File
	for _, name := range f.fileOrder {
		if sf, ok := f.files[name]; ok {
			out = append(out, sf.meta)
		}
	}
	return out
}

// FileData returns the contents of a stored file.
func (f *Fake) FileData(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, ok := f.files[name]
	if !ok {
		return nil, false
	}
	return slices.Clone(sf.data), true
}

// Jobs returns every created job in creation order.
func (f *Fake) Jobs() []remote.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]remote.Job, 0, len(f.jobOrder))
	for _, name := range f.jobOrder {
		out = append(out, cloneJob(f.jobs[name].job))
	}
	return out
}

// Cancelled returns the names passed to CancelJob.
func (f *Fake) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.cancelled)
}

func cloneJob(j remote.Job) remote.Job {
	j.InlineResponses = slices.Clone(j.InlineResponses)
	return j
}

func requestKeys(data []byte) ([]string, error) {
	var keys []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, err
		}
		keys = append(keys, req.Key)
	}
	return keys, sc.Err()
}

// SuccessLine is a result line carrying one inline image.
func SuccessLine(key, mime string, data []byte) jsonl.ResultLine {
	return jsonl.ResultLine{
		Key: key,
		Response: &jsonl.GenerateContentResponse{
			Candidates: []jsonl.Candidate{{
				Content: jsonl.Content{Parts: []jsonl.Part{{
					InlineData: &jsonl.InlineData{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(data)},
				}}},
				FinishReason: "STOP",
			}},
		},
	}
}

// TextOnlyLine is a successful result line without image data.
func TextOnlyLine(key, text string) jsonl.ResultLine {
	return jsonl.ResultLine{
		Key: key,
		Response: &jsonl.GenerateContentResponse{
			Candidates: []jsonl.Candidate{{
				Content:      jsonl.Content{Parts: []jsonl.Part{{Text: text}}},
				FinishReason: "STOP",
			}},
		},
	}
}

// FailureLine is a result line carrying an error payload.
func FailureLine(key string, code int, status, message string) jsonl.ResultLine {
	return jsonl.ResultLine{
		Key:   key,
		Error: &jsonl.ErrorPayload{Code: code, Status: status, Message: message},
	}
}
