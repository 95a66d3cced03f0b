// Package remote defines the file and batch services the pipeline talks
// to. Implementations normalize remote states and wrap failures in
// errors.RemoteError so callers can classify them.
package remote

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// FileState is the processing state of an uploaded file.
type FileState string

const (
	FileProcessing FileState = "PROCESSING"
	FileActive     FileState = "ACTIVE"
	FileFailed     FileState = "FAILED"
)

// File is an uploaded file as reported by the service.
type File struct {
	// Name is the service handle, e.g. "files/abc123".
	Name        string
	DisplayName string
	URI         string
	MIMEType    string
	SizeBytes   int64
	State       FileState
	CreatedAt   time.Time
	// ExpiresAt is zero when the service did not report an expiry.
	ExpiresAt time.Time
}

// Upload describes a file to upload. Body is read exactly once.
type Upload struct {
	DisplayName string
	MIMEType    string
	Size        int64
	Body        io.Reader
}

// JobRequest creates a batch job over one uploaded request file.
type JobRequest struct {
	Model       string
	DisplayName string
	InputFile   string
}

// JobStats counts requests the service has finished for a job.
type JobStats struct {
	Total     int
	Succeeded int
	Failed    int
}

// Job is a remote batch job.
type Job struct {
	Name        string
	DisplayName string
	Model       string
	State       batch.JobState
	// RawState is the service's own state string.
	RawState string
	// OutputFile names the results file once the job has succeeded.
	OutputFile string
	// InlineResponses holds results returned in the job body instead of a
	// file, one JSON object per request.
	InlineResponses []json.RawMessage
	Error           string
	Stats           JobStats
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// FileService manages uploaded files.
type FileService interface {
	Upload(ctx context.Context, u Upload) (File, error)
	GetFile(ctx context.Context, name string) (File, error)
	DeleteFile(ctx context.Context, name string) error
	// Download streams the contents of a file. The caller closes the
	// reader.
	Download(ctx context.Context, name string) (io.ReadCloser, error)
}

// BatchService manages batch jobs.
type BatchService interface {
	CreateJob(ctx context.Context, req JobRequest) (Job, error)
	GetJob(ctx context.Context, name string) (Job, error)
	CancelJob(ctx context.Context, name string) error
}

// Service is a remote providing both files and batches.
type Service interface {
	FileService
	BatchService
}

// DefaultReadyInterval is the delay between readiness checks.
const DefaultReadyInterval = time.Second

// WaitForActive polls name until it becomes ACTIVE, fails, or timeout
// elapses. Transient lookup errors are retried until the deadline.
func WaitForActive(ctx context.Context, files FileService, name string, timeout, interval time.Duration) (File, error) {
	if interval <= 0 {
		interval = DefaultReadyInterval
	}
	deadline := time.Now().Add(timeout)

	var lastErr error
	for {
		f, err := files.GetFile(ctx, name)
		switch {
		case err == nil && f.State == FileActive:
			return f, nil
		case err == nil && f.State == FileFailed:
			return f, errors.NewRemoteError("wait for file "+name, errors.ErrFileNotReady).
				WithStatus(0, string(FileFailed))
		case err != nil && !errors.IsRetryable(err):
			return File{}, err
		}
		lastErr = err

		if timeout > 0 && time.Now().After(deadline) {
			return File{}, errors.NewTimeoutError("wait for file "+name, timeout).
				WithCause(errors.Join(errors.ErrFileNotReady, lastErr))
		}

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return File{}, errors.Wrap(ctx.Err(), "wait for file "+name)
		case <-t.C:
		}
	}
}
