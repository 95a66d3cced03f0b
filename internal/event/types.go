// Package event carries run progress between pipeline stages and the
// things that display it, without either depending on the other.
package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns "category.action", e.g. "job.polled".
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// Event type names.
const (
	TypePhaseChanged     = "run.phase_changed"
	TypeChunkSubmitted   = "chunk.submitted"
	TypeChunkFailed      = "chunk.failed"
	TypeReferenceUpload  = "reference.uploaded"
	TypeJobPolled        = "job.polled"
	TypeJobTimedOut      = "job.timed_out"
	TypeDownloadProgress = "download.progress"
	TypeIntegrity        = "results.integrity"
	TypeApplyProgress    = "apply.progress"
)

// PhaseChangedEvent is emitted after a run's phase is persisted.
type PhaseChangedEvent struct {
	baseEvent
	RunID    string
	Previous string
	Current  string
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(runID, previous, current string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent: newBaseEvent(TypePhaseChanged),
		RunID:     runID,
		Previous:  previous,
		Current:   current,
	}
}

// ChunkSubmittedEvent is emitted once a chunk's job has been recorded.
type ChunkSubmittedEvent struct {
	baseEvent
	ChunkIndex int
	JobID      string
	TaskCount  int
}

// NewChunkSubmittedEvent creates a ChunkSubmittedEvent.
func NewChunkSubmittedEvent(chunkIndex int, jobID string, taskCount int) ChunkSubmittedEvent {
	return ChunkSubmittedEvent{
		baseEvent:  newBaseEvent(TypeChunkSubmitted),
		ChunkIndex: chunkIndex,
		JobID:      jobID,
		TaskCount:  taskCount,
	}
}

// ChunkFailedEvent is emitted when a chunk could not be submitted.
type ChunkFailedEvent struct {
	baseEvent
	ChunkIndex int
	Err        error
}

// NewChunkFailedEvent creates a ChunkFailedEvent.
func NewChunkFailedEvent(chunkIndex int, err error) ChunkFailedEvent {
	return ChunkFailedEvent{
		baseEvent:  newBaseEvent(TypeChunkFailed),
		ChunkIndex: chunkIndex,
		Err:        err,
	}
}

// ReferenceUploadedEvent is emitted per reference image resolved during
// staging, whether uploaded or served from the files cache.
type ReferenceUploadedEvent struct {
	baseEvent
	Path   string
	Cached bool
	Done   int
	Total  int
}

// NewReferenceUploadedEvent creates a ReferenceUploadedEvent.
func NewReferenceUploadedEvent(path string, cached bool, done, total int) ReferenceUploadedEvent {
	return ReferenceUploadedEvent{
		baseEvent: newBaseEvent(TypeReferenceUpload),
		Path:      path,
		Cached:    cached,
		Done:      done,
		Total:     total,
	}
}

// JobPolledEvent is emitted after each successful status check.
type JobPolledEvent struct {
	baseEvent
	JobID    string
	State    string
	Previous string
	Elapsed  time.Duration
}

// NewJobPolledEvent creates a JobPolledEvent.
func NewJobPolledEvent(jobID, previous, state string, elapsed time.Duration) JobPolledEvent {
	return JobPolledEvent{
		baseEvent: newBaseEvent(TypeJobPolled),
		JobID:     jobID,
		State:     state,
		Previous:  previous,
		Elapsed:   elapsed,
	}
}

// Changed reports whether the poll observed a state transition.
func (e JobPolledEvent) Changed() bool {
	return e.State != e.Previous
}

// JobTimedOutEvent is emitted when a job is abandoned locally.
type JobTimedOutEvent struct {
	baseEvent
	JobID  string
	Waited time.Duration
}

// NewJobTimedOutEvent creates a JobTimedOutEvent.
func NewJobTimedOutEvent(jobID string, waited time.Duration) JobTimedOutEvent {
	return JobTimedOutEvent{
		baseEvent: newBaseEvent(TypeJobTimedOut),
		JobID:     jobID,
		Waited:    waited,
	}
}

// DownloadProgressEvent reports bytes streamed for one results file.
type DownloadProgressEvent struct {
	baseEvent
	JobID string
	Bytes int64
	Done  bool
}

// NewDownloadProgressEvent creates a DownloadProgressEvent.
func NewDownloadProgressEvent(jobID string, bytes int64, done bool) DownloadProgressEvent {
	return DownloadProgressEvent{
		baseEvent: newBaseEvent(TypeDownloadProgress),
		JobID:     jobID,
		Bytes:     bytes,
		Done:      done,
	}
}

// IntegrityEvent reports a results file whose keys do not match its chunk.
type IntegrityEvent struct {
	baseEvent
	File      string
	Missing   int
	Extra     int
	Malformed int
}

// NewIntegrityEvent creates an IntegrityEvent.
func NewIntegrityEvent(file string, missing, extra, malformed int) IntegrityEvent {
	return IntegrityEvent{
		baseEvent: newBaseEvent(TypeIntegrity),
		File:      file,
		Missing:   missing,
		Extra:     extra,
		Malformed: malformed,
	}
}

// ApplyProgressEvent reports running totals while results are applied.
type ApplyProgressEvent struct {
	baseEvent
	Applied int
	Skipped int
	Failed  int
}

// NewApplyProgressEvent creates an ApplyProgressEvent.
func NewApplyProgressEvent(applied, skipped, failed int) ApplyProgressEvent {
	return ApplyProgressEvent{
		baseEvent: newBaseEvent(TypeApplyProgress),
		Applied:   applied,
		Skipped:   skipped,
		Failed:    failed,
	}
}
