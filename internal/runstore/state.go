package runstore

import (
	"slices"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/batch"
)

// RunState is the durable record of one run, persisted as state.json
// after every transition.
type RunState struct {
	RunID          string                    `json:"runId"`
	Phase          batch.Phase               `json:"phase"`
	Scope          batch.Scope               `json:"scope"`
	ConfigSnapshot map[string]any            `json:"configSnapshot,omitempty"`
	Timestamps     map[batch.Phase]time.Time `json:"timestamps"`
	CreatedAt      time.Time                 `json:"createdAt"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
	Chunks         []Chunk                   `json:"chunks,omitempty"`
	Jobs           []JobInfo                 `json:"jobs"`
	ResultFiles    []ResultFile              `json:"resultFiles,omitempty"`
	Rewinds        []Rewind                  `json:"rewinds,omitempty"`
	Error          string                    `json:"error,omitempty"`
}

// Chunk is one staged request file. Its tasks are the plan's tasks
// [FirstTask, FirstTask+TaskCount).
type Chunk struct {
	Index       int    `json:"index"`
	RequestFile string `json:"requestFile"`
	FirstTask   int    `json:"firstTask"`
	TaskCount   int    `json:"taskCount"`
	Model       string `json:"model"`
}

// JobInfo records one remote job. Everything except the observed status
// is fixed at creation.
type JobInfo struct {
	JobID         string         `json:"jobId"`
	DisplayName   string         `json:"displayName"`
	ChunkIndex    int            `json:"chunkIndex"`
	TaskCount     int            `json:"taskCount"`
	SubmittedAt   time.Time      `json:"submittedAt"`
	InputFileName string         `json:"inputFileName,omitempty"`
	State         batch.JobState `json:"state"`
	OutputFile    string         `json:"outputFile,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// JobStatus is what a poll observes about a job.
type JobStatus struct {
	State      batch.JobState
	OutputFile string
	Error      string
}

// ResultFile is a downloaded results file.
type ResultFile struct {
	ChunkIndex   int       `json:"chunkIndex"`
	JobID        string    `json:"jobId"`
	Path         string    `json:"path"`
	Bytes        int64     `json:"bytes"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

// Rewind records an operator-initiated move to an earlier phase.
type Rewind struct {
	From   batch.Phase `json:"from"`
	To     batch.Phase `json:"to"`
	Reason string      `json:"reason"`
	At     time.Time   `json:"at"`
}

// Job returns the job with the given id.
func (s *RunState) Job(jobID string) (JobInfo, bool) {
	for _, j := range s.Jobs {
		if j.JobID == jobID {
			return j, true
		}
	}
	return JobInfo{}, false
}

// JobForChunk returns the job created for a chunk, if any.
func (s *RunState) JobForChunk(index int) (JobInfo, bool) {
	for _, j := range s.Jobs {
		if j.ChunkIndex == index {
			return j, true
		}
	}
	return JobInfo{}, false
}

// UnsubmittedChunks returns the staged chunks that have no job yet.
func (s *RunState) UnsubmittedChunks() []Chunk {
	var out []Chunk
	for _, ch := range s.Chunks {
		if _, ok := s.JobForChunk(ch.Index); !ok {
			out = append(out, ch)
		}
	}
	return out
}

// PendingJobs returns jobs whose last observed state is not terminal.
func (s *RunState) PendingJobs() []JobInfo {
	var out []JobInfo
	for _, j := range s.Jobs {
		if !j.State.IsTerminal() {
			out = append(out, j)
		}
	}
	return out
}

// ResultFor returns the downloaded results file of a chunk, if any.
func (s *RunState) ResultFor(chunk int) (ResultFile, bool) {
	for _, r := range s.ResultFiles {
		if r.ChunkIndex == chunk {
			return r, true
		}
	}
	return ResultFile{}, false
}

// ResultPaths returns local results files in chunk order.
func (s *RunState) ResultPaths() []string {
	files := slices.Clone(s.ResultFiles)
	slices.SortFunc(files, func(a, b ResultFile) int { return a.ChunkIndex - b.ChunkIndex })
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

// clone returns a deep copy so callers never alias store internals.
func (s RunState) clone() RunState {
	c := s
	c.Chunks = slices.Clone(s.Chunks)
	c.Jobs = slices.Clone(s.Jobs)
	c.ResultFiles = slices.Clone(s.ResultFiles)
	c.Rewinds = slices.Clone(s.Rewinds)
	c.Scope.EntityTypes = slices.Clone(s.Scope.EntityTypes)
	c.Scope.Kinds = slices.Clone(s.Scope.Kinds)
	c.Scope.SlugFilters = slices.Clone(s.Scope.SlugFilters)
	c.Timestamps = make(map[batch.Phase]time.Time, len(s.Timestamps))
	for k, v := range s.Timestamps {
		c.Timestamps[k] = v
	}
	if s.ConfigSnapshot != nil {
		c.ConfigSnapshot = make(map[string]any, len(s.ConfigSnapshot))
		for k, v := range s.ConfigSnapshot {
			c.ConfigSnapshot[k] = v
		}
	}
	return c
}
