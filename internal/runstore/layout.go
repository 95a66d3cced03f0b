package runstore

import (
	"fmt"
	"path/filepath"
)

// Artifact file names inside a run directory.
const (
	StateFile  = "state.json"
	PlanFile   = "plan.json"
	ReportFile = "report.json"
	LockFile   = "run.lock"
	FailedDir  = "failed"
	DLQFile    = "dlq.json"

	// FilesCacheFile lives at the artifact root and is shared by all runs.
	FilesCacheFile = "files-cache.json"
)

// Layout resolves artifact paths for one run directory.
type Layout struct {
	Dir string
}

// NewLayout returns the layout of run runID under root.
func NewLayout(root, runID string) Layout {
	return Layout{Dir: filepath.Join(root, runID)}
}

func (l Layout) State() string  { return filepath.Join(l.Dir, StateFile) }
func (l Layout) Plan() string   { return filepath.Join(l.Dir, PlanFile) }
func (l Layout) Report() string { return filepath.Join(l.Dir, ReportFile) }
func (l Layout) Lock() string   { return filepath.Join(l.Dir, LockFile) }
func (l Layout) DLQ() string    { return filepath.Join(l.Dir, FailedDir, DLQFile) }

// RequestFile is the staged request file of a 1-based chunk index.
func (l Layout) RequestFile(chunk int) string {
	return filepath.Join(l.Dir, fmt.Sprintf("requests-%03d.jsonl", chunk))
}

// ResultFile is the downloaded results file of a 1-based chunk index.
func (l Layout) ResultFile(chunk int) string {
	return filepath.Join(l.Dir, fmt.Sprintf("results-%03d.jsonl", chunk))
}

// FilesCachePath returns the shared files cache location under root.
func FilesCachePath(root string) string {
	return filepath.Join(root, FilesCacheFile)
}
