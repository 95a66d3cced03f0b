package runstore

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// NewRunID returns a sortable run identifier such as
// "20260102-150405-1a2b3c4d".
func NewRunID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return now.UTC().Format("20060102-150405") + "-" + suffix
}

// RunSummary is a listing entry for one run directory.
type RunSummary struct {
	RunID     string
	Phase     batch.Phase
	Jobs      int
	CreatedAt time.Time
	UpdatedAt time.Time
	Error     string
}

// Resumable reports whether the run has work left to do.
func (r RunSummary) Resumable() bool {
	return !r.Phase.IsTerminal()
}

// ListRuns returns every run under root, newest first. Directories
// without a readable state.json are skipped.
func ListRuns(fs afero.Fs, root string) ([]RunSummary, error) {
	entries, err := afero.ReadDir(fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "list runs")
	}

	var runs []RunSummary
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var st RunState
		if err := util.ReadJSON(fs, filepath.Join(root, e.Name(), StateFile), &st); err != nil {
			continue
		}
		runs = append(runs, RunSummary{
			RunID:     st.RunID,
			Phase:     st.Phase,
			Jobs:      len(st.Jobs),
			CreatedAt: st.CreatedAt,
			UpdatedAt: st.UpdatedAt,
			Error:     st.Error,
		})
	}
	slices.SortFunc(runs, func(a, b RunSummary) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.RunID, a.RunID)
	})
	return runs, nil
}

// MostRecentResumable returns the newest run that is not complete or
// failed.
func MostRecentResumable(fs afero.Fs, root string) (RunSummary, error) {
	runs, err := ListRuns(fs, root)
	if err != nil {
		return RunSummary{}, err
	}
	for _, r := range runs {
		if r.Resumable() {
			return r, nil
		}
	}
	return RunSummary{}, errors.NewNotFoundError("resumable run", root).WithCause(errors.ErrRunNotFound)
}
