package pipeline

import (
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/apply"
	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/config"
	"github.com/Iron-Ham/imagebatch/internal/download"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/executor"
	"github.com/Iron-Ham/imagebatch/internal/filescache"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/planner"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/report"
	"github.com/Iron-Ham/imagebatch/internal/submit"
	"github.com/Iron-Ham/imagebatch/internal/uploader"
)

// RunContext holds the collaborators of a run.
type RunContext struct {
	Fs      afero.Fs
	Root    string // artifact directory, one subdirectory per run
	Remote  remote.Service
	Planner *planner.Planner // required only by Start and by resuming a run without plan.json
	Cache   *filescache.Store
	Ledger  apply.Recorder
	Bus     *event.Bus
	Logger  *logging.Logger

	Settings Settings
	// ConfigSnapshot is stored in the state of new runs.
	ConfigSnapshot map[string]any
}

// Settings tunes every step of a run.
type Settings struct {
	Upload   uploader.Options
	Submit   submit.Options
	Poll     executor.Options
	Download download.Options

	SkipExisting bool
	CreateBackup bool
	MaxAttempts  int
	Pricing      report.Pricing
	// CleanupAfterSuccess deletes the remote request and result files of a
	// completed run.
	CleanupAfterSuccess bool
}

// SettingsFromConfig maps configuration onto run settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	b := cfg.Batch
	return Settings{
		Upload: uploader.Options{
			Concurrency:     b.UploadConcurrency,
			MaxRetries:      b.MaxRetries,
			ReadyTimeout:    b.ReadyTimeout,
			DefaultLifetime: cfg.Cache.DefaultLifetime,
		},
		Submit: submit.Options{
			Concurrency:     b.SubmitConcurrency,
			MaxTasksPerFile: b.MaxTasksPerFile,
			ReadyTimeout:    b.ReadyTimeout,
		},
		Poll: executor.Options{
			Interval:       b.PollInterval,
			RequestTimeout: b.PollRequestTimeout,
			MaxWait:        b.MaxWait,
		},
		SkipExisting:        cfg.Apply.SkipExisting,
		CreateBackup:        cfg.Apply.CreateBackup,
		MaxAttempts:         cfg.DLQ.MaxAttempts,
		Pricing:             report.DefaultPricing(),
		CleanupAfterSuccess: b.CleanupAfterSuccess,
	}
}

// Outcome collects what each step of one invocation produced. Steps that
// did not run leave their field nil.
type Outcome struct {
	RunID string
	// ResumedFrom is the phase a resumed run was found in.
	ResumedFrom batch.Phase
	Plan        *batch.Plan
	Upload      *uploader.Result
	Submit      *submit.Result
	Poll        *executor.Result
	Download    *download.Result
	Apply       *apply.Result
	Report      *report.Report
}
