package cmd

import (
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/imagebatch/internal/config"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/filescache"
	"github.com/Iron-Ham/imagebatch/internal/ledger"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/pipeline"
	"github.com/Iron-Ham/imagebatch/internal/planner"
	"github.com/Iron-Ham/imagebatch/internal/remote/gemini"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// env is the configuration-derived context shared by the run commands.
type env struct {
	cfg    *config.Config
	fs     afero.Fs
	root   string
	logger *logging.Logger
}

// Wrapper for tests
var newFs = afero.NewOsFs

func loadEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &env{
		cfg:    cfg,
		fs:     newFs(),
		root:   cfg.Batch.ArtifactDir,
		logger: logging.New(cmd.ErrOrStderr(), logging.LevelWarn),
	}, nil
}

func (e *env) layout(runID string) runstore.Layout {
	return runstore.NewLayout(e.root, runID)
}

// runID returns the run named in args, or the newest run. With
// resumable set only unfinished runs are considered.
func (e *env) runID(args []string, resumable bool) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	if resumable {
		r, err := runstore.MostRecentResumable(e.fs, e.root)
		if err != nil {
			return "", err
		}
		return r.RunID, nil
	}
	runs, err := runstore.ListRuns(e.fs, e.root)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", errors.NewNotFoundError("run", e.root).WithCause(errors.ErrRunNotFound)
	}
	return runs[0].RunID, nil
}

func (e *env) openStore(runID string) (*runstore.Store, error) {
	return runstore.Open(e.fs, e.root, runID, runstore.WithLogger(e.logger))
}

func (e *env) newRemote() (*gemini.Client, error) {
	r := e.cfg.Remote
	opts := []gemini.Option{
		gemini.WithBaseURL(r.BaseURL),
		gemini.WithRequestTimeout(r.RequestTimeout),
		gemini.WithLogger(e.logger),
	}
	if r.AccessToken != "" {
		opts = append(opts, gemini.WithAccessToken(r.AccessToken))
	} else {
		opts = append(opts, gemini.WithAPIKey(r.APIKey))
	}
	return gemini.New(opts...)
}

func (e *env) openCache() (*filescache.Store, error) {
	return filescache.Open(e.fs, runstore.FilesCachePath(e.root), filescache.WithSafetyMargin(e.cfg.Cache.SafetyMargin))
}

// openLedger returns nil when the ledger is disabled.
func (e *env) openLedger() (*ledger.Ledger, error) {
	if e.cfg.Ledger.Path == "" {
		return nil, nil
	}
	if err := e.fs.MkdirAll(filepath.Dir(e.cfg.Ledger.Path), 0o755); err != nil {
		return nil, err
	}
	return ledger.Open(e.cfg.Ledger.Path)
}

func (e *env) newPlanner(l *ledger.Ledger) *planner.Planner {
	opts := []planner.Option{planner.WithLogger(e.logger)}
	if l != nil {
		opts = append(opts, planner.WithLedger(l))
	}
	d := planner.NewFSDiscoverer(e.fs, e.cfg.Planner.ContentDir)
	return planner.New(d, e.fs, e.cfg.Remote.Model, opts...)
}

// newRunner wires a pipeline runner. Progress is printed to w. The
// returned close func releases the ledger.
func (e *env) newRunner(w io.Writer, styled bool) (*pipeline.Runner, func(), error) {
	svc, err := e.newRemote()
	if err != nil {
		return nil, nil, err
	}
	cache, err := e.openCache()
	if err != nil {
		return nil, nil, err
	}
	l, err := e.openLedger()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if l != nil {
			_ = l.Close()
		}
	}

	bus := event.NewBus(e.logger)
	bus.SubscribeAll(progressPrinter(w, styled))

	rc := pipeline.RunContext{
		Fs:             e.fs,
		Root:           e.root,
		Remote:         svc,
		Planner:        e.newPlanner(l),
		Cache:          cache,
		Bus:            bus,
		Logger:         e.logger,
		Settings:       pipeline.SettingsFromConfig(e.cfg),
		ConfigSnapshot: snapshot(e.cfg),
	}
	if l != nil {
		rc.Ledger = l
	}

	rotation := logging.RotationConfig{MaxSizeMB: e.cfg.Logging.MaxSizeMB, MaxBackups: e.cfg.Logging.MaxBackups}
	r, err := pipeline.NewRunner(rc,
		pipeline.WithLocker(lockRun),
		pipeline.WithRunLogger(func(dir string) (*logging.Logger, error) {
			if err := e.fs.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
			return logging.NewLogger(dir, e.cfg.Logging.Level, rotation)
		}),
	)
	if err != nil {
		closeFn()
		return nil, nil, err
	}
	return r, closeFn, nil
}

// lockRun takes the run directory lock.
func lockRun(dir string) (func() error, error) {
	l, err := runstore.Lock(dir)
	if err != nil {
		return nil, err
	}
	return l.Release, nil
}

// snapshot is the configuration recorded in a new run's state. Secrets
// are left out.
func snapshot(cfg *config.Config) map[string]any {
	b := cfg.Batch
	return map[string]any{
		"remote.base_url":             cfg.Remote.BaseURL,
		"remote.model":                cfg.Remote.Model,
		"batch.max_tasks_per_file":    b.MaxTasksPerFile,
		"batch.submit_concurrency":    b.SubmitConcurrency,
		"batch.upload_concurrency":    b.UploadConcurrency,
		"batch.poll_interval":         b.PollInterval.String(),
		"batch.max_wait":              b.MaxWait.String(),
		"apply.skip_existing":         cfg.Apply.SkipExisting,
		"apply.create_backup":         cfg.Apply.CreateBackup,
		"dlq.max_attempts":            cfg.DLQ.MaxAttempts,
		"planner.skip_generated":      cfg.Planner.SkipGenerated,
		"cache.safety_margin":         cfg.Cache.SafetyMargin.String(),
		"batch.cleanup_after_success": b.CleanupAfterSuccess,
	}
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// terminalWidth returns the width of w, or 0 when unknown.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}
