package pipeline

import (
	"time"

	"github.com/Iron-Ham/imagebatch/internal/logging"
)

// Locker takes exclusive ownership of a run directory until release is
// called.
type Locker func(dir string) (release func() error, err error)

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the time used for run ids and reports.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithRunIDFunc overrides how new run ids are generated.
func WithRunIDFunc(fn func(time.Time) string) Option {
	return func(r *Runner) { r.newRunID = fn }
}

// WithLocker locks each run directory for the duration of an invocation.
func WithLocker(l Locker) Option {
	return func(r *Runner) { r.lock = l }
}

// WithRunLogger gives every run its own logger, typically writing run.log
// into the run directory. The logger is closed when the invocation ends.
func WithRunLogger(fn func(runDir string) (*logging.Logger, error)) Option {
	return func(r *Runner) { r.runLogger = fn }
}
