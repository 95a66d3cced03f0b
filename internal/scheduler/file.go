package scheduler

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// Action is what a schedule entry does when it fires.
type Action string

const (
	// ActionResume resumes the most recent unfinished run.
	ActionResume Action = "resume"
	// ActionSweep drops expired entries from the uploaded files cache.
	ActionSweep Action = "sweep"
)

// DefaultTimeout bounds one invocation when an entry does not set its own.
const DefaultTimeout = 4 * time.Hour

// Entry is one [[schedule]] table.
type Entry struct {
	Name    string `toml:"name"`
	Cron    string `toml:"cron"`
	Action  Action `toml:"action"`
	Timeout string `toml:"timeout,omitempty"`

	timeout time.Duration
}

// File is a parsed schedule file.
type File struct {
	Schedules []Entry `toml:"schedule"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five field cron expression or a descriptor such as
// "@hourly".
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Validate checks the entry and resolves its timeout.
func (e *Entry) Validate() error {
	if e.Name == "" {
		return errors.NewValidationError("schedule name is required").WithField("name")
	}
	if e.Cron == "" {
		return errors.NewValidationError("cron expression is required").WithField(e.Name + ".cron")
	}
	if _, err := ParseCron(e.Cron); err != nil {
		return errors.NewValidationError("invalid cron expression").
			WithField(e.Name + ".cron").WithValue(e.Cron).WithCause(err)
	}
	switch e.Action {
	case ActionResume, ActionSweep:
	default:
		return errors.NewValidationError("action must be resume or sweep").
			WithField(e.Name + ".action").WithValue(string(e.Action))
	}
	e.timeout = DefaultTimeout
	if e.Timeout != "" {
		d, err := time.ParseDuration(e.Timeout)
		if err != nil || d <= 0 {
			return errors.NewValidationError("invalid timeout").
				WithField(e.Name + ".timeout").WithValue(e.Timeout)
		}
		e.timeout = d
	}
	return nil
}

// Parse decodes and validates a schedule document. Entry names must be
// unique.
func Parse(data []byte) (*File, error) {
	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errors.NewValidationError("malformed schedule file").WithCause(err)
	}
	seen := make(map[string]bool, len(f.Schedules))
	for i := range f.Schedules {
		e := &f.Schedules[i]
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if seen[e.Name] {
			return nil, errors.NewValidationError("duplicate schedule name").WithField("name").WithValue(e.Name)
		}
		seen[e.Name] = true
	}
	return &f, nil
}

// LoadFile reads a schedule file. A missing file is an empty schedule.
func LoadFile(fs afero.Fs, path string) (*File, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, nil
		}
		return nil, errors.Wrap(err, "read schedule file")
	}
	return Parse(data)
}
