// Package runstore persists the state of a run so that any process can
// pick it up after a crash. Every mutation is written to state.json
// atomically before it returns.
package runstore

import (
	"os"
	"slices"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// Store owns the state of one run. It is safe for concurrent use; writes
// are serialized.
type Store struct {
	fs     afero.Fs
	layout Layout
	now    func() time.Time
	logger *logging.Logger
	bus    *event.Bus

	mu    sync.Mutex
	state RunState
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for transitions.
func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEventBus publishes phase changes on bus.
func WithEventBus(bus *event.Bus) Option {
	return func(s *Store) { s.bus = bus }
}

func newStore(fs afero.Fs, layout Layout, opts []Option) *Store {
	s := &Store{
		fs:     fs,
		layout: layout,
		now:    time.Now,
		logger: logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create initializes a new run in phase planning and persists it.
func Create(fs afero.Fs, root, runID string, scope batch.Scope, snapshot map[string]any, opts ...Option) (*Store, error) {
	layout := NewLayout(root, runID)
	if exists, _ := afero.Exists(fs, layout.State()); exists {
		return nil, errors.NewAlreadyExistsError("run", runID)
	}
	if err := fs.MkdirAll(layout.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create run directory")
	}

	s := newStore(fs, layout, opts)
	now := s.now().UTC()
	initial := RunState{
		RunID:          runID,
		Phase:          batch.PhasePlanning,
		Scope:          scope,
		ConfigSnapshot: snapshot,
		Timestamps:     map[batch.Phase]time.Time{batch.PhasePlanning: now},
		CreatedAt:      now,
		UpdatedAt:      now,
		Jobs:           []JobInfo{},
	}
	if err := s.persist(initial); err != nil {
		return nil, err
	}
	s.state = initial
	s.logger.Info("run created", "run_id", runID, "dir", layout.Dir)
	return s, nil
}

// Open loads an existing run.
func Open(fs afero.Fs, root, runID string, opts ...Option) (*Store, error) {
	layout := NewLayout(root, runID)
	s := newStore(fs, layout, opts)

	var st RunState
	if err := util.ReadJSON(fs, layout.State(), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("run", runID).WithCause(errors.ErrRunNotFound)
		}
		return nil, errors.NewRunError("load state", errors.Join(errors.ErrStateCorrupted, err)).WithRunID(runID)
	}
	if st.Timestamps == nil {
		st.Timestamps = map[batch.Phase]time.Time{}
	}
	if st.Jobs == nil {
		st.Jobs = []JobInfo{}
	}
	s.state = st
	return s, nil
}

// Layout returns the run's artifact layout.
func (s *Store) Layout() Layout {
	return s.layout
}

// Fs returns the filesystem the run lives on.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

// RunID returns the run identifier.
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.RunID
}

// State returns a copy of the current state.
func (s *Store) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Phase returns the current phase.
func (s *Store) Phase() batch.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

// mutate applies fn to a copy of the state, persists the copy, and only
// then makes it current. A failed write leaves memory and disk unchanged.
func (s *Store) mutate(fn func(*RunState) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&next); err != nil {
		return err
	}
	next.UpdatedAt = s.now().UTC()
	if err := s.persist(next); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *Store) persist(st RunState) error {
	if err := util.WriteJSONAtomic(s.fs, s.layout.State(), st); err != nil {
		return errors.NewRunError("persist state", err).WithRunID(st.RunID).WithPhase(st.Phase.String())
	}
	return nil
}

// UpdatePhase moves the run forward to phase. It is the only way the
// phase advances. Moving backwards is rejected with ErrPhaseRegression.
func (s *Store) UpdatePhase(phase batch.Phase) error {
	var prev batch.Phase
	err := s.mutate(func(st *RunState) error {
		prev = st.Phase
		if !st.Phase.CanTransition(phase) {
			cause := errors.ErrPhaseRegression
			if st.Phase.IsTerminal() {
				cause = errors.ErrRunFinished
			}
			return errors.NewRunError("cannot move to "+phase.String(), cause).
				WithRunID(st.RunID).WithPhase(st.Phase.String())
		}
		st.Phase = phase
		if _, seen := st.Timestamps[phase]; !seen {
			st.Timestamps[phase] = s.now().UTC()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if prev != phase {
		s.logger.Info("phase changed", "from", prev, "to", phase)
		s.publish(event.NewPhaseChangedEvent(s.RunID(), prev.String(), phase.String()))
	}
	return nil
}

// Rewind moves the run back to an earlier phase on an operator's request
// and records why. Terminal runs cannot be rewound.
func (s *Store) Rewind(phase batch.Phase, reason string) error {
	var prev batch.Phase
	err := s.mutate(func(st *RunState) error {
		prev = st.Phase
		if st.Phase.IsTerminal() {
			return errors.NewRunError("cannot rewind", errors.ErrRunFinished).
				WithRunID(st.RunID).WithPhase(st.Phase.String())
		}
		if !phase.Before(st.Phase) || phase == batch.PhaseFailed {
			return errors.NewValidationError("rewind target must precede current phase").
				WithField("phase").WithValue(phase)
		}
		st.Rewinds = append(st.Rewinds, Rewind{From: st.Phase, To: phase, Reason: reason, At: s.now().UTC()})
		st.Phase = phase
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Warn("phase rewound", "from", prev, "to", phase, "reason", reason)
	s.publish(event.NewPhaseChangedEvent(s.RunID(), prev.String(), phase.String()))
	return nil
}

// SetChunks records the staged request files. It may be called again
// while staging is redone but not once any job exists.
func (s *Store) SetChunks(chunks []Chunk) error {
	return s.mutate(func(st *RunState) error {
		if len(st.Jobs) > 0 {
			return errors.NewRunError("chunks are fixed once jobs exist", errors.ErrInvalidPhase).
				WithRunID(st.RunID).WithPhase(st.Phase.String())
		}
		st.Chunks = slices.Clone(chunks)
		return nil
	})
}

// AddJob appends a job. Jobs are kept ordered by chunk index; a job id or
// chunk index can only be recorded once.
func (s *Store) AddJob(job JobInfo) error {
	return s.mutate(func(st *RunState) error {
		for _, j := range st.Jobs {
			if j.JobID == job.JobID {
				return errors.NewAlreadyExistsError("job", job.JobID)
			}
			if j.ChunkIndex == job.ChunkIndex {
				return errors.NewAlreadyExistsError("job for chunk", j.JobID)
			}
		}
		if job.State == "" {
			job.State = batch.JobPending
		}
		st.Jobs = append(st.Jobs, job)
		slices.SortStableFunc(st.Jobs, func(a, b JobInfo) int { return a.ChunkIndex - b.ChunkIndex })
		return nil
	})
}

// UpdateJobState records a polled status. A job that reached a terminal
// state keeps it.
func (s *Store) UpdateJobState(jobID string, status JobStatus) error {
	return s.mutate(func(st *RunState) error {
		for i := range st.Jobs {
			if st.Jobs[i].JobID != jobID {
				continue
			}
			j := &st.Jobs[i]
			if j.State.IsTerminal() && j.State != status.State {
				return errors.NewRunError("job already finished as "+j.State.String(), errors.ErrInvalidPhase).
					WithRunID(st.RunID)
			}
			j.State = status.State
			if status.OutputFile != "" {
				j.OutputFile = status.OutputFile
			}
			if status.Error != "" {
				j.Error = status.Error
			}
			return nil
		}
		return errors.NewNotFoundError("job", jobID).WithCause(errors.ErrJobNotFound)
	})
}

// SetJobOutput records the remote output file of a finished job.
func (s *Store) SetJobOutput(jobID, outputFile string) error {
	return s.mutate(func(st *RunState) error {
		for i := range st.Jobs {
			if st.Jobs[i].JobID == jobID {
				st.Jobs[i].OutputFile = outputFile
				return nil
			}
		}
		return errors.NewNotFoundError("job", jobID).WithCause(errors.ErrJobNotFound)
	})
}

// AddResultFile records a downloaded results file, replacing an earlier
// download of the same chunk.
func (s *Store) AddResultFile(rf ResultFile) error {
	return s.mutate(func(st *RunState) error {
		st.ResultFiles = slices.DeleteFunc(st.ResultFiles, func(r ResultFile) bool {
			return r.ChunkIndex == rf.ChunkIndex
		})
		st.ResultFiles = append(st.ResultFiles, rf)
		return nil
	})
}

// MarkFailed moves the run to failed and records the cause.
func (s *Store) MarkFailed(cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := s.mutate(func(st *RunState) error { st.Error = msg; return nil }); err != nil {
		return err
	}
	return s.UpdatePhase(batch.PhaseFailed)
}

// SavePlan persists plan.json.
func (s *Store) SavePlan(plan *batch.Plan) error {
	if err := util.WriteJSONAtomic(s.fs, s.layout.Plan(), plan); err != nil {
		return errors.NewRunError("persist plan", err).WithRunID(s.RunID())
	}
	return nil
}

// LoadPlan reads plan.json.
func (s *Store) LoadPlan() (*batch.Plan, error) {
	var plan batch.Plan
	if err := util.ReadJSON(s.fs, s.layout.Plan(), &plan); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewRunError("load plan", errors.ErrPlanNotFound).WithRunID(s.RunID())
		}
		return nil, errors.NewRunError("load plan", err).WithRunID(s.RunID())
	}
	return &plan, nil
}

func (s *Store) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
