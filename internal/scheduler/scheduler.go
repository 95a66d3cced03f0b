// Package scheduler runs recurring maintenance actions for the daemon:
// resuming unfinished runs and sweeping the uploaded files cache.
package scheduler

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/logging"
)

// ErrAlreadyRunning is returned when an entry is invoked while its previous
// invocation has not finished.
var ErrAlreadyRunning = errors.New("schedule already running")

// Handler performs one action. The context carries the entry's timeout.
type Handler func(ctx context.Context) error

// Invocation records one execution of an entry.
type Invocation struct {
	ID       string
	Name     string
	Action   Action
	Started  time.Time
	Duration time.Duration
	Err      error
}

type scheduled struct {
	entry    Entry
	schedule cron.Schedule
}

// Scheduler fires schedule entries on their cron expressions.
type Scheduler struct {
	cron     *cron.Cron
	handlers map[Action]Handler
	entries  map[string]scheduled
	logger   *logging.Logger
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	running map[string]bool
	last    map[string]Invocation
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now for invocation timestamps and Next.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New registers every entry of f. Each action used by an entry must have a
// handler.
func New(f *File, handlers map[Action]Handler, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		handlers: handlers,
		entries:  make(map[string]scheduled),
		logger:   logging.NopLogger(),
		now:      time.Now,
		ctx:      context.Background(),
		running:  make(map[string]bool),
		last:     make(map[string]Invocation),
	}
	for _, opt := range opts {
		opt(s)
	}
	cl := cronLogger{s.logger}
	s.cron = cron.New(cron.WithParser(parser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))

	for _, e := range f.Schedules {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, ok := handlers[e.Action]; !ok {
			return nil, errors.NewValidationError("no handler for action").
				WithField(e.Name + ".action").WithValue(string(e.Action))
		}
		sched, err := ParseCron(e.Cron)
		if err != nil {
			return nil, err
		}
		s.entries[e.Name] = scheduled{entry: e, schedule: sched}

		name := e.Name
		s.cron.Schedule(sched, cron.FuncJob(func() {
			s.mu.Lock()
			ctx := s.ctx
			s.mu.Unlock()
			if _, err := s.RunNow(ctx, name); errors.Is(err, ErrAlreadyRunning) {
				s.logger.Warn("previous invocation still running, skipping", "schedule", name)
			}
		}))
	}
	return s, nil
}

// Names returns the registered entry names in order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Entry returns the registered entry called name.
func (s *Scheduler) Entry(name string) (Entry, bool) {
	sc, ok := s.entries[name]
	return sc.entry, ok
}

// Next returns when the entry fires next, or the zero time if it is unknown.
func (s *Scheduler) Next(name string) time.Time {
	sc, ok := s.entries[name]
	if !ok {
		return time.Time{}
	}
	return sc.schedule.Next(s.now())
}

// Last returns the most recent finished invocation of name.
func (s *Scheduler) Last(name string) (Invocation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.last[name]
	return inv, ok
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// running invocations to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("scheduler started", "schedules", len(s.entries))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// RunNow executes the entry called name synchronously. The returned error
// is about the invocation itself; the handler's error is in Invocation.Err.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Invocation, error) {
	sc, ok := s.entries[name]
	if !ok {
		return Invocation{}, errors.NewNotFoundError("schedule", name)
	}

	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		return Invocation{}, ErrAlreadyRunning
	}
	s.running[name] = true
	s.mu.Unlock()

	inv := Invocation{
		ID:      uuid.NewString(),
		Name:    name,
		Action:  sc.entry.Action,
		Started: s.now(),
	}
	log := s.logger.With("schedule", name, "action", string(inv.Action), "invocation", inv.ID)
	log.Info("schedule fired")

	runCtx, cancel := context.WithTimeout(ctx, sc.entry.timeout)
	inv.Err = s.handlers[sc.entry.Action](runCtx)
	cancel()
	inv.Duration = s.now().Sub(inv.Started)

	if inv.Err != nil {
		log.Error("schedule failed", "error", inv.Err.Error(), "duration", inv.Duration.String())
	} else {
		log.Info("schedule finished", "duration", inv.Duration.String())
	}

	s.mu.Lock()
	s.running[name] = false
	s.last[name] = inv
	s.mu.Unlock()
	return inv, nil
}

// cronLogger adapts a Logger to cron.Logger.
type cronLogger struct {
	l *logging.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err.Error())...)
}
