package runstore

import (
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestStore(t *testing.T) (*Store, afero.Fs, *fakeClock) {
	t.Helper()
	fs := afero.NewMemMapFs()
	clock := &fakeClock{t: time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)}
	scope := batch.Scope{
		EntityTypes: []batch.EntityType{batch.EntityCharacter},
		Kinds:       []batch.Kind{batch.KindGenerate},
	}
	s, err := Create(fs, "/runs", "run-1", scope, map[string]any{"model": "m"}, WithClock(clock.now))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return s, fs, clock
}

func TestCreateAndOpen(t *testing.T) {
	s, fs, _ := newTestStore(t)

	if got := s.Phase(); got != batch.PhasePlanning {
		t.Errorf("Phase() = %q, want planning", got)
	}
	if _, err := fs.Stat("/runs/run-1/state.json"); err != nil {
		t.Fatalf("state.json not written: %v", err)
	}

	reopened, err := Open(fs, "/runs", "run-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	st := reopened.State()
	if st.RunID != "run-1" || st.Phase != batch.PhasePlanning {
		t.Errorf("reopened state = %+v", st)
	}
	if len(st.Scope.EntityTypes) != 1 {
		t.Errorf("scope not persisted: %+v", st.Scope)
	}

	if _, err := Create(fs, "/runs", "run-1", batch.Scope{}, nil); !errors.Is(err, &errors.AlreadyExistsError{}) {
		t.Errorf("Create() on existing run error = %v, want AlreadyExistsError", err)
	}
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(afero.NewMemMapFs(), "/runs", "nope")
	if !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("Open() error = %v, want ErrRunNotFound", err)
	}
}

func TestOpenCorrupted(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/runs/bad/state.json", []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Open(fs, "/runs", "bad")
	if !errors.Is(err, errors.ErrStateCorrupted) {
		t.Errorf("Open() error = %v, want ErrStateCorrupted", err)
	}
}

func TestUpdatePhase(t *testing.T) {
	s, fs, clock := newTestStore(t)

	clock.advance(time.Minute)
	if err := s.UpdatePhase(batch.PhaseStaging); err != nil {
		t.Fatalf("UpdatePhase(staging) error = %v", err)
	}
	// Skipping forward is allowed.
	if err := s.UpdatePhase(batch.PhaseSubmitted); err != nil {
		t.Fatalf("UpdatePhase(submitted) error = %v", err)
	}
	// Staying put is allowed.
	if err := s.UpdatePhase(batch.PhaseSubmitted); err != nil {
		t.Fatalf("UpdatePhase(submitted) again error = %v", err)
	}

	err := s.UpdatePhase(batch.PhaseStaged)
	if !errors.Is(err, errors.ErrPhaseRegression) {
		t.Fatalf("UpdatePhase(staged) error = %v, want ErrPhaseRegression", err)
	}
	if s.Phase() != batch.PhaseSubmitted {
		t.Errorf("phase changed after rejected transition: %q", s.Phase())
	}

	reopened, err := Open(fs, "/runs", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	st := reopened.State()
	if st.Phase != batch.PhaseSubmitted {
		t.Errorf("persisted phase = %q", st.Phase)
	}
	if got := st.Timestamps[batch.PhaseStaging]; !got.Equal(clock.t) {
		t.Errorf("staging timestamp = %v, want %v", got, clock.t)
	}
}

func TestUpdatePhaseTerminal(t *testing.T) {
	s, _, _ := newTestStore(t)

	if err := s.MarkFailed(errors.New("boom")); err != nil {
		t.Fatalf("MarkFailed() error = %v", err)
	}
	st := s.State()
	if st.Phase != batch.PhaseFailed || st.Error != "boom" {
		t.Fatalf("state after MarkFailed = %q %q", st.Phase, st.Error)
	}
	if err := s.UpdatePhase(batch.PhaseApplying); !errors.Is(err, errors.ErrRunFinished) {
		t.Errorf("UpdatePhase after failed error = %v, want ErrRunFinished", err)
	}
}

func TestPhaseChangedEvents(t *testing.T) {
	fs := afero.NewMemMapFs()
	bus := event.NewBus(nil)
	var got []event.PhaseChangedEvent
	bus.Subscribe(event.TypePhaseChanged, func(e event.Event) {
		got = append(got, e.(event.PhaseChangedEvent))
	})

	s, err := Create(fs, "/runs", "r", batch.Scope{}, nil, WithEventBus(bus))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePhase(batch.PhaseStaging); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdatePhase(batch.PhaseStaging); err != nil {
		t.Fatal(err)
	}

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Previous != "planning" || got[0].Current != "staging" || got[0].RunID != "r" {
		t.Errorf("event = %+v", got[0])
	}
}

func TestRewind(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.UpdatePhase(batch.PhaseDownloading); err != nil {
		t.Fatal(err)
	}

	if err := s.Rewind(batch.PhaseApplying, "later phase"); err == nil {
		t.Error("Rewind() to a later phase should fail")
	}
	if err := s.Rewind(batch.PhasePolling, "re-poll"); err != nil {
		t.Fatalf("Rewind() error = %v", err)
	}
	st := s.State()
	if st.Phase != batch.PhasePolling {
		t.Errorf("phase = %q, want polling", st.Phase)
	}
	if len(st.Rewinds) != 1 || st.Rewinds[0].From != batch.PhaseDownloading || st.Rewinds[0].Reason != "re-poll" {
		t.Errorf("rewinds = %+v", st.Rewinds)
	}
}

func TestJobs(t *testing.T) {
	s, fs, _ := newTestStore(t)

	chunks := []Chunk{
		{Index: 1, RequestFile: "requests-001.jsonl", FirstTask: 0, TaskCount: 2},
		{Index: 2, RequestFile: "requests-002.jsonl", FirstTask: 2, TaskCount: 1},
	}
	if err := s.SetChunks(chunks); err != nil {
		t.Fatal(err)
	}

	if err := s.AddJob(JobInfo{JobID: "batches/b", ChunkIndex: 2, TaskCount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddJob(JobInfo{JobID: "batches/a", ChunkIndex: 1, TaskCount: 2}); err != nil {
		t.Fatal(err)
	}

	t.Run("duplicate id rejected", func(t *testing.T) {
		err := s.AddJob(JobInfo{JobID: "batches/a", ChunkIndex: 3})
		if !errors.Is(err, &errors.AlreadyExistsError{}) {
			t.Errorf("AddJob() error = %v, want AlreadyExistsError", err)
		}
	})

	t.Run("chunks frozen once jobs exist", func(t *testing.T) {
		if err := s.SetChunks(nil); err == nil {
			t.Error("SetChunks() after AddJob should fail")
		}
	})

	st := s.State()
	if len(st.Jobs) != 2 || st.Jobs[0].JobID != "batches/a" {
		t.Fatalf("jobs not ordered by chunk: %+v", st.Jobs)
	}
	if st.Jobs[0].State != batch.JobPending {
		t.Errorf("new job state = %q, want pending", st.Jobs[0].State)
	}

	if err := s.UpdateJobState("batches/a", JobStatus{State: batch.JobSucceeded, OutputFile: "files/out"}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobState("batches/a", JobStatus{State: batch.JobRunning}); err == nil {
		t.Error("terminal job state should not change")
	}
	if err := s.UpdateJobState("missing", JobStatus{State: batch.JobRunning}); !errors.Is(err, errors.ErrJobNotFound) {
		t.Errorf("UpdateJobState(missing) error = %v", err)
	}

	reopened, err := Open(fs, "/runs", "run-1")
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.State()
	job, ok := got.Job("batches/a")
	if !ok || job.State != batch.JobSucceeded || job.OutputFile != "files/out" {
		t.Errorf("persisted job = %+v", job)
	}
	if pending := got.PendingJobs(); len(pending) != 1 || pending[0].JobID != "batches/b" {
		t.Errorf("PendingJobs() = %+v", pending)
	}
	if _, ok := got.JobForChunk(2); !ok {
		t.Error("JobForChunk(2) not found")
	}

	got.Chunks = []Chunk{{Index: 1}, {Index: 2}, {Index: 3}}
	if missing := got.UnsubmittedChunks(); len(missing) != 1 || missing[0].Index != 3 {
		t.Errorf("UnsubmittedChunks() = %+v, want chunk 3", missing)
	}
}

func TestResultFiles(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, rf := range []ResultFile{
		{ChunkIndex: 2, Path: "b-old"},
		{ChunkIndex: 1, Path: "a"},
		{ChunkIndex: 2, Path: "b"},
	} {
		if err := s.AddResultFile(rf); err != nil {
			t.Fatal(err)
		}
	}
	st := s.State()
	paths := st.ResultPaths()
	if len(paths) != 2 || paths[0] != "a" || paths[1] != "b" {
		t.Errorf("ResultPaths() = %v", paths)
	}
}

func TestStateIsACopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	if err := s.AddJob(JobInfo{JobID: "j", ChunkIndex: 1}); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	st.Jobs[0].State = batch.JobFailed
	st.Timestamps[batch.PhaseComplete] = time.Now()

	again := s.State()
	if again.Jobs[0].State != batch.JobPending {
		t.Error("mutating a State() copy leaked into the store")
	}
	if _, ok := again.Timestamps[batch.PhaseComplete]; ok {
		t.Error("timestamps map aliased")
	}
}

func TestFailedWriteLeavesStateUnchanged(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.fs = afero.NewReadOnlyFs(s.fs)

	if err := s.UpdatePhase(batch.PhaseStaging); err == nil {
		t.Fatal("UpdatePhase() on read-only fs should fail")
	}
	if s.Phase() != batch.PhasePlanning {
		t.Errorf("in-memory phase advanced despite failed write: %q", s.Phase())
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s, _, _ := newTestStore(t)

	if _, err := s.LoadPlan(); !errors.Is(err, errors.ErrPlanNotFound) {
		t.Errorf("LoadPlan() before save error = %v", err)
	}

	plan := &batch.Plan{
		Tasks: []batch.Task{{Key: "character/a/portrait/v0@0123456789abcdef", EntitySlug: "a"}},
		Summary: batch.PlanSummary{
			TotalTasks: 1,
		},
	}
	if err := s.SavePlan(plan); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadPlan()
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Key != plan.Tasks[0].Key {
		t.Errorf("LoadPlan() = %+v", got)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC))
	if !regexp.MustCompile(`^20260304-050607-[0-9a-f]{8}$`).MatchString(id) {
		t.Errorf("NewRunID() = %q", id)
	}
	if NewRunID(time.Now()) == NewRunID(time.Now()) {
		t.Error("NewRunID() should be unique")
	}
}

func TestListRuns(t *testing.T) {
	fs := afero.NewMemMapFs()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mk := func(id string, offset time.Duration, phase batch.Phase) {
		t.Helper()
		clock := &fakeClock{t: base.Add(offset)}
		s, err := Create(fs, "/runs", id, batch.Scope{}, nil, WithClock(clock.now))
		if err != nil {
			t.Fatal(err)
		}
		if phase == batch.PhaseFailed {
			if err := s.MarkFailed(errors.New("x")); err != nil {
				t.Fatal(err)
			}
			return
		}
		if err := s.UpdatePhase(phase); err != nil {
			t.Fatal(err)
		}
	}
	mk("old", 0, batch.PhasePolling)
	mk("mid", time.Hour, batch.PhaseComplete)
	mk("new", 2*time.Hour, batch.PhaseFailed)
	if err := afero.WriteFile(fs, "/runs/junk/readme", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	runs, err := ListRuns(fs, "/runs")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 || runs[0].RunID != "new" || runs[2].RunID != "old" {
		t.Fatalf("ListRuns() = %+v", runs)
	}

	r, err := MostRecentResumable(fs, "/runs")
	if err != nil {
		t.Fatal(err)
	}
	if r.RunID != "old" {
		t.Errorf("MostRecentResumable() = %q, want old", r.RunID)
	}

	if _, err := MostRecentResumable(afero.NewMemMapFs(), "/none"); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("MostRecentResumable(empty) error = %v", err)
	}
}

func TestLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run-1")

	first, err := Lock(dir)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	info, err := ReadLockInfo(dir)
	if err != nil {
		t.Fatalf("ReadLockInfo() error = %v", err)
	}
	if info.PID == 0 {
		t.Error("lock info missing pid")
	}

	if _, err := Lock(dir); !errors.Is(err, errors.ErrRunLocked) {
		t.Errorf("second Lock() error = %v, want ErrRunLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := first.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}

	again, err := Lock(dir)
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	_ = again.Release()
}

func TestLayout(t *testing.T) {
	l := NewLayout("/root", "r")
	if got := l.RequestFile(7); got != "/root/r/requests-007.jsonl" {
		t.Errorf("RequestFile(7) = %q", got)
	}
	if got := l.ResultFile(12); got != "/root/r/results-012.jsonl" {
		t.Errorf("ResultFile(12) = %q", got)
	}
	if got := l.DLQ(); got != "/root/r/failed/dlq.json" {
		t.Errorf("DLQ() = %q", got)
	}
	if got := FilesCachePath("/root"); got != "/root/files-cache.json" {
		t.Errorf("FilesCachePath() = %q", got)
	}
}
