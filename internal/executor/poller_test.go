package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/remote/remotetest"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// submittedRun creates n jobs on fake and records them in a run that has
// reached submitted.
func submittedRun(t *testing.T, fake *remotetest.Fake, n int) *runstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := runstore.Create(afero.NewMemMapFs(), "/runs", "run-1", batch.Scope{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		f, err := fake.Upload(ctx, remote.Upload{DisplayName: "in", Body: strings.NewReader("")})
		if err != nil {
			t.Fatal(err)
		}
		job, err := fake.CreateJob(ctx, remote.JobRequest{Model: "m", InputFile: f.Name})
		if err != nil {
			t.Fatal(err)
		}
		if err := store.AddJob(runstore.JobInfo{JobID: job.Name, ChunkIndex: i, TaskCount: 1}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.UpdatePhase(batch.PhaseSubmitted); err != nil {
		t.Fatal(err)
	}
	return store
}

func fastOptions() Options {
	return Options{Interval: time.Millisecond, RequestTimeout: time.Second, MaxWait: time.Minute}
}

func TestPollUntilTerminal(t *testing.T) {
	fake := remotetest.New()
	fake.StepsToComplete = 2
	store := submittedRun(t, fake, 3)
	fake.SetFinalState("batches/b2", batch.JobFailed)

	bus := event.NewBus(nil)
	var changed int
	bus.Subscribe(event.TypeJobPolled, func(e event.Event) {
		if e.(event.JobPolledEvent).Changed() {
			changed++
		}
	})

	res, err := New(fake, fastOptions(), WithEventBus(bus)).Poll(context.Background(), store)
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !res.Done() || res.Succeeded != 2 || res.Failed != 1 || len(res.TimedOut) != 0 {
		t.Errorf("Poll() = %+v", res)
	}
	if res.Rounds != 3 {
		t.Errorf("rounds = %d, want 3", res.Rounds)
	}
	// pending → running, then running → terminal, for each job
	if changed != 6 {
		t.Errorf("state change events = %d, want 6", changed)
	}
	if store.Phase() != batch.PhasePolling {
		t.Errorf("phase = %s, want polling", store.Phase())
	}
	st := store.State()
	j, _ := st.Job("batches/b1")
	if j.OutputFile == "" {
		t.Error("succeeded job has no output file")
	}
}

func TestPollAbsorbsTransientErrors(t *testing.T) {
	fake := remotetest.New()
	store := submittedRun(t, fake, 1)
	fake.GetJobHook = func(n int, _ string) error {
		if n <= 2 {
			return errors.NewRemoteError("get job", errors.ErrUnavailable).WithStatus(503, "UNAVAILABLE")
		}
		return nil
	}

	res, err := New(fake, fastOptions()).Poll(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if res.Succeeded != 1 || res.Rounds != 3 {
		t.Errorf("Poll() = %+v", res)
	}
}

func TestPollMaxWaitAbandonsWithoutCancelling(t *testing.T) {
	fake := remotetest.New()
	fake.StepsToComplete = 1 << 20
	store := submittedRun(t, fake, 2)

	var timedOut int
	bus := event.NewBus(nil)
	bus.Subscribe(event.TypeJobTimedOut, func(event.Event) { timedOut++ })

	opts := fastOptions()
	opts.MaxWait = 20 * time.Millisecond
	res, err := New(fake, opts, WithEventBus(bus)).Poll(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.TimedOut) != 2 || res.Done() {
		t.Errorf("Poll() = %+v", res)
	}
	if timedOut != 2 {
		t.Errorf("timed out events = %d", timedOut)
	}
	if len(fake.Cancelled()) != 0 {
		t.Errorf("jobs cancelled remotely: %v", fake.Cancelled())
	}
	for _, j := range store.State().Jobs {
		if j.State != batch.JobRunning {
			t.Errorf("%s state = %s, want running", j.JobID, j.State)
		}
	}
}

func TestPollMaxWaitCapsFinalSleep(t *testing.T) {
	fake := remotetest.New()
	fake.StepsToComplete = 1 << 20
	store := submittedRun(t, fake, 1)

	opts := fastOptions()
	opts.Interval = time.Hour
	opts.MaxWait = 30 * time.Millisecond

	done := make(chan *Result, 1)
	go func() {
		res, err := New(fake, opts).Poll(context.Background(), store)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	select {
	case res := <-done:
		if res == nil || len(res.TimedOut) != 1 || res.Rounds != 1 {
			t.Errorf("Poll() = %+v, want one round and one abandoned job", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Poll() slept a full interval past MaxWait")
	}
}

func TestPollCanceled(t *testing.T) {
	fake := remotetest.New()
	fake.StepsToComplete = 1 << 20
	store := submittedRun(t, fake, 1)

	ctx, cancel := context.WithCancel(context.Background())
	fake.GetJobHook = func(n int, _ string) error {
		if n == 2 {
			cancel()
		}
		return nil
	}
	_, err := New(fake, fastOptions()).Poll(ctx, store)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Poll() error = %v, want context.Canceled", err)
	}
	if got := fake.Counts().GetJobs; got != 2 {
		t.Errorf("status checks = %d, want 2", got)
	}
}

func TestPollRejectsUnsubmittedRun(t *testing.T) {
	store, err := runstore.Create(afero.NewMemMapFs(), "/runs", "run-1", batch.Scope{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := New(remotetest.New(), fastOptions()).Poll(context.Background(), store); !errors.Is(err, errors.ErrInvalidPhase) {
		t.Errorf("Poll() error = %v, want ErrInvalidPhase", err)
	}
}

func TestCancel(t *testing.T) {
	fake := remotetest.New()
	fake.StepsToComplete = 1
	store := submittedRun(t, fake, 2)
	if err := store.UpdateJobState("batches/b1", runstore.JobStatus{State: batch.JobSucceeded}); err != nil {
		t.Fatal(err)
	}

	ids, err := New(fake, fastOptions()).Cancel(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "batches/b2" {
		t.Errorf("Cancel() = %v", ids)
	}
	st := store.State()
	if j, _ := st.Job("batches/b2"); j.State != batch.JobCancelled {
		t.Errorf("b2 state = %s", j.State)
	}
}
