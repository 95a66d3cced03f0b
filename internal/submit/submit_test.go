package submit

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/remote/remotetest"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

func newStore(t *testing.T) *runstore.Store {
	t.Helper()
	s, err := runstore.Create(afero.NewMemMapFs(), "/runs", "run-1", batch.Scope{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func makeTasks(models ...string) []batch.Task {
	var tasks []batch.Task
	for i, m := range models {
		tk := batch.Task{
			Kind:       batch.KindGenerate,
			EntityType: batch.EntityCharacter,
			EntitySlug: fmt.Sprintf("c%d", i),
			TargetID:   "portrait",
			Spec:       batch.ImageSpec{Prompt: "a portrait"},
			Model:      m,
			Output:     batch.Output{Dir: "/out", BaseName: fmt.Sprintf("c%d", i)},
		}
		tk.AssignKey()
		tasks = append(tasks, tk)
	}
	return tasks
}

func createFails(on int) func(int, remote.JobRequest) error {
	return func(n int, _ remote.JobRequest) error {
		if on == 0 || n == on {
			return errors.NewRemoteError("create job", errors.ErrUnavailable).WithStatus(503, "UNAVAILABLE")
		}
		return nil
	}
}

func TestSubmitCreatesOneJobPerChunk(t *testing.T) {
	store := newStore(t)
	fake := remotetest.New()
	bus := event.NewBus(nil)
	var submitted int
	bus.Subscribe(event.TypeChunkSubmitted, func(event.Event) { submitted++ })

	c := New(fake, Options{MaxTasksPerFile: 2, Concurrency: 3}, WithEventBus(bus))
	res, err := c.Submit(context.Background(), store, makeTasks("m", "m", "m", "m", "m"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Chunks != 3 || len(res.Created) != 3 || len(res.Errors) != 0 {
		t.Fatalf("Submit() = %+v", res)
	}
	for i, j := range res.Created {
		if j.ChunkIndex != i+1 {
			t.Errorf("Created[%d].ChunkIndex = %d", i, j.ChunkIndex)
		}
	}
	if submitted != 3 {
		t.Errorf("chunk submitted events = %d, want 3", submitted)
	}

	st := store.State()
	if st.Phase != batch.PhaseSubmitted {
		t.Errorf("phase = %s, want submitted", st.Phase)
	}
	if len(st.Jobs) != 3 || len(st.Chunks) != 3 {
		t.Fatalf("state has %d jobs, %d chunks", len(st.Jobs), len(st.Chunks))
	}
	wantCounts := []int{2, 2, 1}
	for i, ch := range st.Chunks {
		if ch.TaskCount != wantCounts[i] || ch.FirstTask != 2*i {
			t.Errorf("chunk %d = %+v", ch.Index, ch)
		}
		lines, err := jsonl.ReadRequests(store.Fs(), store.Layout().RequestFile(ch.Index))
		if err != nil || len(lines) != ch.TaskCount {
			t.Errorf("request file %d: %d lines, err %v", ch.Index, len(lines), err)
		}
	}
	for _, f := range fake.Files() {
		if f.MIMEType != RequestMIMEType {
			t.Errorf("uploaded %s as %s", f.Name, f.MIMEType)
		}
	}
}

func TestSubmitSplitsChunksByModel(t *testing.T) {
	store := newStore(t)
	fake := remotetest.New()

	res, err := New(fake, Options{}).Submit(context.Background(), store, makeTasks("m1", "m1", "m2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 2 {
		t.Fatalf("chunks = %d, want 2", res.Chunks)
	}
	jobs := fake.Jobs()
	if len(jobs) != 2 || jobs[0].Model != "m1" || jobs[1].Model != "m2" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestSubmitPartialFailureThenResume(t *testing.T) {
	store := newStore(t)
	fake := remotetest.New()
	fake.CreateHook = createFails(2)

	c := New(fake, Options{MaxTasksPerFile: 1, Concurrency: 1})
	res, err := c.Submit(context.Background(), store, makeTasks("m", "m", "m"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(res.Created) != 2 || len(res.Errors) != 1 || res.Errors[0].ChunkIndex != 2 {
		t.Fatalf("Submit() = %+v", res)
	}
	if !errors.Is(res.Err(), errors.ErrUnavailable) {
		t.Errorf("Err() = %v", res.Err())
	}
	if store.Phase() != batch.PhaseSubmitted {
		t.Errorf("phase = %s, want submitted", store.Phase())
	}
	st := store.State()
	if _, ok := st.JobForChunk(2); ok {
		t.Fatal("chunk 2 has a job")
	}

	fake.CreateHook = nil
	res, err = c.Resume(context.Background(), store)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if res.Existing != 2 || len(res.Created) != 1 || res.Created[0].ChunkIndex != 2 {
		t.Fatalf("Resume() = %+v", res)
	}
	if got := fake.Counts().Creates; got != 4 {
		t.Errorf("create calls = %d, want 4", got)
	}

	res, err = c.Resume(context.Background(), store)
	if err != nil {
		t.Fatal(err)
	}
	if res.Existing != 3 || len(res.Created) != 0 || fake.Counts().Creates != 4 {
		t.Errorf("second Resume() = %+v, creates = %d", res, fake.Counts().Creates)
	}
}

func TestSubmitNoJobsCreated(t *testing.T) {
	store := newStore(t)
	fake := remotetest.New()
	fake.CreateHook = createFails(0)

	res, err := New(fake, Options{MaxTasksPerFile: 1}).Submit(context.Background(), store, makeTasks("m", "m"))
	if !errors.Is(err, errors.ErrNoJobsCreated) {
		t.Fatalf("Submit() error = %v, want ErrNoJobsCreated", err)
	}
	if len(res.Errors) != 2 {
		t.Errorf("chunk errors = %d, want 2", len(res.Errors))
	}
	if store.Phase() != batch.PhaseStaged {
		t.Errorf("phase = %s, want staged", store.Phase())
	}
}

func TestResumeRequiresStagedRun(t *testing.T) {
	store := newStore(t)
	_, err := New(remotetest.New(), Options{}).Resume(context.Background(), store)
	if !errors.Is(err, errors.ErrInvalidPhase) {
		t.Errorf("Resume() error = %v, want ErrInvalidPhase", err)
	}
}
