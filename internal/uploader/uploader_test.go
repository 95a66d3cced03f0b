package uploader

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/filescache"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/remote/remotetest"
)

type fixture struct {
	fs    afero.Fs
	cache *filescache.Store
	fake  *remotetest.Fake
	tasks []batch.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, name := range []string{"a.png", "b.png"} {
		if err := afero.WriteFile(fs, "/refs/"+name, []byte("image "+name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	ref := func(name string) batch.Reference {
		sum, err := batch.HashFile(fs, "/refs/"+name)
		if err != nil {
			t.Fatal(err)
		}
		return batch.Reference{Path: "/refs/" + name, MIME: "image/png", SHA256: sum}
	}

	var tasks []batch.Task
	for i, refs := range [][]batch.Reference{{ref("a.png")}, {ref("a.png"), ref("b.png")}, nil} {
		tk := batch.Task{
			Kind:       batch.KindGenerate,
			EntityType: batch.EntityCharacter,
			EntitySlug: fmt.Sprintf("c%d", i),
			TargetID:   "portrait",
			Spec:       batch.ImageSpec{Prompt: "p"},
			References: refs,
			Model:      "m",
			Output:     batch.Output{Dir: "/out", BaseName: fmt.Sprintf("c%d", i)},
		}
		tk.AssignKey()
		tasks = append(tasks, tk)
	}

	cache, err := filescache.Open(fs, "/artifacts/files-cache.json")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{fs: fs, cache: cache, fake: remotetest.New(), tasks: tasks}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func TestUploadAndCacheReuse(t *testing.T) {
	f := newFixture(t)
	bus := event.NewBus(nil)
	var events int
	bus.Subscribe(event.TypeReferenceUpload, func(event.Event) { events++ })

	u := New(f.fs, f.fake, f.cache, Options{}, WithEventBus(bus))
	res, err := u.Upload(context.Background(), f.tasks)
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.Stats.Uploaded != 2 || res.Stats.Cached != 0 || f.fake.Counts().Uploads != 2 {
		t.Errorf("first Upload() stats = %+v, remote uploads = %d", res.Stats, f.fake.Counts().Uploads)
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if len(res.Tasks) != 3 {
		t.Fatalf("ready tasks = %d, want 3", len(res.Tasks))
	}
	for _, tk := range res.Tasks {
		for _, r := range tk.References {
			if !strings.HasPrefix(r.URI, "https://fake.remote/") {
				t.Errorf("%s reference %s has URI %q", tk.Key, r.Path, r.URI)
			}
		}
	}
	if f.tasks[0].References[0].URI != "" {
		t.Error("Upload() mutated its input")
	}

	res, err = u.Upload(context.Background(), f.tasks)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Cached != 2 || res.Stats.Uploaded != 0 || f.fake.Counts().Uploads != 2 {
		t.Errorf("second Upload() stats = %+v, remote uploads = %d", res.Stats, f.fake.Counts().Uploads)
	}
}

func TestUploadRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.fake.UploadHook = func(n int, _ remote.Upload) error {
		if n == 1 {
			return errors.NewRemoteError("upload file", errors.ErrRateLimited).WithStatus(429, "RESOURCE_EXHAUSTED")
		}
		return nil
	}
	rec := &sleepRecorder{}
	u := New(f.fs, f.fake, f.cache, Options{Concurrency: 1}, WithSleep(rec.sleep))

	res, err := u.Upload(context.Background(), f.tasks)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Uploaded != 2 || res.Stats.Failed != 0 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if !reflect.DeepEqual(rec.delays, []time.Duration{time.Second}) {
		t.Errorf("backoff delays = %v", rec.delays)
	}
}

func TestUploadBackoffIsCapped(t *testing.T) {
	f := newFixture(t)
	f.fake.UploadHook = func(int, remote.Upload) error {
		return errors.NewRemoteError("upload file", errors.ErrUnavailable).WithStatus(503, "UNAVAILABLE")
	}
	rec := &sleepRecorder{}
	u := New(f.fs, f.fake, f.cache, Options{Concurrency: 1, MaxRetries: 6}, WithSleep(rec.sleep))

	res, err := u.Upload(context.Background(), f.tasks[:1])
	if err != nil {
		t.Fatal(err)
	}
	want := []time.Duration{1, 2, 4, 8, 16, 16}
	for i := range want {
		want[i] *= time.Second
	}
	if !reflect.DeepEqual(rec.delays, want) {
		t.Errorf("backoff delays = %v, want %v", rec.delays, want)
	}
	if res.Stats.Failed != 1 || len(res.Blocked) != 1 || len(res.Tasks) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestUploadPermanentFailureBlocksDependentTasks(t *testing.T) {
	f := newFixture(t)
	f.fake.UploadHook = func(_ int, u remote.Upload) error {
		if strings.HasPrefix(u.DisplayName, "b.png") {
			return errors.NewRemoteError("upload file", errors.ErrBadRequest).WithStatus(400, "INVALID_ARGUMENT")
		}
		return nil
	}
	rec := &sleepRecorder{}
	u := New(f.fs, f.fake, f.cache, Options{}, WithSleep(rec.sleep))

	res, err := u.Upload(context.Background(), f.tasks)
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.delays) != 0 {
		t.Errorf("permanent failure was retried: %v", rec.delays)
	}
	if res.Stats.Failed != 1 || len(res.Errors) != 1 {
		t.Errorf("stats = %+v errors = %v", res.Stats, res.Errors)
	}
	if len(res.Blocked) != 1 || res.Blocked[0].Task.Key != f.tasks[1].Key {
		t.Fatalf("blocked = %+v", res.Blocked)
	}
	if !errors.Is(res.Blocked[0].Err, errors.ErrBadRequest) {
		t.Errorf("blocked error = %v", res.Blocked[0].Err)
	}
	if len(res.Tasks) != 2 {
		t.Errorf("ready tasks = %d, want 2", len(res.Tasks))
	}
}

func TestUploadCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(f.fs, f.fake, f.cache, Options{}).Upload(ctx, f.tasks); !errors.Is(err, context.Canceled) {
		t.Errorf("Upload() error = %v, want context.Canceled", err)
	}
}
