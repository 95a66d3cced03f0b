package dlq

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
)

func task(slug string) batch.Task {
	t := batch.Task{
		Kind:       batch.KindGenerate,
		EntityType: batch.EntityLocation,
		EntitySlug: slug,
		TargetID:   "hero",
		Spec:       batch.ImageSpec{Prompt: "a place called " + slug},
		References: []batch.Reference{{Path: "/r.png", MIME: "image/png", SHA256: strings.Repeat("b", 64), URI: "https://files/r"}},
		Model:      "m",
		Output:     batch.Output{Dir: "/out", BaseName: slug},
	}
	t.AssignKey()
	return t
}

func openQueue(t *testing.T, fs afero.Fs) *Queue {
	t.Helper()
	q, err := Open(fs, "/run/failed/dlq.json", WithClock(func() time.Time {
		return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return q
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"429", true},
		{"500", true},
		{"502", true},
		{"503", true},
		{"504", true},
		{"RATE_LIMIT", true},
		{"RESOURCE_EXHAUSTED", true},
		{"UNAVAILABLE", true},
		{"TIMEOUT", true},
		{"timeout", false},
		{" 429", false},
		{"DEADLINE_EXCEEDED", true},
		{"400", false},
		{"404", false},
		{"SAFETY", false},
		{"NO_IMAGE_DATA", false},
		{"APPLY_IO", false},
		{"4290", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := IsRetryable(tt.code); got != tt.want {
				t.Errorf("IsRetryable(%q) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestAddMerge(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := openQueue(t, fs)
	a := task("a")

	got, err := q.Add(Entry{Task: a, Error: ErrorInfo{Code: "500", Message: "x", Attempt: "run1/job1"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.Error.Attempts != 1 {
		t.Errorf("first Add() attempts = %d, want 1", got.Error.Attempts)
	}

	t.Run("same attempt is unchanged", func(t *testing.T) {
		got, err := q.Add(Entry{Task: a, Error: ErrorInfo{Code: "503", Message: "y", Attempt: "run1/job1"}})
		if err != nil {
			t.Fatal(err)
		}
		if got.Error.Attempts != 1 || got.Error.Code != "500" {
			t.Errorf("re-observed attempt changed entry: %+v", got.Error)
		}
	})

	t.Run("new attempt increments by one", func(t *testing.T) {
		got, err := q.Add(Entry{Task: a, Error: ErrorInfo{Code: "503", Message: "y", Attempt: "run2/job1"}})
		if err != nil {
			t.Fatal(err)
		}
		if got.Error.Attempts != 2 || got.Error.Code != "503" {
			t.Errorf("entry = %+v, want attempts=2 code=503", got.Error)
		}
	})

	t.Run("new key appends", func(t *testing.T) {
		if _, err := q.Add(Entry{Task: task("b"), Error: ErrorInfo{Code: "400"}}); err != nil {
			t.Fatal(err)
		}
		if q.Len() != 2 {
			t.Errorf("Len() = %d, want 2", q.Len())
		}
	})

	reopened := openQueue(t, fs)
	e, ok := reopened.Get(a.Key)
	if !ok || e.Error.Attempts != 2 {
		t.Errorf("persisted entry = %+v, %v", e, ok)
	}
	if e.Error.FirstFailedAt.IsZero() || e.Error.LastAttemptAt.IsZero() {
		t.Errorf("timestamps not set: %+v", e.Error)
	}
}

func TestAddRejectsEmptyKey(t *testing.T) {
	q := openQueue(t, afero.NewMemMapFs())
	if _, err := q.Add(Entry{}); err == nil {
		t.Error("Add() without key should fail")
	}
}

func TestRetryAndStats(t *testing.T) {
	q := openQueue(t, afero.NewMemMapFs())

	add := func(slug, code string, attempts int) {
		t.Helper()
		tk := task(slug)
		for i := range attempts {
			if _, err := q.Add(Entry{Task: tk, Error: ErrorInfo{Code: code, Attempt: string(rune('a' + i))}}); err != nil {
				t.Fatal(err)
			}
		}
	}
	add("rate1", "429", 1)
	add("rate2", "RESOURCE_EXHAUSTED", 1)
	add("worn", "500", 3)
	add("blocked", "SAFETY", 1)

	retry := q.Retryable(3)
	if len(retry) != 2 {
		t.Fatalf("Retryable(3) = %d entries, want 2", len(retry))
	}
	if perm := q.PermanentFailures(); len(perm) != 1 || perm[0].Error.Code != "SAFETY" {
		t.Errorf("PermanentFailures() = %+v", perm)
	}

	tasks := q.ExtractTasksForRetry(3)
	if len(tasks) != 2 {
		t.Fatalf("ExtractTasksForRetry() = %d tasks", len(tasks))
	}
	if tasks[0].References[0].URI != "" {
		t.Error("retry task kept its staging URI")
	}
	if e, _ := q.Get(tasks[0].Key); e.Task.References[0].URI == "" {
		t.Error("extracting tasks mutated the queue")
	}

	st := q.Stats(3)
	if st.Total != 4 || st.Retryable != 2 || st.Exhausted != 1 || st.Permanent != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.Hint != "" {
		t.Errorf("Hint = %q, rate limits are not a majority", st.Hint)
	}

	add("rate3", "RATE_LIMIT", 1)
	if st := q.Stats(3); st.Hint == "" {
		t.Error("expected a rate limit hint")
	}
}

func TestRemoveAndClear(t *testing.T) {
	fs := afero.NewMemMapFs()
	q := openQueue(t, fs)
	a, b := task("a"), task("b")
	for _, tk := range []batch.Task{a, b} {
		if _, err := q.Add(Entry{Task: tk, Error: ErrorInfo{Code: "500"}}); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := q.Remove(a.Key)
	if err != nil || !removed {
		t.Fatalf("Remove() = %v, %v", removed, err)
	}
	if removed, _ := q.Remove(a.Key); removed {
		t.Error("second Remove() reported removal")
	}
	if openQueue(t, fs).Len() != 1 {
		t.Error("Remove() not persisted")
	}

	if err := q.Clear(); err != nil {
		t.Fatal(err)
	}
	if openQueue(t, fs).Len() != 0 {
		t.Error("Clear() not persisted")
	}
}

func TestFormat(t *testing.T) {
	q := openQueue(t, afero.NewMemMapFs())
	if got := q.Format(3, 5); !strings.Contains(got, "empty") {
		t.Errorf("Format() of empty queue = %q", got)
	}

	for i := range 7 {
		if _, err := q.Add(Entry{Task: task(string(rune('a' + i))), Error: ErrorInfo{Code: "400", Message: "bad"}}); err != nil {
			t.Fatal(err)
		}
	}
	out := q.Format(3, 5)
	if !strings.Contains(out, "7 failed tasks") || !strings.Contains(out, "... and 2 more") {
		t.Errorf("Format() =\n%s", out)
	}
	if n := strings.Count(out, "•"); n != 5 {
		t.Errorf("Format() listed %d entries, want 5", n)
	}
}
