package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

func openTemp(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "state", "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndLookup(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if has, err := l.Has(ctx, "k1"); err != nil || has {
		t.Fatalf("Has() before Record = %v, %v", has, err)
	}
	if err := l.Record(ctx, "k1", "run-1", "/out/a.png"); err != nil {
		t.Fatal(err)
	}
	if has, err := l.Has(ctx, "k1"); err != nil || !has {
		t.Fatalf("Has() after Record = %v, %v", has, err)
	}

	e, err := l.Lookup(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if e.TaskKey != "k1" || e.RunID != "run-1" || e.OutputPath != "/out/a.png" || !e.AppliedAt.Equal(fixed) {
		t.Errorf("Lookup() = %+v", e)
	}

	var nf *errors.NotFoundError
	if _, err := l.Lookup(ctx, "missing"); !errors.As(err, &nf) {
		t.Errorf("Lookup(missing) error = %v, want NotFoundError", err)
	}
}

func TestRecordReplaces(t *testing.T) {
	ctx := context.Background()
	l := openTemp(t)

	for _, run := range []string{"run-1", "run-2"} {
		if err := l.Record(ctx, "k1", run, "/out/"+run+".png"); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Record(ctx, "k2", "run-2", "/out/b.png"); err != nil {
		t.Fatal(err)
	}

	n, err := l.Count(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Count() = %d, %v; want 2", n, err)
	}
	entries, err := l.ForRun(ctx, "run-2")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].TaskKey != "k1" || entries[0].OutputPath != "/out/run-2.png" {
		t.Errorf("ForRun() = %+v", entries)
	}
	if entries, _ := l.ForRun(ctx, "run-1"); len(entries) != 0 {
		t.Errorf("ForRun(run-1) = %+v, want none", entries)
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, "k1", "run-1", "/out/a.png"); err != nil {
		t.Fatal(err)
	}
	l.Close()

	l, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	if has, _ := l.Has(ctx, "k1"); !has {
		t.Error("record lost after reopen")
	}
}
