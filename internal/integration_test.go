// Package internal contains integration tests that verify the run store,
// event bus, run log and state watcher work together on a real filesystem.
package internal

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
	"github.com/Iron-Ham/imagebatch/internal/tui/watch"
)

// TestPhaseChangesReachEveryObserver drives a run through two phases and
// checks that bus subscribers, the run log and a state watcher all see it.
func TestPhaseChangesReachEveryObserver(t *testing.T) {
	root := t.TempDir()
	fs := afero.NewOsFs()
	layout := runstore.NewLayout(root, "run-1")

	logger, err := logging.NewLogger(layout.Dir, logging.LevelDebug, logging.RotationConfig{})
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	defer logger.Close()

	bus := event.NewBus(logger)
	var (
		mu      sync.Mutex
		changes []string
	)
	bus.Subscribe(event.TypePhaseChanged, func(e event.Event) {
		pc := e.(event.PhaseChangedEvent)
		mu.Lock()
		changes = append(changes, pc.Previous+"->"+pc.Current)
		mu.Unlock()
	})

	store, err := runstore.Create(fs, root, "run-1", batch.Scope{}, nil,
		runstore.WithLogger(logger.WithRun("run-1")), runstore.WithEventBus(bus))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	w, err := watch.NewWatcher(layout.Dir)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	for _, p := range []batch.Phase{batch.PhaseStaging, batch.PhaseStaged} {
		if err := store.UpdatePhase(p); err != nil {
			t.Fatalf("UpdatePhase(%s) error = %v", p, err)
		}
	}

	select {
	case <-w.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the state rewrite")
	}

	mu.Lock()
	got := strings.Join(changes, ",")
	mu.Unlock()
	if want := "planning->staging,staging->staged"; got != want {
		t.Errorf("phase events = %q, want %q", got, want)
	}

	reopened, err := runstore.Open(fs, root, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Phase() != batch.PhaseStaged {
		t.Errorf("persisted phase = %s", reopened.Phase())
	}

	entries, err := logging.ReadRunLog(layout.Dir)
	if err != nil {
		t.Fatal(err)
	}
	phaseLines := logging.Filter{Contains: "phase changed"}.Apply(entries)
	if len(phaseLines) != 2 {
		t.Errorf("run log has %d phase changes, want 2", len(phaseLines))
	}
}

// TestRunLockExcludesSecondDriver checks that two processes cannot drive
// the same run directory at once.
func TestRunLockExcludesSecondDriver(t *testing.T) {
	dir := t.TempDir()

	first, err := runstore.Lock(dir)
	if err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	info, err := runstore.ReadLockInfo(dir)
	if err != nil || info.PID == 0 {
		t.Errorf("ReadLockInfo() = %+v, %v", info, err)
	}
	if err := first.Release(); err != nil {
		t.Fatal(err)
	}

	second, err := runstore.Lock(dir)
	if err != nil {
		t.Fatalf("Lock() after release error = %v", err)
	}
	_ = second.Release()
}
