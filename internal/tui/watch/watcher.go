package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// debounce collapses the create+rename burst of an atomic state write.
const debounce = 50 * time.Millisecond

// Watcher signals whenever a run's state.json is rewritten.
type Watcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
	errs    chan error
	stopCh  chan struct{}
	once    sync.Once
}

// NewWatcher starts watching the run directory dir.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w := &Watcher{
		watcher: fw,
		changes: make(chan struct{}, 1),
		errs:    make(chan error, 1),
		stopCh:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Changes receives one value per debounced burst of state writes. It is
// closed when the watcher stops.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Errors receives watcher failures.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) loop() {
	defer close(w.changes)

	timer := time.NewTimer(debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != runstore.StateFile {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			select {
			case w.changes <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}
