package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

// LockInfo is written into run.lock by the holder.
type LockInfo struct {
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// RunLock is an exclusive flock(2) on a run directory's run.lock. The
// kernel drops it when the holding process exits, so a crashed holder
// never leaves a stale lock behind.
type RunLock struct {
	path string
	file *os.File
}

// Lock acquires the lock of the run directory dir without blocking. If
// another process holds it, the error wraps ErrRunLocked and names the
// holder when known.
func Lock(dir string) (*RunLock, error) {
	path := filepath.Join(dir, LockFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			msg := "run is locked by another process"
			if info, ierr := ReadLockInfo(dir); ierr == nil {
				msg = fmt.Sprintf("run is locked by pid %d on %s since %s",
					info.PID, info.Host, info.AcquiredAt.Format(time.RFC3339))
			}
			return nil, errors.NewRunError(msg, errors.ErrRunLocked).WithRunID(filepath.Base(dir))
		}
		return nil, fmt.Errorf("flock: %w", err)
	}

	host, _ := os.Hostname()
	info := LockInfo{PID: os.Getpid(), Host: host, AcquiredAt: time.Now().UTC()}
	data, _ := json.Marshal(info)
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt(data, 0)
	}
	return &RunLock{path: path, file: f}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *RunLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		l.file = nil
		return fmt.Errorf("funlock: %w", err)
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadLockInfo reads the holder recorded in dir's run.lock.
func ReadLockInfo(dir string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(filepath.Join(dir, LockFile))
	if err != nil {
		return info, err
	}
	if len(data) == 0 {
		return info, fmt.Errorf("lock file %s is empty", LockFile)
	}
	err = json.Unmarshal(data, &info)
	return info, err
}
