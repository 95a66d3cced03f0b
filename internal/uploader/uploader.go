// Package uploader stages reference images: it reuses uploads recorded in
// the files cache, uploads the rest with bounded concurrency and retries,
// and fills in each task's reference URIs.
package uploader

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/filescache"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/remote"
)

// Options tunes uploading. Zero values take the defaults below.
type Options struct {
	Concurrency     int
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ReadyTimeout    time.Duration
	ReadyInterval   time.Duration
	DefaultLifetime time.Duration
}

// Defaults.
const (
	DefaultConcurrency     = 5
	DefaultMaxRetries      = 5
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 16 * time.Second
	DefaultReadyTimeout    = 60 * time.Second
	DefaultDefaultLifetime = 48 * time.Hour
)

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	} else if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.DefaultLifetime <= 0 {
		o.DefaultLifetime = DefaultDefaultLifetime
	}
	return o
}

// Stats counts what happened to the distinct references of a batch.
type Stats struct {
	Uploaded int
	Cached   int
	Failed   int
	Bytes    int64
}

// Blocked is a task that cannot be submitted because one of its
// references failed to upload.
type Blocked struct {
	Task batch.Task
	Err  error
}

// Result is the outcome of Upload.
type Result struct {
	// Tasks are ready for submission, every reference carrying a URI.
	Tasks   []batch.Task
	Blocked []Blocked
	Stats   Stats
	// Errors holds one error per reference that failed.
	Errors []error
}

// Uploader uploads reference images.
type Uploader struct {
	fs    afero.Fs
	files remote.FileService
	cache *filescache.Store
	opts  Options

	logger *logging.Logger
	bus    *event.Bus
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(u *Uploader) { u.logger = l }
}

// WithEventBus publishes a ReferenceUploadedEvent per reference.
func WithEventBus(b *event.Bus) Option {
	return func(u *Uploader) { u.bus = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(u *Uploader) { u.now = now }
}

// WithSleep overrides the backoff sleep.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(u *Uploader) { u.sleep = sleep }
}

// New creates an Uploader.
func New(fs afero.Fs, files remote.FileService, cache *filescache.Store, opts Options, options ...Option) *Uploader {
	u := &Uploader{
		fs:     fs,
		files:  files,
		cache:  cache,
		opts:   opts.withDefaults(),
		logger: logging.NopLogger(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range options {
		o(u)
	}
	return u
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type outcome struct {
	uri    string
	cached bool
	bytes  int64
	err    error
}

// Upload resolves every distinct reference of tasks, by path, and returns
// copies of the tasks with URIs set. Per-reference failures do not stop
// the others; tasks depending on a failed reference are returned as
// Blocked. Only cancellation aborts the whole call.
func (u *Uploader) Upload(ctx context.Context, tasks []batch.Task) (*Result, error) {
	var refs []batch.Reference
	index := make(map[string]int)
	for _, t := range tasks {
		for _, r := range t.References {
			if _, ok := index[r.Path]; !ok {
				index[r.Path] = len(refs)
				refs = append(refs, r)
			}
		}
	}

	outcomes := make([]outcome, len(refs))
	var done atomic.Int64
	var publishMu sync.Mutex

	p := pool.New().WithMaxGoroutines(u.opts.Concurrency).WithContext(ctx)
	for i, ref := range refs {
		p.Go(func(ctx context.Context) error {
			outcomes[i] = u.resolve(ctx, ref)
			n := int(done.Add(1))
			if u.bus != nil && outcomes[i].err == nil {
				publishMu.Lock()
				u.bus.Publish(event.NewReferenceUploadedEvent(ref.Path, outcomes[i].cached, n, len(refs)))
				publishMu.Unlock()
			}
			return nil
		})
	}
	_ = p.Wait()
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "upload references")
	}

	res := &Result{}
	for i, o := range outcomes {
		switch {
		case o.err != nil:
			res.Stats.Failed++
			res.Errors = append(res.Errors, errors.Wrapf(o.err, "upload %s", refs[i].Path))
		case o.cached:
			res.Stats.Cached++
		default:
			res.Stats.Uploaded++
			res.Stats.Bytes += o.bytes
		}
	}

	for _, t := range tasks {
		c := t.Clone()
		var blockErr error
		for j := range c.References {
			o := outcomes[index[c.References[j].Path]]
			if o.err != nil {
				blockErr = o.err
				break
			}
			c.References[j].URI = o.uri
		}
		if blockErr != nil {
			res.Blocked = append(res.Blocked, Blocked{Task: t.WithoutStagingState(), Err: blockErr})
			continue
		}
		res.Tasks = append(res.Tasks, c)
	}

	u.logger.Info("references staged",
		"distinct", len(refs),
		"uploaded", res.Stats.Uploaded,
		"cached", res.Stats.Cached,
		"failed", res.Stats.Failed,
		"blocked_tasks", len(res.Blocked),
	)
	return res, nil
}

func (u *Uploader) resolve(ctx context.Context, ref batch.Reference) outcome {
	if u.cache != nil {
		if e, ok := u.cache.Lookup(ref.Path, ref.SHA256); ok {
			return outcome{uri: e.URI, cached: true}
		}
	}

	f, err := u.uploadWithRetry(ctx, ref)
	if err != nil {
		u.logger.Warn("reference upload failed", "path", ref.Path, "error", err.Error())
		return outcome{err: err}
	}
	if f.State != remote.FileActive {
		f, err = remote.WaitForActive(ctx, u.files, f.Name, u.opts.ReadyTimeout, u.opts.ReadyInterval)
		if err != nil {
			return outcome{err: err}
		}
	}

	now := u.now().UTC()
	expires := f.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(u.opts.DefaultLifetime)
	}
	if u.cache != nil {
		entry := filescache.Entry{
			LocalPath:  ref.Path,
			SHA256:     ref.SHA256,
			URI:        f.URI,
			Name:       f.Name,
			MIME:       ref.MIME,
			SizeBytes:  f.SizeBytes,
			UploadedAt: now,
			ExpiresAt:  expires,
		}
		if err := u.cache.Put(entry); err != nil {
			u.logger.Warn("files cache not updated", "path", ref.Path, "error", err.Error())
		}
	}
	return outcome{uri: f.URI, bytes: f.SizeBytes}
}

// uploadWithRetry retries retryable failures with exponential backoff
// capped at MaxDelay. The file is reopened for each attempt.
func (u *Uploader) uploadWithRetry(ctx context.Context, ref batch.Reference) (remote.File, error) {
	var lastErr error
	for attempt := 0; attempt <= u.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := min(u.opts.BaseDelay<<(attempt-1), u.opts.MaxDelay)
			u.logger.Debug("retrying reference upload", "path", ref.Path, "attempt", attempt, "delay", delay.String())
			if err := u.sleep(ctx, delay); err != nil {
				return remote.File{}, err
			}
		}

		f, err := u.uploadOnce(ctx, ref)
		if err == nil {
			return f, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return remote.File{}, err
		}
	}
	return remote.File{}, lastErr
}

func (u *Uploader) uploadOnce(ctx context.Context, ref batch.Reference) (remote.File, error) {
	file, err := u.fs.Open(ref.Path)
	if err != nil {
		return remote.File{}, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return remote.File{}, err
	}

	return u.files.Upload(ctx, remote.Upload{
		DisplayName: displayName(ref.Path),
		MIMEType:    ref.MIME,
		Size:        info.Size(),
		Body:        file,
	})
}

func displayName(path string) string {
	return filepath.Base(path) + "-" + uuid.NewString()[:8]
}
