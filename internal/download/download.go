// Package download fetches the results of finished jobs into the run
// directory and checks them against the requests they answer.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/batch"
	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/event"
	"github.com/Iron-Ham/imagebatch/internal/jsonl"
	"github.com/Iron-Ham/imagebatch/internal/logging"
	"github.com/Iron-Ham/imagebatch/internal/remote"
	"github.com/Iron-Ham/imagebatch/internal/runstore"
)

// DefaultProgressEvery is how many bytes pass between progress reports.
const DefaultProgressEvery int64 = 10 << 20

// Options tunes downloading.
type Options struct {
	ProgressEvery int64
	// Redownload fetches chunks that already have a results file.
	Redownload bool
}

// Result summarizes DownloadAll.
type Result struct {
	Files       []runstore.ResultFile
	Existing    int
	Validations []jsonl.Validation
	// Errors holds per-job download failures. Other jobs still download.
	Errors []error
}

// IntegrityErrors returns the validations that did not match their chunk.
func (r *Result) IntegrityErrors() []error {
	var errs []error
	for _, v := range r.Validations {
		if err := v.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Downloader streams job results to disk.
type Downloader struct {
	svc    remote.Service
	opts   Options
	logger *logging.Logger
	bus    *event.Bus
	now    func() time.Time
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Downloader) { d.logger = l }
}

// WithEventBus publishes download progress and integrity events.
func WithEventBus(b *event.Bus) Option {
	return func(d *Downloader) { d.bus = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) { d.now = now }
}

// New creates a Downloader.
func New(svc remote.Service, opts Options, options ...Option) *Downloader {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = DefaultProgressEvery
	}
	d := &Downloader{svc: svc, opts: opts, logger: logging.NopLogger(), now: time.Now}
	for _, o := range options {
		o(d)
	}
	return d
}

// DownloadAll moves the run to downloading, fetches the results of every
// succeeded job that has none locally, and validates each results file
// against its request file. Validation failures are reported, not fixed.
func (d *Downloader) DownloadAll(ctx context.Context, store *runstore.Store) (*Result, error) {
	if err := store.UpdatePhase(batch.PhaseDownloading); err != nil {
		return nil, err
	}

	res := &Result{}
	st := store.State()
	for _, job := range st.Jobs {
		if job.State != batch.JobSucceeded {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "download results")
		}

		rf, ok := st.ResultFor(job.ChunkIndex)
		if ok && !d.opts.Redownload {
			if exists, _ := afero.Exists(store.Fs(), rf.Path); exists {
				res.Existing++
				res.Files = append(res.Files, rf)
				continue
			}
		}

		rf, err := d.Download(ctx, store, job)
		if err != nil {
			if ctx.Err() != nil {
				return res, errors.Wrap(ctx.Err(), "download results")
			}
			d.logger.WithJob(job.JobID).Error("download failed", "error", err.Error())
			res.Errors = append(res.Errors, errors.Wrapf(err, "chunk %d", job.ChunkIndex))
			continue
		}
		res.Files = append(res.Files, rf)
	}

	for _, rf := range res.Files {
		v, err := d.Verify(store, rf)
		if err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Validations = append(res.Validations, v)
	}
	return res, nil
}

// Download writes one job's results to the chunk's results file and
// records it in the run state. Output files are streamed; inline
// responses are fetched from the job and written line by line.
func (d *Downloader) Download(ctx context.Context, store *runstore.Store, job runstore.JobInfo) (runstore.ResultFile, error) {
	log := d.logger.WithJob(job.JobID).WithChunk(job.ChunkIndex)
	path := store.Layout().ResultFile(job.ChunkIndex)
	fs := store.Fs()

	var src io.Reader
	if job.OutputFile != "" {
		rc, err := d.svc.Download(ctx, job.OutputFile)
		if err != nil {
			return runstore.ResultFile{}, err
		}
		defer rc.Close()
		src = rc
	} else {
		remoteJob, err := d.svc.GetJob(ctx, job.JobID)
		if err != nil {
			return runstore.ResultFile{}, err
		}
		if remoteJob.OutputFile != "" {
			if err := store.SetJobOutput(job.JobID, remoteJob.OutputFile); err != nil {
				return runstore.ResultFile{}, err
			}
			job.OutputFile = remoteJob.OutputFile
			return d.Download(ctx, store, job)
		}
		if len(remoteJob.InlineResponses) == 0 {
			return runstore.ResultFile{}, errors.Wrapf(errors.ErrNoResults, "job %s", job.JobID)
		}
		if src, err = inlineResults(remoteJob.InlineResponses); err != nil {
			return runstore.ResultFile{}, err
		}
	}

	n, err := d.writeAtomic(fs, path, &progressReader{r: src, every: d.opts.ProgressEvery, report: func(total int64) {
		log.Info("downloading results", "bytes", humanize.IBytes(uint64(total)))
		d.publish(event.NewDownloadProgressEvent(job.JobID, total, false))
	}})
	if err != nil {
		return runstore.ResultFile{}, errors.Wrapf(err, "write %s", path)
	}
	d.publish(event.NewDownloadProgressEvent(job.JobID, n, true))

	rf := runstore.ResultFile{
		ChunkIndex:   job.ChunkIndex,
		JobID:        job.JobID,
		Path:         path,
		Bytes:        n,
		DownloadedAt: d.now().UTC(),
	}
	if err := store.AddResultFile(rf); err != nil {
		return runstore.ResultFile{}, err
	}
	log.Info("results downloaded", "path", path, "size", humanize.IBytes(uint64(n)))
	return rf, nil
}

// Verify compares a results file with the keys of its request file.
func (d *Downloader) Verify(store *runstore.Store, rf runstore.ResultFile) (jsonl.Validation, error) {
	requests, err := jsonl.ReadRequests(store.Fs(), store.Layout().RequestFile(rf.ChunkIndex))
	if err != nil {
		return jsonl.Validation{}, errors.Wrapf(err, "read requests for chunk %d", rf.ChunkIndex)
	}
	v, err := jsonl.Validate(store.Fs(), rf.Path, jsonl.Keys(requests))
	if err != nil {
		return jsonl.Validation{}, errors.Wrapf(err, "validate %s", rf.Path)
	}
	if !v.Valid() {
		d.logger.WithChunk(rf.ChunkIndex).Warn("results do not match requests",
			"missing", len(v.Missing),
			"extra", len(v.Extra),
			"duplicates", len(v.Duplicates),
			"malformed", v.Malformed,
		)
		d.publish(event.NewIntegrityEvent(rf.Path, len(v.Missing), len(v.Extra), v.Malformed))
	}
	return v, nil
}

// writeAtomic streams r into a temp file beside path and renames it into
// place once complete, so an interrupted download leaves no partial file.
func (d *Downloader) writeAtomic(fs afero.Fs, path string, r io.Reader) (int64, error) {
	tmp := path + ".part"
	f, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fs.Rename(tmp, path)
	}
	if err != nil {
		_ = fs.Remove(tmp)
		return 0, err
	}
	return n, nil
}

func (d *Downloader) publish(e event.Event) {
	if d.bus != nil {
		d.bus.Publish(e)
	}
}

// progressReader calls report each time another `every` bytes have been
// read.
type progressReader struct {
	r      io.Reader
	every  int64
	total  int64
	next   int64
	report func(total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.total += int64(n)
	if p.next == 0 {
		p.next = p.every
	}
	if p.total >= p.next {
		p.report(p.total)
		for p.next <= p.total {
			p.next += p.every
		}
	}
	return n, err
}

// inlineResults renders inline responses as JSONL, one compacted
// response per line.
func inlineResults(lines []json.RawMessage) (io.Reader, error) {
	var buf bytes.Buffer
	for i, l := range lines {
		if err := json.Compact(&buf, l); err != nil {
			return nil, errors.Wrapf(err, "inline response %d", i+1)
		}
		buf.WriteByte('\n')
	}
	return &buf, nil
}
