// Package filescache remembers which local reference files have already
// been uploaded so unchanged files are not sent again while their remote
// copy is still usable.
package filescache

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/imagebatch/internal/errors"
	"github.com/Iron-Ham/imagebatch/internal/util"
)

// DefaultSafetyMargin is the remaining lifetime below which an upload is
// no longer reused.
const DefaultSafetyMargin = time.Hour

// Entry is one uploaded file.
type Entry struct {
	LocalPath  string    `json:"localPath"`
	SHA256     string    `json:"sha256"`
	URI        string    `json:"uri"`
	Name       string    `json:"name"`
	MIME       string    `json:"mime"`
	SizeBytes  int64     `json:"sizeBytes,omitempty"`
	UploadedAt time.Time `json:"uploadedAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type document struct {
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// Stats summarizes the cache.
type Stats struct {
	Total   int
	Valid   int
	Expired int
	Bytes   int64
}

// Store is the files cache persisted as files-cache.json. It is safe for
// concurrent use.
type Store struct {
	fs     afero.Fs
	path   string
	margin time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithSafetyMargin overrides DefaultSafetyMargin.
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Store) { s.margin = d }
}

// Open loads the cache at path. A missing file is an empty cache; an
// unreadable one is an error.
func Open(fs afero.Fs, path string, opts ...Option) (*Store, error) {
	s := &Store{
		fs:      fs,
		path:    path,
		margin:  DefaultSafetyMargin,
		now:     time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range opts {
		opt(s)
	}

	var doc document
	if err := util.ReadJSON(fs, path, &doc); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrap(err, "load files cache")
	}
	for k, v := range doc.Entries {
		s.entries[k] = v
	}
	return s, nil
}

// Path returns the cache file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) valid(e Entry) bool {
	return e.ExpiresAt.Sub(s.now()) > s.margin
}

// Lookup returns the entry for localPath when its hash equals sha256 and
// its remaining lifetime exceeds the safety margin. Stale entries are left
// in place.
func (s *Store) Lookup(localPath, sha256 string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[localPath]
	if !ok || e.SHA256 != sha256 || !s.valid(e) {
		return Entry{}, false
	}
	return e, true
}

// Put records an upload and persists the cache before returning.
func (s *Store) Put(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.entries[e.LocalPath]
	s.entries[e.LocalPath] = e
	if err := s.saveLocked(); err != nil {
		if had {
			s.entries[e.LocalPath] = prev
		} else {
			delete(s.entries, e.LocalPath)
		}
		return err
	}
	return nil
}

// Remove drops the entry for localPath.
func (s *Store) Remove(localPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.entries[localPath]
	if !ok {
		return nil
	}
	delete(s.entries, localPath)
	if err := s.saveLocked(); err != nil {
		s.entries[localPath] = prev
		return err
	}
	return nil
}

// Sweep removes entries that are no longer valid and returns how many
// were removed.
func (s *Store) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := make(map[string]Entry)
	for k, e := range s.entries {
		if !s.valid(e) {
			expired[k] = e
			delete(s.entries, k)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		for k, e := range expired {
			s.entries[k] = e
		}
		return 0, err
	}
	return len(expired), nil
}

// Stats counts valid and expired entries.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st Stats
	for _, e := range s.entries {
		st.Total++
		st.Bytes += e.SizeBytes
		if s.valid(e) {
			st.Valid++
		} else {
			st.Expired++
		}
	}
	return st
}

// Entries returns all entries sorted by local path.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocalPath < out[j].LocalPath })
	return out
}

func (s *Store) saveLocked() error {
	doc := document{Entries: s.entries, UpdatedAt: s.now().UTC()}
	if err := util.WriteJSONAtomic(s.fs, s.path, doc); err != nil {
		return errors.Wrap(err, "save files cache")
	}
	return nil
}
