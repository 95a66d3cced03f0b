package filescache

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newStore(t *testing.T, fs afero.Fs, now *time.Time) *Store {
	t.Helper()
	s, err := Open(fs, "/artifacts/files-cache.json", WithClock(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestLookupValidity(t *testing.T) {
	now := epoch
	s := newStore(t, afero.NewMemMapFs(), &now)

	if err := s.Put(Entry{LocalPath: "/a.png", SHA256: "h1", URI: "u1", ExpiresAt: epoch.Add(2 * time.Hour)}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		advance time.Duration
		hash    string
		want    bool
	}{
		{"fresh and matching", 0, "h1", true},
		{"hash changed", 0, "h2", false},
		{"just outside margin", time.Hour + time.Second, "h1", false},
		{"exactly at margin", time.Hour, "h1", false},
		{"inside margin", 59 * time.Minute, "h1", true},
		{"expired", 3 * time.Hour, "h1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now = epoch.Add(tt.advance)
			_, ok := s.Lookup("/a.png", tt.hash)
			if ok != tt.want {
				t.Errorf("Lookup() hit = %v, want %v", ok, tt.want)
			}
		})
	}

	if _, ok := s.Lookup("/missing.png", "h1"); ok {
		t.Error("Lookup() of unknown path hit")
	}
	if got := s.Stats().Total; got != 1 {
		t.Errorf("lookups evicted entries: total = %d", got)
	}
}

func TestPutPersists(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := epoch
	s := newStore(t, fs, &now)

	e := Entry{LocalPath: "/a.png", SHA256: "h", URI: "u", Name: "files/a", ExpiresAt: epoch.Add(48 * time.Hour)}
	if err := s.Put(e); err != nil {
		t.Fatal(err)
	}

	reopened := newStore(t, fs, &now)
	got, ok := reopened.Lookup("/a.png", "h")
	if !ok || got.URI != "u" || got.Name != "files/a" {
		t.Errorf("reopened Lookup() = %+v, %v", got, ok)
	}
}

func TestPutFailureKeepsMemoryConsistent(t *testing.T) {
	now := epoch
	s := newStore(t, afero.NewReadOnlyFs(afero.NewMemMapFs()), &now)

	if err := s.Put(Entry{LocalPath: "/a.png", SHA256: "h", ExpiresAt: epoch.Add(48 * time.Hour)}); err == nil {
		t.Fatal("Put() on read-only fs should fail")
	}
	if _, ok := s.Lookup("/a.png", "h"); ok {
		t.Error("failed Put() left an entry behind")
	}
}

func TestFailedSaveKeepsMemoryAndDiskInSync(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := epoch
	s := newStore(t, fs, &now)
	for _, e := range []Entry{
		{LocalPath: "/fresh", SHA256: "a", ExpiresAt: epoch.Add(10 * time.Hour)},
		{LocalPath: "/gone", SHA256: "b", ExpiresAt: epoch.Add(-time.Hour)},
	} {
		if err := s.Put(e); err != nil {
			t.Fatal(err)
		}
	}

	s.fs = afero.NewReadOnlyFs(fs)
	if n, err := s.Sweep(); err == nil || n != 0 {
		t.Fatalf("Sweep() = %d, %v; want a save error", n, err)
	}
	if err := s.Remove("/fresh"); err == nil {
		t.Fatal("Remove() on read-only fs should fail")
	}
	if st := s.Stats(); st.Total != 2 {
		t.Errorf("in-memory entries = %d, want 2", st.Total)
	}

	reopened := newStore(t, fs, &now)
	if st := reopened.Stats(); st.Total != 2 {
		t.Errorf("on-disk entries = %d, want 2", st.Total)
	}
}

func TestSweepAndStats(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := epoch
	s := newStore(t, fs, &now)

	for _, e := range []Entry{
		{LocalPath: "/fresh", SHA256: "a", ExpiresAt: epoch.Add(10 * time.Hour), SizeBytes: 10},
		{LocalPath: "/stale", SHA256: "b", ExpiresAt: epoch.Add(30 * time.Minute), SizeBytes: 5},
		{LocalPath: "/gone", SHA256: "c", ExpiresAt: epoch.Add(-time.Hour)},
	} {
		if err := s.Put(e); err != nil {
			t.Fatal(err)
		}
	}

	st := s.Stats()
	if st.Total != 3 || st.Valid != 1 || st.Expired != 2 || st.Bytes != 15 {
		t.Errorf("Stats() = %+v", st)
	}

	removed, err := s.Sweep()
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Errorf("Sweep() removed %d, want 2", removed)
	}

	reopened := newStore(t, fs, &now)
	entries := reopened.Entries()
	if len(entries) != 1 || entries[0].LocalPath != "/fresh" {
		t.Errorf("entries after sweep = %+v", entries)
	}
}

func TestRemove(t *testing.T) {
	now := epoch
	s := newStore(t, afero.NewMemMapFs(), &now)
	if err := s.Put(Entry{LocalPath: "/a", SHA256: "h", ExpiresAt: epoch.Add(48 * time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("/a"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("/a"); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
	if s.Stats().Total != 0 {
		t.Error("entry not removed")
	}
}

func TestOpenCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/c.json", []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(fs, "/c.json"); err == nil {
		t.Error("Open() of corrupt cache should fail")
	}
}
