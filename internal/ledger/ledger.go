// Package ledger records which task keys have been applied to disk, so a
// later plan can skip work that already produced an image.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/Iron-Ham/imagebatch/internal/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS applied_outputs (
	task_key    TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	output_path TEXT NOT NULL,
	applied_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_applied_outputs_run ON applied_outputs(run_id);
`

// Entry is one applied output.
type Entry struct {
	TaskKey    string
	RunID      string
	OutputPath string
	AppliedAt  time.Time
}

type row struct {
	TaskKey    string `db:"task_key"`
	RunID      string `db:"run_id"`
	OutputPath string `db:"output_path"`
	AppliedAt  string `db:"applied_at"`
}

func (r row) entry() Entry {
	at, _ := time.Parse(time.RFC3339Nano, r.AppliedAt)
	return Entry{TaskKey: r.TaskKey, RunID: r.RunID, OutputPath: r.OutputPath, AppliedAt: at}
}

// Ledger is a SQLite-backed set of applied task keys.
type Ledger struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens or creates the ledger database at path. ":memory:" opens a
// private in-memory ledger.
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// An in-memory database exists only on the connection that made it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure ledger: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Ledger{db: db, now: time.Now}, nil
}

// Close closes the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record marks key as applied, replacing any earlier record of the key.
func (l *Ledger) Record(ctx context.Context, key, runID, outputPath string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO applied_outputs (task_key, run_id, output_path, applied_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_key) DO UPDATE SET
			run_id = excluded.run_id,
			output_path = excluded.output_path,
			applied_at = excluded.applied_at
	`, key, runID, outputPath, l.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return nil
}

// Has reports whether key has been applied.
func (l *Ledger) Has(ctx context.Context, key string) (bool, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM applied_outputs WHERE task_key = ?`, key); err != nil {
		return false, fmt.Errorf("look up %s: %w", key, err)
	}
	return n > 0, nil
}

// Lookup returns the record of key.
func (l *Ledger) Lookup(ctx context.Context, key string) (Entry, error) {
	var r row
	err := l.db.GetContext(ctx, &r,
		`SELECT task_key, run_id, output_path, applied_at FROM applied_outputs WHERE task_key = ?`, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, errors.NewNotFoundError("applied output", key)
		}
		return Entry{}, fmt.Errorf("look up %s: %w", key, err)
	}
	return r.entry(), nil
}

// ForRun returns the outputs a run applied, ordered by key.
func (l *Ledger) ForRun(ctx context.Context, runID string) ([]Entry, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows,
		`SELECT task_key, run_id, output_path, applied_at FROM applied_outputs WHERE run_id = ? ORDER BY task_key`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outputs of %s: %w", runID, err)
	}
	out := make([]Entry, len(rows))
	for i, r := range rows {
		out[i] = r.entry()
	}
	return out, nil
}

// Count returns the number of applied keys.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM applied_outputs`); err != nil {
		return 0, fmt.Errorf("count applied outputs: %w", err)
	}
	return n, nil
}
