// Package journal keeps a local history of builds in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/kernelforge/internal/foundation/errors"
)

// Entry is one recorded build.
type Entry struct {
	ID            int64
	BuildID       string
	Mode          string
	Status        string
	ComputeCap    int
	Units         int
	Stale         int
	Compiled      int
	Changed       bool
	ArtifactBytes int64
	Duration      time.Duration
	Error         string
	RecordedAt    time.Time
}

// Journal stores Entries.
type Journal struct {
	db    *sql.DB
	mu    sync.RWMutex
	clock clockwork.Clock
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock sets the clock used to stamp entries.
func WithClock(c clockwork.Clock) Option {
	return func(j *Journal) { j.clock = c }
}

// Open opens (creating if needed) the journal at path and its parent
// directory. Use ":memory:" for an in-memory journal.
func Open(path string, opts ...Option) (*Journal, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, ferrors.JournalError(fmt.Sprintf("failed to create journal directory for %s", path)).
				WithCause(err).
				WithContext("path", path).
				Build()
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, ferrors.JournalError("failed to open journal").
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	// One connection keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	j := &Journal{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.JournalError("failed to initialize journal schema").
			WithCause(err).
			WithContext("path", path).
			Build()
	}
	return j, nil
}

func (j *Journal) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		status TEXT NOT NULL,
		compute_cap INTEGER NOT NULL,
		units INTEGER NOT NULL,
		stale INTEGER NOT NULL,
		compiled INTEGER NOT NULL,
		changed INTEGER NOT NULL,
		artifact_bytes INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_builds_recorded_at ON builds(recorded_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record appends e, stamping it with the journal clock. It returns the
// stored entry.
func (j *Journal) Record(ctx context.Context, e Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	e.RecordedAt = j.clock.Now().UTC().Truncate(time.Millisecond)
	res, err := j.db.ExecContext(ctx,
		`INSERT INTO builds (build_id, mode, status, compute_cap, units, stale, compiled, changed, artifact_bytes, duration_ms, error, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.BuildID, e.Mode, e.Status, e.ComputeCap, e.Units, e.Stale, e.Compiled, e.Changed,
		e.ArtifactBytes, e.Duration.Milliseconds(), e.Error, e.RecordedAt.UnixMilli(),
	)
	if err == nil {
		e.ID, err = res.LastInsertId()
	}
	if err != nil {
		return Entry{}, ferrors.JournalError("failed to record build").
			WithCause(err).
			WithContext("build_id", e.BuildID).
			Build()
	}
	return e, nil
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, build_id, mode, status, compute_cap, units, stale, compiled, changed, artifact_bytes, duration_ms, error, recorded_at
		FROM builds ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			durationMS int64
			recordedAt int64
			errText    sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BuildID, &e.Mode, &e.Status, &e.ComputeCap, &e.Units, &e.Stale,
			&e.Compiled, &e.Changed, &e.ArtifactBytes, &durationMS, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan build: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		e.Error = errText.String
		e.RecordedAt = time.UnixMilli(recordedAt).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}
