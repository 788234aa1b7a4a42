// Package store keeps a ledger of processed report filenames so that re-runs
// can skip what was already delivered.
package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const ledgerDirMode = 0755

// Outcome is the last known state of a filename.
type Outcome string

const (
	OutcomeDelivered  Outcome = "delivered"
	OutcomeFailed     Outcome = "failed"
	OutcomeSinkFailed Outcome = "sink_failed"
)

// Entry is one row of the ledger.
type Entry struct {
	Filename   string    `json:"filename"`
	RunID      string    `json:"runId,omitempty"`
	Experiment string    `json:"experiment,omitempty"`
	Repository string    `json:"repository,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	Runs       int       `json:"runs"`
	Skipped    int       `json:"skipped"`
	Attempts   int       `json:"attempts"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Ledger is a SQLite-backed record of processed filenames.
type Ledger struct {
	db *sql.DB
	// SQLite allows one writer at a time; writes are serialized to avoid
	// SQLITE_BUSY.
	writeLock sync.Mutex
	now       func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS ingestions (
	filename   TEXT PRIMARY KEY,
	run_id     TEXT NOT NULL DEFAULT '',
	experiment TEXT NOT NULL DEFAULT '',
	repository TEXT NOT NULL DEFAULT '',
	commit_id  TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL,
	kind       TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	runs       INTEGER NOT NULL DEFAULT 0,
	skipped    INTEGER NOT NULL DEFAULT 0,
	attempts   INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ingestions_updated ON ingestions (updated_at);
`

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, ledgerDirMode); err != nil {
			return nil, errors.Wrapf(err, "could not make directory %s for the ledger", dir)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening ledger %s", path)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating ledger schema")
	}
	log.WithField("path", path).Debug("Opened ingestion ledger")
	return &Ledger{db: db, now: time.Now}, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record stores the latest outcome for e.Filename, counting attempts.
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	l.writeLock.Lock()
	defer l.writeLock.Unlock()

	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = l.now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ingestions (filename, run_id, experiment, repository, commit_id, outcome, kind, error, runs, skipped, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
		ON CONFLICT(filename) DO UPDATE SET
			run_id = excluded.run_id,
			experiment = excluded.experiment,
			repository = excluded.repository,
			commit_id = excluded.commit_id,
			outcome = excluded.outcome,
			kind = excluded.kind,
			error = excluded.error,
			runs = excluded.runs,
			skipped = excluded.skipped,
			attempts = ingestions.attempts + 1,
			updated_at = excluded.updated_at`,
		e.Filename, e.RunID, e.Experiment, e.Repository, e.Commit, string(e.Outcome), e.Kind, e.Error,
		e.Runs, e.Skipped, updated.UnixNano())
	return errors.Wrapf(err, "recording %s", e.Filename)
}

// Delivered reports whether filename was already delivered.
func (l *Ledger) Delivered(ctx context.Context, filename string) (bool, error) {
	var outcome string
	err := l.db.QueryRowContext(ctx, "SELECT outcome FROM ingestions WHERE filename = ?", filename).Scan(&outcome)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "looking up %s", filename)
	}
	return Outcome(outcome) == OutcomeDelivered, nil
}

// Stats counts filenames per outcome.
func (l *Ledger) Stats(ctx context.Context) (map[Outcome]int, error) {
	rows, err := l.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM ingestions GROUP BY outcome")
	if err != nil {
		return nil, errors.Wrap(err, "counting outcomes")
	}
	defer rows.Close()

	stats := map[Outcome]int{}
	for rows.Next() {
		var outcome string
		var count int
		if err := rows.Scan(&outcome, &count); err != nil {
			return nil, err
		}
		stats[Outcome(outcome)] = count
	}
	return stats, rows.Err()
}

// Recent returns up to limit entries, most recently updated first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT filename, run_id, experiment, repository, commit_id, outcome, kind, error, runs, skipped, attempts, updated_at
		FROM ingestions ORDER BY updated_at DESC, filename LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "listing recent ingestions")
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var outcome string
		var updated int64
		if err := rows.Scan(&e.Filename, &e.RunID, &e.Experiment, &e.Repository, &e.Commit, &outcome,
			&e.Kind, &e.Error, &e.Runs, &e.Skipped, &e.Attempts, &updated); err != nil {
			return nil, err
		}
		e.Outcome = Outcome(outcome)
		e.UpdatedAt = time.Unix(0, updated).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// HealthCheck runs a trivial query.
func (l *Ledger) HealthCheck(ctx context.Context) error {
	var one int
	if err := l.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "SQL health check failed")
	}
	return nil
}
