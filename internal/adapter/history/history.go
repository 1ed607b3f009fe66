// Package history implements the optional delivery-history audit log
// (§11 supplement): one SQLite row per terminal message outcome, purely
// for operators debugging a busy spool. It is never consulted for
// correctness — messages/archive/ remains the source of truth.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"brokerd/internal/domain"
)

// Entry is one recorded delivery outcome.
type Entry struct {
	From      string
	To        string
	Type      domain.MessageType
	ThreadID  string
	Outcome   string
	Detail    string
	Timestamp time.Time
}

// Recorder writes delivery outcomes to a SQLite database.
type Recorder struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and runs its
// migration.
func Open(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	return &Recorder{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS delivery_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			from_agent TEXT NOT NULL,
			to_agent   TEXT NOT NULL,
			msg_type   TEXT NOT NULL,
			thread_id  TEXT NOT NULL DEFAULT '',
			outcome    TEXT NOT NULL,
			detail     TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// Record inserts one delivery-outcome row. It implements the interface
// internal/usecase/worker.Pool's optional History field expects.
func (r *Recorder) Record(ctx context.Context, from, to string, msgType domain.MessageType, threadID, outcome, detail string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO delivery_history (from_agent, to_agent, msg_type, thread_id, outcome, detail, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		from, to, string(msgType), threadID, outcome, detail, at.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Recent returns the most recent limit entries, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT from_agent, to_agent, msg_type, thread_id, outcome, detail, recorded_at FROM delivery_history ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var msgType, recordedAt string
		if err := rows.Scan(&e.From, &e.To, &msgType, &e.ThreadID, &e.Outcome, &e.Detail, &recordedAt); err != nil {
			return nil, err
		}
		e.Type = domain.MessageType(msgType)
		ts, err := time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, err
		}
		e.Timestamp = ts
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByOutcome returns how many rows are recorded for each outcome,
// mainly useful for a `--doctor` style summary.
func (r *Recorder) CountByOutcome(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT outcome, COUNT(*) FROM delivery_history GROUP BY outcome")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, err
		}
		counts[outcome] = n
	}
	return counts, rows.Err()
}
