// Package journal persists applied events to SQLite so a store can be rebuilt
// by replaying them.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/raphaelgruber/kvasir-sync/internal/events"
	"github.com/raphaelgruber/kvasir-sync/internal/models"
	"github.com/raphaelgruber/kvasir-sync/internal/records"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	key_kind   TEXT NOT NULL,
	key_scope  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_key ON events (key_kind, key_scope, seq);
`

// Entry is one journaled event.
type Entry struct {
	Seq       int64
	Key       models.Key
	Event     events.Event
	CreatedAt time.Time
}

// Applier re-applies replayed events.
type Applier interface {
	Apply(ev events.Event) (records.Result, error)
}

// Journal is an append-only event log.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the journal at path with WAL and a busy timeout.
func Open(ctx context.Context, path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps seq order equal to Append order.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s on %s: %w", pragma, path, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Journal{db: db, now: time.Now}, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Append records ev at the end of the journal. Pass the effective event
// (records.Result.Effective) so a replay does not restamp completion times.
func (j *Journal) Append(ctx context.Context, ev events.Event) error {
	payload, err := events.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Kind(), err)
	}
	key := ev.Target()
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (kind, key_kind, key_scope, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(ev.Kind()), string(key.Kind), key.Scope, string(payload), j.now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append %s event: %w", ev.Kind(), err)
	}
	return nil
}

// Entries returns journaled events in append order. A zero key returns all of them.
func (j *Journal) Entries(ctx context.Context, key models.Key) ([]Entry, error) {
	query := `SELECT seq, key_kind, key_scope, payload, created_at FROM events`
	var args []any
	if key != (models.Key{}) {
		query += ` WHERE key_kind = ? AND key_scope = ?`
		args = append(args, string(key.Kind), key.Scope)
	}
	query += ` ORDER BY seq`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			keyKind   string
			payload   string
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &keyKind, &e.Key.Scope, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Key.Kind = models.KeyKind(keyKind)
		if e.Event, err = events.Unmarshal([]byte(payload)); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.Seq, err)
		}
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at of event %d: %w", e.Seq, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// Replay applies every journaled event to dst in order and returns how many were applied.
func (j *Journal) Replay(ctx context.Context, dst Applier) (int, error) {
	entries, err := j.Entries(ctx, models.Key{})
	if err != nil {
		return 0, err
	}
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if _, err := dst.Apply(e.Event); err != nil {
			return i, fmt.Errorf("replay event %d: %w", e.Seq, err)
		}
	}
	return len(entries), nil
}
