package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
`

// SQLiteStore is a [Store] in a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("eventlog: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: create data dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("eventlog: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements [Store].
func (s *SQLiteStore) Append(ctx context.Context, e Event) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at) VALUES(?, ?, ?, ?)`,
		e.SessionID, e.Type, string(payload), e.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload string
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &created); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("eventlog: decode payload of event %d: %w", e.ID, err)
		}
		if ts, err := time.Parse(timeLayout, created); err == nil {
			e.CreatedAt = ts
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune implements [Store].
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements [Store].
func (s *SQLiteStore) Close() error { return s.db.Close() }

func marshalPayload(p map[string]string) ([]byte, error) {
	if p == nil {
		p = map[string]string{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("eventlog: marshal payload: %w", err)
	}
	return data, nil
}
