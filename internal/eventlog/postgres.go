package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSchema creates the events table. [OpenPostgres] applies it.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS session_events (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    payload    JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, id);
CREATE INDEX IF NOT EXISTS idx_session_events_created ON session_events(created_at);
`

// DB is the subset of *pgxpool.Pool used by [PostgresStore].
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// PostgresStore is a [Store] in PostgreSQL.
type PostgresStore struct {
	db    DB
	close func()
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps db. Call [PostgresStore.Migrate] before use.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: connect postgres: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog: ping postgres: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [PostgresSchema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, PostgresSchema); err != nil {
		return fmt.Errorf("eventlog: migrate postgres: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Event) error {
	payload, err := marshalPayload(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO session_events (session_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4)`,
		e.SessionID, e.Type, payload, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("eventlog: append: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, event_type, payload, created_at
		 FROM session_events WHERE session_id = $1 ORDER BY id ASC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("eventlog: decode payload of event %d: %w", e.ID, err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	return events, nil
}

// Prune implements [Store].
func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM session_events WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// Close releases the pool when the store opened it.
func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
