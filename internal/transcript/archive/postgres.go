// Package archive persists final transcript events to PostgreSQL. It is an
// optional router subscriber; the live pipeline never waits on it.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callscribe/internal/transcript"
	"github.com/MrWong99/callscribe/pkg/types"
)

// Schema is the SQL DDL for the transcript_events table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS transcript_events (
    id          BIGSERIAL PRIMARY KEY,
    call_id     TEXT NOT NULL,
    audio_type  TEXT NOT NULL,
    speaker     TEXT NOT NULL,
    text        TEXT NOT NULL,
    item_id     TEXT NOT NULL DEFAULT '',
    event_time  TIMESTAMPTZ NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_transcript_events_call ON transcript_events(call_id, event_time);
`

// defaultListLimit caps [Store.List] when the caller passes no limit.
const defaultListLimit = 500

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store reads and writes archived transcript events.
// All methods are safe for concurrent use.
type Store struct {
	db   DB
	pool *pgxpool.Pool // set by Open only
}

// NewStore wraps an existing connection or pool. The caller is responsible
// for calling [Store.Migrate] before issuing queries.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Open connects to the PostgreSQL database at dsn, pings it and runs
// [Store.Migrate]. Close the returned store to release the pool.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	s := &Store{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("archive: migrate: %w", err)
	}
	return nil
}

// Ping checks the pool. A store built with [NewStore] always reports healthy.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close releases the pool opened by [Open]. No-op for stores built with
// [NewStore].
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Write inserts one event.
func (s *Store) Write(ctx context.Context, evt transcript.Event) error {
	const q = `
		INSERT INTO transcript_events
		    (call_id, audio_type, speaker, text, item_id, event_time)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.db.Exec(ctx, q,
		evt.CallID,
		string(evt.AudioType),
		string(evt.Speaker),
		evt.Text,
		evt.ItemID,
		evt.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive: write: %w", err)
	}
	return nil
}

// List returns up to limit archived events of callID, oldest first. A
// non-positive limit means 500.
func (s *Store) List(ctx context.Context, callID string, limit int) ([]transcript.Event, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	const q = `
		SELECT call_id, audio_type, speaker, text, item_id, event_time
		FROM   transcript_events
		WHERE  call_id = $1
		ORDER  BY event_time, id
		LIMIT  $2`

	rows, err := s.db.Query(ctx, q, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	defer rows.Close()

	var out []transcript.Event
	for rows.Next() {
		var (
			evt       transcript.Event
			audioType string
			speaker   string
			ts        time.Time
		)
		if err := rows.Scan(&evt.CallID, &audioType, &speaker, &evt.Text, &evt.ItemID, &ts); err != nil {
			return nil, fmt.Errorf("archive: scan: %w", err)
		}
		evt.AudioType = types.Channel(audioType)
		evt.Speaker = types.Speaker(speaker)
		evt.Timestamp = ts
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	return out, nil
}
