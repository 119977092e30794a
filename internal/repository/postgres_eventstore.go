package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-mcp/backend/internal/events"
)

// PostgresEventStore is a PostgreSQL implementation of the EventStore interface.
type PostgresEventStore struct {
	db *pgxpool.Pool
}

// NewPostgresEventStore creates a new PostgresEventStore.
func NewPostgresEventStore(db *pgxpool.Pool) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// EnsureSchema creates the events table if it does not exist.
func (s *PostgresEventStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `CREATE TABLE IF NOT EXISTS events (
		id UUID PRIMARY KEY,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		level TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		payload JSONB
	)`)
	return err
}

// SaveEvent persists a single event.
func (s *PostgresEventStore) SaveEvent(ctx context.Context, e events.Event) error {
	var payload []byte
	if e.Payload != nil {
		var err error
		payload, err = json.Marshal(e.Payload)
		if err != nil {
			return err
		}
	}
	_, err := s.db.Exec(ctx,
		"INSERT INTO events (id, type, source, level, timestamp, payload) VALUES ($1, $2, $3, $4, $5, $6)",
		e.ID, string(e.Type), e.Source, e.Level, e.Timestamp, payload)
	return err
}

// RecentEvents returns up to limit events, newest first.
func (s *PostgresEventStore) RecentEvents(ctx context.Context, limit int) ([]events.Event, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id, type, source, level, timestamp, payload FROM events ORDER BY timestamp DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var e events.Event
		var typ string
		var payload []byte
		if err := rows.Scan(&e.ID, &typ, &e.Source, &e.Level, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		e.Type = events.Type(typ)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
