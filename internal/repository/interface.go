package repository

import (
	"context"

	"fleet-mcp/backend/internal/events"
)

// EventStore persists core events for the surrounding layers. The core itself
// never depends on it; it is wired as a bus subscriber at startup.
type EventStore interface {
	// SaveEvent persists a single event.
	SaveEvent(ctx context.Context, e events.Event) error
	// RecentEvents returns up to limit events, newest first.
	RecentEvents(ctx context.Context, limit int) ([]events.Event, error)
}
