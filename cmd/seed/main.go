// Command seed prepares the events database: it creates the schema and
// writes a marker event so a fresh deployment can be verified end to end.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-mcp/backend/internal/config"
	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/logging"
	"fleet-mcp/backend/internal/repository"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	// Load config
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.DB.Host == "" {
		log.Fatalf("No database configured, set db.host in config.yaml")
	}

	// Connect to DB
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()

	store := repository.NewPostgresEventStore(pool)

	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to create schema: %v", err)
	}
	logger.Info("Events schema ready")

	marker := events.New(events.TypeStarted, "seed", "info", map[string]interface{}{
		"message": "schema bootstrap",
	})
	if err := store.SaveEvent(ctx, marker); err != nil {
		log.Fatalf("Failed to write marker event: %v", err)
	}
	logger.Info("Seeding complete!", "event_id", marker.ID)
}
