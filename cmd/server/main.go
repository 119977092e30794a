package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"fleet-mcp/backend/internal/api"
	"fleet-mcp/backend/internal/config"
	"fleet-mcp/backend/internal/events"
	"fleet-mcp/backend/internal/logging"
	"fleet-mcp/backend/internal/mcp"
	"fleet-mcp/backend/internal/observability"
	"fleet-mcp/backend/internal/registry"
	"fleet-mcp/backend/internal/repository"
	"fleet-mcp/backend/internal/supervisor"
	"fleet-mcp/backend/internal/workflow"
)

func main() {
	root := &cobra.Command{
		Use:   "fleet-core",
		Short: "Fleet core: process supervisor, client registry and workflow engine",
	}
	root.AddCommand(newServeCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "serve",
		Short:        "Run the fleet core HTTP server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	ctx := context.Background()
	logger := logging.NewLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return fmt.Errorf("configuration loading failed: %w", err)
	}
	logger.Info("Configuration loaded", "addr", cfg.Server.Addr)

	logger.Info("Starting Fleet Core Service")

	bus := events.NewBus()
	defer bus.Close()

	// Event persistence is optional; without a database the service runs
	// with the in-memory bus only.
	var store repository.EventStore
	if cfg.DB.Host != "" {
		dbPool, err := initDatabase(ctx, cfg, logger)
		if err != nil {
			logger.Error("Failed to initialize database: %v", err)
			return fmt.Errorf("database initialization failed: %w", err)
		}
		defer dbPool.Close()

		pgStore := repository.NewPostgresEventStore(dbPool)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			logger.Error("Failed to ensure schema: %v", err)
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		store = pgStore
		go persistEvents(ctx, bus, pgStore, logger)
		logger.Info("Database connected, event persistence enabled")
	}

	metrics, err := observability.NewMetrics(nil)
	if err != nil {
		logger.Warn("Metrics unavailable: %v", err)
	}

	sup := supervisor.New(supervisor.Config{
		Sink:         bus,
		Logger:       logger.With("supervisor"),
		StopGrace:    cfg.Supervisor.StopGrace,
		RestartDelay: cfg.Supervisor.RestartDelay,
		LogCapacity:  cfg.Supervisor.LogCapacity,
	})
	defer sup.Shutdown()

	reg := registry.New(registry.Config{
		Sink:                  bus,
		Logger:                logger.With("registry"),
		Metrics:               metrics,
		CallTimeout:           cfg.Registry.CallTimeout,
		DefaultHealthInterval: cfg.Registry.HealthInterval,
	})
	defer reg.Shutdown()

	engine := workflow.NewEngine(workflow.Config{
		Invoker: reg,
		Sink:    bus,
		Logger:  logger.With("workflow"),
	})

	logger.Info("Core components initialized")

	// Create Echo server
	e := echo.New()

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("fleet-core"))

	// Mount REST API handlers
	apiGroup := e.Group("/api/v1")
	apiServer := api.NewServer(sup, reg, engine, bus, store)
	apiServer.RegisterRoutes(apiGroup)

	logger.Info("REST API handlers mounted")

	// Mount MCP protocol handlers
	mcpServer := mcp.NewServer(sup, reg, engine)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer())
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	logger.Info("MCP protocol handlers mounted")

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      e,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", cfg.Server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != http.ErrServerClosed {
			logger.Error("Server error: %v", err)
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-shutdown:
		logger.Info("Shutdown signal received: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error: %v", err)
			}
		}

		logger.Info("Server stopped gracefully")
	}

	return nil
}

// persistEvents copies bus events into the store until ctx is done.
func persistEvents(ctx context.Context, bus *events.Bus, store repository.EventStore, logger *logging.Logger) {
	ch, cancel := bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := store.SaveEvent(ctx, e); err != nil {
				logger.Warn("Failed to persist event %s: %v", e.ID, err)
			}
		}
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pgxpool.Pool, error) {
	logger.Debug("Initializing database connection")

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DB.Host, cfg.DB.Port, cfg.DB.User, cfg.DB.Password, cfg.DB.Name, cfg.DB.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
