/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (config.toml, LEDGER_* environment, flags)
  2. Build the zap logger
  3. Open the configured store (memory, SQLite or PostgreSQL)
  4. Create API handler with dependencies
  5. Start the daily closing scheduler
  6. Configure HTTP router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Directory holding config.toml (default: .)
  -port    HTTP server port, overrides app.port
  -db      SQLite database path, overrides database.path and selects sqlite
           Use ":memory:" for in-memory database

STORAGE DRIVERS:
  memory    Everything in process memory
  sqlite    Ledger, catalog, audits and closings in one SQLite file
  postgres  Ledger and closings in PostgreSQL; catalog and audits in memory

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the closing scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/ledger.db"

  # Run against PostgreSQL
  LEDGER_DATABASE_DRIVER=postgres LEDGER_DATABASE_DSN=postgres://... ./server

  # Run on different port
  ./server -port=3000

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/audit"
	"github.com/warp/ledger-engine/catalog"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/ledger"
	ledgerstore "github.com/warp/ledger-engine/ledger/store"
	"github.com/warp/ledger-engine/logger"
	"github.com/warp/ledger-engine/store/postgres"
	"github.com/warp/ledger-engine/store/sqlite"
)

func main() {
	// Flags
	configDir := flag.String("config", ".", "Directory holding config.toml")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg, err := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	// Initialize stores
	deps, closeStore, err := openStores(context.Background(), cfg, lg)
	if err != nil {
		lg.Fatal("failed to initialize storage", zap.String("driver", cfg.Database.Driver), zap.Error(err))
	}
	defer closeStore()

	// Initialize handler
	handler := api.NewHandler(deps)

	handler.Scheduler.Enabled = cfg.Scheduler.Enabled
	handler.Scheduler.CheckInterval = cfg.Scheduler.Interval
	handler.Scheduler.Start()

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.HTTP.CORSAllowOrigins})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		lg.Info("server starting",
			zap.String("app", cfg.App.Name),
			zap.String("env", cfg.App.Env),
			zap.Int("port", cfg.App.Port),
			zap.String("driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down server")
	handler.Scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		lg.Error("server forced to shutdown", zap.Error(err))
		return
	}

	lg.Info("server stopped")
}

// openStores builds the handler dependencies for the configured driver.
// The returned func closes whatever was opened.
func openStores(ctx context.Context, cfg *config.Config, lg *zap.Logger) (api.Deps, func(), error) {
	newLedger := func(s ledger.Store) *ledger.DefaultLedger {
		l := ledger.NewLedger(s)
		l.LockTimeout = cfg.Ledger.LockTimeout
		l.Logger = lg.Named("ledger")
		return l
	}

	switch cfg.Database.Driver {
	case config.DriverMemory:
		store := ledgerstore.NewMemory()
		return api.Deps{
			Ledger:   newLedger(store),
			Catalog:  catalog.NewMemory(),
			Audits:   audit.NewMemoryRepository(),
			Closings: store,
			Logger:   lg,
		}, func() {}, nil

	case config.DriverSQLite:
		store, err := sqlite.New(cfg.Database.Path, sqlite.WithLogger(lg.Named("sqlite")))
		if err != nil {
			return api.Deps{}, nil, err
		}
		return api.Deps{
			Ledger:   newLedger(store),
			Catalog:  store,
			Audits:   store,
			Closings: store,
			Logger:   lg,
		}, func() { store.Close() }, nil

	case config.DriverPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			DSN:         cfg.Database.DSN,
			MaxConns:    cfg.Database.MaxConns,
			LockTimeout: cfg.Ledger.LockTimeout,
		}, lg.Named("postgres"))
		if err != nil {
			return api.Deps{}, nil, err
		}
		lg.Warn("catalog and audits are kept in memory with the postgres driver")
		return api.Deps{
			Ledger:   newLedger(store),
			Catalog:  catalog.NewMemory(),
			Audits:   audit.NewMemoryRepository(),
			Closings: store,
			Logger:   lg,
		}, store.Close, nil
	}
	return api.Deps{}, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
}
