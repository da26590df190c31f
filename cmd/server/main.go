/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the nutrition ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the logger
  3. Open the store (sqlite, postgres or memory)
  4. Create the ledger service and API handler
  5. Start the reconciliation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  See config/config.go. Flags override environment variables.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database connection
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/nutrition.db"

  # Run with in-memory database
  ./server -db=":memory:"

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/nutrition ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - nutrition/ledger.go: Service
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/nutrition-ledger/api"
	"github.com/warp/nutrition-ledger/config"
	"github.com/warp/nutrition-ledger/nutrition"
	"github.com/warp/nutrition-ledger/nutrition/store"
	"github.com/warp/nutrition-ledger/store/postgres"
	"github.com/warp/nutrition-ledger/store/sqlite"
)

// backend is a store the server owns and must close.
type backend interface {
	nutrition.Store
	Ping(ctx context.Context) error
	Close() error
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	// Initialize store
	db, err := openStore(cfg, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.DBDriver, err)
	}
	defer db.Close()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	svc := nutrition.NewService(db,
		nutrition.WithLogger(logger.Named("ledger")),
		nutrition.WithTimeout(cfg.StoreTimeout),
	)

	handler := api.NewHandler(svc, logger.Named("api"))
	handler.Ping = db.Ping

	router := api.NewRouter(handler, api.RouterConfig{
		Logger:      logger.Named("http"),
		CORSOrigins: cfg.CORSOrigins,
		JWTSecret:   cfg.JWTSecret,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting " + api.UserHeader + " header")
	}

	scheduler := api.NewReconciliationScheduler(svc, logger)
	scheduler.CheckInterval = cfg.ReconcileInterval
	scheduler.Start()
	defer scheduler.Stop()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", zap.Stringer("signal", sig))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(cfg config.Config, logger *zap.Logger) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return postgres.Open(ctx, cfg.DatabaseURL, postgres.WithLogger(logger))
	case config.DriverMemory:
		return store.NewMemory(), nil
	default:
		return sqlite.New(cfg.DBPath, sqlite.WithLogger(logger))
	}
}
