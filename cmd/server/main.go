/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the points engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load config (YAML + environment)
  2. Open the store (SQLite or PostgreSQL)
  3. Wire emitter -> processor -> operations -> handler
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config path (default: points.yaml, optional)
  -port    HTTP server port, overrides config
  -db      Database DSN, overrides config
           Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -db="./data/points.db"
  ./server -db=":memory:" -port=3000
  POINTS_DB_DRIVER=postgres POINTS_DB_DSN=postgres://... ./server

SEE ALSO:
  - config/config.go: configuration sources
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go, store/postgres/postgres.go: stores
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldops/points-engine/api"
	"github.com/fieldops/points-engine/config"
	"github.com/fieldops/points-engine/notify"
	"github.com/fieldops/points-engine/points"
	"github.com/fieldops/points-engine/store/postgres"
	"github.com/fieldops/points-engine/store/sqlite"
	"github.com/fieldops/points-engine/visits"
)

// store is what the server needs from either backend.
type store interface {
	api.Store
	Close() error
}

func main() {
	configPath := flag.String("config", "points.yaml", "YAML config path")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	if err := run(*configPath, *port, *dsn); err != nil {
		slog.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, port int, dsn string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if dsn != "" {
		cfg.Database.DSN = dsn
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	logger.Info("store ready", slog.String("driver", cfg.Database.Driver))

	emitter := notify.NewEmitter(st, notify.SinkNotifier{Sink: st}, logger.With(slog.String("component", "notify")))
	processor := visits.NewProcessor(st, cfg.Rules, emitter)
	ops := visits.NewOperations(st, processor, logger.With(slog.String("component", "visits")))
	reporter := points.NewReporter(st, st, cfg.Reports.MonthTarget)

	handler := api.NewHandler(st, ops, reporter, logger)
	router := api.NewRouter(handler, cfg.Server.CORSOrigins...)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, db config.Database) (store, error) {
	if db.Driver == config.DriverPostgres {
		s, err := postgres.New(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := sqlite.New(db.DSN)
	if err != nil {
		return nil, err
	}
	return s, nil
}
