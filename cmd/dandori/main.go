package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dandori-ai/dandori/internal/config"
	"github.com/dandori-ai/dandori/internal/engine"
	"github.com/dandori-ai/dandori/internal/gateway"
	"github.com/dandori-ai/dandori/internal/scheduler"
	"github.com/dandori-ai/dandori/internal/server"
	"github.com/dandori-ai/dandori/internal/storage"
	"github.com/dandori-ai/dandori/internal/telemetry"
	"github.com/dandori-ai/dandori/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("DANDORI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("dandori starting", "version", version, "port", cfg.Port, "db", cfg.DatabasePath)

	// Initialize OpenTelemetry. Disabled when no endpoint is set.
	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, true)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	// Open the store and apply embedded migrations. RunMigrations
	// tracks applied files in schema_migrations and skips duplicates.
	db, err := storage.Open(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// Select the tool gateway: MCP when an endpoint is configured,
	// otherwise the built-in echo gateway (act steps record, nothing
	// leaves the process).
	var gw gateway.Invoker
	if cfg.MCPEndpoint != "" {
		headers := map[string]string{}
		if cfg.MCPAuthToken != "" {
			headers["Authorization"] = "Bearer " + cfg.MCPAuthToken
		}
		mcpGW, err := gateway.NewMCP(cfg.MCPEndpoint, headers, logger)
		if err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		defer mcpGW.Close()
		gw = mcpGW
		logger.Info("tool gateway: mcp", "endpoint", cfg.MCPEndpoint)
	} else {
		gw = gateway.NewStatic(logger)
		logger.Info("tool gateway: static (no DANDORI_MCP_ENDPOINT)")
	}

	eng := engine.New(db, gw, logger, engine.Config{
		TimeoutWholeRun: cfg.TimeoutWholeRun,
	})
	sched := scheduler.New(db, eng, logger)

	srv := server.New(server.Config{
		DB:                  db,
		Engine:              eng,
		Scheduler:           sched,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	// Built-in tick loop, optional. Deployments driving ticks from an
	// external timer leave DANDORI_TICK_INTERVAL unset.
	if cfg.TickInterval > 0 {
		go tickLoop(ctx, sched, logger, cfg.TickInterval)
		logger.Info("scheduler tick loop enabled", "interval", cfg.TickInterval)
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting requests and drain in-flight
	// ones. Active runs observe the cancelled root context, roll back
	// and seal as aborted before their handlers return.
	slog.Info("dandori shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("dandori stopped")
	return nil
}

func tickLoop(ctx context.Context, sched *scheduler.Scheduler, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := sched.Tick(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("scheduler tick failed", "error", err)
				continue
			}
			if result.Started > 0 {
				logger.Info("scheduler tick", "started", result.Started)
			}
		}
	}
}
