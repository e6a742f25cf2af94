package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/scah/internal/app"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/web"
)

func main() {
	// Load .env file if it exists (overwrites existing env vars)
	if loaded, err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	} else if !loaded {
		slog.Info("no .env file found, using environment variables")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	if cfg.Logging.File != "" {
		closeLog, err := logging.SetupWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
		if err != nil {
			slog.Error("failed to open log file", "error", err)
			os.Exit(1)
		}
		defer closeLog()
	} else {
		logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	}

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_driver", cfg.Database.Driver,
		"import_commit_slots", cfg.Import.CommitSlots,
		"rate_limit_enabled", cfg.Rate.Enabled,
		"backup_enabled", cfg.Backup.Enabled,
	)
	slog.Debug("effective configuration", "config", cfg.String())

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to start", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to database", "driver", a.Store.Dialect())

	if err := a.Bootstrap(ctx); err != nil {
		slog.Error("failed to bootstrap", "error", err)
		os.Exit(1)
	}

	if a.Backups != nil {
		a.Backups.Start()
		slog.Info("backup scheduler started", "schedule", cfg.Backup.Schedule, "dir", cfg.Backup.Dir)
	}

	server := web.NewServer(a.Services(), cfg)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		// Running commits finish or time out before the store closes.
		if err := a.Close(shutdownCtx); err != nil {
			slog.Warn("shutdown incomplete", "error", err)
		} else {
			slog.Info("all imports completed")
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-done
}
