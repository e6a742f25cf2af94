// Package app wires the store and services from configuration. Both the
// HTTP server and the operator CLI start from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/guests"
	"github.com/JonMunkholm/scah/internal/maintenance"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/web"
)

// App holds the opened store and every service built on it.
type App struct {
	Config *config.Config
	Store  *storage.Store

	Auth      *auth.Service
	Guests    *guests.Service
	Applier   *batch.Applier
	Tracker   *batch.Tracker
	Staging   *batch.Staging
	Templates *mapping.Templates
	Audit     *audit.Service
	Writer    *audit.Writer

	// Backups is nil when backups are disabled.
	Backups *maintenance.Scheduler
}

// StoreOptions maps the database settings onto storage options.
func StoreOptions(c config.DatabaseConfig) storage.Options {
	return storage.Options{
		Driver:          storage.Dialect(c.Driver),
		Path:            c.Path,
		URL:             c.URL,
		BusyTimeout:     c.BusyTimeout,
		TxTimeout:       c.TxTimeout,
		MaxRetries:      c.MaxRetries,
		RetryBackoff:    c.RetryBackoff,
		MaxConns:        c.MaxConns,
		MaxConnIdleTime: c.MaxConnIdleTime,
	}
}

// New opens the store, applying pending migrations, and builds the
// services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	st, err := storage.Open(ctx, StoreOptions(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	w := audit.NewWriter()
	imp := cfg.Import
	applier := batch.NewApplier(st, w, batch.NewGate(imp.CommitSlots, imp.MaxWaitTime), batch.Config{
		Workers: imp.Workers,
		Timeout: imp.Timeout,
	})

	a := &App{
		Config:    cfg,
		Store:     st,
		Auth:      auth.NewService(st, w, auth.ConfigFrom(cfg.Security)),
		Guests:    guests.NewService(st, w, guests.Config{Defaults: batch.DefaultsFrom(imp)}),
		Applier:   applier,
		Tracker:   batch.NewTracker(applier, imp.Timeout, imp.SessionTTL),
		Staging:   batch.NewStaging(imp.SessionTTL),
		Templates: mapping.NewTemplates(st, w),
		Audit:     audit.NewService(st),
		Writer:    w,
	}

	if cfg.Backup.Enabled {
		a.Backups, err = maintenance.NewScheduler(st, w, maintenance.BackupConfigFrom(cfg.Backup))
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	return a, nil
}

// Bootstrap creates the configured administrator when no user exists.
func (a *App) Bootstrap(ctx context.Context) error {
	sec := a.Config.Security
	created, err := a.Auth.Bootstrap(ctx, sec.AdminUsername, sec.AdminPassword)
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if created {
		slog.Info("bootstrap administrator created", "username", sec.AdminUsername)
	}
	return nil
}

// Services returns the handler dependencies.
func (a *App) Services() web.Services {
	return web.Services{
		Auth:      a.Auth,
		Guests:    a.Guests,
		Applier:   a.Applier,
		Tracker:   a.Tracker,
		Staging:   a.Staging,
		Templates: a.Templates,
		Audit:     a.Audit,
		Backups:   a.Backups,
	}
}

// Close waits for running commits and the backup job, then closes the
// store. ctx bounds the wait.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Backups != nil {
		if err := a.Backups.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop backups: %w", err))
		}
	}
	if active := a.Applier.Gate().ActiveCount(); active > 0 {
		slog.Info("waiting for imports to complete", "active", active)
	}
	if err := a.Tracker.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("imports did not complete: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
