// Package maintenance runs background jobs that keep the database healthy.
//
// Currently implements scheduled backups, which on every tick:
//  1. Snapshot the database into the backup directory
//  2. Prune snapshots beyond the retention count
//  3. Append a BACKUP audit record as the system user
//
// A failed run is logged and retried on the next tick; it never stops the
// application.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

// BackupConfig holds configuration for the backup scheduler.
type BackupConfig struct {
	Schedule string // Standard 5-field cron expression (default: "0 3 * * *")
	Dir      string // Snapshot directory
	Keep     int    // Snapshots retained after pruning (default: 14)
}

// BackupConfigFrom adapts the env settings.
func BackupConfigFrom(c config.BackupConfig) BackupConfig {
	return BackupConfig{Schedule: c.Schedule, Dir: c.Dir, Keep: c.Keep}
}

// BackupResult describes one completed run.
type BackupResult struct {
	Path     string
	Pruned   []string
	AuditID  int64
	Duration time.Duration
}

// Scheduler runs the backup job on a cron schedule.
type Scheduler struct {
	store *storage.Store
	audit *audit.Writer
	cfg   BackupConfig
	cron  *cron.Cron
}

// NewScheduler validates the schedule and registers the backup job. The
// job does not run until Start.
func NewScheduler(store *storage.Store, w *audit.Writer, cfg BackupConfig) (*Scheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 3 * * *"
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 14
	}

	logger := cronLogger{}
	s := &Scheduler{
		store: store,
		audit: w,
		cfg:   cfg,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.runJob); err != nil {
		return nil, fmt.Errorf("backup schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start runs the scheduler in the background.
func (s *Scheduler) Start() {
	slog.Info("backup scheduler started",
		"schedule", s.cfg.Schedule,
		"dir", s.cfg.Dir,
		"keep", s.cfg.Keep,
	)
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running job to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		slog.Info("backup scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runJob() {
	ctx := core.ContextWithActor(context.Background(), core.Actor{Username: core.SystemUser})
	res, err := s.RunBackup(ctx)
	if err != nil {
		slog.Error("backup failed", "error", err)
		return
	}
	slog.Info("backup completed",
		"path", res.Path,
		"pruned", len(res.Pruned),
		"duration_ms", res.Duration.Milliseconds(),
	)
}

// RunBackup performs one snapshot, prune and audit cycle. The acting user
// comes from ctx.
func (s *Scheduler) RunBackup(ctx context.Context) (*BackupResult, error) {
	start := time.Now()
	path, err := s.store.Backup(ctx, s.cfg.Dir)
	if err != nil {
		return nil, err
	}
	pruned, err := storage.PruneBackups(s.cfg.Dir, s.cfg.Keep)
	if err != nil {
		return nil, err
	}

	res := &BackupResult{Path: path, Pruned: pruned}
	err = s.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		res.AuditID, err = s.audit.Record(ctx, tx, audit.Entry{
			Action: audit.ActionBackup,
			After:  map[string]any{"path": path, "pruned": pruned},
			Detail: fmt.Sprintf("snapshot %s, pruned %d", path, len(pruned)),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)
	return res, nil
}

// cronLogger routes cron's own messages to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	slog.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
