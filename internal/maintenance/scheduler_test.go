package maintenance

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
	"github.com/JonMunkholm/scah/internal/storage/storagetest"
)

func TestNewScheduler_RejectsBadSchedule(t *testing.T) {
	st := storagetest.Open(t)
	_, err := NewScheduler(st, audit.NewWriter(), BackupConfig{Schedule: "every day", Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestRunBackup(t *testing.T) {
	st := storagetest.Open(t)
	dir := t.TempDir()

	// Two older snapshots that pruning should drop to keep one.
	for _, name := range []string{"scah-20200101-000000.db", "scah-20200102-000000.db"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("old"), 0o600))
	}

	s, err := NewScheduler(st, audit.NewWriter(), BackupConfig{Dir: dir, Keep: 1})
	require.NoError(t, err)

	ctx := core.ContextWithActor(context.Background(), core.Actor{Username: core.SystemUser})
	res, err := s.RunBackup(ctx)
	require.NoError(t, err)
	assert.FileExists(t, res.Path)
	assert.Len(t, res.Pruned, 2)

	rec, err := st.GetAudit(ctx, res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, "BACKUP", rec.Action)
	assert.Equal(t, core.SystemUser, rec.ActingUser)
	var after struct {
		Path string `json:"path"`
	}
	require.NoError(t, json.Unmarshal(rec.After, &after))
	assert.Equal(t, res.Path, after.Path)

	// The snapshot is a usable database.
	snap, err := storage.Open(ctx, storage.Options{Driver: storage.SQLite, Path: res.Path, BusyTimeout: time.Second})
	require.NoError(t, err)
	defer snap.Close()
	n, err := snap.CountAudit(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "snapshot is taken before its own audit record")
}

func TestRunBackup_RequiresActor(t *testing.T) {
	st := storagetest.Open(t)
	s, err := NewScheduler(st, audit.NewWriter(), BackupConfig{Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.RunBackup(context.Background())
	assert.ErrorIs(t, err, core.ErrAuditWrite)
}

func TestScheduler_StartStop(t *testing.T) {
	st := storagetest.Open(t)
	s, err := NewScheduler(st, audit.NewWriter(), BackupConfig{Schedule: "@every 1h", Dir: t.TempDir()})
	require.NoError(t, err)

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Stop(ctx))
}
