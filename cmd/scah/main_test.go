package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/JonMunkholm/scah/internal/app"
	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/storage"
)

const guestsCSV = `Apellido,Nombre,DNI,Nacionalidad,Procedencia,Habitación,Fecha Ingreso
Pérez,Juan,30123456,Argentina,Salta,10,2024-03-01
Gómez,Ana,40111222,Argentina,Jujuy,11,2024-03-02
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Server:   config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Database: config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(dir, "scah.db")},
		Import: config.ImportConfig{
			MaxFileSize: 1 << 20,
			MaxRows:     100,
			Workers:     2,
			CommitSlots: 1,
			MaxWaitTime: time.Second,
			Timeout:     time.Minute,
			SessionTTL:  time.Hour,
		},
		Security: config.SecurityConfig{
			JWTSecret:  "0123456789abcdef0123456789abcdef",
			BcryptCost: bcrypt.MinCost,
		},
		Backup: config.BackupConfig{Dir: filepath.Join(dir, "backups"), Keep: 3},
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestRun_UnknownCommand(t *testing.T) {
	err := run(context.Background(), testConfig(t), "frobnicate", nil, &bytes.Buffer{})
	var ue usageError
	assert.True(t, errors.As(err, &ue))
}

func TestRun_ImportFlow(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	path := writeFile(t, "marzo.csv", guestsCSV)

	var out bytes.Buffer
	require.NoError(t, run(ctx, cfg, "migrate", nil, &out))
	assert.Contains(t, out.String(), "database ready (sqlite)")

	out.Reset()
	require.NoError(t, run(ctx, cfg, "useradd",
		[]string{"-username", "Maria", "-name", "María Ruiz", "-password", "operator-pw"}, &out))
	assert.Contains(t, out.String(), "created user maria")

	out.Reset()
	require.NoError(t, run(ctx, cfg, "preview", []string{path}, &out))
	assert.Contains(t, out.String(), "new=2")
	assert.Contains(t, out.String(), "committed=0")

	out.Reset()
	require.NoError(t, run(ctx, cfg, "commit", []string{"-user", "maria", "-policy", "best-effort", path}, &out))
	assert.Contains(t, out.String(), "best-effort marzo.csv")
	assert.Contains(t, out.String(), "committed=2")

	// Re-running resolves both rows to the persons just created.
	out.Reset()
	require.NoError(t, run(ctx, cfg, "preview", []string{"-v", path}, &out))
	assert.Contains(t, out.String(), "existing=2")
	assert.Contains(t, out.String(), "accepted-existing-person")
}

func TestRun_StrictCommitAborts(t *testing.T) {
	cfg := testConfig(t)
	path := writeFile(t, "bad.csv", guestsCSV+"X,Y,12,Argentina,Salta,12,not-a-date\n")

	var out bytes.Buffer
	err := run(context.Background(), cfg, "commit", []string{path}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "aborted")
	assert.Contains(t, out.String(), "validation-error")
}

func TestRun_UnknownActor(t *testing.T) {
	cfg := testConfig(t)
	path := writeFile(t, "marzo.csv", guestsCSV)

	err := run(context.Background(), cfg, "commit", []string{"-user", "nobody", path}, &bytes.Buffer{})
	assert.ErrorContains(t, err, `user "nobody"`)
}

func TestRun_ConfirmLowConfidence(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	body := strings.Replace(guestsCSV, "Apellido,", "Apellido Paterno Materno,", 1)
	path := writeFile(t, "marzo.csv", body)

	var out bytes.Buffer
	err := run(ctx, cfg, "commit", []string{path}, &out)
	require.ErrorIs(t, err, batch.ErrUnconfirmedMapping)
	assert.Contains(t, out.String(), `pass -confirm "Apellido Paterno Materno"`)

	out.Reset()
	require.NoError(t, run(ctx, cfg, "commit", []string{"-confirm", "Apellido Paterno Materno", path}, &out))
	assert.Contains(t, out.String(), "confirmed")
	assert.Contains(t, out.String(), "committed=2")
	assert.NotContains(t, out.String(), "low-confidence column")
}

func TestRun_ImportUsage(t *testing.T) {
	cfg := testConfig(t)
	var ue usageError

	err := run(context.Background(), cfg, "commit", nil, &bytes.Buffer{})
	assert.True(t, errors.As(err, &ue))

	err = run(context.Background(), cfg, "commit", []string{"-policy", "yolo", "x.csv"}, &bytes.Buffer{})
	assert.True(t, errors.As(err, &ue))
}

func TestRun_Backup(t *testing.T) {
	cfg := testConfig(t)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, "backup", nil, &out))
	assert.Contains(t, out.String(), "backup written to "+cfg.Backup.Dir)

	st, err := storage.Open(context.Background(), app.StoreOptions(cfg.Database))
	require.NoError(t, err)
	defer st.Close()
	var actor string
	require.NoError(t, st.DB().QueryRow(
		`SELECT acting_user FROM audit_log WHERE action = 'BACKUP'`).Scan(&actor))
	assert.Equal(t, core.SystemUser, actor)
}
