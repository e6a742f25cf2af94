package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrBackupUnsupported is returned for backends backed up by their own tooling.
var ErrBackupUnsupported = errors.New("backup not supported for this database driver; use pg_dump")

const backupPrefix = "scah-"

// Backup writes a consistent snapshot of the SQLite database into dir and
// returns its path. VACUUM INTO reads under a single read transaction, so
// concurrent writers are not blocked for the duration.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if s.dialect != SQLite {
		return "", ErrBackupUnsupported
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	name := backupPrefix + s.now().UTC().Format("20060102-150405") + ".db"
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("backup %s already exists", path)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", path, classify(err))
	}
	return path, nil
}

// PruneBackups deletes all but the newest keep snapshots in dir and
// returns the removed paths. Only files written by Backup are considered.
func PruneBackups(dir string, keep int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), backupPrefix) && strings.HasSuffix(e.Name(), ".db") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return nil, nil
	}

	// Timestamped names sort chronologically.
	sort.Strings(names)
	var removed []string
	for _, n := range names[:len(names)-keep] {
		p := filepath.Join(dir, n)
		if err := os.Remove(p); err != nil {
			return removed, fmt.Errorf("remove %s: %w", p, err)
		}
		removed = append(removed, p)
	}
	return removed, nil
}
