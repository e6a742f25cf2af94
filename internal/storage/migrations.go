package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// migration is one schema version. Statements run in order inside a single
// transaction together with the schema_migrations bookkeeping row.
type migration struct {
	version int
	name    string
	common  []string
	sqlite  []string
	pg      []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "guests and audit log",
		common: []string{
			`CREATE TABLE establishments (
				id {{PK}},
				name TEXT NOT NULL UNIQUE,
				address TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL
			)`,
			`CREATE TABLE rooms (
				id {{PK}},
				establishment_id {{BIGINT}} NOT NULL REFERENCES establishments(id) ON DELETE RESTRICT,
				number TEXT NOT NULL,
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL,
				CONSTRAINT rooms_number_unique UNIQUE (establishment_id, number)
			)`,
			`CREATE TABLE persons (
				id {{PK}},
				surname TEXT NOT NULL,
				given_name TEXT NOT NULL,
				nationality TEXT NOT NULL,
				origin TEXT NOT NULL,
				national_id TEXT,
				passport TEXT,
				birth_date TEXT,
				profession TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				CONSTRAINT persons_document_present CHECK (national_id IS NOT NULL OR passport IS NOT NULL)
			)`,
			`CREATE UNIQUE INDEX persons_national_id_active ON persons (national_id) WHERE active AND national_id IS NOT NULL`,
			`CREATE UNIQUE INDEX persons_passport_active ON persons (passport) WHERE active AND passport IS NOT NULL`,
			`CREATE INDEX persons_name ON persons (surname, given_name)`,
			`CREATE TABLE stays (
				id {{PK}},
				person_id {{BIGINT}} NOT NULL REFERENCES persons(id) ON DELETE RESTRICT,
				establishment_id {{BIGINT}} REFERENCES establishments(id) ON DELETE RESTRICT,
				establishment_name TEXT NOT NULL DEFAULT '',
				room TEXT NOT NULL,
				age INTEGER CONSTRAINT stays_age_range CHECK (age IS NULL OR (age > 0 AND age < 150)),
				entry_date TEXT NOT NULL,
				exit_date TEXT,
				destination TEXT NOT NULL DEFAULT '',
				has_vehicle BOOLEAN NOT NULL DEFAULT FALSE,
				vehicle_details TEXT NOT NULL DEFAULT '',
				recorded_by TEXT NOT NULL,
				batch_id TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				CONSTRAINT stays_exit_after_entry CHECK (exit_date IS NULL OR exit_date >= entry_date)
			)`,
			`CREATE INDEX stays_person ON stays (person_id)`,
			`CREATE INDEX stays_entry_date ON stays (entry_date)`,
			`CREATE INDEX stays_batch ON stays (batch_id)`,
			`CREATE TABLE audit_log (
				id {{PK}},
				acting_user TEXT NOT NULL,
				action TEXT NOT NULL,
				table_name TEXT NOT NULL DEFAULT '',
				record_id {{BIGINT}},
				person_id {{BIGINT}},
				before_state TEXT,
				after_state TEXT,
				detail TEXT NOT NULL DEFAULT '',
				ip_address TEXT NOT NULL DEFAULT '',
				batch_id TEXT NOT NULL DEFAULT '',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX audit_log_record ON audit_log (table_name, record_id)`,
			`CREATE INDEX audit_log_person ON audit_log (person_id)`,
			`CREATE INDEX audit_log_created ON audit_log (created_at)`,
			`CREATE INDEX audit_log_action ON audit_log (action)`,
			`CREATE INDEX audit_log_user ON audit_log (acting_user)`,
		},
		sqlite: []string{
			`CREATE TRIGGER audit_log_no_update BEFORE UPDATE ON audit_log
			BEGIN SELECT RAISE(ABORT, '` + appendOnlyMessage + `'); END`,
			`CREATE TRIGGER audit_log_no_delete BEFORE DELETE ON audit_log
			BEGIN SELECT RAISE(ABORT, '` + appendOnlyMessage + `'); END`,
		},
		pg: []string{
			`CREATE OR REPLACE FUNCTION audit_log_append_only() RETURNS trigger AS $$
			BEGIN
				RAISE EXCEPTION '` + appendOnlyMessage + `' USING ERRCODE = 'restrict_violation';
			END;
			$$ LANGUAGE plpgsql`,
			`CREATE TRIGGER audit_log_no_change BEFORE UPDATE OR DELETE ON audit_log
			FOR EACH ROW EXECUTE FUNCTION audit_log_append_only()`,
			`CREATE TRIGGER audit_log_no_truncate BEFORE TRUNCATE ON audit_log
			FOR EACH STATEMENT EXECUTE FUNCTION audit_log_append_only()`,
		},
	},
	{
		version: 2,
		name:    "users",
		common: []string{
			`CREATE TABLE users (
				id {{PK}},
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				full_name TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL CONSTRAINT users_role CHECK (role IN ('admin', 'supervisor', 'operator')),
				active BOOLEAN NOT NULL DEFAULT TRUE,
				failed_attempts INTEGER NOT NULL DEFAULT 0,
				locked_until TEXT,
				last_login TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "import templates",
		common: []string{
			`CREATE TABLE import_templates (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				headers TEXT NOT NULL,
				mapping TEXT NOT NULL,
				created_by TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
		},
	},
}

func (m migration) statements(d Dialect) []string {
	var r *strings.Replacer
	var extra []string
	if d == Postgres {
		r = strings.NewReplacer("{{PK}}", "BIGSERIAL PRIMARY KEY", "{{BIGINT}}", "BIGINT")
		extra = m.pg
	} else {
		r = strings.NewReplacer("{{PK}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{BIGINT}}", "INTEGER")
		extra = m.sqlite
	}
	out := make([]string, 0, len(m.common)+len(extra))
	for _, s := range m.common {
		out = append(out, r.Replace(s))
	}
	return append(out, extra...)
}

// Migrate applies every migration newer than the recorded schema version.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.WithTx(ctx, func(tx *Tx) error {
			for i, stmt := range m.statements(s.dialect) {
				if _, err := tx.exec(ctx, stmt); err != nil {
					return fmt.Errorf("statement %d: %w", i+1, err)
				}
			}
			_, err := tx.exec(ctx,
				`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
				m.version, m.name, formatTimestamp(s.now()))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		slog.Info("applied migration", "version", m.version, "name", m.name, "dialect", s.dialect)
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 for a new database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.queryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", classify(err))
	}
	return v, nil
}

// LatestVersion is the schema version this build migrates to.
func LatestVersion() int {
	return migrations[len(migrations)-1].version
}
