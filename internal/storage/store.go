// Package storage is the relational store for persons, stays, reference
// data, users and the audit log. It runs on an embedded SQLite database by
// default and on PostgreSQL when configured; both share one set of SQL
// statements written with ? placeholders.
//
// All writes go through Store.WithTx. Reads outside a transaction use the
// Store's embedded Queries; reads inside one use the Tx's.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/JonMunkholm/scah/internal/core"
)

// Dialect selects SQL flavor differences.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries runs the store's statements against a DBTX.
type Queries struct {
	db      DBTX
	dialect Dialect
	now     func() time.Time
}

func (q *Queries) rebind(query string) string {
	return Rebind(q.dialect, query)
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := q.db.ExecContext(ctx, q.rebind(query), args...)
	return res, classify(err)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.db.QueryContext(ctx, q.rebind(query), args...)
	return rows, classify(err)
}

func (q *Queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.rebind(query), args...)
}

// insert runs an INSERT ... RETURNING id statement.
func (q *Queries) insert(ctx context.Context, query string, args ...any) (int64, error) {
	var id int64
	if err := q.queryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, classify(err)
	}
	return id, nil
}

// Rebind rewrites ? placeholders as $1..$n for PostgreSQL. Question marks
// inside single-quoted literals are left alone.
func Rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for _, r := range query {
		switch {
		case r == '\'':
			inQuote = !inQuote
			b.WriteRune(r)
		case r == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Options configures Open.
type Options struct {
	Driver          Dialect
	Path            string // SQLite file
	URL             string // PostgreSQL DSN
	BusyTimeout     time.Duration
	TxTimeout       time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxConns        int
	MaxConnIdleTime time.Duration
}

// Store owns the connection pool.
type Store struct {
	*Queries
	db           *sql.DB
	dialect      Dialect
	txTimeout    time.Duration
	maxRetries   int
	retryBackoff time.Duration
	now          func() time.Time
}

// Open connects, applies pending migrations and returns a ready Store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Driver == "" {
		opts.Driver = SQLite
	}

	var (
		db  *sql.DB
		err error
	)
	switch opts.Driver {
	case SQLite:
		if dir := filepath.Dir(opts.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = sql.Open("sqlite3", sqliteDSN(opts.Path, opts.BusyTimeout))
	case Postgres:
		db, err = sql.Open("pgx", opts.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", opts.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MaxConnIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.MaxConnIdleTime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, classify(err))
	}

	s := New(db, opts.Driver)
	if opts.TxTimeout > 0 {
		s.txTimeout = opts.TxTimeout
	}
	if opts.MaxRetries >= 0 {
		s.maxRetries = opts.MaxRetries
	}
	if opts.RetryBackoff > 0 {
		s.retryBackoff = opts.RetryBackoff
	}

	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool without migrating. Tests use it with sqlmock.
func New(db *sql.DB, dialect Dialect) *Store {
	now := func() time.Time { return time.Now().UTC() }
	return &Store{
		Queries:      &Queries{db: db, dialect: dialect, now: now},
		db:           db,
		dialect:      dialect,
		txTimeout:    30 * time.Second,
		maxRetries:   3,
		retryBackoff: 100 * time.Millisecond,
		now:          now,
	}
}

// SetClock overrides the time source for created_at/updated_at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
	s.Queries.now = now
}

// Dialect reports the backend flavor.
func (s *Store) Dialect() Dialect { return s.dialect }

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func sqliteDSN(path string, busy time.Duration) string {
	if busy <= 0 {
		busy = 5 * time.Second
	}
	v := url.Values{}
	v.Set("_foreign_keys", "on")
	v.Set("_journal_mode", "WAL")
	v.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	v.Set("_txlock", "immediate")
	return "file:" + path + "?" + v.Encode()
}

// Tx is a unit of work. Its Queries run inside the transaction.
type Tx struct {
	*Queries
	tx *sql.Tx
}

// WithTx runs fn in a transaction bounded by the store's tx timeout. fn's
// error rolls back. Busy and serialization failures retry fn from scratch
// with exponential backoff; once retries are exhausted the error wraps
// core.ErrStorageBusy. fn must therefore be safe to re-run.
func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	return s.WithTxTimeout(ctx, s.txTimeout, fn)
}

// WithTxTimeout is WithTx with a caller-chosen bound, for long units of
// work such as a strict batch import.
func (s *Store) WithTxTimeout(ctx context.Context, timeout time.Duration, fn func(*Tx) error) error {
	if timeout <= 0 {
		timeout = s.txTimeout
	}
	backoff := s.retryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.runTx(ctx, timeout, fn)
		if err == nil || !errors.Is(err, core.ErrStorageBusy) || attempt >= s.maxRetries {
			return err
		}

		slog.Debug("retrying busy transaction", "attempt", attempt+1, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (gave up: %v)", err, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
}

func (s *Store) runTx(ctx context.Context, timeout time.Duration, fn func(*Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}

	tx := &Tx{
		Queries: &Queries{db: sqlTx, dialect: s.dialect, now: s.now},
		tx:      sqlTx,
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}
