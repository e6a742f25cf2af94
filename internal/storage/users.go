package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const userColumns = `id, username, password_hash, full_name, role, active, failed_attempts,
	locked_until, last_login, created_at`

func scanUser(row scanner) (User, error) {
	var (
		u                 User
		locked, lastLogin sql.NullString
		created           string
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.Role, &u.Active,
		&u.FailedAttempts, &locked, &lastLogin, &created)
	if err != nil {
		return User{}, classify(err)
	}
	if u.LockedUntil, err = nullableTimestamp(locked); err != nil {
		return User{}, fmt.Errorf("user %d locked_until: %w", u.ID, err)
	}
	if u.LastLogin, err = nullableTimestamp(lastLogin); err != nil {
		return User{}, fmt.Errorf("user %d last_login: %w", u.ID, err)
	}
	if u.CreatedAt, err = parseTimestamp(created); err != nil {
		return User{}, fmt.Errorf("user %d created_at: %w", u.ID, err)
	}
	return u, nil
}

func nullableTimestamp(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTimestamp(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func timestampArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTimestamp(*t)
}

// CreateUser inserts u. Usernames are unique.
func (q *Queries) CreateUser(ctx context.Context, u *User) error {
	now := q.now()
	id, err := q.insert(ctx, `INSERT INTO users
		(username, password_hash, full_name, role, active, failed_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?) RETURNING id`,
		u.Username, u.PasswordHash, u.FullName, u.Role, true, formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	u.Active = true
	u.CreatedAt = now
	return nil
}

// UserByUsername returns the account, active or not.
func (q *Queries) UserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if err != nil {
		return User{}, fmt.Errorf("user %q: %w", username, err)
	}
	return u, nil
}

// GetUser returns the account by id.
func (q *Queries) GetUser(ctx context.Context, id int64) (User, error) {
	u, err := scanUser(q.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if err != nil {
		return User{}, fmt.Errorf("user %d: %w", id, err)
	}
	return u, nil
}

// ListUsers returns all accounts ordered by username.
func (q *Queries) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := q.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, classify(rows.Err())
}

// CountUsers counts all accounts.
func (q *Queries) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := q.queryRow(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", classify(err))
	}
	return n, nil
}

// RecordLoginFailure stores the new failure count and optional lock.
func (q *Queries) RecordLoginFailure(ctx context.Context, id int64, attempts int, lockedUntil *time.Time) error {
	res, err := q.exec(ctx, `UPDATE users SET failed_attempts = ?, locked_until = ? WHERE id = ?`,
		attempts, timestampArg(lockedUntil), id)
	if err != nil {
		return fmt.Errorf("record login failure for user %d: %w", id, err)
	}
	return expectOne(res)
}

// RecordLoginSuccess clears failures and the lock and stamps last_login.
func (q *Queries) RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error {
	res, err := q.exec(ctx, `UPDATE users SET failed_attempts = 0, locked_until = NULL, last_login = ? WHERE id = ?`,
		formatTimestamp(at), id)
	if err != nil {
		return fmt.Errorf("record login for user %d: %w", id, err)
	}
	return expectOne(res)
}

// SetUserActive enables or disables an account.
func (q *Queries) SetUserActive(ctx context.Context, id int64, active bool) error {
	res, err := q.exec(ctx, `UPDATE users SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return fmt.Errorf("set user %d active=%t: %w", id, active, err)
	}
	return expectOne(res)
}

// SetUserPassword replaces the password hash and clears any lock.
func (q *Queries) SetUserPassword(ctx context.Context, id int64, hash string) error {
	res, err := q.exec(ctx, `UPDATE users SET password_hash = ?, failed_attempts = 0, locked_until = NULL WHERE id = ?`,
		hash, id)
	if err != nil {
		return fmt.Errorf("set password for user %d: %w", id, err)
	}
	return expectOne(res)
}
