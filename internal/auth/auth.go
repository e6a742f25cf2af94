// Package auth authenticates operators and issues session tokens. The
// session's user becomes the acting user recorded on every audit entry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/config"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrAccountDisabled    = errors.New("account disabled")
)

const minPasswordLength = 8

// Role grants permissions. Roles are ordered: admin includes supervisor,
// supervisor includes operator.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleOperator   Role = "operator"
)

var roleRank = map[Role]int{RoleOperator: 1, RoleSupervisor: 2, RoleAdmin: 3}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return roleRank[r] > 0 }

// AtLeast reports whether r includes min.
func (r Role) AtLeast(min Role) bool {
	return r.Valid() && roleRank[r] >= roleRank[min]
}

// Require checks that ctx carries an acting user with at least role min.
func Require(ctx context.Context, min Role) error {
	actor, ok := core.ActorFromContext(ctx)
	if !ok {
		return core.ErrUnauthorized
	}
	if !Role(actor.Role).AtLeast(min) {
		return fmt.Errorf("%s requires %s: %w", actor.Username, min, core.ErrForbidden)
	}
	return nil
}

// Config tunes a Service.
type Config struct {
	Secret      []byte
	SessionTTL  time.Duration
	BcryptCost  int
	MaxAttempts int
	Lockout     time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// ConfigFrom builds a Config from the security settings.
func ConfigFrom(c config.SecurityConfig) Config {
	return Config{
		Secret:      []byte(c.JWTSecret),
		SessionTTL:  c.SessionTTL,
		BcryptCost:  c.BcryptCost,
		MaxAttempts: c.MaxLoginAttempts,
		Lockout:     c.LockoutDuration,
	}
}

// Service manages operator accounts and sessions.
type Service struct {
	store *storage.Store
	audit *audit.Writer
	cfg   Config
}

// NewService returns a Service backed by store.
func NewService(store *storage.Store, w *audit.Writer, cfg Config) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 8 * time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Lockout <= 0 {
		cfg.Lockout = 15 * time.Minute
	}
	return &Service{store: store, audit: w, cfg: cfg}
}

// Claims is the session token payload.
type Claims struct {
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Session is a signed-in user and their bearer token.
type Session struct {
	Token     string       `json:"token"`
	ExpiresAt time.Time    `json:"expiresAt"`
	User      storage.User `json:"user"`
}

// Login checks credentials and returns a session. Each attempt is audited.
// After MaxAttempts consecutive failures the account is locked for the
// configured duration, even against the right password.
func (s *Service) Login(ctx context.Context, username, password string) (*Session, error) {
	username = normalizeUsername(username)
	now := s.cfg.Now()
	log := logging.WithFields(ctx, "username", username)

	var (
		user    storage.User
		outcome error
	)
	err := s.store.WithTx(ctx, func(tx *storage.Tx) error {
		var err error
		user, err = tx.UserByUsername(ctx, username)
		if errors.Is(err, core.ErrNotFound) {
			outcome = ErrInvalidCredentials
			return s.record(ctx, tx, username, nil, audit.ActionLoginFailed, "unknown user")
		}
		if err != nil {
			return err
		}
		ctx := actorFor(ctx, user)

		if !user.Active {
			outcome = ErrAccountDisabled
			return s.record(ctx, tx, username, &user.ID, audit.ActionLoginFailed, "account disabled")
		}

		attempts := user.FailedAttempts
		if user.LockedUntil != nil {
			if now.Before(*user.LockedUntil) {
				outcome = ErrAccountLocked
				detail := fmt.Sprintf("locked until %s", user.LockedUntil.Format(time.RFC3339))
				return s.record(ctx, tx, username, &user.ID, audit.ActionLoginFailed, detail)
			}
			attempts = 0
		}

		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
			attempts++
			if attempts >= s.cfg.MaxAttempts {
				until := now.Add(s.cfg.Lockout)
				outcome = ErrAccountLocked
				if err := tx.RecordLoginFailure(ctx, user.ID, attempts, &until); err != nil {
					return err
				}
				detail := fmt.Sprintf("locked after %d failed attempts", attempts)
				return s.record(ctx, tx, username, &user.ID, audit.ActionLockout, detail)
			}
			outcome = ErrInvalidCredentials
			if err := tx.RecordLoginFailure(ctx, user.ID, attempts, nil); err != nil {
				return err
			}
			detail := fmt.Sprintf("wrong password, attempt %d/%d", attempts, s.cfg.MaxAttempts)
			return s.record(ctx, tx, username, &user.ID, audit.ActionLoginFailed, detail)
		}

		if err := tx.RecordLoginSuccess(ctx, user.ID, now); err != nil {
			return err
		}
		return s.record(ctx, tx, username, &user.ID, audit.ActionLogin, "role "+user.Role)
	})
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}
	if outcome != nil {
		log.Warn("login refused", "reason", outcome)
		return nil, outcome
	}

	sess, err := s.issue(user, now)
	if err != nil {
		return nil, err
	}
	log.Info("login", "role", user.Role)
	return sess, nil
}

func (s *Service) record(ctx context.Context, tx *storage.Tx, username string, id *int64, action audit.Action, detail string) error {
	if _, ok := core.ActorFromContext(ctx); !ok {
		ctx = core.ContextWithActor(ctx, core.Actor{Username: username})
	}
	_, err := s.audit.Record(ctx, tx, audit.Entry{
		Action:   action,
		Table:    audit.TableUsers,
		RecordID: id,
		Detail:   detail,
	})
	return err
}

func (s *Service) issue(u storage.User, now time.Time) (*Session, error) {
	exp := now.Add(s.cfg.SessionTTL)
	claims := Claims{
		Username: u.Username,
		Role:     Role(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(u.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	return &Session{Token: token, ExpiresAt: exp, User: u}, nil
}

// Authenticate resolves a session token to the acting user. The account
// must still exist and be active; its current role wins over the one in
// the token.
func (s *Service) Authenticate(ctx context.Context, token string) (core.Actor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return core.Actor{}, core.ErrUnauthorized
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Now),
		jwt.WithExpirationRequired())
	if err != nil {
		return core.Actor{}, fmt.Errorf("%w: %w", core.ErrUnauthorized, err)
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return core.Actor{}, fmt.Errorf("%w: bad subject %q", core.ErrUnauthorized, claims.Subject)
	}
	u, err := s.store.GetUser(ctx, id)
	if errors.Is(err, core.ErrNotFound) {
		return core.Actor{}, fmt.Errorf("%w: user %d gone", core.ErrUnauthorized, id)
	}
	if err != nil {
		return core.Actor{}, err
	}
	if !u.Active {
		return core.Actor{}, fmt.Errorf("%w: %w", core.ErrUnauthorized, ErrAccountDisabled)
	}
	return core.Actor{UserID: u.ID, Username: u.Username, Role: u.Role}, nil
}

func actorFor(ctx context.Context, u storage.User) context.Context {
	return core.ContextWithActor(ctx, core.Actor{UserID: u.ID, Username: u.Username, Role: u.Role})
}

func normalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
