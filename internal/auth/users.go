package auth

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/JonMunkholm/scah/internal/audit"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/storage"
)

// NewUser is an account to create.
type NewUser struct {
	Username string
	Password string
	FullName string
	Role     Role
}

func (n *NewUser) validate() error {
	var fields []core.FieldError
	n.Username = normalizeUsername(n.Username)
	n.FullName = strings.TrimSpace(n.FullName)
	if n.Username == "" {
		fields = append(fields, core.FieldError{Field: "username", Kind: "required", Message: "is required"})
	}
	if fe := checkPassword(n.Password); fe != nil {
		fields = append(fields, *fe)
	}
	if !n.Role.Valid() {
		fields = append(fields, core.FieldError{
			Field: "role", Kind: "invalid", Value: string(n.Role),
			Message: "must be admin, supervisor or operator",
		})
	}
	if len(fields) > 0 {
		return &core.ValidationError{Fields: fields}
	}
	return nil
}

func checkPassword(p string) *core.FieldError {
	if len(p) < minPasswordLength {
		return &core.FieldError{
			Field: "password", Kind: "invalid",
			Message: fmt.Sprintf("must be at least %d characters", minPasswordLength),
		}
	}
	// bcrypt ignores everything past 72 bytes.
	if len(p) > 72 {
		return &core.FieldError{Field: "password", Kind: "invalid", Message: "must be at most 72 bytes"}
	}
	return nil
}

// HashPassword returns the bcrypt hash of password at the configured cost.
func (s *Service) HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// CreateUser adds an account. Only admins may create accounts.
func (s *Service) CreateUser(ctx context.Context, n NewUser) (storage.User, error) {
	if err := Require(ctx, RoleAdmin); err != nil {
		return storage.User{}, err
	}
	return s.createUser(ctx, n, "")
}

func (s *Service) createUser(ctx context.Context, n NewUser, detail string) (storage.User, error) {
	if err := n.validate(); err != nil {
		return storage.User{}, err
	}
	hash, err := s.HashPassword(n.Password)
	if err != nil {
		return storage.User{}, err
	}
	u := storage.User{Username: n.Username, PasswordHash: hash, FullName: n.FullName, Role: string(n.Role)}
	err = s.store.WithTx(ctx, func(tx *storage.Tx) error {
		_, _, err := s.audit.Apply(ctx, tx, audit.Mutation{
			Action: audit.ActionUserCreate,
			Table:  audit.TableUsers,
			Detail: detail,
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := tx.CreateUser(ctx, &u); err != nil {
					return 0, nil, err
				}
				return u.ID, u, nil
			},
		})
		return err
	})
	if err != nil {
		return storage.User{}, err
	}
	logging.FromContext(ctx).Info("user created", "username", u.Username, "role", u.Role)
	return u, nil
}

// Bootstrap creates an admin account when no account exists yet. It
// reports whether one was created. A blank password skips the bootstrap.
func (s *Service) Bootstrap(ctx context.Context, username, password string) (bool, error) {
	if password == "" {
		return false, nil
	}
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	ctx = core.ContextWithActor(ctx, core.Actor{Username: core.SystemUser, Role: string(RoleAdmin)})
	_, err = s.createUser(ctx, NewUser{
		Username: username,
		Password: password,
		FullName: "Administrator",
		Role:     RoleAdmin,
	}, "bootstrap administrator")
	if err != nil {
		return false, fmt.Errorf("bootstrap admin: %w", err)
	}
	return true, nil
}

// ListUsers returns every account. Supervisors and admins only.
func (s *Service) ListUsers(ctx context.Context) ([]storage.User, error) {
	if err := Require(ctx, RoleSupervisor); err != nil {
		return nil, err
	}
	return s.store.ListUsers(ctx)
}

// SetActive enables or disables an account. Admins cannot disable
// themselves.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if err := Require(ctx, RoleAdmin); err != nil {
		return err
	}
	if actor, _ := core.ActorFromContext(ctx); actor.UserID == id && !active {
		return fmt.Errorf("disable own account: %w", core.ErrForbidden)
	}
	detail := "disabled"
	if active {
		detail = "enabled"
	}
	return s.updateUser(ctx, id, detail, func(tx *storage.Tx) error {
		return tx.SetUserActive(ctx, id, active)
	})
}

// SetPassword replaces a password and clears any lockout. Users may change
// their own password; admins may change anyone's.
func (s *Service) SetPassword(ctx context.Context, id int64, password string) error {
	actor, ok := core.ActorFromContext(ctx)
	if !ok {
		return core.ErrUnauthorized
	}
	if actor.UserID != id && !Role(actor.Role).AtLeast(RoleAdmin) {
		return fmt.Errorf("change password of user %d: %w", id, core.ErrForbidden)
	}
	if fe := checkPassword(password); fe != nil {
		return &core.ValidationError{Fields: []core.FieldError{*fe}}
	}
	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	return s.updateUser(ctx, id, "password changed", func(tx *storage.Tx) error {
		return tx.SetUserPassword(ctx, id, hash)
	})
}

func (s *Service) updateUser(ctx context.Context, id int64, detail string, set func(tx *storage.Tx) error) error {
	return s.store.WithTx(ctx, func(tx *storage.Tx) error {
		before, err := tx.GetUser(ctx, id)
		if err != nil {
			return err
		}
		_, _, err = s.audit.Apply(ctx, tx, audit.Mutation{
			Action: audit.ActionUserUpdate,
			Table:  audit.TableUsers,
			Before: before,
			Detail: detail,
			Run: func(tx *storage.Tx) (int64, any, error) {
				if err := set(tx); err != nil {
					return 0, nil, err
				}
				after, err := tx.GetUser(ctx, id)
				return id, after, err
			},
		})
		return err
	})
}
