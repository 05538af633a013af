package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/identity"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

type AdminUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role"`
}

// IdentityProvider authenticates accounts and issues sessions.
// *identity.Client implements it.
type IdentityProvider interface {
	SignIn(ctx context.Context, email, password string) (identity.Session, error)
	SignUp(ctx context.Context, email, password, displayName string) (identity.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	User(ctx context.Context, accessToken string) (identity.User, error)
}

// RoleStore reads role records. A missing record is (_, false, nil).
type RoleStore interface {
	RoleOf(ctx context.Context, userID string) (Role, bool, error)
}

// Promoter grants the admin role. Implementations must be idempotent.
type Promoter interface {
	Name() string
	Promote(ctx context.Context, userID string) error
}

// Bootstrapper signs administrators in and repairs missing or stale role
// records on the way.
type Bootstrapper struct {
	identity  IdentityProvider
	roles     RoleStore
	promoters []Promoter
	logger    *logrus.Logger
}

// NewBootstrapper runs promoters in the given order until one succeeds.
func NewBootstrapper(idp IdentityProvider, roles RoleStore, promoters []Promoter, logger *logrus.Logger) *Bootstrapper {
	return &Bootstrapper{
		identity:  idp,
		roles:     roles,
		promoters: promoters,
		logger:    logger,
	}
}

func (b *Bootstrapper) SignIn(ctx context.Context, email, password string) (identity.Session, AdminUser, error) {
	const op = "auth.SignIn"

	session, err := b.identity.SignIn(ctx, email, password)
	if err != nil {
		return identity.Session{}, AdminUser{}, err
	}
	log := b.logger.WithFields(logrus.Fields{
		"user_id": session.User.ID,
		"email":   session.User.Email,
	})

	role, ok, err := b.roles.RoleOf(ctx, session.User.ID)
	if err != nil {
		b.abandon(ctx, session)
		return identity.Session{}, AdminUser{}, apperr.Persistence(op, err)
	}
	if !ok {
		log.Warn("Sign-in without role record, terminating session")
		b.abandon(ctx, session)
		return identity.Session{}, AdminUser{}, apperr.New(op, apperr.ErrNotRegisteredAsAdmin, nil)
	}

	if role != RoleAdmin {
		log.WithField("role", role).Info("Promoting account to admin")
		if err := b.promote(ctx, session.User.ID); err != nil {
			b.abandon(ctx, session)
			return identity.Session{}, AdminUser{}, apperr.Persistence(op, err)
		}
	}

	user, err := b.confirm(ctx, op, session.User)
	if err != nil {
		b.abandon(ctx, session)
		return identity.Session{}, AdminUser{}, err
	}

	log.Info("Admin signed in")
	return session, user, nil
}

// SignUp creates an account and makes sure it ends up with an admin role
// record even when the database's own role assignment did not run.
func (b *Bootstrapper) SignUp(ctx context.Context, email, password, displayName string) (identity.Session, AdminUser, error) {
	const op = "auth.SignUp"

	session, err := b.identity.SignUp(ctx, email, password, displayName)
	if err != nil {
		return identity.Session{}, AdminUser{}, err
	}
	if session.User.DisplayName == "" {
		session.User.DisplayName = displayName
	}

	if err := b.promote(ctx, session.User.ID); err != nil {
		b.abandon(ctx, session)
		return identity.Session{}, AdminUser{}, apperr.Persistence(op, err)
	}

	user, err := b.confirm(ctx, op, session.User)
	if err != nil {
		b.abandon(ctx, session)
		return identity.Session{}, AdminUser{}, err
	}

	b.logger.WithFields(logrus.Fields{
		"user_id": user.ID,
		"email":   user.Email,
	}).Info("Admin account created")
	return session, user, nil
}

func (b *Bootstrapper) SignOut(ctx context.Context, accessToken string) error {
	return b.identity.SignOut(ctx, accessToken)
}

// Authorize resolves an access token to an administrator. It never promotes.
func (b *Bootstrapper) Authorize(ctx context.Context, accessToken string) (AdminUser, error) {
	const op = "auth.Authorize"

	if accessToken == "" {
		return AdminUser{}, apperr.New(op, apperr.ErrInvalidCredentials, errors.New("missing access token"))
	}
	u, err := b.identity.User(ctx, accessToken)
	if err != nil {
		return AdminUser{}, err
	}
	return b.confirm(ctx, op, u)
}

// promote runs the cascade. Every promoter is tried until one succeeds.
func (b *Bootstrapper) promote(ctx context.Context, userID string) error {
	if len(b.promoters) == 0 {
		return errors.New("no promoters configured")
	}

	var errs []error
	for _, p := range b.promoters {
		err := p.Promote(ctx, userID)
		if err == nil {
			b.logger.WithFields(logrus.Fields{
				"user_id":  userID,
				"promoter": p.Name(),
			}).Info("Admin role assigned")
			return nil
		}
		b.logger.WithFields(logrus.Fields{
			"user_id":  userID,
			"promoter": p.Name(),
		}).WithError(err).Warn("Promoter failed, trying next")
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return errors.Join(errs...)
}

func (b *Bootstrapper) confirm(ctx context.Context, op string, u identity.User) (AdminUser, error) {
	role, ok, err := b.roles.RoleOf(ctx, u.ID)
	if err != nil {
		return AdminUser{}, apperr.Persistence(op, err)
	}
	if !ok || role != RoleAdmin {
		return AdminUser{}, apperr.New(op, apperr.ErrNotRegisteredAsAdmin, nil)
	}
	return AdminUser{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        role,
	}, nil
}

// abandon terminates a session that must not outlive a failed bootstrap.
func (b *Bootstrapper) abandon(ctx context.Context, session identity.Session) {
	if session.AccessToken == "" {
		return
	}
	if err := b.identity.SignOut(context.WithoutCancel(ctx), session.AccessToken); err != nil {
		b.logger.WithError(err).WithField("user_id", session.User.ID).Error("Failed to terminate session")
	}
}
