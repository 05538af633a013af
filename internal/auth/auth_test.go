package auth

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jogardn/salon-storefront/internal/apperr"
	"github.com/jogardn/salon-storefront/internal/identity"
)

const userID = "0b6f1f9e-2d55-4c1a-9f3e-7a1c5d2e8b40"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

type fakeIdentity struct {
	signInErr error
	signedOut []string
}

func (f *fakeIdentity) SignIn(_ context.Context, email, _ string) (identity.Session, error) {
	if f.signInErr != nil {
		return identity.Session{}, f.signInErr
	}
	return identity.Session{AccessToken: "tok-1", User: identity.User{ID: userID, Email: email}}, nil
}

func (f *fakeIdentity) SignUp(_ context.Context, email, _, _ string) (identity.Session, error) {
	return identity.Session{AccessToken: "tok-new", User: identity.User{ID: userID, Email: email}}, nil
}

func (f *fakeIdentity) SignOut(_ context.Context, token string) error {
	f.signedOut = append(f.signedOut, token)
	return nil
}

func (f *fakeIdentity) User(_ context.Context, token string) (identity.User, error) {
	if token != "tok-1" {
		return identity.User{}, apperr.New("identity.User", apperr.ErrInvalidCredentials, errors.New("invalid JWT"))
	}
	return identity.User{ID: userID, Email: "admin@example.com"}, nil
}

type memoryRoles struct {
	mu    sync.Mutex
	roles map[string]Role
	err   error
}

func newMemoryRoles() *memoryRoles {
	return &memoryRoles{roles: make(map[string]Role)}
}

func (m *memoryRoles) RoleOf(_ context.Context, id string) (Role, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	role, ok := m.roles[id]
	return role, ok, nil
}

func (m *memoryRoles) set(id string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[id] = role
}

type fakePromoter struct {
	name  string
	err   error
	roles *memoryRoles
	calls int
}

func (p *fakePromoter) Name() string { return p.name }

func (p *fakePromoter) Promote(_ context.Context, id string) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	p.roles.set(id, RoleAdmin)
	return nil
}

type fixture struct {
	idp       *fakeIdentity
	roles     *memoryRoles
	procedure *fakePromoter
	upsert    *fakePromoter
	b         *Bootstrapper
}

func newFixture() *fixture {
	f := &fixture{idp: &fakeIdentity{}, roles: newMemoryRoles()}
	f.procedure = &fakePromoter{name: "procedure", roles: f.roles}
	f.upsert = &fakePromoter{name: "upsert", roles: f.roles}
	f.b = NewBootstrapper(f.idp, f.roles, []Promoter{f.procedure, f.upsert}, testLogger())
	return f
}

func TestSignInAdmin(t *testing.T) {
	f := newFixture()
	f.roles.set(userID, RoleAdmin)

	session, user, err := f.b.SignIn(context.Background(), "admin@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", session.AccessToken)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.Zero(t, f.procedure.calls)
	assert.Empty(t, f.idp.signedOut)
}

func TestSignInWithoutRoleRecord(t *testing.T) {
	f := newFixture()

	session, _, err := f.b.SignIn(context.Background(), "admin@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrNotRegisteredAsAdmin)
	assert.Empty(t, session.AccessToken)
	assert.Equal(t, []string{"tok-1"}, f.idp.signedOut)
	assert.Zero(t, f.procedure.calls+f.upsert.calls)
}

func TestSignInInvalidCredentials(t *testing.T) {
	f := newFixture()
	f.idp.signInErr = apperr.New("identity.SignIn", apperr.ErrInvalidCredentials, errors.New("Invalid login credentials"))

	_, _, err := f.b.SignIn(context.Background(), "admin@example.com", "wrong")
	assert.Same(t, f.idp.signInErr, err)
	assert.Empty(t, f.idp.signedOut)
}

func TestSignInRoleLookupFailure(t *testing.T) {
	f := newFixture()
	f.roles.err = errors.New("connection refused")

	_, _, err := f.b.SignIn(context.Background(), "admin@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.Equal(t, []string{"tok-1"}, f.idp.signedOut)
}

func TestPromotionCascade(t *testing.T) {
	tests := []struct {
		name          string
		procedureErr  error
		upsertErr     error
		wantErr       error
		wantUpsert    int
		wantSignedOut bool
	}{
		{name: "procedure_succeeds", wantUpsert: 0},
		{name: "fallback_to_upsert", procedureErr: errors.New("permission denied for function"), wantUpsert: 1},
		{
			name:          "all_fail",
			procedureErr:  errors.New("function does not exist"),
			upsertErr:     errors.New("permission denied for table user_roles"),
			wantErr:       apperr.ErrPersistence,
			wantUpsert:    1,
			wantSignedOut: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.roles.set(userID, RoleStaff)
			f.procedure.err = tt.procedureErr
			f.upsert.err = tt.upsertErr

			_, user, err := f.b.SignIn(context.Background(), "admin@example.com", "pw")
			assert.Equal(t, 1, f.procedure.calls)
			assert.Equal(t, tt.wantUpsert, f.upsert.calls)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Contains(t, err.Error(), "procedure")
				assert.Contains(t, err.Error(), "upsert")
			} else {
				require.NoError(t, err)
				assert.Equal(t, RoleAdmin, user.Role)
			}
			assert.Equal(t, tt.wantSignedOut, len(f.idp.signedOut) > 0)
		})
	}
}

func TestSignInUnconfirmedPromotion(t *testing.T) {
	f := newFixture()
	f.roles.set(userID, RoleCustomer)
	noop := &fakePromoter{name: "noop", roles: newMemoryRoles()}
	f.b = NewBootstrapper(f.idp, f.roles, []Promoter{noop}, testLogger())

	_, _, err := f.b.SignIn(context.Background(), "admin@example.com", "pw")
	assert.ErrorIs(t, err, apperr.ErrNotRegisteredAsAdmin)
	assert.Equal(t, []string{"tok-1"}, f.idp.signedOut)
}

func TestSignUpHealsMissingRole(t *testing.T) {
	f := newFixture()
	f.procedure.err = errors.New("function does not exist")

	session, user, err := f.b.SignUp(context.Background(), "new@example.com", "pw", "Amani")
	require.NoError(t, err)
	assert.Equal(t, "tok-new", session.AccessToken)
	assert.Equal(t, "Amani", user.DisplayName)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.Equal(t, 1, f.upsert.calls)
}

func TestSignUpIsIdempotent(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		_, user, err := f.b.SignUp(context.Background(), "new@example.com", "pw", "Amani")
		require.NoError(t, err)
		assert.Equal(t, RoleAdmin, user.Role)
	}
	role, ok, _ := f.roles.RoleOf(context.Background(), userID)
	assert.True(t, ok)
	assert.Equal(t, RoleAdmin, role)
}

func TestAuthorize(t *testing.T) {
	f := newFixture()

	_, err := f.b.Authorize(context.Background(), "")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	_, err = f.b.Authorize(context.Background(), "stale")
	assert.ErrorIs(t, err, apperr.ErrInvalidCredentials)

	_, err = f.b.Authorize(context.Background(), "tok-1")
	assert.ErrorIs(t, err, apperr.ErrNotRegisteredAsAdmin)

	f.roles.set(userID, RoleStaff)
	_, err = f.b.Authorize(context.Background(), "tok-1")
	assert.ErrorIs(t, err, apperr.ErrNotRegisteredAsAdmin)
	assert.Zero(t, f.procedure.calls, "authorize must not promote")

	f.roles.set(userID, RoleAdmin)
	user, err := f.b.Authorize(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, userID, user.ID)
}
