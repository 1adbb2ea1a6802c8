package authstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "operators.db"))
	require.NoError(t, err)
	return s
}

func TestEnsureDefaultOperatorOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDefaultOperator("admin", "admin123!"))
	require.NoError(t, s.Authenticate("admin", "admin123!"))

	require.NoError(t, s.SetPassword("admin", "changed!"))
	require.NoError(t, s.EnsureDefaultOperator("admin", "admin123!"))
	require.NoError(t, s.Authenticate("admin", "changed!"), "second EnsureDefaultOperator call must not reset the password")
}

func TestAuthenticateWrongPasswordFails(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDefaultOperator("admin", "admin123!"))

	err := s.Authenticate("admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUnknownUserFails(t *testing.T) {
	s := newTestStore(t)
	err := s.Authenticate("nobody", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAccountLocksAfterFiveFailures(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDefaultOperator("admin", "admin123!"))

	for i := 0; i < 4; i++ {
		err := s.Authenticate("admin", "wrong")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}
	err := s.Authenticate("admin", "wrong")
	require.ErrorIs(t, err, ErrAccountLocked)

	err = s.Authenticate("admin", "admin123!")
	require.ErrorIs(t, err, ErrAccountLocked, "correct password during lockout is still rejected")
}

func TestSetPasswordResetsLockout(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.EnsureDefaultOperator("admin", "admin123!"))
	for i := 0; i < 5; i++ {
		s.Authenticate("admin", "wrong")
	}
	require.NoError(t, s.SetPassword("admin", "newpass123"))
	require.NoError(t, s.Authenticate("admin", "newpass123"))
}
