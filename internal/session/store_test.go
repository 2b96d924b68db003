package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencorebank/ledgerd/internal/domain"
)

func TestCreateAndValidate(t *testing.T) {
	s := NewStore(time.Minute)

	token, err := s.Create(42)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokensAreUnique(t *testing.T) {
	s := NewStore(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := s.Create(int64(i))
		require.NoError(t, err)
		require.False(t, seen[token], "token collision")
		seen[token] = true
	}
}

func TestValidateUnknownToken(t *testing.T) {
	s := NewStore(time.Minute)
	_, err := s.Validate("never-issued")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestValidateExpiredToken(t *testing.T) {
	s := NewStore(time.Minute)
	token, err := s.Create(1)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestRevoke(t *testing.T) {
	s := NewStore(time.Minute)
	token, err := s.Create(1)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(token))

	_, err = s.Validate(token)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)

	// A second independent logout must report failure, not silently succeed.
	assert.ErrorIs(t, s.Revoke(token), domain.ErrUnauthenticated)
}

func TestRevokeUnknownToken(t *testing.T) {
	s := NewStore(time.Minute)
	assert.ErrorIs(t, s.Revoke("never-issued"), domain.ErrUnauthenticated)
}

func TestSweep(t *testing.T) {
	s := NewStore(time.Minute)

	expired, err := s.Create(1)
	require.NoError(t, err)
	revoked, err := s.Create(2)
	require.NoError(t, err)
	live, err := s.Create(3)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(revoked))
	s.sessions[expired].ExpiresAt = time.Now().Add(-time.Second)

	assert.Equal(t, 2, s.Sweep())

	_, err = s.Validate(live)
	assert.NoError(t, err)
	_, err = s.Validate(expired)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
	_, err = s.Validate(revoked)
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}
