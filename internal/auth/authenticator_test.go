package auth_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-realtime-service/internal/auth"
	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

var testSecret = []byte("test-secret-for-handshake")

type mockUserLookup struct {
	mock.Mock
}

func (m *mockUserLookup) FindByID(ctx context.Context, userID string) (*realtime.Identity, error) {
	args := m.Called(ctx, userID)
	var identity *realtime.Identity
	if val, ok := args.Get(0).(*realtime.Identity); ok {
		identity = val
	}
	return identity, args.Error(1)
}

func newAuthenticator(t *testing.T, users realtime.UserLookup) *auth.Authenticator {
	t.Helper()
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: testSecret})
	require.NoError(t, err)
	a, err := auth.NewAuthenticator(verifier, users, 0, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func signed(t *testing.T, secret []byte, subject string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.Sign(secret, subject, "Alice", "user", ttl)
	require.NoError(t, err)
	return token
}

func TestAuthenticate_Success(t *testing.T) {
	users := new(mockUserLookup)
	users.On("FindByID", mock.Anything, "user-1").
		Return(&realtime.Identity{UserID: "user-1", DisplayName: "Alice", Role: "user"}, nil)
	a := newAuthenticator(t, users)

	identity, err := a.Authenticate(context.Background(), signed(t, testSecret, "user-1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, "Alice", identity.DisplayName)
	users.AssertExpectations(t)
}

func TestAuthenticate_BearerPrefix(t *testing.T) {
	users := new(mockUserLookup)
	users.On("FindByID", mock.Anything, "user-1").Return(&realtime.Identity{UserID: "user-1"}, nil)
	a := newAuthenticator(t, users)

	identity, err := a.Authenticate(context.Background(), "Bearer "+signed(t, testSecret, "user-1", time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "user-1", identity.UserID)
	assert.Equal(t, realtime.RoleUser, identity.Role, "role falls back to the token claim")
}

func TestAuthenticate_Rejections(t *testing.T) {
	testCases := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{"missing", func(*testing.T) string { return "" }},
		{"whitespace", func(*testing.T) string { return "   " }},
		{"bearer only", func(*testing.T) string { return "Bearer " }},
		{"malformed", func(*testing.T) string { return "not.a.jwt" }},
		{"garbage", func(*testing.T) string { return "%%%%" }},
		{"oversized", func(*testing.T) string { return strings.Repeat("a", auth.DefaultMaxCredentialBytes+1) }},
		{"expired", func(t *testing.T) string { return signed(t, testSecret, "user-1", -time.Minute) }},
		{"wrong signature", func(t *testing.T) string { return signed(t, []byte("other-secret"), "user-1", time.Hour) }},
		{"no subject", func(t *testing.T) string { return signed(t, testSecret, "", time.Hour) }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			users := new(mockUserLookup)
			a := newAuthenticator(t, users)

			identity, err := a.Authenticate(context.Background(), tc.token(t))
			require.Error(t, err)
			assert.Nil(t, identity)
			assert.ErrorIs(t, err, realtime.ErrAuthentication)
			assert.Contains(t, err.Error(), "Authentication")
			users.AssertNotCalled(t, "FindByID", mock.Anything, mock.Anything)
		})
	}
}

func TestAuthenticate_UnknownUser(t *testing.T) {
	users := new(mockUserLookup)
	users.On("FindByID", mock.Anything, "ghost").Return(nil, nil)
	a := newAuthenticator(t, users)

	_, err := a.Authenticate(context.Background(), signed(t, testSecret, "ghost", time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, realtime.ErrAuthentication)
	assert.Contains(t, err.Error(), "user not found")
}

func TestAuthenticate_LookupUnavailable(t *testing.T) {
	users := new(mockUserLookup)
	users.On("FindByID", mock.Anything, "user-1").Return(nil, errors.New("connection refused"))
	a := newAuthenticator(t, users)

	_, err := a.Authenticate(context.Background(), signed(t, testSecret, "user-1", time.Hour))
	require.Error(t, err)
	assert.ErrorIs(t, err, realtime.ErrAuthentication)
}

func TestNewAuthenticator_NilDependencies(t *testing.T) {
	verifier, err := auth.NewJWTVerifier(auth.JWTConfig{Secret: testSecret})
	require.NoError(t, err)

	_, err = auth.NewAuthenticator(nil, new(mockUserLookup), 0, zerolog.Nop())
	assert.Error(t, err)
	_, err = auth.NewAuthenticator(verifier, nil, 0, zerolog.Nop())
	assert.Error(t, err)
}
