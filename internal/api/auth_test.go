package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIdContext(t *testing.T) {
	_, ok := UserId(context.Background())
	assert.False(t, ok, "expected no user id in empty context")

	_, ok = UserId(WithUserId(context.Background(), ""))
	assert.False(t, ok, "expected empty user id to be treated as absent")

	userId, ok := UserId(WithUserId(context.Background(), "user-1"))
	assert.True(t, ok)
	assert.Equal(t, "user-1", userId)
}

func TestExtractUserIdFromToken(t *testing.T) {
	app := &App{signingKey: testSigningKey}

	valid, err := IssueToken(testSigningKey, "user-1", time.Hour)
	require.NoError(t, err)

	expired, err := IssueToken(testSigningKey, "user-1", -time.Hour)
	require.NoError(t, err)

	otherKey, err := IssueToken([]byte("some-other-key"), "user-1", time.Hour)
	require.NoError(t, err)

	noClaim, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSigningKey)
	require.NoError(t, err)

	numericClaim, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user-id": 42,
		"exp":     time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSigningKey)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"user-id": "user-1",
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tcases := []struct {
		name    string
		token   string
		want    string
		wantErr bool
	}{
		{name: "valid token", token: valid, want: "user-1"},
		{name: "expired token", token: expired, wantErr: true},
		{name: "wrong signing key", token: otherKey, wantErr: true},
		{name: "missing user id claim", token: noClaim, wantErr: true},
		{name: "non string user id claim", token: numericClaim, wantErr: true},
		{name: "unsigned token", token: unsigned, wantErr: true},
		{name: "garbage", token: "not-a-jwt", wantErr: true},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			userId, err := app.extractUserIdFromToken(tc.token)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, userId)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	t.Run("cookie", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "cookie-token"})
		req.Header.Set("Authorization", "Bearer header-token")

		token, err := tokenFromRequest(req)
		require.NoError(t, err)
		assert.Equal(t, "cookie-token", token, "expected cookie to take precedence")
	})

	t.Run("bearer header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer header-token")

		token, err := tokenFromRequest(req)
		require.NoError(t, err)
		assert.Equal(t, "header-token", token)
	})

	t.Run("missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")

		_, err := tokenFromRequest(req)
		assert.ErrorIs(t, err, errNoToken)
	})
}
