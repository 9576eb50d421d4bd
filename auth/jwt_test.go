package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuth(t *testing.T) *Auth {
	t.Helper()
	a, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "0123456789abcdef0123456789abcdef",
	})
	require.NoError(t, err)
	return a
}

func protectedHandler(a *Auth, got **Claims) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*got = r.Context().Value(Context).(*Claims)
		w.WriteHeader(http.StatusOK)
	})
	return a.Middleware()(a.ClaimCheck()(inner))
}

func TestMiddlewareAcceptsMintedToken(t *testing.T) {
	a := newTestAuth(t)

	token, err := a.CreateTokenFromClaims(Claims{
		UserID: "user-1",
		Email:  "dreamer@example.com",
	})
	require.NoError(t, err)

	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearerPrefix+token)
	w := httptest.NewRecorder()
	protectedHandler(a, &got).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "dreamer@example.com", got.Email)
}

func TestMiddlewareRejectsMissingBearer(t *testing.T) {
	a := newTestAuth(t)

	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	protectedHandler(a, &got).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, got)
}

func TestMiddlewareRejectsForgedToken(t *testing.T) {
	a := newTestAuth(t)

	// Signed under a different key
	other, err := New(Options{
		Logger:        zap.NewNop(),
		JWTSigningKey: "ffffffffffffffffffffffffffffffff",
	})
	require.NoError(t, err)
	token, err := other.CreateTokenFromClaims(Claims{UserID: "user-1"})
	require.NoError(t, err)

	var got *Claims
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearerPrefix+token)
	w := httptest.NewRecorder()
	protectedHandler(a, &got).ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, got)
}
