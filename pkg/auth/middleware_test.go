package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proveniq/ledger-core/pkg/auth"
)

const testAdminKey = "test-admin-key"

var testSecret = []byte("test-jwt-secret")

func protected(t *testing.T) (http.Handler, *auth.Principal) {
	t.Helper()
	var seen auth.Principal
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := auth.GetPrincipal(r.Context())
		require.NoError(t, err)
		seen = *p
		w.WriteHeader(http.StatusOK)
	})
	mw := auth.NewMiddleware(testAdminKey, auth.NewJWTValidator(testSecret))
	return mw(handler), &seen
}

func signToken(t *testing.T, claims *auth.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	require.NoError(t, err)
	return signed
}

func TestMiddlewareHealthIsPublic(t *testing.T) {
	mw := auth.NewMiddleware(testAdminKey, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareAPIKey(t *testing.T) {
	handler, seen := protected(t)

	req := httptest.NewRequest(http.MethodGet, "/events/abc", nil)
	req.Header.Set("X-API-Key", testAdminKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "admin", seen.ID)
	assert.True(t, seen.IsAdmin())
}

func TestMiddlewareWrongAPIKey(t *testing.T) {
	handler, _ := protected(t)

	req := httptest.NewRequest(http.MethodGet, "/events/abc", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestMiddlewareBearerToken(t *testing.T) {
	handler, seen := protected(t)

	token := signToken(t, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{auth.RoleSubscriber},
	})
	req := httptest.NewRequest(http.MethodGet, "/events/abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sub-123", seen.ID)
	assert.True(t, seen.HasRole(auth.RoleSubscriber))
	assert.False(t, seen.IsAdmin())
}

func TestMiddlewareExpiredToken(t *testing.T) {
	handler, _ := protected(t)

	token := signToken(t, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "sub-123",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/events/abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareMissingSubject(t *testing.T) {
	handler, _ := protected(t)

	token := signToken(t, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	req := httptest.NewRequest(http.MethodGet, "/events/abc", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareNoCredentials(t *testing.T) {
	handler, _ := protected(t)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminRejectsSubscriber(t *testing.T) {
	handler, _ := protected(t)
	_ = handler

	inner := auth.RequireAdmin(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodPost, "/admin/rebuild", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{ID: "sub-1", Roles: []string{auth.RoleSubscriber}}))
	rec := httptest.NewRecorder()
	inner(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/rebuild", nil)
	req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{ID: "admin", Roles: []string{auth.RoleAdmin}}))
	rec = httptest.NewRecorder()
	inner(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
