package auth_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/proveniq/ledger-core/pkg/auth"
)

func TestRateLimitBurstThenReject(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 2)
	mw := auth.RateLimitMiddleware(limiter)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimitRetryAfterHeader(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	mw := auth.RateLimitMiddleware(limiter)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimitKeysAreIndependent(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	mw := auth.RateLimitMiddleware(limiter)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	a := httptest.NewRequest(http.MethodGet, "/events", nil)
	a.RemoteAddr = "10.0.0.3:1"
	handler.ServeHTTP(httptest.NewRecorder(), a)

	// A different client still has its full bucket.
	b := httptest.NewRequest(http.MethodGet, "/events", nil)
	b.RemoteAddr = "10.0.0.4:1"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, b)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitNilLimiterFailsOpen(t *testing.T) {
	mw := auth.RateLimitMiddleware(nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitUsesPrincipalKey(t *testing.T) {
	limiter := auth.NewRateLimiter(1, 1)
	mw := auth.RateLimitMiddleware(limiter)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Same remote address, distinct principals: buckets stay separate.
	for i, id := range []string{"client-a", "client-b"} {
		req := httptest.NewRequest(http.MethodGet, "/events", nil)
		req.RemoteAddr = "10.0.0.5:1"
		req = req.WithContext(auth.WithPrincipal(req.Context(), &auth.Principal{ID: id}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
}
