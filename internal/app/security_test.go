package app

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestKeyedRateLimiterAllow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewKeyedRateLimiter(2)
	l.now = func() time.Time { return now }

	if !l.Allow("k") || !l.Allow("k") {
		t.Fatalf("first two requests should pass")
	}
	if l.Allow("k") {
		t.Fatalf("third request should be blocked")
	}
	if !l.Allow("other") {
		t.Fatalf("keys must not share a bucket")
	}

	now = now.Add(30 * time.Second)
	if !l.Allow("k") {
		t.Fatalf("bucket should refill after half a minute")
	}
}

func TestKeyedRateLimiterSweepsIdleKeys(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	l := NewKeyedRateLimiter(1)
	l.now = func() time.Time { return now }

	l.Allow("a")
	now = now.Add(11 * time.Minute)
	l.Allow("b")

	if _, ok := l.store["a"]; ok {
		t.Fatalf("idle key should have been swept")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	mw := RateLimitMiddleware(NewKeyedRateLimiter(1))
	next := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		w := httptest.NewRecorder()
		next.ServeHTTP(w, req)
		if w.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, w.Code)
		}
	}
}

func TestCSRFMiddlewareEnforced(t *testing.T) {
	mw := CSRFMiddleware(true)
	next := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/1/submit", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "abc"})
	req.Header.Set(csrfHeaderName, "abc")
	w := httptest.NewRecorder()
	next.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCSRFMiddlewareRejectsMissingToken(t *testing.T) {
	mw := CSRFMiddleware(true)
	next := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/1/submit", nil)
	w := httptest.NewRecorder()
	next.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestCSRFMiddlewareSkipsBearerClients(t *testing.T) {
	mw := CSRFMiddleware(true)
	next := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/attempts/1/submit", nil)
	req.Header.Set("Authorization", "Bearer token")
	w := httptest.NewRecorder()
	next.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
