package limiter

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func byHeader(r *http.Request) string { return r.Header.Get("X-User") }

func TestAllowPerKey(t *testing.T) {
	rl := New(0.001, 2, byHeader)

	if !rl.Allow("alice") || !rl.Allow("alice") {
		t.Fatal("burst of 2 should be allowed")
	}
	if rl.Allow("alice") {
		t.Error("third request should be rejected")
	}
	if !rl.Allow("bob") {
		t.Error("other callers have their own bucket")
	}
}

func TestMiddleware(t *testing.T) {
	rl := New(0.001, 1, byHeader)
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-User", "alice")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(); code != http.StatusNoContent {
		t.Errorf("first request = %d", code)
	}
	if code := do(); code != http.StatusTooManyRequests {
		t.Errorf("second request = %d, want 429", code)
	}
}

func TestPrune(t *testing.T) {
	rl := New(1, 1, byHeader)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(time.Hour)
	rl.Allow("fresh")

	if n := rl.Prune(time.Minute); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := rl.callers["fresh"]; !ok {
		t.Error("recent caller was pruned")
	}
}
