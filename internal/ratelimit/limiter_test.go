package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cascadefn/cascadefn/internal/auth"
	"github.com/cascadefn/cascadefn/pkg/models"
)

func TestBucketAllowsBurstThenRejects(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 1, BurstSize: 5})

	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Fatalf("request %d within burst rejected", i)
		}
	}
	if bucket.Allow() {
		t.Error("request past burst allowed")
	}
}

func TestBucketRefills(t *testing.T) {
	bucket := NewBucket(Config{RequestsPerSecond: 100, BurstSize: 1})
	if !bucket.Allow() {
		t.Fatal("first request rejected")
	}
	if bucket.Allow() {
		t.Fatal("second immediate request allowed")
	}

	time.Sleep(20 * time.Millisecond)
	if !bucket.Allow() {
		t.Error("request after refill window rejected")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})

	if !limiter.Allow("alice", "fn-a") {
		t.Fatal("first request rejected")
	}
	if limiter.Allow("alice", "fn-a") {
		t.Error("same pair should be exhausted")
	}
	if !limiter.Allow("alice", "fn-b") {
		t.Error("different function shares a bucket")
	}
	if !limiter.Allow("bob", "fn-a") {
		t.Error("different principal shares a bucket")
	}
}

func TestLimiterDisabled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: false})
	for i := 0; i < 100; i++ {
		if !limiter.Allow("alice", "fn") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRetryAfterIsPositiveWholeSeconds(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 0.5, BurstSize: 1, Enabled: true})
	limiter.Allow("alice", "fn")

	retryAfter := limiter.RetryAfter("alice", "fn")
	if retryAfter < time.Second {
		t.Errorf("Retry-After below one second: %v", retryAfter)
	}
	if retryAfter%time.Second != 0 {
		t.Errorf("Retry-After not whole seconds: %v", retryAfter)
	}
}

func TestMiddlewareRejectsBurst(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 10, Enabled: true})
	var served atomic.Int64
	handler := Middleware(limiter, func(r *http.Request) string { return "fn" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			served.Add(1)
			w.WriteHeader(http.StatusOK)
		}))

	principal := &models.Principal{KeyID: "key-1", Active: true}
	const concurrent = 100
	codes := make([]int, concurrent)
	var wg sync.WaitGroup
	for i := 0; i < concurrent; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/functions/fn/invoke", nil)
			req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	ok, limited := 0, 0
	for _, code := range codes {
		switch code {
		case http.StatusOK:
			ok++
		case http.StatusTooManyRequests:
			limited++
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}
	if limited == 0 {
		t.Fatal("burst of 100 never hit the limit")
	}
	if ok == 0 {
		t.Fatal("every request rejected")
	}
	if int(served.Load()) != ok {
		t.Errorf("served %d but %d 200s", served.Load(), ok)
	}
}

func TestMiddleware429Response(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	handler := Middleware(limiter, func(r *http.Request) string { return "fn" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	principal := &models.Principal{KeyID: "key-1", Active: true}
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/functions/fn/invoke", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), principal))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	send()
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status: %d", rec.Code)
	}

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After must be a positive integer, got %q", rec.Header().Get("Retry-After"))
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	pattern := regexp.MustCompile(`(?i)rate.*limit|too.*many.*requests|throttl`)
	if !pattern.MatchString(body["message"]) && !pattern.MatchString(body["error"]) {
		t.Errorf("message does not mention rate limiting: %+v", body)
	}
}

func TestMiddlewareDistinctPrincipalsNotCoupled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	handler := Middleware(limiter, func(r *http.Request) string { return "fn" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	send := func(keyID string) int {
		req := httptest.NewRequest(http.MethodPost, "/functions/fn/invoke", nil)
		req = req.WithContext(auth.WithPrincipal(req.Context(), &models.Principal{KeyID: keyID, Active: true}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if send("alice") != http.StatusOK {
		t.Fatal("alice's first request rejected")
	}
	if send("alice") != http.StatusTooManyRequests {
		t.Fatal("alice's second request allowed")
	}
	if send("bob") != http.StatusOK {
		t.Error("bob throttled by alice's bucket")
	}
}
