package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Rate Limit Tests
// =============================================================================

// TestRateLimitRetry tests that a 429 response triggers automatic retry after backoff
func TestRateLimitRetry(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requestCount, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(Config{
		MaxRetries: 5,
		BaseDelay:  10 * time.Millisecond,
	})

	resp, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if got := atomic.LoadInt32(&requestCount); got != 2 {
		t.Errorf("expected 2 requests (1 retry), got %d", got)
	}
}

// TestRateLimitExhausted tests that persistent 429s yield a RateLimitError
func TestRateLimitExhausted(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	stats := NewStats()
	client := NewClient(Config{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		Stats:      stats,
		Name:       "marketplace",
	})

	_, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if got := atomic.LoadInt32(&requestCount); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
	if stats.RateLimitCount() != 3 {
		t.Errorf("expected 3 recorded rate limits, got %d", stats.RateLimitCount())
	}
}

// TestBodyAndHeadersResentOnRetry verifies every attempt carries the body, headers and hooks
func TestBodyAndHeadersResentOnRetry(t *testing.T) {
	requestCount := int32(0)
	var mu sync.Mutex
	var bodies []string
	var idem []string
	var auth []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		mu.Lock()
		defer mu.Unlock()
		bodies = append(bodies, string(buf))
		idem = append(idem, r.Header.Get("Idempotency-Key"))
		auth = append(auth, r.Header.Get("Authorization"))
		if atomic.AddInt32(&requestCount, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(Config{BaseDelay: time.Millisecond})
	client.AddHook(func(r *http.Request) { r.Header.Set("Authorization", "Bearer tok") })

	header := http.Header{}
	header.Set("Idempotency-Key", "k-1")
	resp, err := client.Do(context.Background(), http.MethodPost, server.URL, []byte(`{"amount":50}`), header)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	_ = resp.Body.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(bodies))
	}
	for i := range bodies {
		if bodies[i] != `{"amount":50}` {
			t.Errorf("attempt %d body = %q", i, bodies[i])
		}
		if idem[i] != "k-1" {
			t.Errorf("attempt %d Idempotency-Key = %q", i, idem[i])
		}
		if auth[i] != "Bearer tok" {
			t.Errorf("attempt %d Authorization = %q", i, auth[i])
		}
	}
}

// TestContextCancellationDuringBackoff verifies the wait honours the context
func TestContextCancellationDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(Config{MaxRetries: 3, MaxDelay: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Do(ctx, http.MethodGet, server.URL, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Do() did not return promptly after cancellation")
	}
}

func TestBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for attempt, w := range want {
		if got := Backoff(attempt, base, max, false); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}

	for i := 0; i < 100; i++ {
		got := Backoff(1, base, max, true)
		if got < 160*time.Millisecond || got > 240*time.Millisecond {
			t.Fatalf("jittered Backoff(1) = %v, want within ±20%% of 200ms", got)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("5"); d == nil || *d != 5*time.Second {
		t.Errorf("ParseRetryAfter(5) = %v", d)
	}
	if d := ParseRetryAfter(""); d != nil {
		t.Errorf("ParseRetryAfter(\"\") = %v, want nil", d)
	}
	if d := ParseRetryAfter("-1"); d != nil {
		t.Errorf("ParseRetryAfter(-1) = %v, want nil", d)
	}
	if d := ParseRetryAfter("soon"); d != nil {
		t.Errorf("ParseRetryAfter(soon) = %v, want nil", d)
	}
	future := time.Now().Add(time.Hour).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d == nil || *d <= 0 {
		t.Errorf("ParseRetryAfter(http-date) = %v", d)
	}
}

// TestBreakerFailsFastWhenOpen verifies server errors open the circuit
func TestBreakerFailsFastWhenOpen(t *testing.T) {
	requestCount := int32(0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requestCount, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(Config{Breaker: NewBreaker(2, time.Hour)})

	for i := 0; i < 2; i++ {
		resp, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		_ = resp.Body.Close()
	}

	_, err := client.Do(context.Background(), http.MethodGet, server.URL, nil, nil)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if got := atomic.LoadInt32(&requestCount); got != 2 {
		t.Errorf("open circuit should not reach the server, got %d requests", got)
	}
}
