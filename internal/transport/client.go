// Package transport provides the HTTP client used to reach the marketplace
// API: rate-limit handling with exponential backoff and a circuit breaker that
// fails fast while the API host is down.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// ErrCircuitOpen is returned without contacting the server while the
// breaker is open.
var ErrCircuitOpen = errors.New("circuit open: API recently unreachable")

// RequestHook mutates an outgoing request, e.g. to attach credentials.
type RequestHook func(*http.Request)

// Config holds configuration for the transport client.
type Config struct {
	// MaxRetries is the maximum number of retry attempts after receiving 429.
	// Default: 3
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Default: 500ms
	BaseDelay time.Duration

	// MaxDelay is the maximum delay between retries.
	// Default: 8 seconds
	MaxDelay time.Duration

	// EnableJitter adds random jitter (±20%) to prevent thundering herd.
	EnableJitter bool

	// Timeout bounds a single HTTP exchange. Default: 30 seconds
	Timeout time.Duration

	// Breaker is optional; nil disables fail-fast.
	Breaker *Breaker

	// Stats is an optional stats tracker for recording rate limit events.
	Stats *Stats

	// Name for error messages and logging.
	Name string
}

// Client is an HTTP client that handles rate limiting and fails fast through
// its circuit breaker.
type Client struct {
	httpClient   *http.Client
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	enableJitter bool
	breaker      *Breaker
	stats        *Stats
	name         string

	mu    sync.RWMutex
	hooks []RequestHook
}

// NewClient creates a new transport client with the given configuration.
func NewClient(cfg Config) *Client {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}

	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient:   &http.Client{Timeout: timeout},
		maxRetries:   maxRetries,
		baseDelay:    baseDelay,
		maxDelay:     maxDelay,
		enableJitter: cfg.EnableJitter,
		breaker:      cfg.Breaker,
		stats:        cfg.Stats,
		name:         cfg.Name,
	}
}

// AddHook registers a hook run on every outgoing request, in registration order.
func (c *Client) AddHook(h RequestHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, h)
}

// Breaker returns the client's circuit breaker, or nil.
func (c *Client) Breaker() *Breaker {
	return c.breaker
}

// Do performs an HTTP request with automatic retry on rate limiting (429 responses).
// header is copied onto every attempt. Transport failures and 5xx responses
// count against the circuit breaker.
func (c *Client) Do(ctx context.Context, method, url string, body []byte, header http.Header) (*http.Response, error) {
	if c.breaker != nil && !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		var bodyReader *bytes.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		var req *http.Request
		var err error
		if bodyReader != nil {
			req, err = http.NewRequestWithContext(ctx, method, url, bodyReader)
		} else {
			req, err = http.NewRequestWithContext(ctx, method, url, nil)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		c.mu.RLock()
		for _, h := range c.hooks {
			h(req)
		}
		c.mu.RUnlock()

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if c.breaker != nil {
				if ctx.Err() != nil {
					c.breaker.abandon()
				} else {
					c.breaker.RecordFailure()
				}
			}
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			if c.breaker != nil {
				if resp.StatusCode >= 500 {
					c.breaker.RecordFailure()
				} else {
					c.breaker.RecordSuccess()
				}
			}
			return resp, nil
		}

		_ = resp.Body.Close()

		if c.stats != nil {
			c.stats.RecordRateLimit()
		}

		if attempt >= c.maxRetries {
			break
		}

		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"))
		delay := c.calculateBackoff(attempt, retryAfter)

		select {
		case <-ctx.Done():
			if c.breaker != nil {
				c.breaker.abandon()
			}
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	// The host answered, so the breaker treats it as reachable.
	if c.breaker != nil {
		c.breaker.RecordSuccess()
	}
	return nil, &RateLimitError{
		Name:        c.name,
		Attempt:     c.maxRetries,
		MaxAttempts: c.maxRetries,
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func (c *Client) calculateBackoff(attempt int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		if *retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return *retryAfter
	}
	return Backoff(attempt, c.baseDelay, c.maxDelay, c.enableJitter)
}

// Backoff returns base * 2^attempt capped at max, with ±20% jitter if enabled.
func Backoff(attempt int, base, max time.Duration, jitter bool) time.Duration {
	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > max || delay <= 0 {
		delay = max
	}
	if jitter {
		jitterFactor := 0.8 + rand.Float64()*0.4 // 0.8 to 1.2
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}

// RateLimitError represents an error when rate limit retries are exhausted.
type RateLimitError struct {
	Name        string
	Attempt     int
	MaxAttempts int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	name := e.Name
	if name == "" {
		name = "API"
	}
	return fmt.Sprintf("%s rate limit exceeded after %d retries (max %d)", name, e.Attempt, e.MaxAttempts)
}

// ParseRetryAfter parses the Retry-After header value.
// It supports both seconds format (integer) and HTTP-date format.
// Returns nil if the value is invalid or empty.
func ParseRetryAfter(value string) *time.Duration {
	if value == "" {
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		if seconds < 0 {
			return nil
		}
		d := time.Duration(seconds) * time.Second
		return &d
	}

	if t, err := http.ParseTime(value); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// Stats tracks rate limit statistics.
type Stats struct {
	mu              sync.RWMutex
	rateLimitCount  int64
	lastRateLimitAt time.Time
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordRateLimit records a rate limit event.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitCount++
	s.lastRateLimitAt = time.Now()
}

// RateLimitCount returns the total number of rate limit events.
func (s *Stats) RateLimitCount() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rateLimitCount
}

// LastRateLimitTime returns the time of the last rate limit event.
func (s *Stats) LastRateLimitTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRateLimitAt
}
