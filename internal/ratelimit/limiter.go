// Package ratelimit provides per-principal, per-function token bucket
// rate limiting for invocation requests.
package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cascadefn/cascadefn/internal/auth"
)

// Config configures rate limiting behavior.
type Config struct {
	// RequestsPerSecond is the refill rate of each bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum number of requests allowed in a burst.
	BurstSize int `yaml:"burst_size"`
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the default rate limit configuration. The burst
// is deliberately small enough that 50-100 concurrent requests to the
// same function exceed it.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         20,
		Enabled:           true,
	}
}

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
}

// NewBucket creates a full bucket.
func NewBucket(config Config) *Bucket {
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10.0
	}
	if config.BurstSize <= 0 {
		config.BurstSize = int(config.RequestsPerSecond * 2)
	}
	return &Bucket{
		tokens:     float64(config.BurstSize),
		maxTokens:  float64(config.BurstSize),
		refillRate: config.RequestsPerSecond,
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill adds tokens for elapsed time. Caller holds the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now

	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// WaitTime returns how long until a request would be allowed.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// Limiter manages one bucket per (principal, function) pair.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
	config  Config
	maxKeys int
}

// NewLimiter creates a rate limiter.
func NewLimiter(config Config) *Limiter {
	return &Limiter{
		buckets: make(map[string]*Bucket),
		config:  config,
		maxKeys: 10000,
	}
}

// Allow checks whether one request for (principal, function) is allowed.
func (l *Limiter) Allow(principalID, functionID string) bool {
	if !l.config.Enabled {
		return true
	}
	return l.getBucket(principalID + ":" + functionID).Allow()
}

// RetryAfter returns the suggested client wait, rounded up to a whole
// second so the Retry-After header is always a positive integer.
func (l *Limiter) RetryAfter(principalID, functionID string) time.Duration {
	if !l.config.Enabled {
		return 0
	}
	wait := l.getBucket(principalID + ":" + functionID).WaitTime()
	seconds := math.Ceil(wait.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// Reset drops the bucket for a (principal, function) pair.
func (l *Limiter) Reset(principalID, functionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, principalID+":"+functionID)
}

func (l *Limiter) getBucket(key string) *Bucket {
	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()
	if exists {
		return bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if bucket, exists = l.buckets[key]; exists {
		return bucket
	}
	if len(l.buckets) >= l.maxKeys {
		l.prune()
	}
	bucket = NewBucket(l.config)
	l.buckets[key] = bucket
	return bucket
}

// prune removes buckets that are nearly full, i.e. idle keys.
func (l *Limiter) prune() {
	for key, bucket := range l.buckets {
		if bucket.Tokens() >= bucket.maxTokens*0.9 {
			delete(l.buckets, key)
		}
	}
}

// FunctionIDResolver extracts the function id a request targets, used
// to key the bucket. Empty means the route is not per-function.
type FunctionIDResolver func(r *http.Request) string

// Middleware rejects over-limit invocations with 429, a positive
// integer Retry-After, and a rate-limit error message.
func Middleware(limiter *Limiter, resolve FunctionIDResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			principalID := "anonymous"
			if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
				principalID = principal.KeyID
			}
			functionID := ""
			if resolve != nil {
				functionID = resolve(r)
			}

			if !limiter.Allow(principalID, functionID) {
				retryAfter := limiter.RetryAfter(principalID, functionID)
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "rate limit exceeded: too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
