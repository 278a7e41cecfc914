// Package ratelimit implements a per-(provider, user) circuit over Redis:
// block pre-emptively when a prior 429 told us to wait, parse Retry-After
// from errors, and apply exponential backoff to repeated non-429 failures.
//
// Redis is the source of truth so all workers see the same state; a small
// in-memory read-through cache absorbs hot reads. The cache is strictly an
// accelerator — a slightly stale read only risks one extra upstream call,
// which the provider's own limiter will answer with another 429.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayhq/inbox-ingest/internal/pkg/httpretry"
)

const (
	defaultRetryAfter = 30 * time.Second
	maxBackoff        = 5 * time.Minute
	stateTTLPadding   = 60 * time.Second
)

// HTTPStatusError carries an upstream HTTP failure with enough context for
// rate-limit classification. Provider adapters return it for non-2xx
// responses.
type HTTPStatusError struct {
	StatusCode int
	RetryAfter string // raw Retry-After header, may be empty
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RateLimitedError indicates the circuit is open for this (provider, user).
type RateLimitedError struct {
	Provider string
	UserID   string
	Wait     time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s for user %s, wait %s", e.Provider, e.UserID, e.Wait)
}

// IsRateLimited reports whether err is (or wraps) a RateLimitedError.
func IsRateLimited(err error) bool {
	var rle *RateLimitedError
	return errors.As(err, &rle)
}

// state is the JSON value stored under rate:<provider>:<user>.
type state struct {
	RetryAfter          *time.Time `json:"retry_after,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastRequest         time.Time  `json:"last_request"`
}

// Limiter is the shared circuit for all providers and users.
type Limiter struct {
	redis *redis.Client
	now   func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// cacheEntry pairs a cached state with the deadline mirroring its Redis TTL.
// Past the deadline the entry is evicted and the read falls through to Redis,
// so a stale failure count cannot outlive the state it came from.
type cacheEntry struct {
	state   state
	expires time.Time
}

// NewLimiter creates a Limiter over the given Redis client.
func NewLimiter(redisClient *redis.Client) *Limiter {
	return &Limiter{
		redis: redisClient,
		now:   time.Now,
		cache: make(map[string]cacheEntry),
	}
}

func key(provider, userID string) string {
	return fmt.Sprintf("rate:%s:%s", provider, userID)
}

func (l *Limiter) load(ctx context.Context, provider, userID string) state {
	k := key(provider, userID)
	now := l.now()

	l.mu.RLock()
	e, ok := l.cache[k]
	l.mu.RUnlock()
	if ok {
		if now.Before(e.expires) {
			return e.state
		}
		l.mu.Lock()
		delete(l.cache, k)
		l.mu.Unlock()
	}

	raw, err := l.redis.Get(ctx, k).Result()
	if err != nil {
		// Missing key or Redis trouble: treat as unlimited. Failing open
		// here costs one upstream call; failing closed stalls ingestion.
		return state{}
	}
	var s state
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return state{}
	}
	l.mu.Lock()
	l.cache[k] = cacheEntry{state: s, expires: cacheDeadline(s, now)}
	l.mu.Unlock()
	return s
}

// cacheDeadline mirrors the Redis TTL of s: the state lives until its wait
// window plus padding has passed.
func cacheDeadline(s state, now time.Time) time.Time {
	if s.RetryAfter != nil && s.RetryAfter.After(now) {
		return s.RetryAfter.Add(stateTTLPadding)
	}
	return now.Add(stateTTLPadding)
}

func (l *Limiter) store(ctx context.Context, provider, userID string, s state, ttl time.Duration) {
	k := key(provider, userID)
	raw, err := json.Marshal(s)
	if err != nil {
		return
	}
	_ = l.redis.Set(ctx, k, raw, ttl).Err()
	now := l.now()
	l.mu.Lock()
	for ck, ce := range l.cache {
		if !now.Before(ce.expires) {
			delete(l.cache, ck)
		}
	}
	l.cache[k] = cacheEntry{state: s, expires: now.Add(ttl)}
	l.mu.Unlock()
}

func (l *Limiter) clear(ctx context.Context, provider, userID string) {
	k := key(provider, userID)
	_ = l.redis.Del(ctx, k).Err()
	l.mu.Lock()
	delete(l.cache, k)
	l.mu.Unlock()
}

// IsLimited reports whether the circuit is currently open, and for how much
// longer. The scheduler uses this pre-check to skip a user without touching
// their watermark.
func (l *Limiter) IsLimited(ctx context.Context, provider, userID string) (bool, time.Duration) {
	s := l.load(ctx, provider, userID)
	if s.RetryAfter == nil {
		return false, 0
	}
	wait := s.RetryAfter.Sub(l.now())
	if wait <= 0 {
		return false, 0
	}
	return true, wait
}

// Fetch runs fn under the circuit. If the circuit is open it returns a
// RateLimitedError without invoking fn. On success the state is cleared; on
// failure the error is classified and the circuit updated.
func (l *Limiter) Fetch(ctx context.Context, provider, userID string, fn func(ctx context.Context) error) error {
	if limited, wait := l.IsLimited(ctx, provider, userID); limited {
		return &RateLimitedError{Provider: provider, UserID: userID, Wait: wait}
	}

	err := fn(ctx)
	if err == nil {
		l.clear(ctx, provider, userID)
		return nil
	}

	now := l.now()
	s := l.load(ctx, provider, userID)
	s.ConsecutiveFailures++
	s.LastRequest = now

	if isRateLimitError(err) {
		wait := retryAfterFrom(err, now)
		until := now.Add(wait)
		s.RetryAfter = &until
		l.store(ctx, provider, userID, s, wait+stateTTLPadding)
		return &RateLimitedError{Provider: provider, UserID: userID, Wait: wait}
	}

	// Non-429 failure: open the circuit for an exponentially growing,
	// jittered window so a flapping upstream isn't hammered every cycle.
	backoff := backoffFor(s.ConsecutiveFailures)
	until := now.Add(backoff)
	s.RetryAfter = &until
	l.store(ctx, provider, userID, s, backoff+stateTTLPadding)
	return err
}

// isRateLimitError classifies an error as a provider rate-limit response.
func isRateLimitError(err error) bool {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		return he.StatusCode == 429
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests")
}

// retryAfterFrom extracts the provider-requested wait, defaulting to 30s.
func retryAfterFrom(err error, now time.Time) time.Duration {
	var he *HTTPStatusError
	if errors.As(err, &he) {
		if d, ok := httpretry.ParseRetryAfter(he.RetryAfter, now); ok && d > 0 {
			return d
		}
	}
	return defaultRetryAfter
}

// backoffFor computes min(2^failures * 1s, 5m) plus up to 1s of jitter.
func backoffFor(failures int) time.Duration {
	ms := math.Pow(2, float64(failures)) * 1000
	if ms > float64(maxBackoff.Milliseconds()) {
		ms = float64(maxBackoff.Milliseconds())
	}
	jitter := rand.Intn(1000)
	return time.Duration(int64(ms)+int64(jitter)) * time.Millisecond
}
