// Package distlock provides best-effort distributed mutexes over a TTL
// key-value store. Locks guard the cron poll cycle, per-connection token
// refresh, and admin repair jobs.
//
// The underlying store is only eventually consistent from the caller's point
// of view: two racing callers may both acquire in a narrow window. Every
// caller must tolerate that — cron tolerates a duplicate cycle because
// ingestion is idempotent, and token refresh tolerates a duplicate refresh
// because the resulting writes are idempotent.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockUnavailable is returned by WithLock when the lock is already held.
// Callers treat it as "skip this run", not as a failure.
var ErrLockUnavailable = errors.New("distlock: lock unavailable")

// Lock is the interface for a single distributed lock instance.
// Implementations must be safe for use from a single goroutine; concurrent
// use across goroutines requires separate lock instances.
type Lock interface {
	// TryAcquire attempts to take the lock without blocking.
	// Returns true iff the lock was acquired.
	TryAcquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Locker creates locks against a shared backend.
type Locker struct {
	redis *redis.Client
	db    *sql.DB
}

// NewLocker creates a lock factory using the best available backend.
// If redisClient is non-nil, locks use Redis SET NX with TTL (preferred for
// cross-host locking). Otherwise they fall back to PostgreSQL advisory locks.
func NewLocker(redisClient *redis.Client, db *sql.DB) *Locker {
	return &Locker{redis: redisClient, db: db}
}

// Lock returns a lock instance for the given key. TTL is mandatory so
// abandoned locks always expire on their own.
func (f *Locker) Lock(key string, ttl time.Duration) Lock {
	if f.redis != nil {
		return NewRedisLock(f.redis, key, ttl)
	}
	return NewPGAdvisoryLock(f.db, key)
}

// WithLock acquires the lock for key, runs fn, and releases the lock in a
// guaranteed-release scope. If the lock is held elsewhere it returns
// ErrLockUnavailable without running fn. fn's error is propagated as-is.
func (f *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	l := f.Lock(key, ttl)
	ok, err := l.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockUnavailable
	}
	defer func() {
		// Release with a fresh context so a cancelled fn doesn't leave the
		// lock pinned until TTL expiry.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.Release(rctx)
	}()
	return fn(ctx)
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped.
// The lock is automatically released if the DB connection drops, providing
// crash-safety similar to Redis TTL expiration.

// PGAdvisoryLock implements Lock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		lockID: int64(h.Sum64()),
	}
}

// TryAcquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release releases the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
