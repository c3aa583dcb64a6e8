// Package distlock provides cross-instance mutual exclusion for the
// scheduler jobs: when two scheduler replicas run, only one executes a
// given job per tick. The pipeline stays correct without the locks (the
// idempotency key absorbs duplicate scheduling) but double-running the
// pre-calculator wastes a full user scan.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock is a non-blocking distributed lock.
type Lock interface {
	// Acquire tries to take the lock, returning true on success.
	Acquire(ctx context.Context) (bool, error)
	// Release gives the lock back if still held.
	Release(ctx context.Context) error
}

// New picks the backend: Redis when a client is available, otherwise
// Postgres advisory locks on the shared database.
func New(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) Lock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewAdvisoryLock(db, key)
}

// AdvisoryLock uses pg_try_advisory_lock. Session-scoped: the lock drops
// with the connection, so a crashed holder cannot wedge the jobs.
type AdvisoryLock struct {
	db     *sql.DB
	lockID int64

	// conn pins the session holding the lock; advisory locks are per
	// session, and the pool would otherwise release on a different one.
	conn *sql.Conn
}

// NewAdvisoryLock derives a stable 64-bit lock ID from the key.
func NewAdvisoryLock(db *sql.DB, key string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &AdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire takes the advisory lock without blocking.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release unlocks and returns the pinned session to the pool.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	l.conn.Close()
	l.conn = nil
	return err
}
