// Package distlock keeps two analyzer runs from working the same mailboxes
// at once. Redis is preferred; a Postgres advisory lock is the fallback
// when the warehouse is Postgres and no Redis is configured.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-intel/internal/pkg/logger"
)

// ErrNotHeld is returned when extending or releasing a lock this process
// no longer owns.
var ErrNotHeld = errors.New("lock not held")

// DistLock is a non-blocking mutual exclusion lock across processes.
type DistLock interface {
	// Acquire returns false without error when another holder has it.
	Acquire(ctx context.Context) (bool, error)
	// Extend keeps a held lock alive. It returns ErrNotHeld once the lock
	// has expired or passed to another holder.
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// KeepAlive extends l every interval until ctx ends. It returns a channel
// that receives ErrNotHeld and closes if the lock is lost; other extension
// errors are logged and retried on the next tick.
func KeepAlive(ctx context.Context, l DistLock, every time.Duration) <-chan error {
	lost := make(chan error, 1)
	go func() {
		defer close(lost)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				err := l.Extend(ctx)
				switch {
				case err == nil:
				case errors.Is(err, ErrNotHeld):
					lost <- err
					return
				case ctx.Err() != nil:
					return
				default:
					logger.Warn("distlock: extend failed", "error", err)
				}
			}
		}
	}()
	return lost
}

// NewLock picks Redis when a client is given, then Postgres, else nil.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	switch {
	case redisClient != nil:
		return NewRedisLock(redisClient, key, ttl)
	case db != nil:
		return NewPGAdvisoryLock(db, key)
	}
	return nil
}

// PGAdvisoryLock uses pg_try_advisory_lock. Advisory locks belong to a
// session, so the lock pins one pooled connection from Acquire until
// Release.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock derives a stable lock id from key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte("inbox-intel:" + key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries the lock on a dedicated connection.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock: get connection: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Extend checks the pinned session is still alive. Advisory locks do not
// expire, so a dead session is the only way to lose one.
func (l *PGAdvisoryLock) Extend(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	if err := l.conn.PingContext(ctx); err != nil {
		if errors.Is(err, sql.ErrConnDone) {
			return ErrNotHeld
		}
		return fmt.Errorf("advisory lock %d: ping: %w", l.lockID, err)
	}
	return nil
}

// Release unlocks and returns the pinned connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return ErrNotHeld
	}
	conn := l.conn
	l.conn = nil
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID); err != nil {
		return fmt.Errorf("advisory unlock %d: %w", l.lockID, err)
	}
	return nil
}
