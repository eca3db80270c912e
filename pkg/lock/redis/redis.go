// Package redis implements lock.Locker on Redis using the Redlock algorithm.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredis "github.com/redis/go-redis/v9"

	goredislib "github.com/go-redsync/redsync/v4/redis/goredis/v9"

	"github.com/cachefront/cachefront/pkg/lock"
)

// ErrNotHeld is returned when unlocking a key this process does not hold.
var ErrNotHeld = errors.New("lock is not held")

// Locker implements lock.Locker backed by redsync mutexes.
type Locker struct {
	rs *redsync.Redsync

	mu   sync.Mutex
	held map[string]*redsync.Mutex
}

var _ lock.Locker = (*Locker)(nil)

// New returns a distributed Locker on the given Redis client.
func New(client goredis.UniversalClient) *Locker {
	return &Locker{
		rs:   redsync.New(goredislib.NewPool(client)),
		held: make(map[string]*redsync.Mutex),
	}
}

// TryLock attempts a single non-blocking acquisition of the named lock.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m := l.rs.NewMutex(key, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := m.TryLockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return false, nil
		}

		return false, fmt.Errorf("error acquiring the lock %q: %w", key, err)
	}

	l.mu.Lock()
	l.held[key] = m
	l.mu.Unlock()

	return true, nil
}

// Unlock releases a lock previously acquired with TryLock.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	m, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %q", ErrNotHeld, key)
	}

	if _, err := m.UnlockContext(ctx); err != nil {
		return fmt.Errorf("error releasing the lock %q: %w", key, err)
	}

	return nil
}
