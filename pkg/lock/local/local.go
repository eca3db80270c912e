// Package local implements lock.Locker for single-instance deployments.
package local

import (
	"context"
	"sync"
	"time"

	"github.com/cachefront/cachefront/pkg/lock"
)

// Locker implements lock.Locker with in-process mutexes keyed by name. The
// ttl parameter is ignored; a crashed holder cannot outlive the process.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var _ lock.Locker = (*Locker)(nil)

// New returns a new local Locker.
func New() *Locker {
	return &Locker{locks: make(map[string]*sync.Mutex)}
}

// TryLock attempts to acquire the named lock without blocking.
func (l *Locker) TryLock(_ context.Context, key string, _ time.Duration) (bool, error) {
	return l.get(key).TryLock(), nil
}

// Unlock releases the named lock.
func (l *Locker) Unlock(_ context.Context, key string) error {
	l.get(key).Unlock()

	return nil
}

func (l *Locker) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}

	return m
}
