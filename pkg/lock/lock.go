// Package lock abstracts the locking mechanism used to coordinate scheduled
// purge runs across instances.
//
// The local implementation keys standard mutexes per lock name and only
// coordinates within a single process. The redis implementation uses the
// Redlock algorithm via redsync so exactly one instance in a cluster runs a
// given purge job.
package lock

import (
	"context"
	"time"
)

// Locker provides exclusive, key-based locking semantics.
type Locker interface {
	// TryLock attempts to acquire the lock for key without blocking.
	//
	// Returns:
	//   - (true, nil) if the lock was acquired
	//   - (false, nil) if the lock is held by someone else
	//   - (false, error) if an error occurred
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock releases the lock for key. It is safe to call Unlock after a
	// failed TryLock; the lock will eventually expire based on its TTL anyway.
	Unlock(ctx context.Context, key string) error
}
