// Package lock provides named, expiring locks used to keep background jobs
// single-flight across instances.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock is held by another owner")

// Locker acquires named locks. The returned release func is safe to call
// once; it only removes the lock if it is still owned by the caller.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, err error)
}
