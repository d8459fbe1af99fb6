// Package lock provides the dispatch cycle lock. A held lock means another
// cycle is already running, so the caller skips rather than waits.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrEmptyKey is returned when a lock key is blank.
var ErrEmptyKey = errors.New("lock key is empty")

// Handle is an acquired lock. Unlock is safe to call after the lock has
// expired; it never releases a lock taken over by another holder.
type Handle interface {
	Unlock(ctx context.Context) error
}

// Locker acquires named locks without waiting.
type Locker interface {
	// TryLock returns false with a nil error when the lock is held elsewhere.
	// ttl bounds how long a crashed holder can block others.
	TryLock(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error)
}
