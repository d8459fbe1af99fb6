package lock

import (
	"context"
	"sync"
	"time"
)

// Local is an in-process Locker for single-replica deployments.
type Local struct {
	mu    sync.Mutex
	held  map[string]localHold
	now   func() time.Time
	token uint64
}

type localHold struct {
	token   uint64
	expires time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{
		held: make(map[string]localHold),
		now:  time.Now,
	}
}

// TryLock acquires key unless a live hold exists.
func (l *Local) TryLock(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && h.expires.After(now) {
		return nil, false, nil
	}

	l.token++
	l.held[key] = localHold{token: l.token, expires: now.Add(ttl)}
	return &localHandle{locker: l, key: key, token: l.token}, true, nil
}

type localHandle struct {
	locker *Local
	key    string
	token  uint64
}

func (h *localHandle) Unlock(ctx context.Context) error {
	h.locker.mu.Lock()
	defer h.locker.mu.Unlock()

	if cur, ok := h.locker.held[h.key]; ok && cur.token == h.token {
		delete(h.locker.held, h.key)
	}
	return nil
}

var _ Locker = (*Local)(nil)
