package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a process-local Locker for single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]uint64
	until map[string]time.Time
	seq   uint64
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]uint64), until: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if _, ok := l.held[name]; ok && now.Before(l.until[name]) {
		return nil, ErrNotAcquired
	}
	l.seq++
	token := l.seq
	l.held[name] = token
	l.until[name] = now.Add(ttl)

	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.held[name] == token {
			delete(l.held, name)
			delete(l.until, name)
		}
		return nil
	}, nil
}

var _ Locker = (*MemoryLocker)(nil)
