// Package lock provides mutual exclusion by key across workers.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockBusy means another worker holds the key. Callers treat the work as already
// being handled.
var ErrLockBusy = errors.New("lock is busy")

// Local is an in-process Locker for single-node runs and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: map[string]struct{}{}}
}

// WithLock runs fn while holding key. It never waits: a held key returns ErrLockBusy.
func (l *Local) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	if _, ok := l.held[key]; ok {
		l.mu.Unlock()
		return ErrLockBusy
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return fn(ctx)
}
