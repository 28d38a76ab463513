package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/smallbiznis/meterledger/internal/balance/domain"
	"golang.org/x/sync/semaphore"
)

// keyLocks serialises sessions on the same account inside this process
// before they reach the database, so waiters time out on our deadline
// instead of the driver's.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem     *semaphore.Weighted
	waiters int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[string]*keyLock)}
}

// acquire blocks until key is free or timeout elapses. The returned func
// releases the lock and must be called exactly once.
func (k *keyLocks) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		k.forget(key, l)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrLockTimeout
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.sem.Release(1)
			k.forget(key, l)
		})
	}, nil
}

func (k *keyLocks) forget(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.waiters--
	if l.waiters == 0 {
		delete(k.locks, key)
	}
}
