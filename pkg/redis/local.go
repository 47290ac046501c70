package redis

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process PartitionLocker for single-instance deployments
// without Redis
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]*localLock
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]*localLock{}}
}

type localLock struct {
	locker *LocalLocker
	key    string
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLockNotAcquired
	}
	lock := &localLock{locker: l, key: key}
	l.held[key] = lock
	return lock, nil
}

func (lock *localLock) Release(context.Context) error {
	lock.locker.mu.Lock()
	defer lock.locker.mu.Unlock()

	if lock.locker.held[lock.key] != lock {
		return ErrLockNotHeld
	}
	delete(lock.locker.held, lock.key)
	return nil
}

// Extend is a no-op; local locks do not expire
func (lock *localLock) Extend(context.Context, time.Duration) error {
	lock.locker.mu.Lock()
	defer lock.locker.mu.Unlock()

	if lock.locker.held[lock.key] != lock {
		return ErrLockNotHeld
	}
	return nil
}
