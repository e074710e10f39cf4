package backup

import (
	"context"
	"sync"

	"dbvault/internal/config"
	apperrors "dbvault/internal/errors"

	"golang.org/x/sync/semaphore"
)

// TargetLocks serializes restores and rollbacks per target database. In
// wait mode a second caller blocks until the first releases the target or
// its context ends; in reject mode it fails immediately with target_busy.
type TargetLocks struct {
	mu     sync.Mutex
	locks  map[string]*targetLock
	reject bool
}

type targetLock struct {
	sem  *semaphore.Weighted
	refs int
}

// NewTargetLocks creates a lock table for the given lock mode
func NewTargetLocks(mode string) *TargetLocks {
	return &TargetLocks{
		locks:  make(map[string]*targetLock),
		reject: mode == config.LockModeReject,
	}
}

// Acquire takes the lock for target. The returned release function must
// be called exactly once.
func (t *TargetLocks) Acquire(ctx context.Context, target string) (func(), error) {
	lock := t.ref(target)

	if t.reject {
		if !lock.sem.TryAcquire(1) {
			t.unref(target)
			return nil, apperrors.NewTargetBusyError(target)
		}
	} else if err := lock.sem.Acquire(ctx, 1); err != nil {
		t.unref(target)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			lock.sem.Release(1)
			t.unref(target)
		})
	}, nil
}

// Held reports whether target is currently locked or awaited
func (t *TargetLocks) Held(target string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[target]
	return ok
}

func (t *TargetLocks) ref(target string) *targetLock {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock, ok := t.locks[target]
	if !ok {
		lock = &targetLock{sem: semaphore.NewWeighted(1)}
		t.locks[target] = lock
	}
	lock.refs++
	return lock
}

func (t *TargetLocks) unref(target string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	lock := t.locks[target]
	lock.refs--
	if lock.refs == 0 {
		delete(t.locks, target)
	}
}
