package lock

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

// DistributedLock is a handle on one named lease. Handles are created by a
// Registry, which returns the same handle for the same key.
//
// A local monitor serializes goroutines of this process; the lease in the
// store excludes other processes. The lock is not re-entrant: a second TryLock
// while held reports false, and Lock blocks until Unlock.
type DistributedLock struct {
	key           string
	store         LockStore
	retryInterval time.Duration
	clock         clock.Clock

	monitor chan struct{}
	locked  atomic.Bool
}

func newDistributedLock(key string, store LockStore, retryInterval time.Duration, clk clock.Clock) *DistributedLock {
	return &DistributedLock{
		key:           key,
		store:         store,
		retryInterval: retryInterval,
		clock:         clk,
		monitor:       make(chan struct{}, 1),
	}
}

// Key returns the lock key.
func (l *DistributedLock) Key() string {
	return l.key
}

// IsLocked reports whether this process currently holds the lock.
// It is the local view; use IsAcquired to ask the store.
func (l *DistributedLock) IsLocked() bool {
	return l.locked.Load()
}

// IsAcquired asks the store whether this process holds a live lease for the key.
func (l *DistributedLock) IsAcquired(ctx context.Context) (bool, error) {
	return l.store.IsAcquired(ctx, l.key)
}

// TryLock attempts to take the lock, waiting at most timeout.
// A zero timeout makes exactly one attempt against the store.
// Contention is reported as false; store failures are returned as errors.
func (l *DistributedLock) TryLock(ctx context.Context, timeout time.Duration) (bool, error) {
	deadline := l.clock.Now().Add(timeout)

	ok, err := l.enterMonitor(ctx, timeout)
	if err != nil || !ok {
		return false, err
	}

	for {
		acquired, err := l.store.Acquire(ctx, l.key)
		if err != nil {
			l.exitMonitor()
			return false, err
		}
		if acquired {
			l.locked.Store(true)
			return true, nil
		}

		remaining := deadline.Sub(l.clock.Now())
		if remaining <= 0 {
			l.exitMonitor()
			return false, nil
		}

		select {
		case <-ctx.Done():
			l.exitMonitor()
			return false, ctx.Err()
		case <-l.clock.After(min(l.retryInterval, remaining)):
		}
	}
}

// Lock blocks until the lock is taken or ctx is done.
// Store outages are retried at the retry interval.
func (l *DistributedLock) Lock(ctx context.Context) error {
	select {
	case l.monitor <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		acquired, err := l.store.Acquire(ctx, l.key)
		if err != nil && !errors.Is(err, ErrStoreUnavailable) {
			l.exitMonitor()
			return err
		}
		if acquired {
			l.locked.Store(true)
			return nil
		}

		select {
		case <-ctx.Done():
			l.exitMonitor()
			return ctx.Err()
		case <-l.clock.After(l.retryInterval):
		}
	}
}

// Unlock releases the lease and the local monitor.
// The monitor is freed even when the store delete fails; the lease then lapses by TTL.
func (l *DistributedLock) Unlock(ctx context.Context) error {
	if !l.locked.CompareAndSwap(true, false) {
		return fmt.Errorf("%w: lock %q is not held", ErrIllegalLockState, l.key)
	}
	defer l.exitMonitor()

	return l.store.Delete(ctx, l.key)
}

// Renew refreshes the lease of a held lock.
// Returns ErrExpiredOwnership when another owner has taken the lease.
func (l *DistributedLock) Renew(ctx context.Context) error {
	if !l.locked.Load() {
		return fmt.Errorf("%w: lock %q is not held", ErrIllegalLockState, l.key)
	}

	acquired, err := l.store.Acquire(ctx, l.key)
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("%w: %s", ErrExpiredOwnership, l.key)
	}
	return nil
}

func (l *DistributedLock) enterMonitor(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	select {
	case l.monitor <- struct{}{}:
		return true, nil
	default:
	}
	if timeout <= 0 {
		return false, nil
	}

	select {
	case l.monitor <- struct{}{}:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-l.clock.After(timeout):
		return false, nil
	}
}

// release drops local ownership without touching the store.
func (l *DistributedLock) release() {
	if l.locked.CompareAndSwap(true, false) {
		l.exitMonitor()
	}
}

func (l *DistributedLock) exitMonitor() {
	select {
	case <-l.monitor:
	default:
	}
}
