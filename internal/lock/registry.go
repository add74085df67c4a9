package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultRetryInterval is how often TryLock and Lock poll a contended lease.
const DefaultRetryInterval = 100 * time.Millisecond

// Registry hands out one DistributedLock per key for its lifetime.
// A store must back exactly one registry; two registries on one store would
// share an owner id and defeat the local monitor.
type Registry struct {
	store         LockStore
	retryInterval time.Duration
	clock         clock.Clock

	mu    sync.Mutex
	locks map[string]*DistributedLock
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetryInterval sets the polling interval used while waiting for a lease.
func WithRetryInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.retryInterval = d
	}
}

// WithRegistryClock sets the clock used for lock timeouts.
func WithRegistryClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clk
	}
}

// NewRegistry creates a registry over store.
func NewRegistry(store LockStore, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store must not be nil", ErrInvalidConfig)
	}

	r := &Registry{
		store:         store,
		retryInterval: DefaultRetryInterval,
		clock:         clock.New(),
		locks:         make(map[string]*DistributedLock),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.retryInterval <= 0 {
		return nil, fmt.Errorf("%w: retry interval must be positive, got %s", ErrInvalidConfig, r.retryInterval)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	return r, nil
}

// Obtain returns the lock for key, creating it on first use.
func (r *Registry) Obtain(key string) *DistributedLock {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.locks[key]; ok {
		return l
	}
	l := newDistributedLock(key, r.store, r.retryInterval, r.clock)
	r.locks[key] = l
	return l
}

// Store returns the underlying lock store.
func (r *Registry) Store() LockStore {
	return r.store
}

// TTL returns the lease time-to-live of the store.
func (r *Registry) TTL() time.Duration {
	return r.store.TTL()
}

// Close removes every lease held by this process in the store's region and
// marks the local handles as unlocked.
func (r *Registry) Close(ctx context.Context) error {
	if err := r.store.Close(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locks {
		l.release()
	}
	return nil
}
