package lock

import (
	"context"
	"time"

	"github.com/kneutral-org/leader-election/internal/metrics"
)

// InstrumentedStore records Prometheus metrics around a LockStore.
type InstrumentedStore struct {
	LockStore
	backend string
}

var (
	_ LockStore = (*InstrumentedStore)(nil)
	_ Reaper    = (*InstrumentedStore)(nil)
)

// Instrument wraps store so every round-trip is timed and counted under backend.
func Instrument(store LockStore, backend string) *InstrumentedStore {
	return &InstrumentedStore{LockStore: store, backend: backend}
}

// Backend returns the backend label.
func (s *InstrumentedStore) Backend() string { return s.backend }

// Unwrap returns the wrapped store.
func (s *InstrumentedStore) Unwrap() LockStore { return s.LockStore }

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	metrics.RecordLockStoreOperation(s.backend, op, time.Since(start).Seconds())
	if err != nil {
		metrics.RecordLockStoreError(s.backend, op)
	}
}

// Acquire implements LockStore.Acquire.
func (s *InstrumentedStore) Acquire(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	acquired, err := s.LockStore.Acquire(ctx, key)
	s.observe("acquire", start, err)

	switch {
	case err != nil:
		metrics.RecordLockAcquire(s.backend, metrics.AcquireError)
	case acquired:
		metrics.RecordLockAcquire(s.backend, metrics.AcquireGranted)
	default:
		metrics.RecordLockAcquire(s.backend, metrics.AcquireDenied)
	}
	return acquired, err
}

// IsAcquired implements LockStore.IsAcquired.
func (s *InstrumentedStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	acquired, err := s.LockStore.IsAcquired(ctx, key)
	s.observe("is_acquired", start, err)
	return acquired, err
}

// Delete implements LockStore.Delete.
func (s *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.LockStore.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}

// Close implements LockStore.Close.
func (s *InstrumentedStore) Close(ctx context.Context) error {
	start := time.Now()
	err := s.LockStore.Close(ctx)
	s.observe("close", start, err)
	return err
}

// PurgeExpired forwards to the wrapped store when it is a Reaper.
func (s *InstrumentedStore) PurgeExpired(ctx context.Context) (int64, error) {
	reaper, ok := s.LockStore.(Reaper)
	if !ok {
		return 0, nil
	}

	start := time.Now()
	n, err := reaper.PurgeExpired(ctx)
	s.observe("purge_expired", start, err)
	return n, err
}
