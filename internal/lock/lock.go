// Package lock provides lease-based distributed locks backed by a shared
// lock store, and a per-process registry that hands out one lock handle per key.
package lock

import (
	"context"
	"time"
)

// LockStore is the shared table of named leases that arbitrates between processes.
// Every method executes as a single atomic unit against the backing store.
// Implementations must be safe for concurrent use.
type LockStore interface {
	// Acquire purges an expired lease for key, then renews it if this owner
	// holds it or inserts a fresh lease otherwise.
	// Returns false without an error when another owner holds the lease.
	Acquire(ctx context.Context, key string) (bool, error)

	// IsAcquired reports whether this owner holds a live lease for key.
	IsAcquired(ctx context.Context, key string) (bool, error)

	// Delete removes the lease for key if it is held by this owner.
	Delete(ctx context.Context, key string) error

	// Close removes every lease in the region held by this owner.
	Close(ctx context.Context) error

	// OwnerID returns the identity written into the leases of this store.
	OwnerID() string

	// Region returns the namespace the store operates in.
	Region() string

	// TTL returns the lease time-to-live.
	TTL() time.Duration
}

// Reaper is implemented by stores that can purge expired leases in bulk.
type Reaper interface {
	// PurgeExpired removes all expired leases in the region and returns how many were removed.
	PurgeExpired(ctx context.Context) (int64, error)
}

// LockRow is a single persisted lease.
type LockRow struct {
	Region     string    `json:"region"`
	LockKey    string    `json:"lockKey"`
	OwnerID    string    `json:"ownerId"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Expired reports whether the lease is older than ttl at now.
func (r LockRow) Expired(now time.Time, ttl time.Duration) bool {
	return r.AcquiredAt.Before(now.Add(-ttl))
}
