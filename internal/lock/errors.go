package lock

import (
	"errors"
	"fmt"
)

// Common errors for distributed locking operations.
var (
	// ErrStoreUnavailable is returned when the backing store cannot be reached or times out.
	ErrStoreUnavailable = errors.New("lock store unavailable")

	// ErrIllegalLockState is returned when a caller violates the lock contract,
	// e.g. unlocking a lock it does not hold.
	ErrIllegalLockState = errors.New("illegal lock state")

	// ErrExpiredOwnership is returned when a renewal finds the lease was taken by another owner.
	ErrExpiredOwnership = errors.New("lease ownership expired")

	// ErrInvalidConfig is returned when a store is constructed with invalid options.
	ErrInvalidConfig = errors.New("invalid lock store configuration")
)

// unavailable wraps a backend error so callers can match it with ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
