package lock

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	// DefaultRegion is the region used when none is configured.
	DefaultRegion = "DEFAULT"

	// DefaultPrefix is the default table prefix.
	DefaultPrefix = "INT_"

	// DefaultTTL is the default lease time-to-live.
	DefaultTTL = 10 * time.Second

	// DefaultOperationTimeout bounds a single round-trip or transaction against the store.
	DefaultOperationTimeout = time.Second
)

// storeConfig holds the settings shared by every LockStore backend.
type storeConfig struct {
	region  string
	prefix  string
	ttl     time.Duration
	ownerID string
	clock   clock.Clock

	opTimeout time.Duration
}

// StoreOption configures a LockStore.
type StoreOption func(*storeConfig)

// WithRegion sets the namespace that partitions the lock table.
func WithRegion(region string) StoreOption {
	return func(c *storeConfig) {
		c.region = region
	}
}

// WithPrefix sets the table (or key, or bucket) prefix.
func WithPrefix(prefix string) StoreOption {
	return func(c *storeConfig) {
		c.prefix = prefix
	}
}

// WithTTL sets the lease time-to-live. Leases older than the TTL are treated as abandoned.
func WithTTL(ttl time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.ttl = ttl
	}
}

// WithOwnerID sets the owner identity written into leases.
// It must be unique per process; the default is a random UUID.
func WithOwnerID(id string) StoreOption {
	return func(c *storeConfig) {
		c.ownerID = id
	}
}

// WithOperationTimeout bounds each store round-trip (for SQL backends, each transaction).
func WithOperationTimeout(d time.Duration) StoreOption {
	return func(c *storeConfig) {
		c.opTimeout = d
	}
}

// WithClock sets the clock used to timestamp and expire leases.
func WithClock(clk clock.Clock) StoreOption {
	return func(c *storeConfig) {
		c.clock = clk
	}
}

func newStoreConfig(opts []StoreOption) (storeConfig, error) {
	cfg := storeConfig{
		region:  DefaultRegion,
		prefix:  DefaultPrefix,
		ttl:     DefaultTTL,
		ownerID: uuid.NewString(),
		clock:   clock.New(),

		opTimeout: DefaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.region == "" {
		return cfg, fmt.Errorf("%w: region must not be empty", ErrInvalidConfig)
	}
	if cfg.ownerID == "" {
		return cfg, fmt.Errorf("%w: owner id must not be empty", ErrInvalidConfig)
	}
	if cfg.ttl <= 0 {
		return cfg, fmt.Errorf("%w: ttl must be positive, got %s", ErrInvalidConfig, cfg.ttl)
	}
	if cfg.opTimeout <= 0 {
		return cfg, fmt.Errorf("%w: operation timeout must be positive, got %s", ErrInvalidConfig, cfg.opTimeout)
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}
	return cfg, nil
}

// expiredBefore returns the cutoff below which a lease is considered abandoned.
func (c storeConfig) expiredBefore() time.Time {
	return c.clock.Now().Add(-c.ttl)
}
