package lock

import (
	"context"
	"sort"
	"sync"
	"time"
)

type rowKey struct {
	prefix string
	region string
	key    string
}

// MemoryTable is an in-process lock table. Several MemoryStores with different
// owner ids can share one table to model processes contending on one database.
type MemoryTable struct {
	mu   sync.Mutex
	rows map[rowKey]LockRow
}

// NewMemoryTable creates an empty lock table.
func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		rows: make(map[rowKey]LockRow),
	}
}

// Rows returns a snapshot of the rows under a prefix and region ordered by
// lock key (for testing and inspection).
func (t *MemoryTable) Rows(prefix, region string) []LockRow {
	t.mu.Lock()
	defer t.mu.Unlock()

	var rows []LockRow
	for k, row := range t.rows {
		if k.prefix == prefix && k.region == region {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LockKey < rows[j].LockKey })
	return rows
}

// Len returns the number of rows in the table.
func (t *MemoryTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.rows)
}

// MemoryStore implements LockStore on top of a MemoryTable.
type MemoryStore struct {
	table *MemoryTable
	cfg   storeConfig
}

var (
	_ LockStore = (*MemoryStore)(nil)
	_ Reaper    = (*MemoryStore)(nil)
)

// NewMemoryStore creates a store bound to table. A nil table gets a private one.
func NewMemoryStore(table *MemoryTable, opts ...StoreOption) (*MemoryStore, error) {
	cfg, err := newStoreConfig(opts)
	if err != nil {
		return nil, err
	}
	if table == nil {
		table = NewMemoryTable()
	}
	return &MemoryStore{table: table, cfg: cfg}, nil
}

func (s *MemoryStore) rowKey(key string) rowKey {
	return rowKey{prefix: s.cfg.prefix, region: s.cfg.region, key: key}
}

// purgeExpiredLocked drops the lease for k if it is older than the TTL.
// The table mutex must be held.
func (s *MemoryStore) purgeExpiredLocked(k rowKey, now time.Time) {
	if row, ok := s.table.rows[k]; ok && row.Expired(now, s.cfg.ttl) {
		delete(s.table.rows, k)
	}
}

// Acquire implements LockStore.Acquire.
func (s *MemoryStore) Acquire(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("acquire", err)
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	now := s.cfg.clock.Now()
	k := s.rowKey(key)
	s.purgeExpiredLocked(k, now)

	row, exists := s.table.rows[k]
	if exists && row.OwnerID != s.cfg.ownerID {
		return false, nil
	}

	s.table.rows[k] = LockRow{
		Region:     s.cfg.region,
		LockKey:    key,
		OwnerID:    s.cfg.ownerID,
		AcquiredAt: now,
	}
	return true, nil
}

// IsAcquired implements LockStore.IsAcquired.
func (s *MemoryStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, unavailable("is acquired", err)
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	k := s.rowKey(key)
	s.purgeExpiredLocked(k, s.cfg.clock.Now())

	row, ok := s.table.rows[k]
	return ok && row.OwnerID == s.cfg.ownerID, nil
}

// Delete implements LockStore.Delete.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	k := s.rowKey(key)
	if row, ok := s.table.rows[k]; ok && row.OwnerID == s.cfg.ownerID {
		delete(s.table.rows, k)
	}
	return nil
}

// Close implements LockStore.Close.
func (s *MemoryStore) Close(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return unavailable("close", err)
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	for k, row := range s.table.rows {
		if k.prefix == s.cfg.prefix && k.region == s.cfg.region && row.OwnerID == s.cfg.ownerID {
			delete(s.table.rows, k)
		}
	}
	return nil
}

// PurgeExpired implements Reaper.PurgeExpired.
func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("purge expired", err)
	}

	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	now := s.cfg.clock.Now()
	var removed int64
	for k, row := range s.table.rows {
		if k.prefix == s.cfg.prefix && k.region == s.cfg.region && row.Expired(now, s.cfg.ttl) {
			delete(s.table.rows, k)
			removed++
		}
	}
	return removed, nil
}

// OwnerID implements LockStore.OwnerID.
func (s *MemoryStore) OwnerID() string { return s.cfg.ownerID }

// Region implements LockStore.Region.
func (s *MemoryStore) Region() string { return s.cfg.region }

// TTL implements LockStore.TTL.
func (s *MemoryStore) TTL() time.Duration { return s.cfg.ttl }
