package lock

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements LockStore on a JetStream KV bucket.
//
// Uses the atomic KV primitives:
//   - Create: insert a lease when the key is absent (or deleted)
//   - Update with revision: renew our lease, or take over an expired one
//   - Delete with last revision: release our lease only if nobody replaced it
//
// Each region maps to its own bucket; lease keys are base64url encoded so any
// lock key is a valid KV key.
type NATSStore struct {
	kv  jetstream.KeyValue
	cfg storeConfig
}

var (
	_ LockStore = (*NATSStore)(nil)
	_ Reaper    = (*NATSStore)(nil)
)

// NewNATSStore opens (or creates) the bucket for the configured prefix and region.
func NewNATSStore(ctx context.Context, js jetstream.JetStream, opts ...StoreOption) (*NATSStore, error) {
	cfg, err := newStoreConfig(opts)
	if err != nil {
		return nil, err
	}

	bucket := BucketName(cfg.prefix, cfg.region)
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "leases for region " + cfg.region,
			History:     1,
		})
		if errors.Is(err, jetstream.ErrBucketExists) {
			kv, err = js.KeyValue(ctx, bucket)
		}
	}
	if err != nil {
		return nil, unavailable("open bucket "+bucket, err)
	}

	return &NATSStore{kv: kv, cfg: cfg}, nil
}

// BucketName returns the KV bucket used for a prefix and region.
// Characters not allowed in bucket names are replaced with underscores.
func BucketName(prefix, region string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, prefix+"LOCK_"+region)
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// load fetches the current lease for a KV key. A nil row means no lease.
func (s *NATSStore) load(ctx context.Context, kvKey string) (*LockRow, uint64, error) {
	entry, err := s.kv.Get(ctx, kvKey)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var row LockRow
	if err := json.Unmarshal(entry.Value(), &row); err != nil {
		// An unreadable value cannot be owned by anyone; treat it as abandoned.
		return &LockRow{}, entry.Revision(), nil
	}
	return &row, entry.Revision(), nil
}

func (s *NATSStore) encodeRow(key string, now time.Time) ([]byte, error) {
	return json.Marshal(LockRow{
		Region:     s.cfg.region,
		LockKey:    key,
		OwnerID:    s.cfg.ownerID,
		AcquiredAt: now,
	})
}

// Acquire implements LockStore.Acquire.
func (s *NATSStore) Acquire(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	kvKey := encodeKey(key)
	now := s.cfg.clock.Now()

	row, revision, err := s.load(ctx, kvKey)
	if err != nil {
		return false, unavailable("acquire", err)
	}

	value, err := s.encodeRow(key, now)
	if err != nil {
		return false, fmt.Errorf("encode lease: %w", err)
	}

	if row == nil {
		_, err = s.kv.Create(ctx, kvKey, value)
	} else {
		if row.OwnerID != s.cfg.ownerID && !row.Expired(now, s.cfg.ttl) {
			return false, nil
		}
		_, err = s.kv.Update(ctx, kvKey, value, revision)
	}

	if err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, unavailable("acquire", err)
	}
	return true, nil
}

// IsAcquired implements LockStore.IsAcquired.
func (s *NATSStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	kvKey := encodeKey(key)
	row, revision, err := s.load(ctx, kvKey)
	if err != nil {
		return false, unavailable("is acquired", err)
	}
	if row == nil {
		return false, nil
	}

	if row.Expired(s.cfg.clock.Now(), s.cfg.ttl) {
		if err := s.kv.Delete(ctx, kvKey, jetstream.LastRevision(revision)); err != nil && !isWrongRevision(err) {
			return false, unavailable("is acquired", err)
		}
		return false, nil
	}
	return row.OwnerID == s.cfg.ownerID, nil
}

// Delete implements LockStore.Delete.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	return s.deleteIf(ctx, encodeKey(key), func(row *LockRow) bool {
		return row.OwnerID == s.cfg.ownerID
	})
}

// Close implements LockStore.Close. It does not close the NATS connection.
func (s *NATSStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	_, err := s.deleteAll(ctx, func(row *LockRow) bool {
		return row.OwnerID == s.cfg.ownerID
	})
	return err
}

// PurgeExpired implements Reaper.PurgeExpired.
func (s *NATSStore) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	now := s.cfg.clock.Now()
	return s.deleteAll(ctx, func(row *LockRow) bool {
		return row.Expired(now, s.cfg.ttl)
	})
}

func (s *NATSStore) deleteAll(ctx context.Context, match func(*LockRow) bool) (int64, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		return 0, unavailable("list keys", err)
	}
	defer func() { _ = lister.Stop() }()

	var removed int64
	for kvKey := range lister.Keys() {
		row, _, err := s.load(ctx, kvKey)
		if err != nil {
			return removed, unavailable("load lease", err)
		}
		if row == nil || !match(row) {
			continue
		}
		if err := s.deleteIf(ctx, kvKey, match); err != nil {
			return removed, err
		}
		removed++
	}
	if err := ctx.Err(); err != nil {
		return removed, unavailable("list keys", err)
	}
	return removed, nil
}

// deleteIf removes the lease at kvKey when match holds, guarded by its revision.
func (s *NATSStore) deleteIf(ctx context.Context, kvKey string, match func(*LockRow) bool) error {
	row, revision, err := s.load(ctx, kvKey)
	if err != nil {
		return unavailable("delete", err)
	}
	if row == nil || !match(row) {
		return nil
	}
	if err := s.kv.Delete(ctx, kvKey, jetstream.LastRevision(revision)); err != nil && !isWrongRevision(err) {
		return unavailable("delete", err)
	}
	return nil
}

// OwnerID implements LockStore.OwnerID.
func (s *NATSStore) OwnerID() string { return s.cfg.ownerID }

// Region implements LockStore.Region.
func (s *NATSStore) Region() string { return s.cfg.region }

// TTL implements LockStore.TTL.
func (s *NATSStore) TTL() time.Duration { return s.cfg.ttl }

// isWrongRevision reports whether a KV write lost a compare-and-set race.
func isWrongRevision(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}
