package lock

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Each lease is a hash with fields "owner" and "acquired" (unix milliseconds).
// The owner index is a set of lease keys, used by Close.

// KEYS[1]=lease key, KEYS[2]=owner index; ARGV[1]=owner, ARGV[2]=now ms, ARGV[3]=ttl ms,
// ARGV[4]=key expiry ms (garbage collection only, expiry semantics use "acquired")
var acquireScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if owner then
	local acquired = tonumber(redis.call("HGET", KEYS[1], "acquired"))
	if acquired == nil or acquired < tonumber(ARGV[2]) - tonumber(ARGV[3]) then
		redis.call("DEL", KEYS[1])
		owner = false
	end
end
if owner and owner ~= ARGV[1] then
	return 0
end
redis.call("HSET", KEYS[1], "owner", ARGV[1], "acquired", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
redis.call("SADD", KEYS[2], KEYS[1])
return 1
`)

// KEYS[1]=lease key; ARGV[1]=owner, ARGV[2]=now ms, ARGV[3]=ttl ms
var isAcquiredScript = redis.NewScript(`
local owner = redis.call("HGET", KEYS[1], "owner")
if not owner then
	return 0
end
local acquired = tonumber(redis.call("HGET", KEYS[1], "acquired"))
if acquired == nil or acquired < tonumber(ARGV[2]) - tonumber(ARGV[3]) then
	redis.call("DEL", KEYS[1])
	return 0
end
if owner == ARGV[1] then
	return 1
end
return 0
`)

// KEYS[1]=lease key, KEYS[2]=owner index; ARGV[1]=owner
var deleteScript = redis.NewScript(`
redis.call("SREM", KEYS[2], KEYS[1])
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// KEYS[1]=owner index; ARGV[1]=owner
var closeScript = redis.NewScript(`
local removed = 0
for _, key in ipairs(redis.call("SMEMBERS", KEYS[1])) do
	if redis.call("HGET", key, "owner") == ARGV[1] then
		removed = removed + redis.call("DEL", key)
	end
end
redis.call("DEL", KEYS[1])
return removed
`)

// KEYS[1]=lease key; ARGV[1]=now ms, ARGV[2]=ttl ms
var purgeKeyScript = redis.NewScript(`
local acquired = tonumber(redis.call("HGET", KEYS[1], "acquired"))
if acquired ~= nil and acquired < tonumber(ARGV[1]) - tonumber(ARGV[2]) then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a Redis implementation of LockStore.
// Every operation is a single Lua script, so it executes atomically on the server.
// Keys of one region share a hash tag and therefore a cluster slot.
type RedisStore struct {
	client redis.UniversalClient
	cfg    storeConfig
}

var (
	_ LockStore = (*RedisStore)(nil)
	_ Reaper    = (*RedisStore)(nil)
)

// NewRedisStore creates a Redis-backed lock store.
func NewRedisStore(client redis.UniversalClient, opts ...StoreOption) (*RedisStore, error) {
	cfg, err := newStoreConfig(opts)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, cfg: cfg}, nil
}

func (s *RedisStore) leaseKey(key string) string {
	return s.cfg.prefix + "lock:{" + s.cfg.region + "}:" + key
}

func (s *RedisStore) ownerKey() string {
	return s.cfg.prefix + "owner:{" + s.cfg.region + "}:" + s.cfg.ownerID
}

func (s *RedisStore) nowMillis() int64 {
	return s.cfg.clock.Now().UnixMilli()
}

// Acquire implements LockStore.Acquire.
func (s *RedisStore) Acquire(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	result, err := acquireScript.Run(ctx, s.client,
		[]string{s.leaseKey(key), s.ownerKey()},
		s.cfg.ownerID, s.nowMillis(), s.cfg.ttl.Milliseconds(), 2*s.cfg.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, unavailable("acquire", err)
	}
	return result == 1, nil
}

// IsAcquired implements LockStore.IsAcquired.
func (s *RedisStore) IsAcquired(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	result, err := isAcquiredScript.Run(ctx, s.client,
		[]string{s.leaseKey(key)},
		s.cfg.ownerID, s.nowMillis(), s.cfg.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, unavailable("is acquired", err)
	}
	return result == 1, nil
}

// Delete implements LockStore.Delete.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	err := deleteScript.Run(ctx, s.client, []string{s.leaseKey(key), s.ownerKey()}, s.cfg.ownerID).Err()
	if err != nil && err != redis.Nil {
		return unavailable("delete", err)
	}
	return nil
}

// Close implements LockStore.Close. It does not close the client.
func (s *RedisStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.opTimeout)
	defer cancel()

	err := closeScript.Run(ctx, s.client, []string{s.ownerKey()}, s.cfg.ownerID).Err()
	if err != nil && err != redis.Nil {
		return unavailable("close", err)
	}
	return nil
}

// PurgeExpired implements Reaper.PurgeExpired.
// Keys are scanned client-side; each expiry check-and-delete is atomic per key.
func (s *RedisStore) PurgeExpired(ctx context.Context) (int64, error) {
	var (
		removed int64
		cursor  uint64
	)
	pattern := s.leaseKey("*")
	now := s.nowMillis()

	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return removed, unavailable("purge expired", err)
		}
		for _, key := range keys {
			n, err := purgeKeyScript.Run(ctx, s.client, []string{key}, now, s.cfg.ttl.Milliseconds()).Int64()
			if err != nil {
				return removed, unavailable("purge expired", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Ping checks if the Redis connection is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// OwnerID implements LockStore.OwnerID.
func (s *RedisStore) OwnerID() string { return s.cfg.ownerID }

// Region implements LockStore.Region.
func (s *RedisStore) Region() string { return s.cfg.region }

// TTL implements LockStore.TTL.
func (s *RedisStore) TTL() time.Duration { return s.cfg.ttl }
