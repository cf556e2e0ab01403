package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/govexec/internal/clock"
)

// redisWriteScript writes an entry atomically and maintains the namespace index.
// KEYS[1] = entry hash key
// KEYS[2] = namespace index (sorted set of ids)
// ARGV[1] = expected version, or -1 for an unconditional write
// ARGV[2] = value
// ARGV[3] = updated_at (unix nanos)
// ARGV[4] = entry id
// Returns the new version, or -1 on a version conflict.
var redisWriteScript = redis.NewScript(`
local current = tonumber(redis.call("HGET", KEYS[1], "version")) or 0
local expected = tonumber(ARGV[1])
if expected >= 0 and current ~= expected then
    return -1
end
local version = current + 1
redis.call("HSET", KEYS[1], "value", ARGV[2], "version", version, "updated_at", ARGV[3])
redis.call("ZADD", KEYS[2], 0, ARGV[4])
return version
`)

// redisDeleteScript removes an entry and its index membership.
// KEYS[1] = entry hash key
// KEYS[2] = namespace index
// ARGV[1] = entry id
var redisDeleteScript = redis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return 1
`)

// RedisStore implements Store on Redis hashes with Lua compare-and-swap.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisStore connects to Redis. The connection is verified with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions, clk clock.Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.Prefix, clk), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, clk clock.Clock) *RedisStore {
	if prefix == "" {
		prefix = "govexec"
	}
	if clk == nil {
		clk = clock.System()
	}
	return &RedisStore{client: client, prefix: prefix, clock: clk}
}

// Close closes the underlying client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func (r *RedisStore) entryKey(k Key) string {
	return fmt.Sprintf("%s:state:{%s}:%s:%s", r.prefix, k.TenantID, k.Namespace, k.ID)
}

func (r *RedisStore) indexKey(tenantID, namespace string) string {
	return fmt.Sprintf("%s:index:{%s}:%s", r.prefix, tenantID, namespace)
}

func (r *RedisStore) Get(ctx context.Context, key Key) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	fields, err := r.client.HGetAll(ctx, r.entryKey(key)).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis get %s: %w", key, err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrNotFound
	}
	return decodeRedisEntry(key, fields)
}

func (r *RedisStore) Put(ctx context.Context, key Key, value []byte) (Entry, error) {
	return r.write(ctx, key, -1, value)
}

func (r *RedisStore) CompareAndSwap(ctx context.Context, key Key, expected int64, value []byte) (Entry, error) {
	if expected < 0 {
		return Entry{}, fmt.Errorf("redis cas %s: negative expected version", key)
	}
	return r.write(ctx, key, expected, value)
}

func (r *RedisStore) write(ctx context.Context, key Key, expected int64, value []byte) (Entry, error) {
	if err := key.Validate(); err != nil {
		return Entry{}, err
	}
	now := r.clock.Now()
	res, err := redisWriteScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.indexKey(key.TenantID, key.Namespace)},
		expected, value, now.UnixNano(), key.ID,
	).Int64()
	if err != nil {
		return Entry{}, fmt.Errorf("redis write %s: %w", key, err)
	}
	if res < 0 {
		return Entry{}, ErrVersionConflict
	}
	return Entry{
		Key:       key,
		Value:     append([]byte(nil), value...),
		Version:   res,
		UpdatedAt: now,
	}, nil
}

func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	err := redisDeleteScript.Run(ctx, r.client,
		[]string{r.entryKey(key), r.indexKey(key.TenantID, key.Namespace)},
		key.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, tenantID, namespace string) ([]Entry, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(tenantID, namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s/%s: %w", tenantID, namespace, err)
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.entryKey(Key{TenantID: tenantID, Namespace: namespace, ID: id}))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis list %s/%s: %w", tenantID, namespace, err)
	}

	out := make([]Entry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		e, err := decodeRedisEntry(Key{TenantID: tenantID, Namespace: namespace, ID: id}, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRedisEntry(key Key, fields map[string]string) (Entry, error) {
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis entry %s: bad version: %w", key, err)
	}
	nanos, err := strconv.ParseInt(fields["updated_at"], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("redis entry %s: bad updated_at: %w", key, err)
	}
	return Entry{
		Key:       key,
		Value:     []byte(fields["value"]),
		Version:   version,
		UpdatedAt: time.Unix(0, nanos).UTC(),
	}, nil
}
