package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis is a Cache and Locker backed by a Redis server
type Redis struct {
	client    *redis.Client
	namespace string
}

// RedisOptions configures NewRedis
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	Namespace string // Prepended to every key, e.g. "catalog:"
}

// NewRedis connects and pings the server
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return &Redis{client: client, namespace: opts.Namespace}, nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, namespace string) *Redis {
	return &Redis{client: client, namespace: namespace}
}

func (r *Redis) key(k string) string {
	return r.namespace + k
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return b, true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	if err := r.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Purge scans for prefix matches and deletes them in batches
func (r *Redis) Purge(ctx context.Context, prefix string) (int, error) {
	var (
		cursor  uint64
		removed int
	)
	pattern := r.key(prefix) + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return removed, fmt.Errorf("redis scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, fmt.Errorf("redis del: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// releaseScript deletes the lock only if it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the lock only if it still carries our token
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(key), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{client: r.client, key: r.key(key), token: token}, true, nil
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Refresh(ctx context.Context, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis refresh: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
