// Package cache provides the key/value cache shared by search responses and
// embeddings, plus the lease used to keep sync runs mutually exclusive.
//
// Two implementations exist: an in-process LRU with per-entry TTL and a Redis
// backed one for multi-instance deployments.
package cache

import (
	"context"
	"errors"
	"time"
)

// Key prefixes owned by the engine
const (
	SearchKeyPrefix    = "search:"
	EmbeddingKeyPrefix = "emb:"
	SyncLockKey        = "sync:lock"
)

// ErrLeaseLost is returned by Refresh and Release when the lease expired or
// was taken over
var ErrLeaseLost = errors.New("lease no longer held")

// Cache is a byte-oriented key/value store with per-entry TTL.
// A zero TTL means the entry never expires.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error

	// Purge removes every key starting with prefix and returns how many were removed
	Purge(ctx context.Context, prefix string) (int, error)

	Close() error
}

// Locker hands out exclusive, expiring leases
type Locker interface {
	// TryLock acquires key without waiting. ok is false if someone else holds it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (lease Lease, ok bool, err error)
}

// Lease is a held lock
type Lease interface {
	// Refresh pushes the expiry ttl into the future
	Refresh(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}
