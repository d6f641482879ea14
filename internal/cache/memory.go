package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemorySize is the entry capacity used when none is given
const DefaultMemorySize = 10000

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // Zero means no expiry
}

// Memory is an in-process LRU cache with per-entry expiry
type Memory struct {
	entries *lru.Cache[string, memoryEntry]
	now     func() time.Time
}

// NewMemory creates an in-memory cache holding at most size entries
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	entries, err := lru.New[string, memoryEntry](size)
	if err != nil {
		entries, _ = lru.New[string, memoryEntry](DefaultMemorySize)
	}
	return &Memory{entries: entries, now: time.Now}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	e, ok := m.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.entries.Remove(key)
		return nil, false, nil
	}
	// Copy so callers cannot mutate cached bytes
	return append([]byte(nil), e.value...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries.Add(key, e)
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.entries.Remove(k)
	}
	return nil
}

func (m *Memory) Purge(_ context.Context, prefix string) (int, error) {
	n := 0
	for _, k := range m.entries.Keys() {
		if strings.HasPrefix(k, prefix) && m.entries.Remove(k) {
			n++
		}
	}
	return n, nil
}

// Len returns the number of entries, including expired ones not yet evicted
func (m *Memory) Len() int {
	return m.entries.Len()
}

func (m *Memory) Close() error {
	m.entries.Purge()
	return nil
}

// MemoryLocker is a process-local Locker
type MemoryLocker struct {
	mu     sync.Mutex
	held   map[string]time.Time // key → expiry
	tokens map[string]uint64
	next   uint64
	now    func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:   make(map[string]time.Time),
		tokens: make(map[string]uint64),
		now:    time.Now,
	}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	l.next++
	l.held[key] = now.Add(ttl)
	l.tokens[key] = l.next
	return &memoryLease{locker: l, key: key, token: l.next}, true, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (ml *memoryLease) Refresh(_ context.Context, ttl time.Duration) error {
	l := ml.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens[ml.key] != ml.token {
		return ErrLeaseLost
	}
	l.held[ml.key] = l.now().Add(ttl)
	return nil
}

func (ml *memoryLease) Release(_ context.Context) error {
	l := ml.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.tokens[ml.key] != ml.token {
		return ErrLeaseLost
	}
	delete(l.held, ml.key)
	delete(l.tokens, ml.key)
	return nil
}
