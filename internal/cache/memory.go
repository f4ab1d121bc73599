package cache

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"
)

type entry struct {
	value      []byte
	insertedAt time.Time
	ttl        time.Duration
	tags       []string
}

func (e *entry) expiresAt() time.Time {
	return e.insertedAt.Add(e.ttl)
}

// Memory is an in-process Store. Expired entries are kept for the stale grace
// period so GetStale can still serve them, then evicted lazily on Get or by
// Sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*entry
	tags    map[string]map[string]struct{}
	hits    uint64
	misses  uint64
	grace   time.Duration
	now     func() time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithStaleGrace keeps expired entries around for d so they can be served
// through GetStale.
func WithStaleGrace(d time.Duration) MemoryOption {
	return func(m *Memory) { m.grace = d }
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*entry),
		tags:    make(map[string]map[string]struct{}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(key)
	if ttl <= 0 {
		return nil
	}

	e := &entry{
		value:      bytes.Clone(value),
		insertedAt: m.now(),
		ttl:        ttl,
		tags:       dedupe(tags),
	}
	m.entries[key] = e
	for _, tag := range e.tags {
		keys, ok := m.tags[tag]
		if !ok {
			keys = make(map[string]struct{})
			m.tags[tag] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	now := m.now()
	if now.Before(e.expiresAt()) {
		m.hits++
		return bytes.Clone(e.value), true
	}
	m.misses++
	if !now.Before(e.expiresAt().Add(m.grace)) {
		m.removeLocked(key)
	}
	return nil, false
}

func (m *Memory) GetStale(_ context.Context, key string, grace time.Duration) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().Before(e.expiresAt().Add(grace)) {
		return bytes.Clone(e.value), true
	}
	return nil, false
}

func (m *Memory) InvalidateByTag(_ context.Context, tag string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.tags[tag]
	n := 0
	for key := range keys {
		if m.removeLocked(key) {
			n++
		}
	}
	delete(m.tags, tag)
	return n, nil
}

// InvalidateByPattern removes every key containing substr. An empty substr
// matches nothing.
func (m *Memory) InvalidateByPattern(_ context.Context, substr string) (int, error) {
	if substr == "" {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for key := range m.entries {
		if strings.Contains(key, substr) && m.removeLocked(key) {
			n++
		}
	}
	return n, nil
}

// Clear drops every entry and zeroes the counters.
func (m *Memory) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*entry)
	m.tags = make(map[string]map[string]struct{})
	m.hits, m.misses = 0, 0
	return nil
}

// Stats counts only entries that are still fresh.
func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for _, e := range m.entries {
		if now.Before(e.expiresAt()) {
			count++
		}
	}
	return Stats{Count: count, Hits: m.hits, Misses: m.misses}, nil
}

func (m *Memory) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	n := 0
	for key, e := range m.entries {
		if !now.Before(e.expiresAt().Add(m.grace)) {
			m.removeLocked(key)
			n++
		}
	}
	return n, nil
}

// removeLocked deletes key and unlinks it from every tag it carried.
func (m *Memory) removeLocked(key string) bool {
	e, ok := m.entries[key]
	if !ok {
		return false
	}
	delete(m.entries, key)
	for _, tag := range e.tags {
		keys := m.tags[tag]
		delete(keys, key)
		if len(keys) == 0 {
			delete(m.tags, tag)
		}
	}
	return true
}

func dedupe(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
