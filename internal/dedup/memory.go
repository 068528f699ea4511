package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Memory is a process-local Cache. Entries older than the TTL count as unseen
// even before Sweep removes them.
type Memory struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

type MemoryOption func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func NewMemory(logger *slog.Logger, opts ...MemoryOption) *Memory {
	m := &Memory{
		seen:   make(map[string]time.Time),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) HasSeen(_ context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.seen[id]
	return ok && m.now().Sub(at) < m.ttl
}

func (m *Memory) MarkSeen(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[id] = m.now()
}

// MarkIfUnseen marks id and reports whether a live entry already existed.
func (m *Memory) MarkIfUnseen(_ context.Context, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.seen[id]; ok && now.Sub(at) < m.ttl {
		return true
	}
	m.seen[id] = now
	return false
}

// Sweep drops expired entries and returns how many were removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for id, at := range m.seen {
		if now.Sub(at) >= m.ttl {
			delete(m.seen, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("dedup sweep", "removed", removed, "remaining", len(m.seen))
	}
	return removed
}

// Len returns the number of tracked ids, expired ones included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}
