package store

import (
	"context"
	"sync"
	"time"
)

// Store keeps the protocol route table used by hosts and the per-transaction
// bookkeeping used by delegates.
type Store interface {
	SetRoute(ctx context.Context, protocol, url string) error
	GetRoute(ctx context.Context, protocol string) (string, error)
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string, ttl time.Duration) error
	SetReplyStatus(ctx context.Context, key, status string, ttl time.Duration) error
	ReplyStatus(ctx context.Context, key string) (string, error)
	Close() error
}

type expiring struct {
	value    string
	expireAt time.Time
}

func (e expiring) live(now time.Time) bool {
	return e.expireAt.IsZero() || now.Before(e.expireAt)
}

type MemoryStore struct {
	mu        sync.RWMutex
	routes    map[string]string
	processed map[string]expiring
	replies   map[string]expiring
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:    make(map[string]string),
		processed: make(map[string]expiring),
		replies:   make(map[string]expiring),
	}
}

func (m *MemoryStore) SetRoute(_ context.Context, protocol, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[protocol] = url
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, protocol string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.routes[protocol], nil
}

func (m *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.processed[key]
	if !ok {
		return false, nil
	}
	return e.live(time.Now()), nil
}

func (m *MemoryStore) MarkProcessed(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed[key] = expiring{value: "1", expireAt: expiry(ttl)}
	return nil
}

func (m *MemoryStore) SetReplyStatus(_ context.Context, key, status string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[key] = expiring{value: status, expireAt: expiry(ttl)}
	return nil
}

func (m *MemoryStore) ReplyStatus(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.replies[key]
	if !ok || !e.live(time.Now()) {
		return "", nil
	}
	return e.value, nil
}

// Sweep drops expired entries.
func (m *MemoryStore) Sweep() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for _, table := range []map[string]expiring{m.processed, m.replies} {
		for k, e := range table {
			if !e.live(now) {
				delete(table, k)
				removed++
			}
		}
	}
	return removed
}

// SweepEvery calls Sweep every interval until ctx is done.
func (m *MemoryStore) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *MemoryStore) Close() error { return nil }

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
