package cache

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry   Entry
	evictAt time.Time
}

// MemoryStore keeps entries in process. Expired entries are dropped lazily
// on read and by Sweep.
type MemoryStore struct {
	Now      func() time.Time
	MaxItems int

	mu    sync.RWMutex
	items map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Now: time.Now, items: make(map[string]memEntry)}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, bool, error) {
	now := m.now()
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, false, nil
	}
	if now.After(e.evictAt) {
		m.mu.Lock()
		if cur, ok := m.items[key]; ok && now.After(cur.evictAt) {
			delete(m.items, key)
		}
		m.mu.Unlock()
		return Entry{}, false, nil
	}
	return e.entry, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, e Entry, retain time.Duration) error {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = make(map[string]memEntry)
	}
	m.items[key] = memEntry{entry: e, evictAt: now.Add(retain)}
	// best-effort cap: drop evictable entries first, then arbitrary ones
	if m.MaxItems > 0 && len(m.items) > m.MaxItems {
		for k, v := range m.items {
			if now.After(v.evictAt) {
				delete(m.items, k)
			}
		}
		for k := range m.items {
			if len(m.items) <= m.MaxItems {
				break
			}
			if k != key {
				delete(m.items, k)
			}
		}
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, v := range m.items {
		if now.After(v.evictAt) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
