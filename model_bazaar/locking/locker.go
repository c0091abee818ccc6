package locking

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion scoped to a single key (a model id). Lock
// blocks until the key is free or ctx is done; the returned function releases
// the lock and must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type keyedEntry struct {
	sem  chan struct{}
	refs int
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// removed once no goroutine holds or waits on the key.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*keyedEntry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*keyedEntry)}
}

func (m *KeyedMutex) acquireEntry(key string) *keyedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		entry = &keyedEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	return entry
}

func (m *KeyedMutex) releaseEntry(key string, entry *keyedEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	entry := m.acquireEntry(key)

	select {
	case entry.sem <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(key, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.sem
			m.releaseEntry(key, entry)
		})
	}, nil
}

func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
