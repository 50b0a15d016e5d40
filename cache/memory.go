package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

type memGeneration struct {
	storage *MemStorage
	name    string
	entries map[string]Entry
	deleted bool
}

// MemStorage keeps all generations in process memory.
// Its contents do not survive a restart.
type MemStorage struct {
	mutex *sync.RWMutex
	gens  map[string]*memGeneration
	order []string
}

var _ Storage = (*MemStorage)(nil)

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex: &sync.RWMutex{},
		gens:  make(map[string]*memGeneration),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Generation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	g, ok := m.gens[name]
	if !ok {
		g = &memGeneration{storage: m, name: name, entries: make(map[string]Entry)}
		m.gens[name] = g
		m.order = append(m.order, name)
	}
	return g, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.gens[name]
	return ok, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	g, ok := m.gens[name]
	if !ok {
		return false, nil
	}
	g.deleted = true
	g.entries = nil
	delete(m.gens, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Match(_ context.Context, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if e, ok := m.gens[name].entries[key]; ok {
			return copyEntry(e), true, nil
		}
	}
	return Entry{}, false, nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (g *memGeneration) Name() string {
	return g.name
}

func (g *memGeneration) Match(_ context.Context, key string) (Entry, bool, error) {
	g.storage.mutex.RLock()
	defer g.storage.mutex.RUnlock()
	e, ok := g.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(e), true, nil
}

func (g *memGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

func (g *memGeneration) PutAll(_ context.Context, entries []Entry) error {
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	if g.deleted {
		return ErrGenerationDeleted
	}
	for _, e := range entries {
		g.entries[e.Key] = copyEntry(e)
	}
	return nil
}

func (g *memGeneration) Keys(_ context.Context) ([]string, error) {
	g.storage.mutex.RLock()
	defer g.storage.mutex.RUnlock()
	keys := make([]string, 0, len(g.entries))
	for k := range g.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (g *memGeneration) Delete(_ context.Context, key string) (bool, error) {
	g.storage.mutex.Lock()
	defer g.storage.mutex.Unlock()
	if _, ok := g.entries[key]; !ok {
		return false, nil
	}
	delete(g.entries, key)
	return true, nil
}

// copyEntry makes sure callers never share byte slices with the store.
func copyEntry(e Entry) Entry {
	e.Bytes = bytes.Clone(e.Bytes)
	return e
}
