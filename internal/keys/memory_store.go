package keys

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory key store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*CapabilityKey
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*CapabilityKey)}
}

func (m *MemoryStore) Create(ctx context.Context, key *CapabilityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[key.ID] = copyKey(key)
	return nil
}

func (m *MemoryStore) GetByHash(ctx context.Context, hash string) (*CapabilityKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, k := range m.byID {
		if k.Hash == hash {
			return copyKey(k), nil
		}
	}
	return nil, ErrKeyNotFound
}

func (m *MemoryStore) GetByAgent(ctx context.Context, addr string) ([]*CapabilityKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CapabilityKey
	for _, k := range m.byID {
		if strings.EqualFold(k.AgentAddr, addr) {
			out = append(out, copyKey(k))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, key *CapabilityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[key.ID]; !ok {
		return ErrKeyNotFound
	}
	m.byID[key.ID] = copyKey(key)
	return nil
}

func copyKey(k *CapabilityKey) *CapabilityKey {
	cp := *k
	cp.Permissions = append([]Permission(nil), k.Permissions...)
	return &cp
}
