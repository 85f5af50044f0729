package agents

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory agent store for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	byAddr map[string]*Agent
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byAddr: make(map[string]*Agent)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byAddr[a.Addr]; ok {
		return ErrAgentExists
	}
	m.byAddr[a.Addr] = copyAgent(a)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, addr string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byAddr[addr]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return copyAgent(a), nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byAddr[a.Addr]; !ok {
		return ErrAgentNotFound
	}
	m.byAddr[a.Addr] = copyAgent(a)
	return nil
}

func (m *MemoryStore) AddReputation(ctx context.Context, addr string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byAddr[addr]
	if !ok {
		return ErrAgentNotFound
	}
	a.Reputation += delta
	if a.Reputation < 0 {
		a.Reputation = 0
	}
	return nil
}

func (m *MemoryStore) List(ctx context.Context, tag string, limit int) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.byAddr {
		if tag != "" && !hasTag(a, tag) {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Reputation != out[j].Reputation {
			return out[i].Reputation > out[j].Reputation
		}
		return out[i].Addr < out[j].Addr
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasTag(a *Agent, tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func copyAgent(a *Agent) *Agent {
	cp := *a
	cp.Tags = append([]string(nil), a.Tags...)
	return &cp
}
