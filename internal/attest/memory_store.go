package attest

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory attestation store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Attestation
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*Attestation)}
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (*Attestation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	cp.Proof = append([]byte(nil), a.Proof...)
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, a *Attestation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Proof = append([]byte(nil), a.Proof...)
	m.byID[a.JobID] = &cp
	return nil
}
