package staking

import (
	"context"
	"sync"

	"github.com/jobmesh/jobmesh/internal/money"
)

// MemoryStore is an in-memory staking store for tests and development.
type MemoryStore struct {
	mu     sync.RWMutex
	stakes map[string]*StakeRecord
	pool   string
	events []*CashoutEvent
}

// NewMemoryStore creates an in-memory store seeded with a pool balance.
func NewMemoryStore(initialPool string) *MemoryStore {
	if _, ok := money.Parse(initialPool); !ok {
		initialPool = money.Zero()
	}
	return &MemoryStore{
		stakes: make(map[string]*StakeRecord),
		pool:   initialPool,
	}
}

func (m *MemoryStore) GetStake(ctx context.Context, agentAddr string) (*StakeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.stakes[agentAddr]
	if !ok {
		return nil, ErrStakeNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryStore) PutStake(ctx context.Context, rec *StakeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.stakes[rec.AgentAddr] = &cp
	return nil
}

func (m *MemoryStore) GetPool(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pool, nil
}

func (m *MemoryStore) SetPool(ctx context.Context, balance string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = balance
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, ev *CashoutEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, agentAddr string, limit int) ([]*CashoutEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*CashoutEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].AgentAddr == agentAddr {
			cp := *m.events[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}
