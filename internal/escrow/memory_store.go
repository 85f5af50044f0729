package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory escrow store for tests and development.
type MemoryStore struct {
	mu    sync.RWMutex
	byJob map[string]*Account
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byJob: make(map[string]*Account)}
}

func (m *MemoryStore) Create(ctx context.Context, a *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byJob[a.JobID]; ok {
		return ErrAccountExists
	}
	cp := *a
	m.byJob[a.JobID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, jobID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byJob[jobID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) MarkReleased(ctx context.Context, jobID, feeAmount string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byJob[jobID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if a.Status != StatusLocked {
		return false, nil
	}
	a.Status = StatusReleased
	a.Released = a.Locked
	a.FeeAmount = feeAmount
	a.SettledAt = &at
	return true, nil
}

func (m *MemoryStore) MarkRefunded(ctx context.Context, jobID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byJob[jobID]
	if !ok {
		return false, ErrAccountNotFound
	}
	if a.Status != StatusLocked {
		return false, nil
	}
	a.Status = StatusRefunded
	a.Refunded = a.Locked
	a.SettledAt = &at
	return true, nil
}

// ScanAccounts calls fn for every account. Order is unspecified.
func (m *MemoryStore) ScanAccounts(ctx context.Context, fn func(*Account) error) error {
	m.mu.RLock()
	accounts := make([]*Account, 0, len(m.byJob))
	for _, a := range m.byJob {
		cp := *a
		accounts = append(accounts, &cp)
	}
	m.mu.RUnlock()

	for _, a := range accounts {
		if err := fn(a); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) ListByPoster(ctx context.Context, posterAddr string, limit int) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Account
	for _, a := range m.byJob {
		if a.PosterAddr == posterAddr {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.After(out[j].LockedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
