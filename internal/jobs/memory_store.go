package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/pagination"
)

// MemoryStore is an in-memory job store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
	bids map[string]*Bid
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		bids: make(map[string]*Bid),
	}
}

func (m *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return copyJob(j), nil
}

func (m *MemoryStore) UpdateJob(ctx context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	m.jobs[j.ID] = copyJob(j)
	return nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, tag string, limit int, before *pagination.Cursor) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if !j.Status.acceptsBids() {
			continue
		}
		if tag != "" && !jobHasTag(j, tag) {
			continue
		}
		if before != nil && !olderThan(j, before) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether j sorts strictly after the cursor position in
// (created_at DESC, id DESC) order.
func olderThan(j *Job, c *pagination.Cursor) bool {
	if !j.CreatedAt.Equal(c.CreatedAt) {
		return j.CreatedAt.Before(c.CreatedAt)
	}
	return j.ID < c.ID
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Job
	for _, j := range m.jobs {
		if !j.Status.acceptsBids() || j.Deadline == nil || j.Deadline.After(now) {
			continue
		}
		out = append(out, copyJob(j))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateBid(ctx context.Context, b *Bid) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.bids[b.ID] = &cp
	return nil
}

func (m *MemoryStore) GetBid(ctx context.Context, id string) (*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bids[id]
	if !ok {
		return nil, ErrBidNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryStore) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Bid
	for _, b := range m.bids {
		if b.JobID == jobID {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].SubmittedAt.Before(out[k].SubmittedAt) })
	return out, nil
}

func jobHasTag(j *Job, tag string) bool {
	for _, t := range j.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func copyJob(j *Job) *Job {
	cp := *j
	cp.Tags = append([]string(nil), j.Tags...)
	cp.Proof = append([]byte(nil), j.Proof...)
	if j.Deadline != nil {
		d := *j.Deadline
		cp.Deadline = &d
	}
	return &cp
}
