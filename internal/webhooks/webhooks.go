// Package webhooks delivers job lifecycle events to subscriber URLs.
//
// Delivery is fire-and-forget and fully decoupled from settlement: the
// dispatcher never holds a state-machine lock, and a failed delivery is
// logged and counted but never propagated back to the caller. Retries are
// the dispatcher's own policy, independent of the settlement path.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/idgen"
	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/retry"
)

var ErrSubscriptionNotFound = errors.New("webhooks: subscription not found")

// Known event names. Subscriptions may also name events not listed here;
// matching is by string.
const (
	EventJobPosted    = "job.posted"
	EventJobAssigned  = "job.assigned"
	EventJobCompleted = "job.completed"
	EventJobReleased  = "job.released"
	EventJobCancelled = "job.cancelled"
	EventJobExpired   = "job.expired"
	EventCashout      = "cashout.settled"
)

// Event is the JSON envelope POSTed to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Event     string                 `json:"event"`
	JobID     string                 `json:"jobId,omitempty"`
	AgentAddr string                 `json:"agentAddr,omitempty"`
	Status    string                 `json:"status,omitempty"`
	Result    map[string]interface{} `json:"result,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Subscription is a registered delivery target.
type Subscription struct {
	ID          string     `json:"id"`
	OwnerAddr   string     `json:"ownerAddr"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // HMAC signing key
	Events      []string   `json:"events"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(event string) bool {
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByOwner(ctx context.Context, ownerAddr string) ([]*Subscription, error)
	GetByEvent(ctx context.Context, event string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends events to subscribers.
type Dispatcher struct {
	store   Store
	client  *http.Client
	retries int
}

// NewDispatcher creates a dispatcher with the given per-request timeout.
func NewDispatcher(store Store, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:   store,
		client:  &http.Client{Timeout: timeout},
		retries: 3,
	}
}

// Store exposes the subscription store backing this dispatcher.
func (d *Dispatcher) Store() Store {
	return d.store
}

// Dispatch fans an event out to every active matching subscription. Each
// delivery runs in its own goroutine; Dispatch itself only reads the
// subscription list.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) {
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	subs, err := d.store.GetByEvent(ctx, event.Event)
	if err != nil {
		logging.L(ctx).Warn("webhook subscriber lookup failed", "event", event.Event, "error", err)
		return
	}

	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		go d.send(sub, event)
	}
}

func (d *Dispatcher) send(sub *Subscription, event *Event) {
	// Detached from the caller's context on purpose; delivery outlives the
	// request that triggered it.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "marshal failed")
		return
	}

	err = retry.Do(ctx, d.retries, time.Second, func() error {
		return d.post(ctx, sub, event, payload)
	})
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
		d.recordError(ctx, sub, err.Error())
		logging.L(ctx).Warn("webhook delivery failed",
			"subscription", sub.ID, "event", event.Event, "error", err)
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
	d.recordSuccess(ctx, sub)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Jobmesh-Event", event.Event)
	req.Header.Set("X-Jobmesh-Delivery", event.ID)
	req.Header.Set("X-Jobmesh-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Jobmesh-Signature", sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The subscriber rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	_ = d.store.Update(ctx, sub)
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	_ = d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return copySub(sub), nil
}

func (m *MemoryStore) GetByOwner(ctx context.Context, ownerAddr string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerAddr == ownerAddr {
			out = append(out, copySub(sub))
		}
	}
	return out, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, event string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.wants(event) {
			out = append(out, copySub(sub))
		}
	}
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func copySub(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	return &cp
}
