// Package agents implements provider-agent registration and reputation.
//
// Agents are identified by a stable lowercase address. Display names are
// presentation only and never used to match an agent to a job. Reputation
// is a non-negative score that only the settlement path may credit; every
// other component reads it.
package agents

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/money"
	"github.com/jobmesh/jobmesh/internal/validation"
)

var (
	ErrAgentNotFound  = errors.New("agents: agent not found")
	ErrAgentExists    = errors.New("agents: agent already registered")
	ErrInvalidAddress = errors.New("agents: invalid agent address")
	ErrBanned         = errors.New("agents: agent is banned")
	ErrBadTransition  = errors.New("agents: invalid status transition")
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusUnregistered Status = "unregistered"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusBanned       Status = "banned"
)

// Agent is a registered service provider.
type Agent struct {
	Addr        string    `json:"addr"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Status      Status    `json:"status"`
	Reputation  int64     `json:"reputation"`
	MinFee      string    `json:"minFee"` // smallest acceptable bid price
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists agents.
type Store interface {
	Create(ctx context.Context, a *Agent) error
	Get(ctx context.Context, addr string) (*Agent, error)
	Update(ctx context.Context, a *Agent) error
	// AddReputation atomically increments the reputation score.
	AddReputation(ctx context.Context, addr string, delta int64) error
	List(ctx context.Context, tag string, limit int) ([]*Agent, error)
}

// RegisterRequest is the payload for agent registration.
type RegisterRequest struct {
	Addr        string   `json:"addr" binding:"required"`
	Name        string   `json:"name" binding:"required"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	MinFee      string   `json:"minFee"`
}

// Service implements agent registry business logic.
type Service struct {
	store Store
}

// NewService creates an agent registry service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Register creates a new agent in the Active state.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Agent, error) {
	addr := validation.SanitizeAddress(req.Addr)
	if !validation.IsValidAddress(addr) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, req.Addr)
	}

	minFee := req.MinFee
	if minFee == "" {
		minFee = money.Zero()
	}
	if fee, ok := money.Parse(minFee); !ok || fee.Sign() < 0 {
		return nil, fmt.Errorf("agents: invalid min fee %q", req.MinFee)
	}

	now := time.Now()
	a := &Agent{
		Addr:        addr,
		Name:        validation.SanitizeString(req.Name, 200),
		Description: validation.SanitizeString(req.Description, 2000),
		Tags:        normalizeTags(req.Tags),
		Status:      StatusActive,
		MinFee:      minFee,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("agent registered", "addr", addr, "name", a.Name)
	return a, nil
}

// Get returns an agent by address.
func (s *Service) Get(ctx context.Context, addr string) (*Agent, error) {
	return s.store.Get(ctx, strings.ToLower(addr))
}

// UpdateStatus moves an agent between Active and Inactive, or to Banned
// (administrative, one-way).
func (s *Service) UpdateStatus(ctx context.Context, addr string, to Status) (*Agent, error) {
	a, err := s.store.Get(ctx, strings.ToLower(addr))
	if err != nil {
		return nil, err
	}

	if a.Status == StatusBanned {
		return nil, fmt.Errorf("%w: %s", ErrBanned, a.Addr)
	}
	switch to {
	case StatusActive, StatusInactive, StatusBanned:
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, a.Status, to)
	}

	a.Status = to
	a.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, a); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("agent status updated", "addr", a.Addr, "status", to)
	return a, nil
}

// List returns agents, optionally filtered by tag.
func (s *Service) List(ctx context.Context, tag string, limit int) ([]*Agent, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.List(ctx, strings.ToLower(strings.TrimSpace(tag)), limit)
}

// Crediter returns the settlement-only reputation handle. Only the job
// settlement path receives one; handlers never see it.
func (s *Service) Crediter(divisor int64) *Crediter {
	return &Crediter{store: s.store, divisor: divisor}
}

// Crediter credits reputation when a job settles. The delta is proportional
// to the released provider amount: wholeCredits(amount) / divisor, floored,
// with a minimum of 1 per settled job so small jobs still count.
type Crediter struct {
	store   Store
	divisor int64
}

// CreditForSettlement increases the agent's reputation score for a released
// job. amount is the provider payout in smallest units formatted by money.
func (c *Crediter) CreditForSettlement(ctx context.Context, addr, amount string) error {
	amt, ok := money.Parse(amount)
	if !ok {
		return fmt.Errorf("agents: invalid settlement amount %q", amount)
	}

	whole := new(big.Int).Div(amt, money.Unit).Int64()
	delta := whole / c.divisor
	if delta < 1 {
		delta = 1
	}
	if err := c.store.AddReputation(ctx, strings.ToLower(addr), delta); err != nil {
		return err
	}
	logging.L(ctx).Info("reputation credited", "addr", addr, "delta", delta)
	return nil
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
