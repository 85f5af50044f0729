// Package staking implements per-agent stakes, settlement-routed earnings,
// and the pool-backed 50/50 cashout gamble.
//
// Money in this package follows the escrow ledger's convention: amounts are
// fixed-point decimal strings parsed through the money package. The pool is
// a single global balance with a hard non-negative invariant, so every
// read-then-write on it happens under one process-wide mutex.
package staking

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/idgen"
	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/money"
	"github.com/jobmesh/jobmesh/internal/randsrc"
	"github.com/jobmesh/jobmesh/internal/syncutil"
	"github.com/jobmesh/jobmesh/internal/traces"
)

var (
	ErrStakeNotFound   = errors.New("staking: no stake record for agent")
	ErrAlreadyStaked   = errors.New("staking: agent already staked")
	ErrNotStaked       = errors.New("staking: agent is not staked")
	ErrBelowMinimum    = errors.New("staking: amount below minimum stake")
	ErrInvalidAmount   = errors.New("staking: invalid amount")
	ErrNoEarnings      = errors.New("staking: no earnings to cash out")
	ErrAgentNotIdle    = errors.New("staking: agent must be inactive to unstake")
	ErrRandomUnhealthy = errors.New("staking: random source unavailable or stale")
)

// StakeRecord tracks one agent's principal and accumulated earnings.
type StakeRecord struct {
	AgentAddr string    `json:"agentAddr"`
	Principal string    `json:"principal"`
	Earnings  string    `json:"earnings"`
	Wins      int64     `json:"wins"`
	Losses    int64     `json:"losses"`
	IsStaked  bool      `json:"isStaked"`
	StakedAt  time.Time `json:"stakedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CashoutEvent is an append-only audit record of one gamble.
type CashoutEvent struct {
	ID        string    `json:"id"`
	AgentAddr string    `json:"agentAddr"`
	Outcome   string    `json:"outcome"` // win or loss
	Earnings  string    `json:"earnings"`
	HouseFee  string    `json:"houseFee"`
	Payout    string    `json:"payout"` // zero on loss
	PoolAfter string    `json:"poolAfter"`
	DrawValue uint64    `json:"drawValue"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists stake records, the pool balance, and cashout events.
// Pool reads and writes are not self-serializing; the Engine holds the
// pool mutex across every SetPool that follows a GetPool.
type Store interface {
	GetStake(ctx context.Context, agentAddr string) (*StakeRecord, error)
	PutStake(ctx context.Context, rec *StakeRecord) error
	GetPool(ctx context.Context) (string, error)
	SetPool(ctx context.Context, balance string) error
	AppendEvent(ctx context.Context, ev *CashoutEvent) error
	ListEvents(ctx context.Context, agentAddr string, limit int) ([]*CashoutEvent, error)
}

// AgentStatuser reports an agent's registry status. The registry service
// implements this; staking only needs the one read.
type AgentStatuser interface {
	Get(ctx context.Context, addr string) (*agents.Agent, error)
}

// Config holds the economic parameters of the gamble.
type Config struct {
	MinStake      string
	HouseFeeBps   int
	WinMultiplier int
}

// Preview is the read-model for a prospective cashout.
type Preview struct {
	Earnings  string `json:"earnings"`
	HouseFee  string `json:"houseFee"`
	MaxPayout string `json:"maxPayout"`
	PoolSize  string `json:"poolSize"`
}

// Engine implements stake, earnings, and cashout semantics.
// Notifier delivers cashout settlements downstream. Implementations must
// not block; the engine calls Notify while holding the pool lock.
type Notifier interface {
	NotifyCashout(ev *CashoutEvent)
}

type Engine struct {
	store    Store
	registry AgentStatuser
	random   *randsrc.Checked
	notifier Notifier
	cfg      Config

	// agentLocks serializes cashout against creditEarnings per agent.
	agentLocks syncutil.ShardedMutex
	// poolMu serializes every pool read-then-write process-wide.
	poolMu sync.Mutex
	// feesCollected accumulates house fees outside the gamble.
	feesMu        sync.Mutex
	feesCollected *big.Int
}

// NewEngine creates a staking engine.
func NewEngine(store Store, registry AgentStatuser, random *randsrc.Checked, cfg Config) *Engine {
	return &Engine{
		store:         store,
		registry:      registry,
		random:        random,
		cfg:           cfg,
		feesCollected: big.NewInt(0),
	}
}

// SetNotifier installs the downstream hook for settled cashouts. A nil
// notifier disables fan-out.
func (e *Engine) SetNotifier(n Notifier) {
	e.notifier = n
}

// Stake locks principal for an agent. Fails if the agent is already staked
// or the amount is below the configured minimum.
func (e *Engine) Stake(ctx context.Context, agentAddr, amount string) (*StakeRecord, error) {
	addr := strings.ToLower(agentAddr)
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	min, _ := money.Parse(e.cfg.MinStake)
	if amt.Cmp(min) < 0 {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimum, amount, e.cfg.MinStake)
	}

	unlock := e.agentLocks.Lock(addr)
	defer unlock()

	rec, err := e.store.GetStake(ctx, addr)
	if err != nil && !errors.Is(err, ErrStakeNotFound) {
		return nil, err
	}
	if rec != nil && rec.IsStaked {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyStaked, addr)
	}

	now := time.Now()
	if rec == nil {
		rec = &StakeRecord{AgentAddr: addr, Earnings: money.Zero()}
	}
	rec.Principal = money.Format(amt)
	rec.IsStaked = true
	rec.StakedAt = now
	rec.UpdatedAt = now
	if err := e.store.PutStake(ctx, rec); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("stake created", "agent", addr, "principal", rec.Principal)
	return rec, nil
}

// Unstake returns the principal to an agent whose registry status is
// Inactive. Unclaimed earnings are forfeited to the pool, not paid out.
func (e *Engine) Unstake(ctx context.Context, agentAddr string) (*StakeRecord, error) {
	addr := strings.ToLower(agentAddr)

	a, err := e.registry.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if a.Status != agents.StatusInactive {
		return nil, fmt.Errorf("%w: status is %s", ErrAgentNotIdle, a.Status)
	}

	unlock := e.agentLocks.Lock(addr)
	defer unlock()

	rec, err := e.store.GetStake(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !rec.IsStaked {
		return nil, fmt.Errorf("%w: %s", ErrNotStaked, addr)
	}

	earnings, _ := money.Parse(rec.Earnings)
	if earnings.Sign() > 0 {
		if err := e.addToPool(ctx, earnings); err != nil {
			return nil, err
		}
		logging.L(ctx).Info("earnings forfeited to pool", "agent", addr, "amount", rec.Earnings)
	}

	returned := rec.Principal
	rec.Principal = money.Zero()
	rec.Earnings = money.Zero()
	rec.IsStaked = false
	rec.UpdatedAt = time.Now()
	if err := e.store.PutStake(ctx, rec); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("stake withdrawn", "agent", addr, "principal", returned)
	return rec, nil
}

// EarningsCrediter is the settlement-only handle for routing released
// provider payouts into accumulated earnings. Only the job settlement path
// receives one; handlers never see it.
type EarningsCrediter struct {
	engine *Engine
}

// Crediter returns the settlement-only earnings handle.
func (e *Engine) Crediter() *EarningsCrediter {
	return &EarningsCrediter{engine: e}
}

// CreditEarnings adds a released payout to the agent's accumulated
// earnings. The agent must be staked; unstaked agents are paid directly
// and never reach this path.
func (c *EarningsCrediter) CreditEarnings(ctx context.Context, agentAddr, amount string) error {
	e := c.engine
	addr := strings.ToLower(agentAddr)
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}

	unlock := e.agentLocks.Lock(addr)
	defer unlock()

	rec, err := e.store.GetStake(ctx, addr)
	if err != nil {
		return err
	}
	if !rec.IsStaked {
		return fmt.Errorf("%w: %s", ErrNotStaked, addr)
	}

	cur, _ := money.Parse(rec.Earnings)
	rec.Earnings = money.Format(money.Add(cur, amt))
	rec.UpdatedAt = time.Now()
	if err := e.store.PutStake(ctx, rec); err != nil {
		return err
	}

	logging.L(ctx).Info("earnings credited", "agent", addr, "amount", amount, "total", rec.Earnings)
	return nil
}

// PreviewCashout computes the fee and the payout ceiling without touching
// any state. The house fee comes off the top; the remainder times the win
// multiplier is capped at the current pool balance.
func (e *Engine) PreviewCashout(ctx context.Context, agentAddr string) (*Preview, error) {
	rec, err := e.store.GetStake(ctx, strings.ToLower(agentAddr))
	if err != nil {
		return nil, err
	}
	pool, err := e.poolBalance(ctx)
	if err != nil {
		return nil, err
	}

	earnings, _ := money.Parse(rec.Earnings)
	fee, payout := e.computePayout(earnings, pool)
	return &Preview{
		Earnings:  rec.Earnings,
		HouseFee:  money.Format(fee),
		MaxPayout: money.Format(payout),
		PoolSize:  money.Format(pool),
	}, nil
}

// Cashout runs the 50/50 gamble on an agent's accumulated earnings.
//
// A stale or failed random draw aborts with no state change. The house fee
// is collected before the coin flip and is never at risk. On a win the pool
// pays out; on a loss the remaining earnings sink into the pool. Either way
// earnings end at zero. The payout is re-clamped against the live pool
// balance here, under the pool mutex, because the preview's clamp can be
// stale by execution time.
func (e *Engine) Cashout(ctx context.Context, agentAddr string) (*CashoutEvent, error) {
	ctx, span := traces.StartSpan(ctx, "staking.Cashout", traces.AgentAddr(agentAddr))
	defer span.End()

	addr := strings.ToLower(agentAddr)

	unlock := e.agentLocks.Lock(addr)
	defer unlock()

	rec, err := e.store.GetStake(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !rec.IsStaked {
		return nil, fmt.Errorf("%w: %s", ErrNotStaked, addr)
	}
	earnings, _ := money.Parse(rec.Earnings)
	if earnings.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEarnings, addr)
	}

	// Draw before any state change so a stale source fails closed.
	draw, err := e.random.Draw(ctx)
	if err != nil {
		metrics.CashoutsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrRandomUnhealthy, err)
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	pool, err := e.poolUnlocked(ctx)
	if err != nil {
		return nil, err
	}
	fee, payout := e.computePayout(earnings, pool)

	ev := &CashoutEvent{
		ID:        idgen.WithPrefix("co_"),
		AgentAddr: addr,
		Earnings:  rec.Earnings,
		HouseFee:  money.Format(fee),
		DrawValue: draw.Value,
		CreatedAt: time.Now(),
	}

	if draw.Win() {
		pool = money.Sub(pool, payout)
		ev.Outcome = "win"
		ev.Payout = money.Format(payout)
		rec.Wins++
	} else {
		atRisk := money.Sub(earnings, fee)
		pool = money.Add(pool, atRisk)
		ev.Outcome = "loss"
		ev.Payout = money.Zero()
		rec.Losses++
	}
	ev.PoolAfter = money.Format(pool)

	if err := e.store.SetPool(ctx, ev.PoolAfter); err != nil {
		return nil, err
	}
	rec.Earnings = money.Zero()
	rec.UpdatedAt = ev.CreatedAt
	if err := e.store.PutStake(ctx, rec); err != nil {
		return nil, err
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		logging.L(ctx).Error("cashout event append failed", "agent", addr, "error", err)
	}

	e.collectFee(fee)
	metrics.CashoutsTotal.WithLabelValues(ev.Outcome).Inc()
	if f, err := poolFloat(pool); err == nil {
		metrics.PoolBalance.Set(f)
	}

	logging.L(ctx).Info("cashout settled",
		"agent", addr, "outcome", ev.Outcome, "payout", ev.Payout,
		"house_fee", ev.HouseFee, "pool", ev.PoolAfter)
	if e.notifier != nil {
		e.notifier.NotifyCashout(ev)
	}
	return ev, nil
}

// GetStakeInfo returns the agent's stake record.
func (e *Engine) GetStakeInfo(ctx context.Context, agentAddr string) (*StakeRecord, error) {
	return e.store.GetStake(ctx, strings.ToLower(agentAddr))
}

// GetPoolSize returns the current shared pool balance.
func (e *Engine) GetPoolSize(ctx context.Context) (string, error) {
	pool, err := e.poolBalance(ctx)
	if err != nil {
		return "", err
	}
	return money.Format(pool), nil
}

// ListCashouts returns the append-only gamble history for an agent.
func (e *Engine) ListCashouts(ctx context.Context, agentAddr string, limit int) ([]*CashoutEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.ListEvents(ctx, strings.ToLower(agentAddr), limit)
}

// FeesCollected reports the total house fees taken so far.
func (e *Engine) FeesCollected() string {
	e.feesMu.Lock()
	defer e.feesMu.Unlock()
	return money.Format(new(big.Int).Set(e.feesCollected))
}

// computePayout applies the house fee and the pool clamp.
// fee = floor(earnings * houseFeeBps / 10000)
// payout = min((earnings - fee) * multiplier, pool)
func (e *Engine) computePayout(earnings, pool *big.Int) (fee, payout *big.Int) {
	fee = money.ApplyBps(earnings, e.cfg.HouseFeeBps)
	payout = money.MulInt(money.Sub(earnings, fee), e.cfg.WinMultiplier)
	payout = money.Min(payout, pool)
	if payout.Sign() < 0 {
		payout = big.NewInt(0)
	}
	return fee, payout
}

func (e *Engine) poolBalance(ctx context.Context) (*big.Int, error) {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.poolUnlocked(ctx)
}

func (e *Engine) poolUnlocked(ctx context.Context) (*big.Int, error) {
	s, err := e.store.GetPool(ctx)
	if err != nil {
		return nil, err
	}
	pool, ok := money.Parse(s)
	if !ok {
		return nil, fmt.Errorf("staking: corrupt pool balance %q", s)
	}
	return pool, nil
}

func (e *Engine) addToPool(ctx context.Context, amount *big.Int) error {
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	pool, err := e.poolUnlocked(ctx)
	if err != nil {
		return err
	}
	pool = money.Add(pool, amount)
	if err := e.store.SetPool(ctx, money.Format(pool)); err != nil {
		return err
	}
	if f, err := poolFloat(pool); err == nil {
		metrics.PoolBalance.Set(f)
	}
	return nil
}

func (e *Engine) collectFee(fee *big.Int) {
	if fee.Sign() <= 0 {
		return
	}
	e.feesMu.Lock()
	e.feesCollected.Add(e.feesCollected, fee)
	e.feesMu.Unlock()
}

func poolFloat(pool *big.Int) (float64, error) {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(pool), new(big.Float).SetInt(money.Unit)).Float64()
	return f, nil
}
