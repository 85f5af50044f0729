package staking

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/money"
	"github.com/jobmesh/jobmesh/internal/randsrc"
)

const (
	stakerAddr = "0xdef0000000000000000000000000000000000001"
)

type engineFixture struct {
	engine   *Engine
	registry *agents.Service
	source   *randsrc.FixedSource
}

func newFixture(t *testing.T, initialPool string) *engineFixture {
	t.Helper()
	registry := agents.NewService(agents.NewMemoryStore())
	source := &randsrc.FixedSource{}
	engine := NewEngine(
		NewMemoryStore(initialPool),
		registry,
		randsrc.NewChecked(source, time.Minute),
		Config{MinStake: "10.000000", HouseFeeBps: 500, WinMultiplier: 2},
	)

	_, err := registry.Register(context.Background(), agents.RegisterRequest{
		Addr: stakerAddr,
		Name: "staker",
	})
	require.NoError(t, err)

	return &engineFixture{engine: engine, registry: registry, source: source}
}

func TestStake(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	rec, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	assert.True(t, rec.IsStaked)
	assert.Equal(t, "50.000000", rec.Principal)
	assert.Equal(t, money.Zero(), rec.Earnings)

	_, err = f.engine.Stake(ctx, stakerAddr, "20.000000")
	assert.ErrorIs(t, err, ErrAlreadyStaked)

	_, err = f.engine.Stake(ctx, "0xdef0000000000000000000000000000000000002", "5.000000")
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, err = f.engine.Stake(ctx, "0xdef0000000000000000000000000000000000002", "-50.000000")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCreditEarnings(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	crediter := f.engine.Crediter()

	err := crediter.CreditEarnings(ctx, stakerAddr, "10.000000")
	assert.ErrorIs(t, err, ErrStakeNotFound, "cannot credit before staking")

	_, err = f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)

	require.NoError(t, crediter.CreditEarnings(ctx, stakerAddr, "10.000000"))
	require.NoError(t, crediter.CreditEarnings(ctx, stakerAddr, "2.500000"))

	rec, err := f.engine.GetStakeInfo(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "12.500000", rec.Earnings)
}

func TestPreviewCashout(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	p, err := f.engine.PreviewCashout(ctx, stakerAddr)
	require.NoError(t, err)

	// fee = floor(10 * 500 / 10000) = 0.5; payout = (10 - 0.5) * 2 = 19.
	assert.Equal(t, "10.000000", p.Earnings)
	assert.Equal(t, "0.500000", p.HouseFee)
	assert.Equal(t, "19.000000", p.MaxPayout)
	assert.Equal(t, "1000.000000", p.PoolSize)
}

func TestPreviewClampedByPool(t *testing.T) {
	f := newFixture(t, "15.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	p, err := f.engine.PreviewCashout(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "15.000000", p.MaxPayout, "payout cannot exceed the pool")
}

func TestCashoutWin(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	f.source.Draws = []randsrc.Draw{{Value: 1}} // odd, a win

	ev, err := f.engine.Cashout(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "win", ev.Outcome)
	assert.Equal(t, "19.000000", ev.Payout)
	assert.Equal(t, "0.500000", ev.HouseFee)
	assert.Equal(t, "981.000000", ev.PoolAfter)

	rec, err := f.engine.GetStakeInfo(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, money.Zero(), rec.Earnings, "earnings reset on win")
	assert.Equal(t, int64(1), rec.Wins)
	assert.Equal(t, int64(0), rec.Losses)

	assert.Equal(t, "0.500000", f.engine.FeesCollected())

	evs, err := f.engine.ListCashouts(ctx, stakerAddr, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ev.ID, evs[0].ID)
}

// recordingCashoutNotifier captures settled cashouts synchronously.
type recordingCashoutNotifier struct {
	events []*CashoutEvent
}

func (r *recordingCashoutNotifier) NotifyCashout(ev *CashoutEvent) {
	r.events = append(r.events, ev)
}

func TestCashoutNotifiesDownstream(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	notifier := &recordingCashoutNotifier{}
	f.engine.SetNotifier(notifier)

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	f.source.Draws = []randsrc.Draw{{Value: 1}}

	ev, err := f.engine.Cashout(ctx, stakerAddr)
	require.NoError(t, err)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, ev.ID, notifier.events[0].ID)
	assert.Equal(t, "win", notifier.events[0].Outcome)
	assert.Equal(t, ev.PoolAfter, notifier.events[0].PoolAfter)
}

func TestFailedCashoutDoesNotNotify(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	notifier := &recordingCashoutNotifier{}
	f.engine.SetNotifier(notifier)

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)

	// No earnings to cash out; the gamble never runs.
	_, err = f.engine.Cashout(ctx, stakerAddr)
	assert.ErrorIs(t, err, ErrNoEarnings)
	assert.Empty(t, notifier.events)
}

func TestCashoutLoss(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	f.source.Draws = []randsrc.Draw{{Value: 2}} // even, a loss

	ev, err := f.engine.Cashout(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "loss", ev.Outcome)
	assert.Equal(t, money.Zero(), ev.Payout)

	// Fee comes off the top; only the remainder sinks into the pool.
	assert.Equal(t, "1009.500000", ev.PoolAfter)

	rec, err := f.engine.GetStakeInfo(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, money.Zero(), rec.Earnings, "earnings reset on loss")
	assert.Equal(t, int64(1), rec.Losses)
}

func TestCashoutStaleRandomFailsClosed(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	// An odd (winning) value, but outside the freshness window.
	f.source.Draws = []randsrc.Draw{{Value: 7, Timestamp: time.Now().Add(-time.Hour)}}

	_, err = f.engine.Cashout(ctx, stakerAddr)
	require.ErrorIs(t, err, ErrRandomUnhealthy)

	rec, err := f.engine.GetStakeInfo(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "10.000000", rec.Earnings, "no state change on stale draw")

	size, err := f.engine.GetPoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1000.000000", size)
}

func TestCashoutRequirements(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Cashout(ctx, stakerAddr)
	assert.ErrorIs(t, err, ErrStakeNotFound)

	_, err = f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)

	_, err = f.engine.Cashout(ctx, stakerAddr)
	assert.ErrorIs(t, err, ErrNoEarnings)
}

func TestCashoutReclampsAtExecution(t *testing.T) {
	// Pool covers only part of the multiplied payout at execution time.
	f := newFixture(t, "5.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	f.source.Draws = []randsrc.Draw{{Value: 1}}

	ev, err := f.engine.Cashout(ctx, stakerAddr)
	require.NoError(t, err)
	assert.Equal(t, "5.000000", ev.Payout, "payout clamped to live pool")
	assert.Equal(t, money.Zero(), ev.PoolAfter)

	pool, ok := money.Parse(ev.PoolAfter)
	require.True(t, ok)
	assert.True(t, pool.Sign() >= 0, "pool never negative")
}

func TestUnstake(t *testing.T) {
	f := newFixture(t, "1000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)
	require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "10.000000"))

	// Active agents cannot pull their stake.
	_, err = f.engine.Unstake(ctx, stakerAddr)
	assert.ErrorIs(t, err, ErrAgentNotIdle)

	_, err = f.registry.UpdateStatus(ctx, stakerAddr, agents.StatusInactive)
	require.NoError(t, err)

	rec, err := f.engine.Unstake(ctx, stakerAddr)
	require.NoError(t, err)
	assert.False(t, rec.IsStaked)
	assert.Equal(t, money.Zero(), rec.Principal)
	assert.Equal(t, money.Zero(), rec.Earnings)

	// Outstanding earnings were forfeited into the pool.
	size, err := f.engine.GetPoolSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1010.000000", size)

	_, err = f.engine.Unstake(ctx, stakerAddr)
	assert.ErrorIs(t, err, ErrNotStaked)
}

func TestWinRateConverges(t *testing.T) {
	f := newFixture(t, "1000000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)

	f.engine.random = randsrc.NewChecked(randsrc.LocalSource{}, time.Minute)

	const n = 10_000
	wins := 0
	for i := 0; i < n; i++ {
		require.NoError(t, f.engine.Crediter().CreditEarnings(ctx, stakerAddr, "1.000000"))
		ev, err := f.engine.Cashout(ctx, stakerAddr)
		require.NoError(t, err)
		if ev.Outcome == "win" {
			wins++
		}
	}

	rate := float64(wins) / float64(n)
	assert.InDelta(t, 0.5, rate, 0.02, "unbiased source wins about half the time")
}

func TestConcurrentCreditAndCashout(t *testing.T) {
	f := newFixture(t, "100000.000000")
	ctx := context.Background()

	_, err := f.engine.Stake(ctx, stakerAddr, "50.000000")
	require.NoError(t, err)

	f.source.Draws = []randsrc.Draw{{Value: 2}} // always lose, earnings flow to pool

	crediter := f.engine.Crediter()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = crediter.CreditEarnings(ctx, stakerAddr, "1.000000")
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.engine.Cashout(ctx, stakerAddr)
		}()
	}
	wg.Wait()

	// Every credited unit ends up either still on the record or in the pool
	// (minus collected fees). Nothing is lost or duplicated.
	rec, err := f.engine.GetStakeInfo(ctx, stakerAddr)
	require.NoError(t, err)
	size, err := f.engine.GetPoolSize(ctx)
	require.NoError(t, err)

	earnings, _ := money.Parse(rec.Earnings)
	pool, _ := money.Parse(size)
	fees, _ := money.Parse(f.engine.FeesCollected())
	start, _ := money.Parse("100000.000000")

	total := new(big.Int).Add(earnings, new(big.Int).Add(pool, fees))
	credited, _ := money.Parse("20.000000")
	assert.Equal(t, new(big.Int).Add(start, credited).String(), total.String())
	assert.True(t, pool.Sign() >= 0, "pool never negative")
}
