package escrow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubAttestation reports a fixed set of confirmed jobs.
type stubAttestation struct {
	mu        sync.Mutex
	confirmed map[string]bool
}

func newStubAttestation(jobIDs ...string) *stubAttestation {
	s := &stubAttestation{confirmed: make(map[string]bool)}
	for _, id := range jobIDs {
		s.confirmed[id] = true
	}
	return s
}

func (s *stubAttestation) Confirmed(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed[jobID], nil
}

func TestLock_RejectsInvalidAmounts(t *testing.T) {
	l := New(NewMemoryStore(), newStubAttestation())
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "0", 200)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Lock(ctx, "job_1", "0xposter", "0xagent", "-5", 200)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Lock(ctx, "job_1", "0xposter", "0xagent", "not-a-number", 200)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLock_RejectsDuplicate(t *testing.T) {
	l := New(NewMemoryStore(), newStubAttestation())
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "90.00", 200)
	require.NoError(t, err)

	_, err = l.Lock(ctx, "job_1", "0xposter", "0xagent", "90.00", 200)
	assert.ErrorIs(t, err, ErrAccountExists)
}

func TestRelease_FeeSplitScenario(t *testing.T) {
	// Lock 90 at 200 bps: provider receives 88.20, fee is 1.80, and the
	// account shows locked=90, released=90, refunded=0.
	att := newStubAttestation("job_1")
	l := New(NewMemoryStore(), att)
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "90.00", 200)
	require.NoError(t, err)

	settlement, err := l.Release(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "88.200000", settlement.ProviderAmount)
	assert.Equal(t, "1.800000", settlement.FeeAmount)
	assert.Equal(t, "0xagent", settlement.ProviderAddr)

	a, err := l.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, a.Status)
	assert.Equal(t, "90.000000", a.Locked)
	assert.Equal(t, "90.000000", a.Released)
	assert.Equal(t, "0.000000", a.Refunded)
	assert.NotNil(t, a.SettledAt)
}

func TestRelease_RequiresAttestation(t *testing.T) {
	att := newStubAttestation() // nothing confirmed
	l := New(NewMemoryStore(), att)
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "90.00", 200)
	require.NoError(t, err)

	_, err = l.Release(ctx, "job_1")
	assert.ErrorIs(t, err, ErrNotAttested)

	// No state change: a refund is still possible.
	a, err := l.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, a.Status)
}

func TestRelease_SingleUse(t *testing.T) {
	att := newStubAttestation("job_1")
	l := New(NewMemoryStore(), att)
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "90.00", 200)
	require.NoError(t, err)

	_, err = l.Release(ctx, "job_1")
	require.NoError(t, err)

	_, err = l.Release(ctx, "job_1")
	assert.ErrorIs(t, err, ErrAlreadySettled)

	_, err = l.Refund(ctx, "job_1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestRefund_FullAmount(t *testing.T) {
	l := New(NewMemoryStore(), newStubAttestation())
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "42.50", 200)
	require.NoError(t, err)

	a, err := l.Refund(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, a.Status)
	assert.Equal(t, "42.500000", a.Refunded)
	assert.Equal(t, "0.000000", a.Released)

	_, err = l.Refund(ctx, "job_1")
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestSettlement_ConcurrentReleaseAndRefund(t *testing.T) {
	// Under concurrent release/refund exactly one settlement wins, and the
	// terminal invariant locked == released + refunded holds.
	att := newStubAttestation("job_1")
	l := New(NewMemoryStore(), att)
	ctx := context.Background()

	_, err := l.Lock(ctx, "job_1", "0xposter", "0xagent", "100.00", 200)
	require.NoError(t, err)

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts*2)
	for i := 0; i < attempts; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := l.Release(ctx, "job_1")
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := l.Refund(ctx, "job_1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadySettled)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one settlement may succeed")

	a, err := l.Get(ctx, "job_1")
	require.NoError(t, err)
	assert.True(t, a.IsTerminal())
	if a.Status == StatusReleased {
		assert.Equal(t, a.Locked, a.Released)
		assert.Equal(t, "0.000000", a.Refunded)
	} else {
		assert.Equal(t, a.Locked, a.Refunded)
		assert.Equal(t, "0.000000", a.Released)
	}
}

func TestProviderAmount_FloorsFee(t *testing.T) {
	a := &Account{Locked: "0.000003", FeeBps: 3333}
	// fee = floor(3 * 3333 / 10000) = 0; provider keeps the remainder.
	assert.Equal(t, int64(3), a.ProviderAmount().Int64())
}

func TestListByPoster(t *testing.T) {
	l := New(NewMemoryStore(), newStubAttestation())
	ctx := context.Background()

	for _, id := range []string{"job_1", "job_2", "job_3"} {
		_, err := l.Lock(ctx, id, "0xposter", "0xagent", "1.00", 200)
		require.NoError(t, err)
	}
	_, err := l.Lock(ctx, "job_other", "0xother", "0xagent", "1.00", 200)
	require.NoError(t, err)

	accounts, err := l.ListByPoster(ctx, "0xposter", 10)
	require.NoError(t, err)
	assert.Len(t, accounts, 3)
}
