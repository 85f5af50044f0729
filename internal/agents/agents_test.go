package agents

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(NewMemoryStore())
}

func TestRegister(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	a, err := svc.Register(ctx, RegisterRequest{
		Addr:   "0xAbC0000000000000000000000000000000000001",
		Name:   "summarizer",
		Tags:   []string{"NLP", "nlp", "  summaries "},
		MinFee: "1.50",
	})
	require.NoError(t, err)

	assert.Equal(t, "0xabc0000000000000000000000000000000000001", a.Addr)
	assert.Equal(t, StatusActive, a.Status)
	assert.Equal(t, int64(0), a.Reputation)
	assert.Equal(t, []string{"nlp", "summaries"}, a.Tags, "tags are lowercased and deduped")

	_, err = svc.Register(ctx, RegisterRequest{
		Addr: "0xABC0000000000000000000000000000000000001",
		Name: "dup",
	})
	assert.ErrorIs(t, err, ErrAgentExists, "address matching is case-insensitive")
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterRequest{Addr: "not-an-address", Name: "x"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = svc.Register(ctx, RegisterRequest{
		Addr:   "0xabc0000000000000000000000000000000000002",
		Name:   "x",
		MinFee: "-1.00",
	})
	assert.Error(t, err, "negative min fee rejected")

	_, err = svc.Register(ctx, RegisterRequest{
		Addr:   "0xabc0000000000000000000000000000000000002",
		Name:   "x",
		MinFee: "abc",
	})
	assert.Error(t, err, "unparseable min fee rejected")
}

func TestStatusTransitions(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addr := "0xabc0000000000000000000000000000000000003"

	_, err := svc.Register(ctx, RegisterRequest{Addr: addr, Name: "worker"})
	require.NoError(t, err)

	a, err := svc.UpdateStatus(ctx, addr, StatusInactive)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, a.Status)

	a, err = svc.UpdateStatus(ctx, addr, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, a.Status)

	_, err = svc.UpdateStatus(ctx, addr, Status("frozen"))
	assert.ErrorIs(t, err, ErrBadTransition)

	_, err = svc.UpdateStatus(ctx, addr, StatusBanned)
	require.NoError(t, err)

	// Banned is terminal.
	_, err = svc.UpdateStatus(ctx, addr, StatusActive)
	assert.ErrorIs(t, err, ErrBanned)
	_, err = svc.UpdateStatus(ctx, addr, StatusBanned)
	assert.ErrorIs(t, err, ErrBanned)
}

func TestCrediter(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addr := "0xabc0000000000000000000000000000000000004"

	_, err := svc.Register(ctx, RegisterRequest{Addr: addr, Name: "worker"})
	require.NoError(t, err)

	crediter := svc.Crediter(10)

	// 88.2 whole credits / 10 = 8.
	require.NoError(t, crediter.CreditForSettlement(ctx, addr, "88.200000"))
	a, err := svc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(8), a.Reputation)

	// Tiny settlements still earn the minimum of 1.
	require.NoError(t, crediter.CreditForSettlement(ctx, addr, "0.000001"))
	a, err = svc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(9), a.Reputation)

	err = crediter.CreditForSettlement(ctx, addr, "nonsense")
	assert.Error(t, err)

	err = crediter.CreditForSettlement(ctx, "0xabc0000000000000000000000000000000000099", "1.00")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestCrediterConcurrent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	addr := "0xabc0000000000000000000000000000000000005"

	_, err := svc.Register(ctx, RegisterRequest{Addr: addr, Name: "worker"})
	require.NoError(t, err)

	crediter := svc.Crediter(1)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = crediter.CreditForSettlement(ctx, addr, "2.000000")
		}()
	}
	wg.Wait()

	a, err := svc.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, int64(100), a.Reputation, "no credit lost under concurrency")
}

func TestListByTag(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	mk := func(suffix, name string, tags []string, rep int64) {
		addr := "0xabc000000000000000000000000000000000" + suffix
		_, err := svc.Register(ctx, RegisterRequest{Addr: addr, Name: name, Tags: tags})
		require.NoError(t, err)
		if rep > 0 {
			require.NoError(t, svc.Crediter(1).store.AddReputation(ctx, addr, rep))
		}
	}

	mk("0010", "a", []string{"nlp"}, 5)
	mk("0011", "b", []string{"nlp", "vision"}, 20)
	mk("0012", "c", []string{"vision"}, 0)

	all, err := svc.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, int64(20), all[0].Reputation, "sorted by reputation descending")

	nlp, err := svc.List(ctx, "NLP", 10)
	require.NoError(t, err)
	require.Len(t, nlp, 2)
	assert.Equal(t, "b", nlp[0].Name)
	assert.Equal(t, "a", nlp[1].Name)

	none, err := svc.List(ctx, "audio", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
