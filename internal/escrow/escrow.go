// Package escrow is the money-movement source of truth for job settlement.
//
// Flow:
//  1. Poster accepts a bid → funds locked against the job
//  2. Delivery attested → release: provider paid minus fee
//  3. Job cancelled or expired → refund: full amount back to poster
//
// Release and refund are each permitted exactly once per job; the terminal
// flag is checked and set in one atomic store operation, never as two
// separate reads. Release additionally requires a confirmed delivery
// attestation — confirmation is the commit point and there is no cancel
// of a release after it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/money"
	"github.com/jobmesh/jobmesh/internal/syncutil"
)

var (
	ErrAccountNotFound = errors.New("escrow: account not found")
	ErrAccountExists   = errors.New("escrow: account already exists for job")
	ErrInvalidAmount   = errors.New("escrow: amount must be positive")
	ErrAlreadySettled  = errors.New("escrow: account already released or refunded")
	ErrNotAttested     = errors.New("escrow: delivery not attested for job")
)

// Status is the state of an escrow account.
type Status string

const (
	StatusLocked   Status = "locked"
	StatusReleased Status = "released"
	StatusRefunded Status = "refunded"
)

// Account is a per-job fund account.
type Account struct {
	JobID        string     `json:"jobId"`
	PosterAddr   string     `json:"posterAddr"`
	ProviderAddr string     `json:"providerAddr"`
	Locked       string     `json:"locked"`
	Released     string     `json:"released"`
	Refunded     string     `json:"refunded"`
	FeeBps       int        `json:"feeBps"` // snapshot taken at lock time
	FeeAmount    string     `json:"feeAmount,omitempty"`
	Status       Status     `json:"status"`
	LockedAt     time.Time  `json:"lockedAt"`
	SettledAt    *time.Time `json:"settledAt,omitempty"`
}

// IsTerminal returns true once the account has been released or refunded.
func (a *Account) IsTerminal() bool {
	return a.Status == StatusReleased || a.Status == StatusRefunded
}

// Store persists escrow accounts. MarkReleased and MarkRefunded flip the
// terminal flag conditionally: they return false (without error) when the
// account was no longer in the locked state, making settlement single-use
// without a separate read.
type Store interface {
	Create(ctx context.Context, a *Account) error
	Get(ctx context.Context, jobID string) (*Account, error)
	MarkReleased(ctx context.Context, jobID, feeAmount string, at time.Time) (bool, error)
	MarkRefunded(ctx context.Context, jobID string, at time.Time) (bool, error)
	ListByPoster(ctx context.Context, posterAddr string, limit int) ([]*Account, error)
}

// AttestationChecker reports whether delivery has been confirmed for a job.
type AttestationChecker interface {
	Confirmed(ctx context.Context, jobID string) (bool, error)
}

// Settlement is the outcome of a release: what the provider receives and
// what the platform keeps.
type Settlement struct {
	JobID          string `json:"jobId"`
	ProviderAddr   string `json:"providerAddr"`
	ProviderAmount string `json:"providerAmount"`
	FeeAmount      string `json:"feeAmount"`
}

// Ledger implements escrow accounting.
type Ledger struct {
	store Store
	att   AttestationChecker
	locks syncutil.ShardedMutex
}

// New creates an escrow ledger. att gates every release.
func New(store Store, att AttestationChecker) *Ledger {
	return &Ledger{store: store, att: att}
}

// Lock opens the fund account for a job. Fails if an account already exists
// or the amount is non-positive.
func (l *Ledger) Lock(ctx context.Context, jobID, posterAddr, providerAddr, amount string, feeBps int) (*Account, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if feeBps < 0 || feeBps >= 10000 {
		return nil, fmt.Errorf("escrow: fee bps %d out of range", feeBps)
	}

	unlock := l.locks.Lock(jobID)
	defer unlock()

	a := &Account{
		JobID:        jobID,
		PosterAddr:   posterAddr,
		ProviderAddr: providerAddr,
		Locked:       money.Format(amt),
		Released:     money.Zero(),
		Refunded:     money.Zero(),
		FeeBps:       feeBps,
		Status:       StatusLocked,
		LockedAt:     time.Now(),
	}
	if err := l.store.Create(ctx, a); err != nil {
		return nil, err
	}

	metrics.EscrowOpsTotal.WithLabelValues("lock").Inc()
	logging.L(ctx).Info("escrow locked",
		"job_id", jobID, "amount", a.Locked, "fee_bps", feeBps)
	return a, nil
}

// Release pays the provider the locked amount minus the fee snapshot taken
// at lock time: fee = floor(locked * feeBps / 10000). Fails with
// ErrNotAttested when no confirmed attestation exists, and with
// ErrAlreadySettled on a second settlement attempt.
func (l *Ledger) Release(ctx context.Context, jobID string) (*Settlement, error) {
	unlock := l.locks.Lock(jobID)
	defer unlock()

	a, err := l.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if a.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrAlreadySettled, jobID, a.Status)
	}

	confirmed, err := l.att.Confirmed(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("escrow: attestation check: %w", err)
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: %s", ErrNotAttested, jobID)
	}

	locked, _ := money.Parse(a.Locked)
	fee := money.ApplyBps(locked, a.FeeBps)
	provider := money.Sub(locked, fee)

	flipped, err := l.store.MarkReleased(ctx, jobID, money.Format(fee), time.Now())
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, fmt.Errorf("%w: job %s", ErrAlreadySettled, jobID)
	}

	metrics.EscrowOpsTotal.WithLabelValues("release").Inc()
	logging.L(ctx).Info("escrow released",
		"job_id", jobID,
		"provider", a.ProviderAddr,
		"provider_amount", money.Format(provider),
		"fee", money.Format(fee),
	)
	return &Settlement{
		JobID:          jobID,
		ProviderAddr:   a.ProviderAddr,
		ProviderAmount: money.Format(provider),
		FeeAmount:      money.Format(fee),
	}, nil
}

// Refund returns the full locked amount to the poster. Single-use, mutually
// exclusive with Release.
func (l *Ledger) Refund(ctx context.Context, jobID string) (*Account, error) {
	unlock := l.locks.Lock(jobID)
	defer unlock()

	a, err := l.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if a.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", ErrAlreadySettled, jobID, a.Status)
	}

	flipped, err := l.store.MarkRefunded(ctx, jobID, time.Now())
	if err != nil {
		return nil, err
	}
	if !flipped {
		return nil, fmt.Errorf("%w: job %s", ErrAlreadySettled, jobID)
	}

	metrics.EscrowOpsTotal.WithLabelValues("refund").Inc()
	logging.L(ctx).Info("escrow refunded",
		"job_id", jobID, "poster", a.PosterAddr, "amount", a.Locked)
	return l.store.Get(ctx, jobID)
}

// Get returns the account for a job.
func (l *Ledger) Get(ctx context.Context, jobID string) (*Account, error) {
	return l.store.Get(ctx, jobID)
}

// ListByPoster returns a poster's escrow accounts, newest first.
func (l *Ledger) ListByPoster(ctx context.Context, posterAddr string, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListByPoster(ctx, posterAddr, limit)
}

// ProviderAmount computes the post-fee provider payout for an account
// without settling it. Used by read models.
func (a *Account) ProviderAmount() *big.Int {
	locked, _ := money.Parse(a.Locked)
	return money.Sub(locked, money.ApplyBps(locked, a.FeeBps))
}
