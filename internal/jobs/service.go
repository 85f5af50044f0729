package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jobmesh/jobmesh/internal/agents"
	"github.com/jobmesh/jobmesh/internal/escrow"
	"github.com/jobmesh/jobmesh/internal/idgen"
	"github.com/jobmesh/jobmesh/internal/logging"
	"github.com/jobmesh/jobmesh/internal/metrics"
	"github.com/jobmesh/jobmesh/internal/money"
	"github.com/jobmesh/jobmesh/internal/pagination"
	"github.com/jobmesh/jobmesh/internal/pricefeed"
	"github.com/jobmesh/jobmesh/internal/staking"
	"github.com/jobmesh/jobmesh/internal/syncutil"
	"github.com/jobmesh/jobmesh/internal/traces"
	"github.com/jobmesh/jobmesh/internal/validation"
)

// Notifier delivers job lifecycle events downstream. Implementations must
// be fire-and-forget: they may not block the caller or hold job locks.
type Notifier interface {
	Notify(event string, job *Job, agentAddr string, result map[string]interface{})
}

// Config holds the job registry's economic parameters.
type Config struct {
	FeeBps int    // escrow fee snapshot applied at lock time
	MinBid string // platform floor for bid prices, settlement currency
}

// Service implements the job and bid state machine.
type Service struct {
	store     Store
	ledger    *escrow.Ledger
	registry  *agents.Service
	rep       *agents.Crediter
	earnings  *staking.EarningsCrediter
	converter *pricefeed.Converter
	notifier  Notifier
	cfg       Config

	// locks serializes every transition per job id.
	locks *syncutil.ContextShardedMutex
}

// NewService creates a job registry. earnings may be nil when settlement
// routing into stakes is disabled; notifier may be nil.
func NewService(store Store, ledger *escrow.Ledger, registry *agents.Service, rep *agents.Crediter,
	earnings *staking.EarningsCrediter, converter *pricefeed.Converter, notifier Notifier, cfg Config) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		registry:  registry,
		rep:       rep,
		earnings:  earnings,
		converter: converter,
		notifier:  notifier,
		cfg:       cfg,
		locks:     syncutil.NewContextShardedMutex(),
	}
}

// PostRequest is the payload for posting a job.
type PostRequest struct {
	PosterAddr  string     `json:"posterAddr" binding:"required"`
	Description string     `json:"description" binding:"required"`
	Tags        []string   `json:"tags"`
	Price       string     `json:"price" binding:"required"`
	Currency    string     `json:"currency"`
	Deadline    *time.Time `json:"deadline"`
}

// PostJob creates a new job in the Open state.
func (s *Service) PostJob(ctx context.Context, req PostRequest) (*Job, error) {
	poster := validation.SanitizeAddress(req.PosterAddr)
	if !validation.IsValidAddress(poster) {
		return nil, fmt.Errorf("jobs: invalid poster address %q", req.PosterAddr)
	}
	price, ok := money.Parse(req.Price)
	if !ok || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, req.Price)
	}
	if req.Deadline != nil && !req.Deadline.After(time.Now()) {
		return nil, errors.New("jobs: deadline must be in the future")
	}

	now := time.Now()
	j := &Job{
		ID:          idgen.WithPrefix("job_"),
		PosterAddr:  poster,
		Description: validation.SanitizeString(req.Description, 4000),
		Tags:        normalizeTags(req.Tags),
		Price:       money.Format(price),
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:      StatusOpen,
		Deadline:    req.Deadline,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusOpen)).Inc()
	logging.L(ctx).Info("job posted", "job_id", j.ID, "poster", poster, "price", j.Price)
	s.notify("job.posted", j, "", nil)
	return j, nil
}

// GetJob returns a job by id.
func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

// ListOpenJobs returns one page of biddable jobs, newest first, optionally
// filtered by tag, plus a cursor for the next page ("" on the last page).
func (s *Service) ListOpenJobs(ctx context.Context, tag string, limit int, cursor *pagination.Cursor) ([]*Job, string, error) {
	if limit <= 0 {
		limit = 100
	}
	js, err := s.store.ListOpen(ctx, strings.ToLower(strings.TrimSpace(tag)), limit+1, cursor)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(js, limit, func(j *Job) (time.Time, string) {
		return j.CreatedAt, j.ID
	})
	return page, next, nil
}

// BidRequest is the payload for placing a bid.
type BidRequest struct {
	AgentAddr   string `json:"agentAddr" binding:"required"`
	Price       string `json:"price" binding:"required"`
	EstDuration string `json:"estDuration"`
}

// PlaceBid records an agent's offer on a job. The agent must be Active,
// the price must be at or above the agent's minimum fee and at or below
// the poster's price, and the job must still be accepting bids.
func (s *Service) PlaceBid(ctx context.Context, jobID string, req BidRequest) (*Bid, error) {
	addr := strings.ToLower(strings.TrimSpace(req.AgentAddr))
	agent, err := s.registry.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if agent.Status != agents.StatusActive {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: status is %s", ErrAgentInactive, agent.Status)
	}

	price, ok := money.Parse(req.Price)
	if !ok || price.Sign() <= 0 {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrice, req.Price)
	}

	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !j.Status.acceptsBids() {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: status is %s", ErrNotOpen, j.Status)
	}

	// Minimum fee and poster ceiling are both enforced in the settlement
	// currency so bids in a foreign currency compare consistently.
	settled, err := s.converter.Convert(ctx, price, j.Currency)
	if err != nil {
		return nil, err
	}
	if floor, ok := money.Parse(s.cfg.MinBid); ok && settled.Cmp(floor) < 0 {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: below platform minimum %s", ErrInvalidPrice, s.cfg.MinBid)
	}
	minFee, _ := money.Parse(agent.MinFee)
	if settled.Cmp(minFee) < 0 {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinFee, money.Format(settled), agent.MinFee)
	}
	jobPrice, _ := money.Parse(j.Price)
	ceiling, err := s.converter.Convert(ctx, jobPrice, j.Currency)
	if err != nil {
		return nil, err
	}
	if settled.Cmp(ceiling) > 0 {
		metrics.BidsTotal.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("%w: bid %s exceeds job price %s", ErrInvalidPrice, money.Format(settled), money.Format(ceiling))
	}

	b := &Bid{
		ID:          idgen.WithPrefix("bid_"),
		JobID:       jobID,
		AgentAddr:   addr,
		Price:       money.Format(price),
		EstDuration: validation.SanitizeString(req.EstDuration, 100),
		SubmittedAt: time.Now(),
	}
	if err := s.store.CreateBid(ctx, b); err != nil {
		return nil, err
	}

	if j.Status == StatusOpen {
		j.Status = StatusSelecting
		j.UpdatedAt = b.SubmittedAt
		if err := s.store.UpdateJob(ctx, j); err != nil {
			return nil, err
		}
		metrics.JobTransitionsTotal.WithLabelValues(string(StatusSelecting)).Inc()
	}

	metrics.BidsTotal.WithLabelValues("placed").Inc()
	logging.L(ctx).Info("bid placed", "job_id", jobID, "bid_id", b.ID, "agent", addr, "price", b.Price)
	return b, nil
}

// ListBids returns a job's bids ordered for selection: price ascending,
// then reputation descending, then submission time ascending.
func (s *Service) ListBids(ctx context.Context, jobID string) ([]*Bid, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	bids, err := s.store.ListBids(ctx, jobID)
	if err != nil {
		return nil, err
	}

	reps := make(map[string]int64, len(bids))
	for _, b := range bids {
		if _, ok := reps[b.AgentAddr]; ok {
			continue
		}
		if a, err := s.registry.Get(ctx, b.AgentAddr); err == nil {
			reps[b.AgentAddr] = a.Reputation
		}
	}

	sort.SliceStable(bids, func(i, j int) bool {
		pi, _ := money.Parse(bids[i].Price)
		pj, _ := money.Parse(bids[j].Price)
		if c := pi.Cmp(pj); c != 0 {
			return c < 0
		}
		if reps[bids[i].AgentAddr] != reps[bids[j].AgentAddr] {
			return reps[bids[i].AgentAddr] > reps[bids[j].AgentAddr]
		}
		return bids[i].SubmittedAt.Before(bids[j].SubmittedAt)
	})
	return bids, nil
}

// AcceptBid assigns the job to one bid's agent and locks escrow at the bid
// price, converted to the settlement currency. Exactly one accept can
// succeed per job; later calls observe a state conflict.
func (s *Service) AcceptBid(ctx context.Context, jobID, bidID, posterAddr string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.AcceptBid",
		traces.JobID(jobID), traces.BidID(bidID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(j.PosterAddr, posterAddr) {
		return nil, ErrNotPoster
	}
	if !j.Status.acceptsBids() {
		return nil, fmt.Errorf("%w: status is %s, want open or selecting", ErrNotOpen, j.Status)
	}

	b, err := s.store.GetBid(ctx, bidID)
	if err != nil {
		return nil, err
	}
	if b.JobID != jobID {
		return nil, fmt.Errorf("%w: bid belongs to another job", ErrBidIneligible)
	}

	// Stale-feed conversion fails closed before any funds move.
	price, _ := money.Parse(b.Price)
	locked, err := s.converter.Convert(ctx, price, j.Currency)
	if err != nil {
		return nil, err
	}

	if _, err := s.ledger.Lock(ctx, jobID, j.PosterAddr, b.AgentAddr, money.Format(locked), s.cfg.FeeBps); err != nil {
		return nil, err
	}

	j.Status = StatusAssigned
	j.AcceptedBidID = b.ID
	j.AssignedAgent = b.AgentAddr
	j.LockedAmount = money.Format(locked)
	j.UpdatedAt = time.Now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusAssigned)).Inc()
	logging.L(ctx).Info("bid accepted",
		"job_id", jobID, "bid_id", b.ID, "agent", b.AgentAddr, "locked", j.LockedAmount)
	s.notify("job.assigned", j, b.AgentAddr, map[string]interface{}{"lockedAmount": j.LockedAmount})
	return j, nil
}

// SubmitDelivery records the assigned agent's proof and moves the job to
// Completed, where it waits for attestation.
func (s *Service) SubmitDelivery(ctx context.Context, jobID, agentAddr string, proof []byte) (*Job, error) {
	if len(proof) == 0 {
		return nil, errors.New("jobs: proof must not be empty")
	}

	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != StatusAssigned {
		return nil, fmt.Errorf("%w: status is %s", ErrNotAssigned, j.Status)
	}
	if !strings.EqualFold(j.AssignedAgent, agentAddr) {
		return nil, ErrNotAssignee
	}

	j.Proof = append([]byte(nil), proof...)
	j.Status = StatusCompleted
	j.UpdatedAt = time.Now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	logging.L(ctx).Info("delivery submitted", "job_id", jobID, "agent", j.AssignedAgent)
	s.notify("job.completed", j, j.AssignedAgent, nil)
	return j, nil
}

// OnAttested settles a job whose delivery was confirmed: escrow releases
// with the fee split, reputation is credited, and the payout either routes
// into the agent's staked earnings or stays a direct payout. Attestation
// confirmation is the commit point; settlement is not cancellable past it.
// Safe to call again after a failed settlement attempt.
func (s *Service) OnAttested(ctx context.Context, jobID string) error {
	ctx, span := traces.StartSpan(ctx, "jobs.OnAttested", traces.JobID(jobID))
	defer span.End()

	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status == StatusReleased {
		return nil
	}
	if j.Status != StatusCompleted {
		return fmt.Errorf("%w: status is %s", ErrNotCompleted, j.Status)
	}

	settlement, err := s.ledger.Release(ctx, jobID)
	if err != nil {
		return err
	}

	route := "direct"
	if s.earnings != nil {
		switch err := s.earnings.CreditEarnings(ctx, settlement.ProviderAddr, settlement.ProviderAmount); {
		case err == nil:
			route = "staked"
		case errors.Is(err, staking.ErrStakeNotFound), errors.Is(err, staking.ErrNotStaked):
			// Unstaked agents are paid out directly.
		default:
			logging.L(ctx).Error("earnings routing failed, falling back to direct payout",
				"job_id", jobID, "agent", settlement.ProviderAddr, "error", err)
		}
	}

	if err := s.rep.CreditForSettlement(ctx, settlement.ProviderAddr, settlement.ProviderAmount); err != nil {
		logging.L(ctx).Error("reputation credit failed", "job_id", jobID, "error", err)
	}

	j.Status = StatusReleased
	j.UpdatedAt = time.Now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusReleased)).Inc()
	logging.L(ctx).Info("job settled",
		"job_id", jobID, "agent", settlement.ProviderAddr,
		"provider_amount", settlement.ProviderAmount, "fee", settlement.FeeAmount, "route", route)
	s.notify("job.released", j, settlement.ProviderAddr, map[string]interface{}{
		"providerAmount": settlement.ProviderAmount,
		"feeAmount":      settlement.FeeAmount,
		"payoutRoute":    route,
	})
	return nil
}

// Cancel terminates a job before delivery completes and refunds any locked
// escrow to the poster.
func (s *Service) Cancel(ctx context.Context, jobID, posterAddr string) (*Job, error) {
	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(j.PosterAddr, posterAddr) {
		return nil, ErrNotPoster
	}
	switch j.Status {
	case StatusOpen, StatusSelecting, StatusAssigned:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrAlreadyDone, j.Status)
	}

	if err := s.refundIfLocked(ctx, jobID); err != nil {
		return nil, err
	}

	j.Status = StatusCancelled
	j.UpdatedAt = time.Now()
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusCancelled)).Inc()
	logging.L(ctx).Info("job cancelled", "job_id", jobID)
	s.notify("job.cancelled", j, j.AssignedAgent, nil)
	return j, nil
}

// ExpireDue sweeps past-deadline jobs still waiting on a bid decision into
// Expired, refunding any escrow. Returns the number of jobs expired.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListDue(ctx, now, 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range due {
		if err := s.expireOne(ctx, candidate.ID, now); err != nil {
			logging.L(ctx).Error("expire failed", "job_id", candidate.ID, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, jobID string, now time.Time) error {
	unlock, err := s.locks.LockContext(ctx, jobID)
	if err != nil {
		return err
	}
	defer unlock()

	// Re-check under the lock; an accept may have raced the sweep.
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !j.Status.acceptsBids() || j.Deadline == nil || j.Deadline.After(now) {
		return nil
	}

	if err := s.refundIfLocked(ctx, jobID); err != nil {
		return err
	}

	j.Status = StatusExpired
	j.UpdatedAt = now
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return err
	}

	metrics.JobTransitionsTotal.WithLabelValues(string(StatusExpired)).Inc()
	logging.L(ctx).Info("job expired", "job_id", jobID)
	s.notify("job.expired", j, "", nil)
	return nil
}

// refundIfLocked refunds escrow when an account exists; jobs cancelled
// before assignment never locked funds, which is not an error.
func (s *Service) refundIfLocked(ctx context.Context, jobID string) error {
	_, err := s.ledger.Refund(ctx, jobID)
	if err != nil && !errors.Is(err, escrow.ErrAccountNotFound) {
		return err
	}
	return nil
}

func (s *Service) notify(event string, j *Job, agentAddr string, result map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	cp := *j
	cp.Proof = nil
	s.notifier.Notify(event, &cp, agentAddr, result)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || !validation.IsValidTag(t) {
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
