// Package jobs implements the job and bid lifecycle state machine on top
// of the escrow ledger.
//
// The lifecycle is monotonic: Open -> Selecting -> Assigned -> Completed ->
// Released, with Expired and Cancelled as the refund-side terminals. Every
// transition for one job runs inside that job's critical section, so two
// concurrent acceptBid calls can never both win.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jobmesh/jobmesh/internal/pagination"
)

var (
	ErrJobNotFound   = errors.New("jobs: job not found")
	ErrBidNotFound   = errors.New("jobs: bid not found")
	ErrNotOpen       = errors.New("jobs: job is not accepting bids")
	ErrNotAssigned   = errors.New("jobs: job is not assigned")
	ErrNotCompleted  = errors.New("jobs: job has no delivery awaiting attestation")
	ErrAlreadyDone   = errors.New("jobs: job is in a terminal state")
	ErrNotPoster     = errors.New("jobs: caller is not the job poster")
	ErrNotAssignee   = errors.New("jobs: caller is not the assigned agent")
	ErrBelowMinFee   = errors.New("jobs: bid price below agent minimum fee")
	ErrAgentInactive = errors.New("jobs: bidding agent is not active")
	ErrBidIneligible = errors.New("jobs: bid is no longer eligible")
	ErrInvalidPrice  = errors.New("jobs: invalid price")
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusSelecting Status = "selecting"
	StatusAssigned  Status = "assigned"
	StatusCompleted Status = "completed"
	StatusReleased  Status = "released"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusReleased || s == StatusExpired || s == StatusCancelled
}

// acceptsBids reports whether placeBid is legal in this state.
func (s Status) acceptsBids() bool {
	return s == StatusOpen || s == StatusSelecting
}

// Job is a posted unit of work.
type Job struct {
	ID            string     `json:"id"`
	PosterAddr    string     `json:"posterAddr"`
	Description   string     `json:"description"`
	Tags          []string   `json:"tags,omitempty"`
	Price         string     `json:"price"`    // poster's ceiling, in Currency
	Currency      string     `json:"currency"` // empty means settlement currency
	Status        Status     `json:"status"`
	AcceptedBidID string     `json:"acceptedBidId,omitempty"`
	AssignedAgent string     `json:"assignedAgent,omitempty"`
	LockedAmount  string     `json:"lockedAmount,omitempty"` // settlement currency
	Proof         []byte     `json:"proof,omitempty"`
	Deadline      *time.Time `json:"deadline,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Bid is an agent's immutable offer on a job. A bid becomes permanently
// ineligible the instant another bid on the same job is accepted.
type Bid struct {
	ID          string    `json:"id"`
	JobID       string    `json:"jobId"`
	AgentAddr   string    `json:"agentAddr"`
	Price       string    `json:"price"` // in the job's currency
	EstDuration string    `json:"estDuration,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Store persists jobs and bids. Bids are append-only; jobs are updated in
// place under the service's per-job lock.
type Store interface {
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, j *Job) error
	// ListOpen returns jobs in Open or Selecting, newest first, optionally
	// filtered by tag. A non-nil before cursor restricts to jobs older than
	// the cursor position.
	ListOpen(ctx context.Context, tag string, limit int, before *pagination.Cursor) ([]*Job, error)
	// ListDue returns non-terminal, unassigned jobs whose deadline has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	CreateBid(ctx context.Context, b *Bid) error
	GetBid(ctx context.Context, id string) (*Bid, error)
	ListBids(ctx context.Context, jobID string) ([]*Bid, error)
}
