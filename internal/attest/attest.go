// Package attest records delivery attestations from allow-listed verifiers.
//
// The engine sits behind an external trust boundary: it never recomputes
// proof validity itself. An allow-listed verifier submits its boolean
// verdict together with the exact proof bytes, signing the submission so
// the engine can authenticate it. Once a job is attested confirmed, that
// fact is immutable — escrow release treats it as the commit point.
package attest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jobmesh/jobmesh/internal/logging"
)

var (
	ErrNotAllowed       = errors.New("attest: submitter not on allow list")
	ErrInvalidSignature = errors.New("attest: invalid submission signature")
	ErrNotFound         = errors.New("attest: no attestation for job")
	ErrEmptyProof       = errors.New("attest: proof must not be empty")
)

// Attestation is the recorded verdict for one job.
type Attestation struct {
	JobID         string    `json:"jobId"`
	Proof         []byte    `json:"proof"`
	SubmitterAddr string    `json:"submitterAddr"`
	Confirmed     bool      `json:"confirmed"`
	SubmittedAt   time.Time `json:"submittedAt"`
}

// Store persists attestations. Get returns ErrNotFound when absent.
type Store interface {
	Get(ctx context.Context, jobID string) (*Attestation, error)
	Put(ctx context.Context, a *Attestation) error
}

// Service validates and records attestation submissions.
type Service struct {
	store     Store
	allowList map[string]struct{}
	mu        sync.Mutex // serializes the read-then-write per submission
}

// NewService creates an attestation service. allowList entries are verifier
// addresses; submissions signed by anyone else are rejected before any
// state is touched.
func NewService(store Store, allowList []string) *Service {
	s := &Service{
		store:     store,
		allowList: make(map[string]struct{}, len(allowList)),
	}
	for _, addr := range allowList {
		s.allowList[strings.ToLower(addr)] = struct{}{}
	}
	return s
}

// Verify authenticates a signed verdict and records it. It is idempotent:
// re-submitting for an already-confirmed job returns the confirmed state
// unchanged, and a later negative verdict can never un-confirm a job.
// Returns the recorded confirmation state.
func (s *Service) Verify(ctx context.Context, jobID string, proof []byte, confirmed bool, signature string) (bool, error) {
	if jobID == "" {
		return false, fmt.Errorf("attest: job id required")
	}
	if len(proof) == 0 {
		return false, ErrEmptyProof
	}

	submitter, err := RecoverSubmitter(jobID, proof, confirmed, signature)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if _, ok := s.allowList[submitter]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNotAllowed, submitter)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.store.Get(ctx, jobID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if existing != nil && existing.Confirmed {
		// Confirmed is immutable.
		return true, nil
	}

	a := &Attestation{
		JobID:         jobID,
		Proof:         proof,
		SubmitterAddr: submitter,
		Confirmed:     confirmed,
		SubmittedAt:   time.Now(),
	}
	if err := s.store.Put(ctx, a); err != nil {
		return false, err
	}

	logging.L(ctx).Info("attestation recorded",
		"job_id", jobID,
		"submitter", submitter,
		"confirmed", confirmed,
	)
	return confirmed, nil
}

// Confirmed reports whether a confirmed attestation exists for the job.
func (s *Service) Confirmed(ctx context.Context, jobID string) (bool, error) {
	a, err := s.store.Get(ctx, jobID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.Confirmed, nil
}

// Get returns the recorded attestation for a job.
func (s *Service) Get(ctx context.Context, jobID string) (*Attestation, error) {
	return s.store.Get(ctx, jobID)
}
