// Package randsrc provides the unpredictable-value source backing the
// cashout gamble.
//
// A Draw carries the beacon's own timestamp; consumers reject draws older
// than a configured bound and fail closed. The low-order bit of Value is
// the 50/50 outcome.
package randsrc

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jobmesh/jobmesh/internal/circuitbreaker"
)

var (
	ErrStaleDraw   = errors.New("randsrc: draw is stale")
	ErrUnavailable = errors.New("randsrc: source unavailable")
)

// Draw is a single unpredictable value with its observation time.
type Draw struct {
	Value     uint64    `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Win reports the 50/50 outcome encoded in the draw.
func (d *Draw) Win() bool { return d.Value&1 == 1 }

// Source yields one unpredictable value per call. Implementations must be
// safe for concurrent use.
type Source interface {
	Draw(ctx context.Context) (*Draw, error)
}

// Checked wraps a Source with a staleness bound: a draw whose timestamp is
// older than maxAge is rejected without being consumed.
type Checked struct {
	source Source
	maxAge time.Duration
}

// NewChecked creates a staleness-checked source.
func NewChecked(source Source, maxAge time.Duration) *Checked {
	return &Checked{source: source, maxAge: maxAge}
}

func (c *Checked) Draw(ctx context.Context) (*Draw, error) {
	draw, err := c.source.Draw(ctx)
	if err != nil {
		return nil, err
	}
	if age := time.Since(draw.Timestamp); age > c.maxAge {
		return nil, fmt.Errorf("%w: %s old (limit %s)", ErrStaleDraw, age.Round(time.Millisecond), c.maxAge)
	}
	return draw, nil
}

// -----------------------------------------------------------------------------
// Local source
// -----------------------------------------------------------------------------

// LocalSource draws from the OS entropy pool. Always fresh; used in
// development and single-node deployments.
type LocalSource struct{}

func (LocalSource) Draw(ctx context.Context) (*Draw, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Draw{
		Value:     binary.LittleEndian.Uint64(b[:]),
		Timestamp: time.Now(),
	}, nil
}

// -----------------------------------------------------------------------------
// HTTP beacon source
// -----------------------------------------------------------------------------

// HTTPSource fetches draws from a randomness beacon:
//
//	GET {baseURL}
//	{"value": 1234567890, "timestamp": "2026-01-02T15:04:05Z"}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP beacon source.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Draw(ctx context.Context) (*Draw, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: beacon returned status %d", ErrUnavailable, resp.StatusCode)
	}

	var draw Draw
	if err := json.NewDecoder(resp.Body).Decode(&draw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &draw, nil
}

// -----------------------------------------------------------------------------
// Guarded source
// -----------------------------------------------------------------------------

const breakerKey = "randsrc/beacon"

// GuardedSource wraps a Source with a circuit breaker so a dead beacon
// fails cashouts fast instead of stacking request timeouts.
type GuardedSource struct {
	inner   Source
	breaker *circuitbreaker.Breaker
}

// NewGuardedSource wraps source with breaker.
func NewGuardedSource(source Source, breaker *circuitbreaker.Breaker) *GuardedSource {
	return &GuardedSource{inner: source, breaker: breaker}
}

func (g *GuardedSource) Draw(ctx context.Context) (*Draw, error) {
	if !g.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	draw, err := g.inner.Draw(ctx)
	if err != nil {
		g.breaker.RecordFailure(breakerKey)
		return nil, err
	}
	g.breaker.RecordSuccess(breakerKey)
	return draw, nil
}

// -----------------------------------------------------------------------------
// Fixed source (test double)
// -----------------------------------------------------------------------------

// FixedSource returns a scripted sequence of draws, cycling when exhausted.
type FixedSource struct {
	Draws []Draw
	Err   error
	i     int
}

func (f *FixedSource) Draw(ctx context.Context) (*Draw, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if len(f.Draws) == 0 {
		return nil, ErrUnavailable
	}
	d := f.Draws[f.i%len(f.Draws)]
	f.i++
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	return &d, nil
}
