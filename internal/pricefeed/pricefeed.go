// Package pricefeed provides currency conversion quotes for valuing job
// postings in the settlement currency.
//
// The feed is an external trust boundary: the engine never computes rates
// itself, it only consumes quotes and refuses stale ones.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/jobmesh/jobmesh/internal/circuitbreaker"
	"github.com/jobmesh/jobmesh/internal/money"
)

var (
	ErrPairNotFound = errors.New("pricefeed: no quote for currency pair")
	ErrStaleQuote   = errors.New("pricefeed: quote is stale")
	ErrBadQuote     = errors.New("pricefeed: malformed quote")
	ErrCircuitOpen  = errors.New("pricefeed: feed circuit open")
)

// Quote is a single conversion rate observation.
type Quote struct {
	Base       string    `json:"base"`       // Currency being priced, e.g. "USD"
	Settlement string    `json:"settlement"` // Currency it converts into, e.g. "CRD"
	Rate       *big.Int  `json:"-"`          // Fixed-point 6dp: settlement units per base unit
	RateStr    string    `json:"rate"`
	Confidence float64   `json:"confidence"` // 0-1, feed-reported
	Timestamp  time.Time `json:"timestamp"`
}

// Age returns how old the quote is at the given instant.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.Timestamp)
}

// Source produces conversion quotes. Implementations must be safe for
// concurrent use.
type Source interface {
	Quote(ctx context.Context, base, settlement string) (*Quote, error)
}

// Converter wraps a Source with staleness enforcement and conversion math.
type Converter struct {
	source     Source
	staleAfter time.Duration
	settlement string
}

// NewConverter creates a converter that rejects quotes older than staleAfter.
func NewConverter(source Source, settlement string, staleAfter time.Duration) *Converter {
	return &Converter{source: source, staleAfter: staleAfter, settlement: strings.ToUpper(settlement)}
}

// Convert values amount (smallest units, denominated in base) in the
// settlement currency. A same-currency conversion is the identity and never
// touches the feed. A stale or missing quote fails closed.
func (c *Converter) Convert(ctx context.Context, amount *big.Int, base string) (*big.Int, error) {
	base = strings.ToUpper(base)
	if base == "" || base == c.settlement {
		return new(big.Int).Set(amount), nil
	}

	quote, err := c.source.Quote(ctx, base, c.settlement)
	if err != nil {
		return nil, err
	}
	if quote.Rate == nil || quote.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive rate for %s/%s", ErrBadQuote, base, c.settlement)
	}
	if quote.Age(time.Now()) > c.staleAfter {
		return nil, fmt.Errorf("%w: %s/%s quote is %s old (limit %s)",
			ErrStaleQuote, base, c.settlement, quote.Age(time.Now()).Round(time.Second), c.staleAfter)
	}

	return money.Convert(amount, quote.Rate), nil
}

// Settlement returns the converter's settlement currency code.
func (c *Converter) Settlement() string { return c.settlement }

// -----------------------------------------------------------------------------
// HTTP source
// -----------------------------------------------------------------------------

// HTTPSource fetches quotes from a JSON endpoint:
//
//	GET {baseURL}?base=USD&settlement=CRD
//	{"rate": "1.500000", "confidence": 0.99, "timestamp": "2026-01-02T15:04:05Z"}
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource creates an HTTP-backed price feed source.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSource) Quote(ctx context.Context, base, settlement string) (*Quote, error) {
	url := fmt.Sprintf("%s?base=%s&settlement=%s", h.baseURL, base, settlement)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricefeed: fetch quote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s/%s", ErrPairNotFound, base, settlement)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricefeed: feed returned status %d", resp.StatusCode)
	}

	var body struct {
		Rate       string    `json:"rate"`
		Confidence float64   `json:"confidence"`
		Timestamp  time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadQuote, err)
	}

	rate, ok := money.Parse(body.Rate)
	if !ok {
		return nil, fmt.Errorf("%w: rate %q", ErrBadQuote, body.Rate)
	}

	return &Quote{
		Base:       strings.ToUpper(base),
		Settlement: strings.ToUpper(settlement),
		Rate:       rate,
		RateStr:    body.Rate,
		Confidence: body.Confidence,
		Timestamp:  body.Timestamp,
	}, nil
}

// -----------------------------------------------------------------------------
// Guarded source
// -----------------------------------------------------------------------------

// GuardedSource wraps a Source with a per-pair circuit breaker so a dead
// feed fails fast instead of stacking request timeouts.
type GuardedSource struct {
	inner   Source
	breaker *circuitbreaker.Breaker
}

// NewGuardedSource wraps source with breaker, keyed per currency pair.
func NewGuardedSource(source Source, breaker *circuitbreaker.Breaker) *GuardedSource {
	return &GuardedSource{inner: source, breaker: breaker}
}

func (g *GuardedSource) Quote(ctx context.Context, base, settlement string) (*Quote, error) {
	key := "pricefeed/" + strings.ToUpper(base+"/"+settlement)
	if !g.breaker.Allow(key) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCircuitOpen, base, settlement)
	}

	quote, err := g.inner.Quote(ctx, base, settlement)
	switch {
	case err == nil, errors.Is(err, ErrPairNotFound), errors.Is(err, ErrBadQuote):
		// A definitive answer, even a negative one, means the feed is up.
		g.breaker.RecordSuccess(key)
	default:
		g.breaker.RecordFailure(key)
	}
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// -----------------------------------------------------------------------------
// Static source
// -----------------------------------------------------------------------------

// StaticSource serves fixed rates, timestamped at read time. Used in
// development and as a test double.
type StaticSource struct {
	rates map[string]*big.Int // "BASE/SETTLEMENT" -> rate
	// ClockSkew shifts the reported timestamp backwards; tests use it to
	// force staleness.
	ClockSkew time.Duration
}

// NewStaticSource creates a static source from pair -> decimal rate strings,
// keys formatted "USD/CRD".
func NewStaticSource(rates map[string]string) (*StaticSource, error) {
	s := &StaticSource{rates: make(map[string]*big.Int)}
	for pair, rateStr := range rates {
		rate, ok := money.Parse(rateStr)
		if !ok {
			return nil, fmt.Errorf("%w: rate %q for %s", ErrBadQuote, rateStr, pair)
		}
		s.rates[strings.ToUpper(pair)] = rate
	}
	return s, nil
}

func (s *StaticSource) Quote(ctx context.Context, base, settlement string) (*Quote, error) {
	pair := strings.ToUpper(base + "/" + settlement)
	rate, ok := s.rates[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, pair)
	}
	return &Quote{
		Base:       strings.ToUpper(base),
		Settlement: strings.ToUpper(settlement),
		Rate:       new(big.Int).Set(rate),
		RateStr:    money.Format(rate),
		Confidence: 1,
		Timestamp:  time.Now().Add(-s.ClockSkew),
	}, nil
}
