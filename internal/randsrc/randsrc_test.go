package randsrc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmesh/jobmesh/internal/circuitbreaker"
)

func TestLocalSource_Fresh(t *testing.T) {
	checked := NewChecked(LocalSource{}, time.Second)
	draw, err := checked.Draw(context.Background())
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), draw.Timestamp, time.Second)
}

func TestChecked_RejectsStale(t *testing.T) {
	src := &FixedSource{Draws: []Draw{{Value: 1, Timestamp: time.Now().Add(-time.Minute)}}}
	checked := NewChecked(src, 30*time.Second)

	_, err := checked.Draw(context.Background())
	assert.ErrorIs(t, err, ErrStaleDraw)
}

func TestDraw_Win(t *testing.T) {
	assert.True(t, (&Draw{Value: 1}).Win())
	assert.True(t, (&Draw{Value: 3}).Win())
	assert.False(t, (&Draw{Value: 0}).Win())
	assert.False(t, (&Draw{Value: 2}).Win())
}

func TestFixedSource_Cycles(t *testing.T) {
	src := &FixedSource{Draws: []Draw{{Value: 0}, {Value: 1}}}
	ctx := context.Background()

	d1, err := src.Draw(ctx)
	require.NoError(t, err)
	d2, err := src.Draw(ctx)
	require.NoError(t, err)
	d3, err := src.Draw(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), d1.Value)
	assert.Equal(t, uint64(1), d2.Value)
	assert.Equal(t, uint64(0), d3.Value)
	assert.False(t, d1.Timestamp.IsZero(), "zero timestamps are filled in")
}

func TestHTTPSource_Draw(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value": 7, "timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"}`))
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL, 2*time.Second)
	draw, err := src.Draw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(7), draw.Value)
	assert.True(t, draw.Win())
}

func TestHTTPSource_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	src := NewHTTPSource(ts.URL, 2*time.Second)
	_, err := src.Draw(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLocalSource_Unbiased(t *testing.T) {
	// Over N draws the low-bit win rate converges to 0.5.
	const n = 10000
	src := LocalSource{}
	wins := 0
	for i := 0; i < n; i++ {
		d, err := src.Draw(context.Background())
		require.NoError(t, err)
		if d.Win() {
			wins++
		}
	}
	rate := float64(wins) / n
	assert.InDelta(t, 0.5, rate, 0.02, "win rate %f outside tolerance", rate)
}

type countingSource struct {
	inner Source
	calls int
}

func (c *countingSource) Draw(ctx context.Context) (*Draw, error) {
	c.calls++
	return c.inner.Draw(ctx)
}

func TestGuardedSource_TripsAfterRepeatedFailures(t *testing.T) {
	inner := &countingSource{inner: &FixedSource{Err: ErrUnavailable}}
	guarded := NewGuardedSource(inner, circuitbreaker.New(2, time.Minute))

	for i := 0; i < 2; i++ {
		_, err := guarded.Draw(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)

	// Circuit is open now; the beacon is no longer consulted.
	_, err := guarded.Draw(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, inner.calls)
}

func TestGuardedSource_PassesDrawsThrough(t *testing.T) {
	inner := &countingSource{inner: &FixedSource{Draws: []Draw{{Value: 4}}}}
	guarded := NewGuardedSource(inner, circuitbreaker.New(2, time.Minute))

	draw, err := guarded.Draw(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(4), draw.Value)
	assert.False(t, draw.Win())
}
