package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOracle = errors.New("oracle down")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(threshold, time.Minute, WithClock(clk.Now)), clk
}

func failing() error { return errOracle }
func ok() error      { return nil }

func run(b *Breaker, oracle string, call func() error) error {
	return b.Execute(context.Background(), oracle, call)
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, run(b, "classifier", failing), errOracle)
	}
	assert.Equal(t, StateOpen, b.State("classifier"))

	called := false
	err := run(b, "classifier", func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
	assert.Equal(t, []string{"classifier"}, b.Open())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3)
	_ = run(b, "classifier", failing)
	_ = run(b, "classifier", failing)
	require.NoError(t, run(b, "classifier", ok))
	_ = run(b, "classifier", failing)
	assert.Equal(t, StateClosed, b.State("classifier"))
}

func TestBreaker_ProbeAfterCoolOff(t *testing.T) {
	b, clk := newTestBreaker(1)
	_ = run(b, "scorer", failing)

	clk.Advance(59 * time.Second)
	assert.ErrorIs(t, run(b, "scorer", ok), ErrOpen)

	clk.Advance(time.Second)
	probe := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- run(b, "scorer", func() error { <-probe; return nil })
	}()
	require.Eventually(t, func() bool { return b.State("scorer") == StateHalfOpen }, time.Second, time.Millisecond)
	assert.ErrorIs(t, run(b, "scorer", ok), ErrOpen, "one probe at a time")

	close(probe)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State("scorer"))
	assert.Empty(t, b.Open())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clk := newTestBreaker(2)
	_ = run(b, "scorer", failing)
	_ = run(b, "scorer", failing)
	clk.Advance(time.Minute)

	assert.ErrorIs(t, run(b, "scorer", failing), errOracle)
	assert.Equal(t, StateOpen, b.State("scorer"))
	assert.ErrorIs(t, run(b, "scorer", ok), ErrOpen)
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b, clk := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.Execute(ctx, "scorer", func() error { return ctx.Err() }))
	assert.Equal(t, StateClosed, b.State("scorer"))

	_ = run(b, "scorer", failing)
	clk.Advance(time.Minute)
	_ = b.Execute(ctx, "scorer", func() error { return ctx.Err() })
	assert.NoError(t, run(b, "scorer", ok), "abandoned probe frees the slot")
}

func TestBreaker_IndependentOracles(t *testing.T) {
	b, _ := newTestBreaker(1)
	_ = run(b, "classifier", failing)
	assert.ErrorIs(t, run(b, "classifier", ok), ErrOpen)
	assert.NoError(t, run(b, "scorer", ok))
}

func TestBreaker_TransitionMetric(t *testing.T) {
	b, _ := newTestBreaker(1)
	c := transitions.WithLabelValues("metric-oracle", "closed", "open")
	before := testutil.ToFloat64(c)
	_ = run(b, "metric-oracle", failing)
	assert.Equal(t, before+1, testutil.ToFloat64(c))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(7).String())
}
