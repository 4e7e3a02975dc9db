package eta

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimate_UnknownKey(t *testing.T) {
	e := New(DefaultAlpha)

	_, ok := e.Estimate("golang:1.25", "PullingImage", 0)
	assert.False(t, ok)
	assert.Nil(t, Millis(e.Estimate("golang:1.25", "PullingImage", 0)))

	// Observations for another key do not leak.
	e.Observe("golang:1.25", "CreatingVolume", time.Second)
	_, ok = e.Estimate("golang:1.25", "PullingImage", 0)
	assert.False(t, ok)
	_, ok = e.Estimate("node:22", "CreatingVolume", 0)
	assert.False(t, ok)
}

func TestEstimate_NeverNegative(t *testing.T) {
	e := New(DefaultAlpha)
	e.Observe("img", "Ready", 2*time.Second)

	for _, elapsed := range []time.Duration{0, time.Second, 2 * time.Second, 10 * time.Second, time.Hour} {
		rem, ok := e.Estimate("img", "Ready", elapsed)
		require.True(t, ok)
		assert.GreaterOrEqual(t, rem, time.Duration(0), "elapsed %s", elapsed)
	}

	rem, _ := e.Estimate("img", "Ready", 500*time.Millisecond)
	assert.Equal(t, 1500*time.Millisecond, rem)
}

func TestObserve_EWMA(t *testing.T) {
	e := New(0.3)
	e.Observe("img", "p", 10*time.Second)
	avg, ok := e.Average("img", "p")
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, avg)

	e.Observe("img", "p", 20*time.Second)
	avg, _ = e.Average("img", "p")
	// 0.3*20 + 0.7*10 = 13
	assert.Equal(t, 13*time.Second, avg)

	m := e.Snapshot()[Key{Image: "img", Phase: "p"}]
	assert.Equal(t, 2, m.Samples)
}

func TestObserve_ConvergesTowardRepeatedDuration(t *testing.T) {
	e := New(DefaultAlpha)
	e.Observe("img", "p", time.Minute)

	target := 5 * time.Second
	prevGap := time.Minute
	for range 30 {
		e.Observe("img", "p", target)
		avg, _ := e.Average("img", "p")
		gap := avg - target
		assert.LessOrEqual(t, gap, prevGap)
		prevGap = gap
	}
	avg, _ := e.Average("img", "p")
	assert.InDelta(t, float64(target), float64(avg), float64(10*time.Millisecond))
}

func TestObserve_IgnoresNegative(t *testing.T) {
	e := New(DefaultAlpha)
	e.Observe("img", "p", -time.Second)
	_, ok := e.Estimate("img", "p", 0)
	assert.False(t, ok)
}

func TestNew_InvalidAlphaFallsBack(t *testing.T) {
	assert.InDelta(t, DefaultAlpha, New(0).alpha, 1e-9)
	assert.InDelta(t, DefaultAlpha, New(2).alpha, 1e-9)
	assert.InDelta(t, 1.0, New(1).alpha, 1e-9)
}

func TestConcurrentUse(t *testing.T) {
	e := New(DefaultAlpha)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.Observe("img", "p", time.Duration(i)*time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			if rem, ok := e.Estimate("img", "p", time.Millisecond); ok {
				assert.GreaterOrEqual(t, rem, time.Duration(0))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, e.Snapshot()[Key{Image: "img", Phase: "p"}].Samples)
}

func TestMillis(t *testing.T) {
	ms := Millis(1500*time.Millisecond, true)
	require.NotNil(t, ms)
	assert.Equal(t, int64(1500), *ms)
}
