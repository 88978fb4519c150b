package rateengine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_NoRateWithOneSample(t *testing.T) {
	e := New()
	now := time.Now()
	rate := e.Observe("D1", 0, now, 100, Params{WindowSeconds: 60})
	assert.Nil(t, rate)
}

func TestEngine_ScenarioS1_ZeroRate(t *testing.T) {
	e := New()
	now := time.Now()
	_ = e.Observe("D1", 0, now, 65536, Params{WindowSeconds: 60, MinSampleSpan: time.Second})
	rate := e.Observe("D1", 0, now.Add(time.Second), 65536, Params{WindowSeconds: 60, MinSampleSpan: time.Second})
	require.NotNil(t, rate)
	assert.InDelta(t, 0, *rate, 0.01)
}

func TestEngine_ScenarioS2_Increment1000PerSecond(t *testing.T) {
	e := New()
	now := time.Now()
	_ = e.Observe("D1", 0, now, 1000, Params{WindowSeconds: 60, MinSampleSpan: time.Second})
	rate := e.Observe("D1", 0, now.Add(time.Second), 2000, Params{WindowSeconds: 60, MinSampleSpan: time.Second})
	require.NotNil(t, rate)
	assert.InDelta(t, 1000.0, *rate, 1.0)
}

func TestEngine_P7_RateWithinTolerance(t *testing.T) {
	e := New()
	now := time.Now()
	raw := 0.0
	const r = 50.0 // counts/sec
	var last *float64
	for i := 0; i < 10; i++ {
		last = e.Observe("D1", 0, now.Add(time.Duration(i)*time.Second), raw, Params{WindowSeconds: 60, MinSampleSpan: time.Second})
		raw += r
	}
	require.NotNil(t, last)
	assert.InDelta(t, r, *last, r*0.05+0.01)
}

func TestEngine_P8_CounterRollover(t *testing.T) {
	e := New()
	now := time.Now()
	seq := []float64{
		math.Pow(2, 32) - 2,
		math.Pow(2, 32) - 1,
		0,
		1,
	}
	params := Params{WindowSeconds: 60, MinSampleSpan: time.Second, RegisterBits: 32, RolloverLowerBound: math.Pow(2, 31)}

	var last *float64
	for i, v := range seq {
		last = e.Observe("D1", 0, now.Add(time.Duration(i)*time.Second), v, params)
	}
	require.NotNil(t, last)
	assert.InDelta(t, 1.0, *last, 0.1, "rollover should read as a small positive rate, not a huge negative one")
}

func TestEngine_PrunesOutsideWindow(t *testing.T) {
	e := New()
	now := time.Now()
	params := Params{WindowSeconds: 4, MinSampleSpan: time.Millisecond}
	_ = e.Observe("D1", 0, now, 0, params)
	_ = e.Observe("D1", 0, now.Add(time.Second), 10, params)
	rate := e.Observe("D1", 0, now.Add(5*time.Second), 20, params)
	// The 0s sample is older than the 4s window and is pruned; two samples
	// remain (1s and 5s), giving (20-10)/(5-1)=2.5.
	require.NotNil(t, rate)
	assert.InDelta(t, 2.5, *rate, 0.01)
}

func TestEngine_IndependentPerDeviceChannel(t *testing.T) {
	e := New()
	now := time.Now()
	params := Params{WindowSeconds: 60, MinSampleSpan: time.Second}
	_ = e.Observe("D1", 0, now, 0, params)
	_ = e.Observe("D2", 0, now, 1000, params)

	r1 := e.Observe("D1", 0, now.Add(time.Second), 5, params)
	r2 := e.Observe("D2", 0, now.Add(time.Second), 1005, params)

	require.NotNil(t, r1)
	require.NotNil(t, r2)
	assert.InDelta(t, 5, *r1, 0.01)
	assert.InDelta(t, 5, *r2, 0.01)
}
