package validate

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

func TestAssign_OutOfRangeIsBad(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 0, MaxValue: 100, OverflowThreshold: 1000}
	assert.Equal(t, v1.QualityBad, Assign(150, nil, cc))
	assert.Equal(t, v1.QualityBad, Assign(-1, nil, cc))
}

func TestAssign_BoundaryMinEqualsMax(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 50, MaxValue: 50, OverflowThreshold: 1000}
	assert.Equal(t, v1.QualityGood, Assign(50, nil, cc))
}

func TestAssign_RateExceedsMaxIsUncertain(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 0, MaxValue: 1000, MaxRateOfChange: 10, OverflowThreshold: 2000}
	rate := 11.0
	assert.Equal(t, v1.QualityUncertain, Assign(500, &rate, cc))
}

func TestAssign_ZeroMaxRateOfChangeAnyNonzeroRateIsUncertain(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 0, MaxValue: 1000, MaxRateOfChange: 0, OverflowThreshold: 2000}
	rate := 0.001
	assert.Equal(t, v1.QualityUncertain, Assign(500, &rate, cc))
}

func TestAssign_OverflowThreshold(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 0, MaxValue: 100000, OverflowThreshold: 900}
	assert.Equal(t, v1.QualityOverflow, Assign(950, nil, cc))
}

func TestAssign_Good(t *testing.T) {
	cc := v1.ChannelConfig{MinValue: 0, MaxValue: 1000, MaxRateOfChange: 50, OverflowThreshold: 2000}
	rate := 1.0
	assert.Equal(t, v1.QualityGood, Assign(500, &rate, cc))
}
