// Package validate implements the Validator (spec.md §4.6): quality
// assignment for one decoded channel reading.
package validate

import v1 "github.com/fieldgate/acqengine/api/v1"

// Assign applies spec.md §4.6's quality rules, in order, to one decoded
// value. rate is nil when the Rate Engine has not yet produced a value.
func Assign(value float64, rate *float64, cc v1.ChannelConfig) v1.Quality {
	if value < cc.MinValue || value > cc.MaxValue {
		return v1.QualityBad
	}
	if rate != nil {
		abs := *rate
		if abs < 0 {
			abs = -abs
		}
		if abs > cc.MaxRateOfChange {
			return v1.QualityUncertain
		}
	}
	if cc.OverflowThreshold > 0 && value >= cc.OverflowThreshold {
		return v1.QualityOverflow
	}
	return v1.QualityGood
}
