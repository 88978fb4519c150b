// Package decode implements the Decoder (spec.md §4.5): turning a
// transport's RawValue into a typed DecodedValue.
package decode

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// CounterResult is the decoded output for a counter channel.
type CounterResult struct {
	RawInteger uint64
	Decoded    v1.DecodedValue
}

// DecodeCounter combines register_count little-endian 16-bit words into an
// unsigned integer and applies scale_factor/offset, per spec.md §4.5.
func DecodeCounter(words []uint16, cc v1.ChannelConfig) (CounterResult, error) {
	expected := int(cc.RegisterCount)
	if expected == 0 {
		expected = 1
	}
	if len(words) != expected {
		return CounterResult{}, fmt.Errorf("%w: expected %d registers, got %d", v1.ErrDecodeFailed, expected, len(words))
	}

	var raw uint64
	for i, w := range words {
		raw |= uint64(w) << (16 * uint(i))
	}

	scale := cc.ScaleFactor
	if scale == 0 {
		scale = 1
	}
	scaled := float64(raw)*scale + cc.Offset

	return CounterResult{
		RawInteger: raw,
		Decoded: v1.DecodedValue{
			CounterValue: int64(scaled),
			Unit:         "count",
		},
	}, nil
}

// ScaleResult is the decoded output for a scale channel.
type ScaleResult struct {
	Decoded   v1.DecodedValue
	Stability bool
}

// DecodeScale applies the template's weight_pattern to a raw ASCII frame,
// parses the weight with the channel's configured decimal places, and
// derives stability from the template's motion/stable markers, per spec.md
// §4.5.
func DecodeScale(frame string, cc v1.ChannelConfig, tmpl v1.ProtocolTemplate) (ScaleResult, error) {
	re, err := regexp.Compile("(?i)" + tmpl.WeightPattern)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("%w: bad weight pattern: %v", v1.ErrDecodeFailed, err)
	}
	m := re.FindStringSubmatch(frame)
	if len(m) < 2 {
		return ScaleResult{}, fmt.Errorf("%w: no weight capture in %q", v1.ErrPatternNoMatch, frame)
	}

	weight, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ScaleResult{}, fmt.Errorf("%w: %v", v1.ErrDecodeFailed, err)
	}
	if cc.DecimalPlaces >= 0 {
		mult := pow10(cc.DecimalPlaces)
		weight = float64(int64(weight*mult+sign(weight)*0.5)) / mult
	}

	unit := tmpl.Unit
	if cc.WeightUnit != "" {
		unit = cc.WeightUnit
	}

	stable := deriveStability(frame, tmpl)

	return ScaleResult{
		Decoded: v1.DecodedValue{
			WeightValue: weight,
			Unit:        unit,
			IsWeight:    true,
		},
		Stability: stable,
	}, nil
}

func deriveStability(frame string, tmpl v1.ProtocolTemplate) bool {
	for _, marker := range tmpl.MotionMarkers {
		if marker != "" && strings.Contains(frame, marker) {
			return false
		}
	}
	if tmpl.StableMarker != "" {
		return strings.Contains(frame, tmpl.StableMarker)
	}
	// No markers configured at all: nothing in the frame indicates motion,
	// so treat the reading as settled.
	return true
}

func pow10(n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= 10
	}
	return out
}

func sign(f float64) float64 {
	if f < 0 {
		return -1
	}
	return 1
}
