// Package config implements fleet-wide DeviceConfig validation (spec.md
// §3's invariants), replacing reflection-driven data-annotation validation
// with explicit routines that return a flat list of ConfigurationError
// (spec.md §9).
package config

import (
	"fmt"
	"net"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// Validate checks every invariant in spec.md §3 across the whole fleet and
// returns one ConfigurationError per violation found. An empty result
// means the fleet is safe to start.
func Validate(fleet []v1.DeviceConfig) []v1.ConfigurationError {
	var errs []v1.ConfigurationError

	seen := make(map[string]bool, len(fleet))
	for i, cfg := range fleet {
		path := fmt.Sprintf("devices[%d]", i)
		if cfg.DeviceID == "" {
			errs = append(errs, required(path+".device_id"))
		} else if len(cfg.DeviceID) > 50 {
			errs = append(errs, outOfRange(path+".device_id", "must be 1..50 chars"))
		}
		if cfg.DeviceID != "" {
			if seen[cfg.DeviceID] {
				errs = append(errs, v1.ConfigurationError{
					Path: path + ".device_id", Kind: v1.ConfigErrKindDuplicate,
					Message: fmt.Sprintf("duplicate device_id %q", cfg.DeviceID),
				})
			}
			seen[cfg.DeviceID] = true
		}

		errs = append(errs, validateDevice(path, cfg)...)
	}

	return errs
}

func validateDevice(path string, cfg v1.DeviceConfig) []v1.ConfigurationError {
	var errs []v1.ConfigurationError

	switch cfg.Kind {
	case v1.DeviceKindCounterModbusTCP, v1.DeviceKindScaleTCPSerial:
	default:
		errs = append(errs, unsupported(path+".kind", fmt.Sprintf("unknown device kind %q", cfg.Kind)))
	}

	if cfg.Host == "" || net.ParseIP(cfg.Host) == nil {
		errs = append(errs, outOfRange(path+".host", "must be a dotted IPv4/IPv6 address"))
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, outOfRange(path+".port", "must be 1..65535"))
	}
	if cfg.Kind == v1.DeviceKindCounterModbusTCP && (cfg.UnitID < 1) {
		errs = append(errs, outOfRange(path+".unit_id", "must be 1..255 for Modbus devices"))
	}

	if cfg.PollInterval.Duration <= cfg.ReadTimeout.Duration {
		errs = append(errs, v1.ConfigurationError{
			Path: path, Kind: v1.ConfigErrKindInconsistent,
			Message: "poll_interval must be greater than read_timeout",
		})
	}

	if len(cfg.Channels) == 0 {
		errs = append(errs, required(path+".channels"))
	}
	enabledCount := 0
	channelNumbers := make(map[int]bool, len(cfg.Channels))
	for ci, ch := range cfg.Channels {
		cpath := fmt.Sprintf("%s.channels[%d]", path, ci)
		if channelNumbers[ch.ChannelNumber] {
			errs = append(errs, v1.ConfigurationError{
				Path: cpath + ".channel_number", Kind: v1.ConfigErrKindDuplicate,
				Message: fmt.Sprintf("duplicate channel_number %d", ch.ChannelNumber),
			})
		}
		channelNumbers[ch.ChannelNumber] = true
		if ch.Enabled {
			enabledCount++
		}
		errs = append(errs, validateChannel(cpath, cfg.Kind, ch)...)
	}
	if enabledCount == 0 {
		errs = append(errs, v1.ConfigurationError{
			Path: path + ".channels", Kind: v1.ConfigErrKindInconsistent,
			Message: "at least one channel must be enabled",
		})
	}

	return errs
}

func validateChannel(path string, kind v1.DeviceKind, ch v1.ChannelConfig) []v1.ConfigurationError {
	var errs []v1.ConfigurationError

	if kind == v1.DeviceKindCounterModbusTCP {
		switch ch.RegisterCount {
		case v1.RegisterWidthWord, v1.RegisterWidthDword, v1.RegisterWidthQword:
		default:
			errs = append(errs, outOfRange(path+".register_count", "must be one of {1,2,4}"))
		}
		if ch.MinValue > ch.MaxValue {
			errs = append(errs, v1.ConfigurationError{
				Path: path, Kind: v1.ConfigErrKindInconsistent,
				Message: "min_value must be <= max_value",
			})
		}
	}

	// spec.md §9: rate calculation is time-windowed only. A sample-count
	// window, inherited from the source's other code path, is rejected
	// rather than silently reinterpreted.
	if ch.RateWindowSampleCount > 0 {
		errs = append(errs, v1.ConfigurationError{
			Path: path + ".rate_window_sample_count", Kind: v1.ConfigErrKindUnsupported,
			Message: "sample-count rate windows are not supported; set rate_window_seconds instead",
		})
	}

	return errs
}

func required(path string) v1.ConfigurationError {
	return v1.ConfigurationError{Path: path, Kind: v1.ConfigErrKindRequired, Message: "is required"}
}

func outOfRange(path, message string) v1.ConfigurationError {
	return v1.ConfigurationError{Path: path, Kind: v1.ConfigErrKindOutOfRange, Message: message}
}

func unsupported(path, message string) v1.ConfigurationError {
	return v1.ConfigurationError{Path: path, Kind: v1.ConfigErrKindUnsupported, Message: message}
}
