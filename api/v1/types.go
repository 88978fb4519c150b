// Package v1 defines the data types that cross the Acquisition Engine's
// boundary: device configuration, observations, health snapshots, and the
// catalog types used by protocol discovery.
package v1

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeviceKind identifies which transport and pipeline a device uses.
type DeviceKind string

const (
	DeviceKindCounterModbusTCP DeviceKind = "counter_modbus_tcp"
	DeviceKindScaleTCPSerial   DeviceKind = "scale_tcp_serial"
)

// RegisterWidth is the number of 16-bit registers backing one channel
// reading on a counter device.
type RegisterWidth int

const (
	RegisterWidthWord  RegisterWidth = 1
	RegisterWidthDword RegisterWidth = 2
	RegisterWidthQword RegisterWidth = 4
)

// Quality labels the trustworthiness of a single Observation.
type Quality string

const (
	QualityGood               Quality = "good"
	QualityUncertain          Quality = "uncertain"
	QualityBad                Quality = "bad"
	QualityTimeout            Quality = "timeout"
	QualityDeviceFailure      Quality = "device_failure"
	QualityConfigurationError Quality = "configuration_error"
	QualityOverflow           Quality = "overflow"
)

// HealthStatus is the derived operational status of a device.
type HealthStatus string

const (
	HealthStatusUnknown HealthStatus = "unknown"
	HealthStatusOnline  HealthStatus = "online"
	HealthStatusWarning HealthStatus = "warning"
	HealthStatusError   HealthStatus = "error"
	HealthStatusOffline HealthStatus = "offline"
)

// ChannelConfig configures one reading channel of a device. Counter and
// scale fields are both present but only one set is meaningful, selected
// by the owning DeviceConfig.Kind; this mirrors the teacher's preference
// for a flat struct with kind-gated fields over sum-type polymorphism at
// the JSON boundary, validated centrally by config.Validate.
type ChannelConfig struct {
	ChannelNumber int  `json:"channel_number" yaml:"channel_number"`
	Enabled       bool `json:"enabled" yaml:"enabled"`

	// Counter fields (counter_modbus_tcp).
	StartRegister     uint16        `json:"start_register,omitempty" yaml:"start_register,omitempty"`
	RegisterCount     RegisterWidth `json:"register_count,omitempty" yaml:"register_count,omitempty"`
	MinValue          float64       `json:"min_value,omitempty" yaml:"min_value,omitempty"`
	MaxValue          float64       `json:"max_value,omitempty" yaml:"max_value,omitempty"`
	MaxRateOfChange   float64       `json:"max_rate_of_change,omitempty" yaml:"max_rate_of_change,omitempty"`
	OverflowThreshold float64       `json:"overflow_threshold,omitempty" yaml:"overflow_threshold,omitempty"`
	ScaleFactor       float64       `json:"scale_factor,omitempty" yaml:"scale_factor,omitempty"`
	Offset            float64       `json:"offset,omitempty" yaml:"offset,omitempty"`
	DecimalPlaces     int           `json:"decimal_places,omitempty" yaml:"decimal_places,omitempty"`

	// RateWindowSeconds is the Rate Engine's time-based retention window
	// (spec.md §4.7). RateWindowSampleCount exists only so config.Validate
	// can detect and reject the source's other, unsupported window
	// semantics ("last N samples") per spec.md §9's open question; the
	// engine itself only ever honors RateWindowSeconds.
	RateWindowSeconds     float64 `json:"rate_window_seconds,omitempty" yaml:"rate_window_seconds,omitempty"`
	RateWindowSampleCount int     `json:"rate_window_sample_count,omitempty" yaml:"rate_window_sample_count,omitempty"`

	// Scale fields (scale_tcp_serial).
	WeightUnit        string  `json:"weight_unit,omitempty" yaml:"weight_unit,omitempty"`
	StabilityTolerance float64 `json:"stability_tolerance,omitempty" yaml:"stability_tolerance,omitempty"`
	Capacity          float64 `json:"capacity,omitempty" yaml:"capacity,omitempty"`
	Resolution        float64 `json:"resolution,omitempty" yaml:"resolution,omitempty"`
}

// DeviceConfig is the immutable description of one field device. A running
// engine replaces it atomically on reload; see engine.UpdateDevice.
type DeviceConfig struct {
	DeviceID string     `json:"device_id" yaml:"device_id"`
	Kind     DeviceKind `json:"kind" yaml:"kind"`

	Host   string `json:"host" yaml:"host"`
	Port   int    `json:"port" yaml:"port"`
	UnitID uint8  `json:"unit_id,omitempty" yaml:"unit_id,omitempty"`

	ConnectTimeout metav1.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    metav1.Duration `json:"read_timeout" yaml:"read_timeout"`
	RetryDelay     metav1.Duration `json:"retry_delay" yaml:"retry_delay"`
	MaxRetries     int             `json:"max_retries" yaml:"max_retries"`
	PollInterval   metav1.Duration `json:"poll_interval" yaml:"poll_interval"`

	MaxConsecutiveFailures int `json:"max_consecutive_failures" yaml:"max_consecutive_failures"`

	Channels []ChannelConfig `json:"channels" yaml:"channels"`

	ForcedProtocolTemplateID string `json:"forced_protocol_template_id,omitempty" yaml:"forced_protocol_template_id,omitempty"`

	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// RawValue carries the unnormalized reading produced by a transport, before
// the Decoder turns it into a DecodedValue.
type RawValue struct {
	Registers []uint16 `json:"registers,omitempty"`
	Frame     string   `json:"frame,omitempty"`
}

// DecodedValue is the typed result of decoding a RawValue.
type DecodedValue struct {
	CounterValue int64   `json:"counter_value,omitempty"`
	WeightValue  float64 `json:"weight_value,omitempty"`
	Unit         string  `json:"unit,omitempty"`
	IsWeight     bool    `json:"is_weight"`
}

// Observation is one immutable pipeline result for a single channel of a
// single device in a single acquisition cycle.
type Observation struct {
	DeviceID           string          `json:"device_id"`
	ChannelNumber      int             `json:"channel_number"`
	Timestamp          metav1.Time     `json:"timestamp"`
	AcquisitionDuration metav1.Duration `json:"acquisition_duration"`

	Raw     RawValue     `json:"raw"`
	Decoded DecodedValue `json:"decoded"`

	Rate *float64 `json:"rate,omitempty"`

	Quality Quality `json:"quality"`

	Stability *bool `json:"stability,omitempty"`

	Tags map[string]string `json:"tags,omitempty"`
}

// DeviceHealth is the current, immutable snapshot of one device's health.
// A new snapshot replaces the previous one atomically; see health.Tracker.
type DeviceHealth struct {
	DeviceID string       `json:"device_id"`
	Status   HealthStatus `json:"status"`

	TotalReads          int64 `json:"total_reads"`
	SuccessfulReads     int64 `json:"successful_reads"`
	ConsecutiveFailures int64 `json:"consecutive_failures"`

	LastSuccessfulReadAt *metav1.Time `json:"last_successful_read_at,omitempty"`
	AverageLatencyMs     float64      `json:"average_latency_ms"`

	LastError string `json:"last_error,omitempty"`

	ProtocolTemplateInUse string `json:"protocol_template_in_use,omitempty"`

	IsConnected bool        `json:"is_connected"`
	SnapshotAt  metav1.Time `json:"snapshot_at"`
}

// SuccessRate implements spec.md §3's DeviceHealth invariant:
// successful/total when total > 0, else 0.
func (h DeviceHealth) SuccessRate() float64 {
	if h.TotalReads == 0 {
		return 0
	}
	return float64(h.SuccessfulReads) / float64(h.TotalReads)
}

// PollOutcome is the per-cycle summary a Device Worker hands to the Health
// Tracker (§4.10).
type PollOutcome struct {
	DeviceID  string
	Successes int
	Failures  int
	Duration  time.Duration
	Errors    []string

	// CycleOverran marks a cycle whose total duration exceeded PollInterval,
	// which contributes a "warning" status per §4.8 rule 3.
	CycleOverran bool

	// TransportDisconnected forces an "offline" status regardless of
	// ConsecutiveFailures, per §4.8 rule 5.
	TransportDisconnected bool

	ProtocolTemplateInUse string
}

// RetryStrategy selects the backoff delay formula used by the Retry
// Executor (§4.1).
type RetryStrategy string

const (
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyLinear      RetryStrategy = "linear"
	RetryStrategyExponential RetryStrategy = "exponential"
)

// RetryPolicy is the value object consumed by pkg/retry.Executor.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Strategy    RetryStrategy
	// JitterFactor is in [0,1]; the realized delay is perturbed uniformly
	// within [-JitterFactor*delay, +JitterFactor*delay], clamped to >= 0.
	JitterFactor float64
	// ClassifyException decides whether err should be retried. A nil
	// function defaults to retry.ClassifyTransient.
	ClassifyException func(err error) bool
}

// ProtocolTemplate is a catalog entry describing one scale dialect, used by
// protocol discovery (§4.4).
type ProtocolTemplate struct {
	ID               string
	Commands         [][]byte
	ResponsePatterns []string
	WeightPattern    string
	Unit             string
	// StableMarker, if non-empty, is a substring whose presence in a
	// response indicates the scale has settled; its absence indicates
	// instability. A response containing any MotionMarkers entry is
	// unstable regardless of StableMarker.
	StableMarker  string
	MotionMarkers []string
}

// ConnectivityTestResult is the return value of Engine.TestConnectivity.
type ConnectivityTestResult struct {
	CorrelationID      string
	Success            bool
	Duration           time.Duration
	WorkingProtocol    *ProtocolTemplate
	SampleObservations []Observation
	Diagnostics        []string
}
