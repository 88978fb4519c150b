package v1

import (
	"errors"
	"fmt"
)

// Sentinel errors for the taxonomy in spec.md §7. Callers use errors.Is
// (or the Is* helpers below) rather than comparing error strings, following
// the teacher's pkg/errdefs convention.
var (
	ErrConfigurationInvalid  = errors.New("configuration invalid")
	ErrDuplicateDevice       = errors.New("duplicate device")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrTransportConnectFailed = errors.New("transport connect failed")
	ErrTransportReadTimeout  = errors.New("transport read timeout")
	ErrTransportReadFailed   = errors.New("transport read failed")
	ErrTransportClosedByPeer = errors.New("transport closed by peer")
	ErrDecodeFailed          = errors.New("decode failed")
	ErrPatternNoMatch        = errors.New("pattern no match")
	ErrBackendUnavailable    = errors.New("backend unavailable")
	ErrBackendWriteFailed    = errors.New("backend write failed")
	ErrCancelled             = errors.New("cancelled")
	ErrInternal              = errors.New("internal error")
)

func IsConfigurationInvalid(err error) bool { return errors.Is(err, ErrConfigurationInvalid) }
func IsDuplicateDevice(err error) bool       { return errors.Is(err, ErrDuplicateDevice) }
func IsDeviceNotFound(err error) bool        { return errors.Is(err, ErrDeviceNotFound) }
func IsTransportConnectFailed(err error) bool { return errors.Is(err, ErrTransportConnectFailed) }
func IsTransportReadTimeout(err error) bool  { return errors.Is(err, ErrTransportReadTimeout) }
func IsTransportReadFailed(err error) bool   { return errors.Is(err, ErrTransportReadFailed) }
func IsTransportClosedByPeer(err error) bool { return errors.Is(err, ErrTransportClosedByPeer) }
func IsDecodeFailed(err error) bool          { return errors.Is(err, ErrDecodeFailed) }
func IsPatternNoMatch(err error) bool        { return errors.Is(err, ErrPatternNoMatch) }
func IsBackendUnavailable(err error) bool    { return errors.Is(err, ErrBackendUnavailable) }
func IsBackendWriteFailed(err error) bool    { return errors.Is(err, ErrBackendWriteFailed) }
func IsCancelled(err error) bool             { return errors.Is(err, ErrCancelled) }
func IsInternal(err error) bool              { return errors.Is(err, ErrInternal) }

// IsTransportError reports whether err belongs to the transport family,
// which the Retry Executor recovers from locally (spec.md §7).
func IsTransportError(err error) bool {
	return IsTransportConnectFailed(err) || IsTransportReadTimeout(err) ||
		IsTransportReadFailed(err) || IsTransportClosedByPeer(err)
}

// ConfigurationErrorKind enumerates the ways a DeviceConfig or
// ChannelConfig can fail validation.
type ConfigurationErrorKind string

const (
	ConfigErrKindRequired     ConfigurationErrorKind = "required"
	ConfigErrKindOutOfRange   ConfigurationErrorKind = "out_of_range"
	ConfigErrKindDuplicate    ConfigurationErrorKind = "duplicate"
	ConfigErrKindInconsistent ConfigurationErrorKind = "inconsistent"
	ConfigErrKindUnsupported  ConfigurationErrorKind = "unsupported"
)

// ConfigurationError replaces reflection-driven data-annotation validation
// (spec.md §9) with an explicit, structured result.
type ConfigurationError struct {
	Path    string
	Kind    ConfigurationErrorKind
	Message string
}

func (e ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Kind, e.Message)
}

// Unwrap lets errors.Is(configErr, ErrConfigurationInvalid) succeed when a
// ConfigurationError is returned through a generic error-returning API.
func (e ConfigurationError) Unwrap() error { return ErrConfigurationInvalid }

// ControlError wraps a sentinel with operation-specific context, following
// the teacher's pattern of fmt.Errorf("...: %w", errdefs.ErrX).
type ControlError struct {
	Op     string
	Target string
	Err    error
}

func (e *ControlError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ControlError) Unwrap() error { return e.Err }
