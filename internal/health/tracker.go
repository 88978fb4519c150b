// Package health implements the Health Tracker (spec.md §4.10): converts
// per-cycle PollOutcome events into a per-device DeviceHealth snapshot and
// publishes it to the Observation Bus's health stream.
package health

import (
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
)

// ewmaAlpha weights the most recent cycle's latency against the running
// average; 0.2 favors stability over responsiveness to a single outlier.
const ewmaAlpha = 0.2

// Publisher is the subset of bus.HealthBus the tracker depends on.
type Publisher interface {
	Publish(v1.DeviceHealth)
}

// Tracker owns the concurrent device_id -> DeviceHealth map described by
// spec.md §4.10. Each mutation replaces the device's entry with a new,
// immutable DeviceHealth value and publishes it.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]v1.DeviceHealth
	bus     Publisher
	logger  log.Logger
}

// New builds a Tracker that publishes snapshots to bus. A nil logger
// defaults to log.Default.
func New(bus Publisher, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.Default
	}
	return &Tracker{records: make(map[string]v1.DeviceHealth), bus: bus, logger: logger}
}

// Get returns the current snapshot for deviceID, if tracked.
func (t *Tracker) Get(deviceID string) (v1.DeviceHealth, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.records[deviceID]
	return h, ok
}

// All returns a snapshot of every tracked device's current health.
func (t *Tracker) All() []v1.DeviceHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]v1.DeviceHealth, 0, len(t.records))
	for _, h := range t.records {
		out = append(out, h)
	}
	return out
}

// Forget removes deviceID from the tracker, used after RecordTerminal has
// published its final offline snapshot (spec.md S4: "get_device_health(D1)
// ⇒ null" after remove).
func (t *Tracker) Forget(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, deviceID)
}

// RecordUnknown seeds a fresh `unknown` record for a newly added device.
func (t *Tracker) RecordUnknown(deviceID string) {
	h := v1.DeviceHealth{
		DeviceID:   deviceID,
		Status:     v1.HealthStatusUnknown,
		SnapshotAt: metav1.Now(),
	}
	t.store(h)
}

// RecordTerminal publishes a final `offline` snapshot for a device being
// removed or stopped, per spec.md §4.9's remove/stop contract.
func (t *Tracker) RecordTerminal(deviceID string) {
	t.mu.Lock()
	prev, ok := t.records[deviceID]
	t.mu.Unlock()
	if !ok {
		prev = v1.DeviceHealth{DeviceID: deviceID}
	}
	prev.Status = v1.HealthStatusOffline
	prev.IsConnected = false
	prev.SnapshotAt = metav1.Now()
	t.store(prev)
}

// RecordOutcome folds one cycle's PollOutcome into the device's running
// counters, derives status per spec.md §4.8 rule 4, and publishes the new
// snapshot.
func (t *Tracker) RecordOutcome(out v1.PollOutcome, maxConsecutiveFailures int) {
	t.mu.Lock()
	prev, ok := t.records[out.DeviceID]
	if !ok {
		prev = v1.DeviceHealth{DeviceID: out.DeviceID, Status: v1.HealthStatusUnknown}
	}
	t.mu.Unlock()

	next := prev
	next.TotalReads += int64(out.Successes + out.Failures)
	next.SuccessfulReads += int64(out.Successes)

	if out.Successes > 0 {
		next.ConsecutiveFailures = 0
		next.AverageLatencyMs = ewma(next.AverageLatencyMs, float64(out.Duration/time.Millisecond), prev.LastSuccessfulReadAt == nil)
		now := metav1.Now()
		next.LastSuccessfulReadAt = &now
	}
	if out.Failures > 0 && out.Successes == 0 {
		next.ConsecutiveFailures++
	}
	if len(out.Errors) > 0 {
		next.LastError = out.Errors[len(out.Errors)-1]
	}
	if out.ProtocolTemplateInUse != "" {
		next.ProtocolTemplateInUse = out.ProtocolTemplateInUse
	}
	next.IsConnected = !out.TransportDisconnected

	switch {
	case out.TransportDisconnected:
		next.Status = v1.HealthStatusOffline
	case next.ConsecutiveFailures >= int64(maxConsecutiveFailures) && maxConsecutiveFailures > 0:
		next.Status = v1.HealthStatusOffline
		next.IsConnected = false
	case out.Failures > 0:
		next.Status = v1.HealthStatusWarning
	case out.CycleOverran:
		next.Status = v1.HealthStatusWarning
	default:
		next.Status = v1.HealthStatusOnline
	}
	next.SnapshotAt = metav1.Now()

	if prev.Status != next.Status {
		t.logger.Infow("device health status transition",
			"device_id", out.DeviceID, "from", prev.Status, "to", next.Status)
	}

	t.store(next)
}

func (t *Tracker) store(h v1.DeviceHealth) {
	t.mu.Lock()
	t.records[h.DeviceID] = h
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Publish(h)
	}
}

// ewma folds sample into the running average, or replaces it outright on
// the device's very first successful read.
func ewma(avg, sample float64, first bool) float64 {
	if first || avg == 0 {
		return sample
	}
	return ewmaAlpha*sample + (1-ewmaAlpha)*avg
}
