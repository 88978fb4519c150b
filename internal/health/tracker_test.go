package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

type fakeBus struct {
	mu        sync.Mutex
	published []v1.DeviceHealth
}

func (f *fakeBus) Publish(h v1.DeviceHealth) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, h)
}

func (f *fakeBus) last() v1.DeviceHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published[len(f.published)-1]
}

func TestTracker_RecordUnknownSeedsStatus(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordUnknown("D1")

	h, ok := tr.Get("D1")
	require.True(t, ok)
	assert.Equal(t, v1.HealthStatusUnknown, h.Status)
	assert.Equal(t, v1.HealthStatusUnknown, bus.last().Status)
}

func TestTracker_SuccessfulOutcomeGoesOnline(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordUnknown("D1")

	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Successes: 2, Duration: 50 * time.Millisecond}, 3)

	h, ok := tr.Get("D1")
	require.True(t, ok)
	assert.Equal(t, v1.HealthStatusOnline, h.Status)
	assert.EqualValues(t, 0, h.ConsecutiveFailures)
	assert.EqualValues(t, 2, h.TotalReads)
	assert.EqualValues(t, 2, h.SuccessfulReads)
	assert.InDelta(t, 50.0, h.AverageLatencyMs, 0.01)
	require.NotNil(t, h.LastSuccessfulReadAt)
}

func TestTracker_P3_ReachingMaxConsecutiveFailuresGoesOffline(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordUnknown("D1")

	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Failures: 1, Errors: []string{"connection refused"}}, 3)
	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Failures: 1, Errors: []string{"connection refused"}}, 3)
	h1, _ := tr.Get("D1")
	assert.Equal(t, v1.HealthStatusWarning, h1.Status)

	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Failures: 1, Errors: []string{"connection refused"}}, 3)
	h2, _ := tr.Get("D1")
	assert.Equal(t, v1.HealthStatusOffline, h2.Status)
	assert.EqualValues(t, 3, h2.ConsecutiveFailures)
	assert.False(t, h2.IsConnected)
	assert.Equal(t, "connection refused", h2.LastError)
}

func TestTracker_CycleOverranWithoutFailureIsWarning(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Successes: 1, CycleOverran: true}, 3)

	h, ok := tr.Get("D1")
	require.True(t, ok)
	assert.Equal(t, v1.HealthStatusWarning, h.Status)
}

func TestTracker_TransportDisconnectedForcesOffline(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Successes: 1, TransportDisconnected: true}, 10)

	h, ok := tr.Get("D1")
	require.True(t, ok)
	assert.Equal(t, v1.HealthStatusOffline, h.Status)
	assert.False(t, h.IsConnected)
}

func TestTracker_S4_RemoveEmitsOfflineThenForgets(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordUnknown("D1")
	tr.RecordTerminal("D1")

	assert.Equal(t, v1.HealthStatusOffline, bus.last().Status)

	tr.Forget("D1")
	_, ok := tr.Get("D1")
	assert.False(t, ok)
}

func TestTracker_IdenticalSuccessiveSnapshotsStillPublished(t *testing.T) {
	bus := &fakeBus{}
	tr := New(bus, nil)
	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Successes: 1}, 3)
	tr.RecordOutcome(v1.PollOutcome{DeviceID: "D1", Successes: 1}, 3)

	assert.Len(t, bus.published, 2)
	assert.Equal(t, bus.published[0].Status, bus.published[1].Status)
}
