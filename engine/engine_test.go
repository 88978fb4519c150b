package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

func testCounterConfig(id string) v1.DeviceConfig {
	return v1.DeviceConfig{
		DeviceID:               id,
		Kind:                   v1.DeviceKindCounterModbusTCP,
		Host:                   "127.0.0.1",
		Port:                   15020,
		UnitID:                 1,
		PollInterval:           metav1.Duration{Duration: 20 * time.Millisecond},
		ReadTimeout:            metav1.Duration{Duration: 50 * time.Millisecond},
		MaxConsecutiveFailures: 3,
		Channels: []v1.ChannelConfig{
			{ChannelNumber: 0, Enabled: true, RegisterCount: v1.RegisterWidthDword, MaxValue: 1e9},
		},
	}
}

func TestEngine_StartRejectsInvalidFleet(t *testing.T) {
	e := New(Options{})
	bad := testCounterConfig("D1")
	bad.Port = 0
	err := e.Start(context.Background(), []v1.DeviceConfig{bad})
	require.Error(t, err)
	assert.True(t, v1.IsConfigurationInvalid(err))
	assert.False(t, e.IsRunning())
}

func TestEngine_StartStopLifecycle(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Start(context.Background(), []v1.DeviceConfig{testCounterConfig("D1")}))
	assert.True(t, e.IsRunning())

	time.Sleep(40 * time.Millisecond)

	h, ok := e.GetDeviceHealth("D1")
	assert.True(t, ok)
	assert.Equal(t, "D1", h.DeviceID)

	e.Stop()
	assert.False(t, e.IsRunning())
}

func TestEngine_AddRejectsDuplicateThenRemoveForgetsHealth(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Start(context.Background(), nil))
	defer e.Stop()

	require.NoError(t, e.AddDevice(context.Background(), testCounterConfig("D2")))
	err := e.AddDevice(context.Background(), testCounterConfig("D2"))
	require.Error(t, err)
	assert.True(t, v1.IsDuplicateDevice(err))

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.RemoveDevice("D2"))
	_, ok := e.GetDeviceHealth("D2")
	assert.False(t, ok)
}

func TestEngine_ObservationsStreamDeliversPublishedReadings(t *testing.T) {
	e := New(Options{})
	sub, unsubscribe := e.ObservationsStream()
	defer unsubscribe()

	require.NoError(t, e.Start(context.Background(), []v1.DeviceConfig{testCounterConfig("D1")}))
	defer e.Stop()

	select {
	case obs := <-sub:
		assert.Equal(t, "D1", obs.DeviceID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for an observation")
	}
}

func TestEngine_ReadNowRejectsUnknownDevice(t *testing.T) {
	e := New(Options{})
	require.NoError(t, e.Start(context.Background(), nil))
	defer e.Stop()

	_, err := e.ReadNow(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, v1.IsDeviceNotFound(err))
}

func TestEngine_TestConnectivityReportsDiagnosticsOnBadConfig(t *testing.T) {
	e := New(Options{})
	cfg := testCounterConfig("probe")
	cfg.Host = "not-an-ip"

	result := e.TestConnectivity(context.Background(), cfg)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Diagnostics)
	assert.NotEmpty(t, result.CorrelationID)
}
