package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/internal/bus"
	"github.com/fieldgate/acqengine/internal/health"
	"github.com/fieldgate/acqengine/internal/rateengine"
	"github.com/fieldgate/acqengine/internal/worker"
	"github.com/fieldgate/acqengine/pkg/transport/modbus"
)

type fakeCounter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCounter) Connect(ctx context.Context) bool { return true }
func (f *fakeCounter) ReadRegisters(ctx context.Context, start uint16, count v1.RegisterWidth) modbus.ReadResult {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return modbus.ReadResult{OK: true, Words: []uint16{1, 0}}
}
func (f *fakeCounter) Disconnect()       {}
func (f *fakeCounter) IsConnected() bool { return true }

func fakeFactory() WorkerFactory {
	return func(cfg v1.DeviceConfig, rates *rateengine.Engine, obsBus worker.ObservationPublisher, healthRec worker.HealthRecorder, gate worker.Semaphore) *worker.Worker {
		w := worker.New(cfg, rates, obsBus, healthRec, gate, nil)
		w.Counter = &fakeCounter{}
		return w
	}
}

func testConfig(id string) v1.DeviceConfig {
	return v1.DeviceConfig{
		DeviceID:               id,
		Kind:                   v1.DeviceKindCounterModbusTCP,
		PollInterval:           metav1.Duration{Duration: 20 * time.Millisecond},
		ReadTimeout:            metav1.Duration{Duration: 50 * time.Millisecond},
		MaxConsecutiveFailures: 3,
		Channels: []v1.ChannelConfig{
			{ChannelNumber: 0, Enabled: true, RegisterCount: v1.RegisterWidthDword, MaxValue: 1e9},
		},
	}
}

func newTestScheduler(maxConcurrent int) (*Scheduler, *health.Tracker) {
	tr := health.New(noopPublisher{}, nil)
	obsBus := bus.NewObservationBus(16)
	return New(fakeFactory(), rateengine.New(), obsBus, tr, maxConcurrent, nil), tr
}

type noopPublisher struct{}

func (noopPublisher) Publish(v1.DeviceHealth) {}

func TestScheduler_StartSpawnsWorkers(t *testing.T) {
	s, tr := newTestScheduler(0)
	err := s.Start(context.Background(), []v1.DeviceConfig{testConfig("D1"), testConfig("D2")})
	require.NoError(t, err)
	assert.True(t, s.IsRunning())
	assert.ElementsMatch(t, []string{"D1", "D2"}, s.DeviceIDs())

	time.Sleep(50 * time.Millisecond)
	s.Stop()
	_ = tr
}

func TestScheduler_AddRejectsDuplicate(t *testing.T) {
	s, _ := newTestScheduler(0)
	require.NoError(t, s.Start(context.Background(), nil))
	require.NoError(t, s.Add(context.Background(), testConfig("D1")))

	err := s.Add(context.Background(), testConfig("D1"))
	require.Error(t, err)
	assert.True(t, v1.IsDuplicateDevice(err))

	s.Stop()
}

func TestScheduler_RemoveRejectsUnknownAndForgetsHealth(t *testing.T) {
	s, tr := newTestScheduler(0)
	require.NoError(t, s.Start(context.Background(), nil))

	err := s.Remove("ghost")
	require.Error(t, err)
	assert.True(t, v1.IsDeviceNotFound(err))

	require.NoError(t, s.Add(context.Background(), testConfig("D1")))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Remove("D1"))

	_, ok := tr.Get("D1")
	assert.False(t, ok)

	s.Stop()
}

func TestScheduler_UpdateCarriesOverCounters(t *testing.T) {
	s, tr := newTestScheduler(0)
	require.NoError(t, s.Start(context.Background(), []v1.DeviceConfig{testConfig("D1")}))
	time.Sleep(60 * time.Millisecond)

	before, ok := tr.Get("D1")
	require.True(t, ok)
	require.Greater(t, before.TotalReads, int64(0))

	newCfg := testConfig("D1")
	newCfg.PollInterval = metav1.Duration{Duration: 10 * time.Millisecond}
	require.NoError(t, s.Update(context.Background(), newCfg))
	time.Sleep(60 * time.Millisecond)

	after, ok := tr.Get("D1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, after.TotalReads, before.TotalReads)

	s.Stop()
}

func TestScheduler_ParallelismGateBoundsConcurrentCycles(t *testing.T) {
	s, _ := newTestScheduler(1)
	cfgs := []v1.DeviceConfig{testConfig("D1"), testConfig("D2"), testConfig("D3")}
	require.NoError(t, s.Start(context.Background(), cfgs))
	time.Sleep(60 * time.Millisecond)
	s.Stop()
	// No assertion beyond "doesn't deadlock": the gate serializes cycles
	// across all three workers without starving any of them.
}
