package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/internal/rateengine"
	"github.com/fieldgate/acqengine/pkg/transport/modbus"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type fakeCounterClient struct {
	mu        sync.Mutex
	words     []uint16
	fail      bool
	connected bool
}

func (f *fakeCounterClient) Connect(ctx context.Context) bool { return true }
func (f *fakeCounterClient) ReadRegisters(ctx context.Context, start uint16, count v1.RegisterWidth) modbus.ReadResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return modbus.ReadResult{Err: v1.ErrTransportReadFailed}
	}
	return modbus.ReadResult{OK: true, Words: f.words}
}
func (f *fakeCounterClient) Disconnect()        {}
func (f *fakeCounterClient) IsConnected() bool  { f.mu.Lock(); defer f.mu.Unlock(); return f.connected }

type fakeObsBus struct {
	mu  sync.Mutex
	obs []v1.Observation
}

func (f *fakeObsBus) Publish(o v1.Observation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, o)
}
func (f *fakeObsBus) all() []v1.Observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]v1.Observation, len(f.obs))
	copy(out, f.obs)
	return out
}

type fakeHealth struct {
	mu        sync.Mutex
	outcomes  []v1.PollOutcome
	terminal  []string
}

func (f *fakeHealth) RecordOutcome(out v1.PollOutcome, max int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, out)
}
func (f *fakeHealth) RecordTerminal(deviceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = append(f.terminal, deviceID)
}
func (f *fakeHealth) last() v1.PollOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[len(f.outcomes)-1]
}

func counterConfig() v1.DeviceConfig {
	return v1.DeviceConfig{
		DeviceID:     "D1",
		Kind:         v1.DeviceKindCounterModbusTCP,
		PollInterval: metav1.Duration{Duration: 20 * time.Millisecond},
		ReadTimeout:  metav1.Duration{Duration: 50 * time.Millisecond},
		MaxConsecutiveFailures: 3,
		Channels: []v1.ChannelConfig{
			{ChannelNumber: 0, Enabled: true, RegisterCount: v1.RegisterWidthDword, MinValue: 0, MaxValue: 1e9, ScaleFactor: 1},
		},
	}
}

func TestWorker_SuccessfulCyclePublishesGoodObservation(t *testing.T) {
	counter := &fakeCounterClient{words: []uint16{100, 0}, connected: true}
	obsBus := &fakeObsBus{}
	healthRec := &fakeHealth{}
	w := New(counterConfig(), rateengine.New(), obsBus, healthRec, nil, nil)
	w.Counter = counter

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	obs := obsBus.all()
	require.NotEmpty(t, obs)
	assert.Equal(t, v1.QualityGood, obs[0].Quality)
	assert.EqualValues(t, 100, obs[0].Decoded.CounterValue)
}

func TestWorker_TransportFailureRecordsFailureOutcome(t *testing.T) {
	counter := &fakeCounterClient{fail: true}
	obsBus := &fakeObsBus{}
	healthRec := &fakeHealth{}
	w := New(counterConfig(), rateengine.New(), obsBus, healthRec, nil, nil)
	w.Counter = counter

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { w.Run(ctx); close(done) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	<-done

	obs := obsBus.all()
	require.NotEmpty(t, obs)
	assert.Equal(t, v1.QualityDeviceFailure, obs[0].Quality)

	last := healthRec.last()
	assert.Equal(t, 1, last.Failures)
}

func TestWorker_StopEmitsTerminalHealth(t *testing.T) {
	counter := &fakeCounterClient{words: []uint16{1, 0}, connected: true}
	obsBus := &fakeObsBus{}
	healthRec := &fakeHealth{}
	w := New(counterConfig(), rateengine.New(), obsBus, healthRec, nil, nil)
	w.Counter = counter

	done := make(chan struct{})
	go func() { w.Run(context.Background()); close(done) }()

	time.Sleep(30 * time.Millisecond)
	w.Stop(time.Second)
	<-done

	healthRec.mu.Lock()
	defer healthRec.mu.Unlock()
	require.Len(t, healthRec.terminal, 1)
	assert.Equal(t, "D1", healthRec.terminal[0])
}
