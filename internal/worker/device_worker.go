// Package worker implements the Per-Device Worker (spec.md §4.8): the
// long-lived task that drives one device's acquisition cycle end to end —
// transport read, decode, rate, validate, publish — and rolls the cycle's
// outcome into a health delta.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/internal/decode"
	"github.com/fieldgate/acqengine/internal/rateengine"
	"github.com/fieldgate/acqengine/internal/validate"
	"github.com/fieldgate/acqengine/pkg/log"
	"github.com/fieldgate/acqengine/pkg/transport/modbus"
)

// CounterClient is the subset of modbus.Client the worker drives.
type CounterClient interface {
	Connect(ctx context.Context) bool
	ReadRegisters(ctx context.Context, start uint16, count v1.RegisterWidth) modbus.ReadResult
	Disconnect()
	IsConnected() bool
}

// ScaleClient is the subset of scaletcp.Client the worker drives.
type ScaleClient interface {
	Connect(ctx context.Context) bool
	SendAndReceive(ctx context.Context, data []byte, responseTimeout time.Duration) ([]byte, error)
	Disconnect()
	IsConnected() bool
}

// ObservationPublisher is the subset of bus.ObservationBus the worker needs.
type ObservationPublisher interface {
	Publish(v1.Observation)
}

// HealthRecorder is the subset of health.Tracker the worker needs.
type HealthRecorder interface {
	RecordOutcome(out v1.PollOutcome, maxConsecutiveFailures int)
	RecordTerminal(deviceID string)
}

// Worker drives one device's acquisition cycle. Exactly one of Counter or
// Scale is set, selected by cfg.Kind.
type Worker struct {
	cfg      v1.DeviceConfig
	Counter  CounterClient
	Scale    ScaleClient
	Template v1.ProtocolTemplate

	rates  *rateengine.Engine
	obsBus ObservationPublisher
	health HealthRecorder
	logger log.Logger

	// gate is acquired before each cycle's transport work and released
	// after, implementing C9's global parallelism bound (spec.md §4.9).
	gate Semaphore

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Semaphore is the subset of golang.org/x/sync/semaphore.Weighted the
// worker needs to bound concurrent poll cycles.
type Semaphore interface {
	Acquire(ctx context.Context, n int64) error
	Release(n int64)
}

// noopSemaphore is used when the scheduler does not wire a shared gate
// (e.g. in unit tests that exercise one worker in isolation).
type noopSemaphore struct{}

func (noopSemaphore) Acquire(ctx context.Context, n int64) error { return ctx.Err() }
func (noopSemaphore) Release(n int64)                            {}

// New builds a Worker for cfg. gate may be nil, in which case cycles run
// unthrottled.
func New(cfg v1.DeviceConfig, rates *rateengine.Engine, obsBus ObservationPublisher, healthRec HealthRecorder, gate Semaphore, logger log.Logger) *Worker {
	if logger == nil {
		logger = log.Default
	}
	if gate == nil {
		gate = noopSemaphore{}
	}
	return &Worker{
		cfg:    cfg,
		rates:  rates,
		obsBus: obsBus,
		health: healthRec,
		gate:   gate,
		logger: logger,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Stop signals the worker to terminate at the next safe point and blocks
// until it has flushed and emitted its terminal health record, or grace
// elapses first.
func (w *Worker) Stop(grace time.Duration) {
	w.once.Do(func() { close(w.stopCh) })
	select {
	case <-w.doneCh:
	case <-time.After(grace):
		w.logger.Warnw("worker stop grace period elapsed", "device_id", w.cfg.DeviceID)
	}
}

// Run is the worker's main loop (spec.md §4.8's state machine: idle ->
// polling -> sleeping -> idle, with stopping -> stopped as sink states).
// Callers run it in its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)

	interval := w.cfg.PollInterval.Duration
	if interval <= 0 {
		interval = time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	nextTick := time.Now()
	for {
		timer := time.NewTimer(time.Until(nextTick))
		select {
		case <-timer.C:
		case <-runCtx.Done():
			timer.Stop()
			w.health.RecordTerminal(w.cfg.DeviceID)
			return
		}

		if err := w.gate.Acquire(runCtx, 1); err != nil {
			w.health.RecordTerminal(w.cfg.DeviceID)
			return
		}
		cycleStart := time.Now()
		outcome := w.runCycle(runCtx)
		w.gate.Release(1)

		outcome.Duration = time.Since(cycleStart)
		outcome.CycleOverran = outcome.Duration > interval
		w.health.RecordOutcome(outcome, w.cfg.MaxConsecutiveFailures)

		if outcome.CycleOverran {
			w.logger.Warnw("poll cycle overran interval, skipping missed ticks",
				"device_id", w.cfg.DeviceID, "duration", outcome.Duration, "interval", interval)
		}

		if runCtx.Err() != nil {
			w.health.RecordTerminal(w.cfg.DeviceID)
			return
		}

		nextTick = nextTick.Add(interval)
		for !nextTick.After(time.Now()) {
			nextTick = nextTick.Add(interval)
		}
	}
}

// CollectOnce runs a single out-of-band pass over every enabled channel
// without touching health or the observation bus, for Engine.ReadNow and
// Engine.TestConnectivity.
func (w *Worker) CollectOnce(ctx context.Context) []v1.Observation {
	var out []v1.Observation
	for _, ch := range w.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		obs, _ := w.pollChannel(ctx, ch)
		out = append(out, obs)
	}
	return out
}

// runCycle performs one serial pass over every enabled channel, per
// spec.md §4.8 step 2-3.
func (w *Worker) runCycle(ctx context.Context) v1.PollOutcome {
	out := v1.PollOutcome{DeviceID: w.cfg.DeviceID, ProtocolTemplateInUse: w.Template.ID}

	cutShort := -1
	for i, ch := range w.cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if ctx.Err() != nil {
			cutShort = i
			break
		}

		obs, transportErr := w.pollChannel(ctx, ch)
		w.obsBus.Publish(obs)

		if obs.Quality == v1.QualityGood || obs.Quality == v1.QualityUncertain || obs.Quality == v1.QualityOverflow {
			out.Successes++
		} else {
			out.Failures++
			if transportErr != nil {
				out.Errors = append(out.Errors, transportErr.Error())
			}
			if errors.Is(transportErr, v1.ErrTransportConnectFailed) || errors.Is(transportErr, v1.ErrTransportReadFailed) {
				out.TransportDisconnected = !w.isConnected()
			}
		}
	}

	// Cancellation interrupted the cycle before every enabled channel was
	// attempted: flush the remaining channels as device_failure so
	// downstream consumers see a complete cycle rather than silence
	// (spec.md §4.8's cancellation contract).
	if cutShort >= 0 {
		for _, ch := range w.cfg.Channels[cutShort:] {
			if !ch.Enabled {
				continue
			}
			w.obsBus.Publish(v1.Observation{
				DeviceID:      w.cfg.DeviceID,
				ChannelNumber: ch.ChannelNumber,
				Timestamp:     metav1.Now(),
				Quality:       v1.QualityDeviceFailure,
				Tags:          w.cfg.Tags,
			})
			out.Failures++
			out.Errors = append(out.Errors, "cycle cancelled before channel was read")
		}
	}
	return out
}

func (w *Worker) isConnected() bool {
	if w.Counter != nil {
		return w.Counter.IsConnected()
	}
	if w.Scale != nil {
		return w.Scale.IsConnected()
	}
	return false
}

// pollChannel runs the acquire -> decode -> rate -> validate -> assemble
// pipeline for one channel. The returned error, when non-nil, is the raw
// transport/decode failure used for health-error reporting.
func (w *Worker) pollChannel(ctx context.Context, ch v1.ChannelConfig) (v1.Observation, error) {
	start := time.Now()
	obs := v1.Observation{
		DeviceID:      w.cfg.DeviceID,
		ChannelNumber: ch.ChannelNumber,
		Tags:          w.cfg.Tags,
	}
	obs.Timestamp.Time = start

	var transportErr error
	switch w.cfg.Kind {
	case v1.DeviceKindCounterModbusTCP:
		transportErr = w.pollCounterChannel(ctx, ch, &obs)
	case v1.DeviceKindScaleTCPSerial:
		transportErr = w.pollScaleChannel(ctx, ch, &obs)
	default:
		obs.Quality = v1.QualityConfigurationError
	}

	obs.AcquisitionDuration.Duration = time.Since(start)

	return obs, transportErr
}

// pollCounterChannel returns the raw transport error, if any, so the
// caller can classify connect/read failures for health reporting.
func (w *Worker) pollCounterChannel(ctx context.Context, ch v1.ChannelConfig, obs *v1.Observation) error {
	width := ch.RegisterCount
	if width == 0 {
		width = v1.RegisterWidthWord
	}
	res := w.Counter.ReadRegisters(ctx, ch.StartRegister, width)
	obs.Raw = v1.RawValue{Registers: res.Words}
	if !res.OK {
		obs.Quality = classifyTransportFailure(res.Err)
		return res.Err
	}

	dec, err := decode.DecodeCounter(res.Words, ch)
	if err != nil {
		obs.Quality = v1.QualityConfigurationError
		return nil
	}
	obs.Decoded = dec.Decoded

	rate := w.rates.Observe(w.cfg.DeviceID, ch.ChannelNumber, obs.Timestamp.Time, float64(dec.RawInteger), rateParams(ch))
	obs.Rate = rate

	obs.Quality = validate.Assign(float64(dec.RawInteger), rate, ch)
	return nil
}

func (w *Worker) pollScaleChannel(ctx context.Context, ch v1.ChannelConfig, obs *v1.Observation) error {
	if !w.Scale.IsConnected() && !w.Scale.Connect(ctx) {
		obs.Quality = v1.QualityDeviceFailure
		return v1.ErrTransportConnectFailed
	}

	var cmd []byte
	if len(w.Template.Commands) > 0 {
		cmd = append(append([]byte{}, w.Template.Commands[0]...), '\r', '\n')
	} else {
		cmd = []byte("\r\n")
	}

	timeout := w.cfg.ReadTimeout.Duration
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	resp, err := w.Scale.SendAndReceive(ctx, cmd, timeout)
	if err != nil {
		obs.Quality = classifyTransportFailure(err)
		return err
	}
	obs.Raw = v1.RawValue{Frame: string(resp)}

	dec, err := decode.DecodeScale(string(resp), ch, w.Template)
	if err != nil {
		obs.Quality = v1.QualityConfigurationError
		return nil
	}
	obs.Decoded = dec.Decoded
	obs.Stability = &dec.Stability

	rate := w.rates.Observe(w.cfg.DeviceID, ch.ChannelNumber, obs.Timestamp.Time, dec.Decoded.WeightValue, rateParams(ch))
	obs.Rate = rate

	obs.Quality = validate.Assign(dec.Decoded.WeightValue, rate, ch)
	return nil
}

func rateParams(ch v1.ChannelConfig) rateengine.Params {
	bits := 0
	switch ch.RegisterCount {
	case v1.RegisterWidthWord:
		bits = 16
	case v1.RegisterWidthDword:
		bits = 32
	case v1.RegisterWidthQword:
		bits = 64
	}
	var lowerBound float64
	if bits > 0 {
		lowerBound = float64(uint64(1)<<uint(bits-1)) / 2
	}
	window := ch.RateWindowSeconds
	if window <= 0 {
		window = 60
	}
	return rateengine.Params{
		WindowSeconds:      window,
		MinSampleSpan:      time.Second,
		RegisterBits:       bits,
		RolloverLowerBound: lowerBound,
	}
}

func classifyTransportFailure(err error) v1.Quality {
	if errors.Is(err, v1.ErrCancelled) {
		return v1.QualityTimeout
	}
	return v1.QualityDeviceFailure
}
