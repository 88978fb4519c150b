// Package engine is the composition root: it wires config validation, the
// device Scheduler, the Health Tracker, the Observation Bus, the TSDB
// Writer, and protocol discovery behind the Control API (spec.md §6).
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/config"
	"github.com/fieldgate/acqengine/internal/bus"
	"github.com/fieldgate/acqengine/internal/health"
	"github.com/fieldgate/acqengine/internal/metrics"
	"github.com/fieldgate/acqengine/internal/rateengine"
	"github.com/fieldgate/acqengine/internal/scheduler"
	"github.com/fieldgate/acqengine/internal/tsdb"
	"github.com/fieldgate/acqengine/internal/worker"
	"github.com/fieldgate/acqengine/pkg/log"
	"github.com/fieldgate/acqengine/pkg/protocol"
	"github.com/fieldgate/acqengine/pkg/transport/modbus"
	"github.com/fieldgate/acqengine/pkg/transport/scaletcp"
)

const (
	defaultMetricsPollInterval = 15 * time.Second
	defaultTestConnectTimeout  = 5 * time.Second
)

// Options configures a new Engine. A zero-value Options is usable: it
// disables the TSDB writer (tsdb.NewNoop), registers metrics in a fresh
// private registry that nothing serves, logs to stderr, and bounds
// concurrent poll cycles at 8.
type Options struct {
	Logger               log.Logger
	ProtocolCatalog      []v1.ProtocolTemplate
	Writer               *tsdb.Writer
	MaxConcurrentDevices int
	ObservationQueueCap  int
	HealthQueueCap       int
	MetricsRegisterer    prometheus.Registerer
}

// Engine is the running Acquisition Engine: one fleet of device workers,
// their shared buses, and the TSDB sink.
type Engine struct {
	mu      sync.RWMutex
	fleet   map[string]v1.DeviceConfig
	running bool

	catalog []v1.ProtocolTemplate

	rates     *rateengine.Engine
	obsBus    *bus.ObservationBus
	healthBus *bus.HealthBus
	health    *health.Tracker
	sched     *scheduler.Scheduler
	writer    *tsdb.Writer
	metrics   *metrics.Registry

	logger log.Logger

	cancelPipes context.CancelFunc
	pipesDone   chan struct{}
}

// New builds an Engine but does not start it; call Start with the initial
// fleet.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default
	}
	catalog := opts.ProtocolCatalog
	if catalog == nil {
		catalog = protocol.BuiltinCatalog()
	}
	writer := opts.Writer
	if writer == nil {
		writer = tsdb.NewNoop(logger)
	}
	maxConcurrent := opts.MaxConcurrentDevices
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	registerer := opts.MetricsRegisterer
	if registerer == nil {
		// A fresh registry per Engine, not prometheus.DefaultRegisterer:
		// several Engines (e.g. one per test) must not collide registering
		// the same collector names.
		registerer = prometheus.NewRegistry()
	}

	obsBus := bus.NewObservationBus(opts.ObservationQueueCap)
	healthBus := bus.NewHealthBus(opts.HealthQueueCap)
	reg := metrics.NewRegistry(registerer)
	healthTracker := health.New(&observingPublisher{bus: healthBus, metrics: reg}, logger)
	rates := rateengine.New()
	factory := scheduler.DefaultWorkerFactory(catalog, logger)
	sched := scheduler.New(factory, rates, obsBus, healthTracker, maxConcurrent, logger)

	return &Engine{
		fleet:     make(map[string]v1.DeviceConfig),
		catalog:   catalog,
		rates:     rates,
		obsBus:    obsBus,
		healthBus: healthBus,
		health:    healthTracker,
		sched:     sched,
		writer:    writer,
		metrics:   reg,
		logger:    logger,
	}
}

// observingPublisher fans a health snapshot out to both the broadcast bus
// and the metrics registry, so RecordOutcome's single call site keeps
// driving both consumers.
type observingPublisher struct {
	bus     *bus.HealthBus
	metrics *metrics.Registry
}

func (p *observingPublisher) Publish(h v1.DeviceHealth) {
	p.bus.Publish(h)
	p.metrics.Observe(h)
}

// Start validates fleet, rejects it wholesale on any configuration error,
// and spawns one worker per enabled device (spec.md §6's `start`).
func (e *Engine) Start(ctx context.Context, fleet []v1.DeviceConfig) error {
	if errs := config.Validate(fleet); len(errs) > 0 {
		return fmt.Errorf("%w: %d violation(s), first: %s", v1.ErrConfigurationInvalid, len(errs), errs[0].Error())
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	for _, cfg := range fleet {
		e.fleet[cfg.DeviceID] = cfg
	}
	e.running = true
	e.mu.Unlock()

	if err := e.sched.Start(ctx, fleet); err != nil {
		return err
	}

	pipeCtx, cancel := context.WithCancel(context.Background())
	e.cancelPipes = cancel
	e.pipesDone = make(chan struct{})
	go func() {
		defer close(e.pipesDone)
		e.runPipes(pipeCtx)
	}()

	return nil
}

// runPipes drains observations into the TSDB writer and polls writer
// backpressure into metrics until ctx is cancelled.
func (e *Engine) runPipes(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writer.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sub, unsubscribe := e.obsBus.Subscribe()
		defer unsubscribe()
		for {
			select {
			case obs, ok := <-sub:
				if !ok {
					return
				}
				e.writer.Write(obs)
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.metrics.RunWriterPoll(ctx, e.writer, defaultMetricsPollInterval)
	}()

	wg.Wait()
}

// Stop halts every device worker, flushes the TSDB writer one final time,
// and tears down the background pipes (spec.md §6's `stop`).
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.sched.Stop()

	if e.cancelPipes != nil {
		e.cancelPipes()
		<-e.pipesDone
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.writer.Flush(flushCtx)
	e.obsBus.Close()
}

// IsRunning reports whether the engine is currently started.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// AddDevice spawns a worker for a new device, rejecting a configuration
// that fails validation or a duplicate device_id (spec.md §6's `add`).
func (e *Engine) AddDevice(ctx context.Context, cfg v1.DeviceConfig) error {
	if errs := config.Validate([]v1.DeviceConfig{cfg}); len(errs) > 0 {
		return fmt.Errorf("%w: %s", v1.ErrConfigurationInvalid, errs[0].Error())
	}

	e.mu.Lock()
	if _, exists := e.fleet[cfg.DeviceID]; exists {
		e.mu.Unlock()
		return &v1.ControlError{Op: "add_device", Target: cfg.DeviceID, Err: v1.ErrDuplicateDevice}
	}
	e.fleet[cfg.DeviceID] = cfg
	e.mu.Unlock()

	if err := e.sched.Add(ctx, cfg); err != nil {
		e.mu.Lock()
		delete(e.fleet, cfg.DeviceID)
		e.mu.Unlock()
		return err
	}
	return nil
}

// RemoveDevice tears down a device's worker and its health record
// (spec.md §6's `remove`).
func (e *Engine) RemoveDevice(deviceID string) error {
	if err := e.sched.Remove(deviceID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.fleet, deviceID)
	e.mu.Unlock()
	e.metrics.Forget(deviceID)
	return nil
}

// UpdateDevice replaces a device's configuration in place, preserving its
// running statistics (spec.md §6's `update`).
func (e *Engine) UpdateDevice(ctx context.Context, cfg v1.DeviceConfig) error {
	if errs := config.Validate([]v1.DeviceConfig{cfg}); len(errs) > 0 {
		return fmt.Errorf("%w: %s", v1.ErrConfigurationInvalid, errs[0].Error())
	}
	if err := e.sched.Update(ctx, cfg); err != nil {
		return err
	}
	e.mu.Lock()
	e.fleet[cfg.DeviceID] = cfg
	e.mu.Unlock()
	return nil
}

// GetDeviceHealth returns the device's current health snapshot, or false if
// the device is not tracked (spec.md §6's `get_device_health`).
func (e *Engine) GetDeviceHealth(deviceID string) (v1.DeviceHealth, bool) {
	return e.health.Get(deviceID)
}

// GetAllDeviceHealth returns every tracked device's current health
// (spec.md §6's `get_all_device_health`).
func (e *Engine) GetAllDeviceHealth() []v1.DeviceHealth {
	return e.health.All()
}

// ObservationsStream subscribes to the live observation stream. The
// returned function unsubscribes and releases the channel.
func (e *Engine) ObservationsStream() (<-chan v1.Observation, func()) {
	return e.obsBus.Subscribe()
}

// HealthStream subscribes to the live health snapshot stream.
func (e *Engine) HealthStream() *bus.HealthSubscription {
	return e.healthBus.Subscribe()
}

// ReadNow runs a single out-of-band collection pass for a live device,
// without disturbing its scheduled cycle or health statistics (spec.md §6's
// `read_now`).
func (e *Engine) ReadNow(ctx context.Context, deviceID string) ([]v1.Observation, error) {
	return e.sched.ReadNow(ctx, deviceID)
}

// DiscoverProtocol runs protocol discovery against host:port using the
// engine's catalog, without requiring the device to be part of the fleet
// (spec.md §6's `discover_protocol`).
func (e *Engine) DiscoverProtocol(ctx context.Context, host string, port int) (*v1.ProtocolTemplate, error) {
	dial := func(ctx context.Context, host string, port int) protocol.Prober {
		return scaletcp.New(v1.DeviceConfig{
			Host: host, Port: port,
			ConnectTimeout: metav1.Duration{Duration: 2 * time.Second},
			ReadTimeout:    metav1.Duration{Duration: 2 * time.Second},
		}, e.logger, nil)
	}
	return protocol.Discover(ctx, e.catalog, dial, host, port)
}

// TestConnectivity runs a one-shot connect-and-read probe for cfg without
// adding it to the fleet, reusing the worker pipeline via a throwaway
// Worker so the probe exercises the exact same decode/rate/validate path a
// scheduled cycle would (spec.md §6's `test_connectivity`).
func (e *Engine) TestConnectivity(ctx context.Context, cfg v1.DeviceConfig) v1.ConnectivityTestResult {
	result := v1.ConnectivityTestResult{CorrelationID: uuid.NewString()}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	if errs := config.Validate([]v1.DeviceConfig{cfg}); len(errs) > 0 {
		for _, ce := range errs {
			result.Diagnostics = append(result.Diagnostics, ce.Error())
		}
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, defaultTestConnectTimeout)
	defer cancel()

	probe := worker.New(cfg, rateengine.New(), discardPublisher{}, discardHealth{}, nil, e.logger)
	switch cfg.Kind {
	case v1.DeviceKindCounterModbusTCP:
		probe.Counter = modbus.New(cfg, e.logger, nil)
	case v1.DeviceKindScaleTCPSerial:
		probe.Scale = scaletcp.New(cfg, e.logger, nil)
		dial := func(ctx context.Context, host string, port int) protocol.Prober {
			probeCfg := cfg
			probeCfg.Host, probeCfg.Port = host, port
			return scaletcp.New(probeCfg, e.logger, nil)
		}
		if tmpl, err := protocol.Discover(ctx, e.catalog, dial, cfg.Host, cfg.Port); err == nil {
			probe.Template = *tmpl
			result.WorkingProtocol = tmpl
		} else {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("protocol discovery: %v", err))
		}
	default:
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("unsupported device kind %q", cfg.Kind))
		return result
	}

	result.SampleObservations = probe.CollectOnce(ctx)
	for _, obs := range result.SampleObservations {
		switch obs.Quality {
		case v1.QualityGood, v1.QualityUncertain, v1.QualityOverflow:
			result.Success = true
		default:
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("channel %d: quality=%s", obs.ChannelNumber, obs.Quality))
		}
	}
	return result
}

// discardPublisher/discardHealth let TestConnectivity drive a real Worker
// without touching the live observation bus or health tracker.
type discardPublisher struct{}

func (discardPublisher) Publish(v1.Observation) {}

type discardHealth struct{}

func (discardHealth) RecordOutcome(v1.PollOutcome, int) {}
func (discardHealth) RecordTerminal(string)             {}
