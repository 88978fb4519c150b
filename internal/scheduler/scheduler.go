// Package scheduler implements the Scheduler/Supervisor (spec.md §4.9):
// owns the device_id -> Worker map, the global parallelism gate, and the
// add/remove/update lifecycle for runtime reconfiguration.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/internal/bus"
	"github.com/fieldgate/acqengine/internal/health"
	"github.com/fieldgate/acqengine/internal/rateengine"
	"github.com/fieldgate/acqengine/internal/worker"
	"github.com/fieldgate/acqengine/pkg/log"
	"github.com/fieldgate/acqengine/pkg/protocol"
	"github.com/fieldgate/acqengine/pkg/transport/modbus"
	"github.com/fieldgate/acqengine/pkg/transport/scaletcp"
)

const defaultDiscoveryTimeout = 5 * time.Second

const defaultStopGrace = 5 * time.Second

// WorkerFactory builds the transport-bound Worker for one device. The
// Engine composition root supplies the real implementation; tests supply
// fakes.
type WorkerFactory func(cfg v1.DeviceConfig, rates *rateengine.Engine, obsBus worker.ObservationPublisher, healthRec worker.HealthRecorder, gate worker.Semaphore) *worker.Worker

// DefaultWorkerFactory builds a Worker wired to real modbus/scaletcp
// transports selected by cfg.Kind. Scale devices get a protocol template
// resolved from catalog: cfg.ForcedProtocolTemplateID when set, otherwise
// a fresh discovery run against the device (spec.md §4.4).
func DefaultWorkerFactory(catalog []v1.ProtocolTemplate, logger log.Logger) WorkerFactory {
	return func(cfg v1.DeviceConfig, rates *rateengine.Engine, obsBus worker.ObservationPublisher, healthRec worker.HealthRecorder, gate worker.Semaphore) *worker.Worker {
		w := worker.New(cfg, rates, obsBus, healthRec, gate, logger)
		switch cfg.Kind {
		case v1.DeviceKindCounterModbusTCP:
			w.Counter = modbus.New(cfg, logger, nil)
		case v1.DeviceKindScaleTCPSerial:
			w.Scale = scaletcp.New(cfg, logger, nil)
			w.Template = resolveTemplate(cfg, catalog, logger)
		}
		return w
	}
}

// resolveTemplate picks the protocol template a scale worker should frame
// its commands with: a forced template by ID, or a fresh discovery pass
// over catalog against the device's own address.
func resolveTemplate(cfg v1.DeviceConfig, catalog []v1.ProtocolTemplate, logger log.Logger) v1.ProtocolTemplate {
	if cfg.ForcedProtocolTemplateID != "" {
		for _, t := range catalog {
			if t.ID == cfg.ForcedProtocolTemplateID {
				return t
			}
		}
		logger.Warnw("forced protocol template not found in catalog, falling back to discovery",
			"device_id", cfg.DeviceID, "template_id", cfg.ForcedProtocolTemplateID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDiscoveryTimeout)
	defer cancel()
	dial := func(ctx context.Context, host string, port int) protocol.Prober {
		probeCfg := cfg
		probeCfg.Host, probeCfg.Port = host, port
		return scaletcp.New(probeCfg, logger, nil)
	}
	tmpl, err := protocol.Discover(ctx, catalog, dial, cfg.Host, cfg.Port)
	if err != nil {
		logger.Warnw("protocol discovery failed, falling back to first catalog entry",
			"device_id", cfg.DeviceID, "error", err)
		if len(catalog) > 0 {
			return catalog[0]
		}
		return v1.ProtocolTemplate{}
	}
	return *tmpl
}

type entry struct {
	cfg    v1.DeviceConfig
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler owns the live device worker population.
type Scheduler struct {
	mu       sync.Mutex
	devices  map[string]*entry
	factory  WorkerFactory
	rates    *rateengine.Engine
	obsBus   *bus.ObservationBus
	health   *health.Tracker
	gate     *semaphore.Weighted
	logger   log.Logger
	stopGrace time.Duration

	running bool
}

// New builds a Scheduler. maxConcurrentDevices bounds the number of
// workers simultaneously inside a poll cycle (spec.md §4.9); <= 0 means
// unbounded.
func New(factory WorkerFactory, rates *rateengine.Engine, obsBus *bus.ObservationBus, healthTracker *health.Tracker, maxConcurrentDevices int, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default
	}
	var gate *semaphore.Weighted
	if maxConcurrentDevices > 0 {
		gate = semaphore.NewWeighted(int64(maxConcurrentDevices))
	}
	return &Scheduler{
		devices:   make(map[string]*entry),
		factory:   factory,
		rates:     rates,
		obsBus:    obsBus,
		health:    healthTracker,
		gate:      gate,
		logger:    logger,
		stopGrace: defaultStopGrace,
	}
}

// Start spawns one worker per enabled device in fleet and returns once
// every worker has initialized (spec.md §4.9's `start`). Workers are not
// necessarily connected yet.
func (s *Scheduler) Start(ctx context.Context, fleet []v1.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	for _, cfg := range fleet {
		hasEnabled := false
		for _, ch := range cfg.Channels {
			if ch.Enabled {
				hasEnabled = true
				break
			}
		}
		if !hasEnabled {
			continue
		}
		s.spawnLocked(ctx, cfg)
	}
	s.running = true
	return nil
}

func (s *Scheduler) spawnLocked(ctx context.Context, cfg v1.DeviceConfig) {
	var gate worker.Semaphore
	if s.gate != nil {
		gate = weightedAdapter{s.gate}
	}
	w := s.factory(cfg, s.rates, s.obsBus, s.health, gate)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.devices[cfg.DeviceID] = &entry{cfg: cfg, w: w, cancel: cancel, done: done}

	go func() {
		defer close(done)
		w.Run(runCtx)
	}()
}

// weightedAdapter narrows *semaphore.Weighted to worker.Semaphore.
type weightedAdapter struct{ w *semaphore.Weighted }

func (a weightedAdapter) Acquire(ctx context.Context, n int64) error { return a.w.Acquire(ctx, n) }
func (a weightedAdapter) Release(n int64)                            { a.w.Release(n) }

// Stop signals every worker to stop and waits up to grace per worker
// (spec.md §4.9's `stop`).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.devices))
	for _, e := range s.devices {
		entries = append(entries, e)
	}
	s.devices = make(map[string]*entry)
	s.running = false
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.w.Stop(s.stopGrace)
			e.cancel()
		}(e)
	}
	wg.Wait()
}

// Add spawns a worker for a new device (spec.md §4.9's `add`). Rejects a
// duplicate device_id.
func (s *Scheduler) Add(ctx context.Context, cfg v1.DeviceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.devices[cfg.DeviceID]; exists {
		return &v1.ControlError{Op: "add", Target: cfg.DeviceID, Err: v1.ErrDuplicateDevice}
	}
	s.health.RecordUnknown(cfg.DeviceID)
	s.spawnLocked(ctx, cfg)
	return nil
}

// Remove cancels and tears down a device's worker (spec.md §4.9's
// `remove`). Rejects an unknown device_id.
func (s *Scheduler) Remove(deviceID string) error {
	s.mu.Lock()
	e, exists := s.devices[deviceID]
	if !exists {
		s.mu.Unlock()
		return &v1.ControlError{Op: "remove", Target: deviceID, Err: v1.ErrDeviceNotFound}
	}
	delete(s.devices, deviceID)
	s.mu.Unlock()

	e.w.Stop(s.stopGrace)
	e.cancel()
	<-e.done
	s.health.Forget(deviceID)
	return nil
}

// Update replaces a device's worker with one built from the new config,
// preserving the device's running statistics (spec.md §4.9's `update`:
// "equivalent to remove then add but total_reads/successful_reads are
// carried over").
func (s *Scheduler) Update(ctx context.Context, cfg v1.DeviceConfig) error {
	s.mu.Lock()
	e, exists := s.devices[cfg.DeviceID]
	if !exists {
		s.mu.Unlock()
		return &v1.ControlError{Op: "update", Target: cfg.DeviceID, Err: v1.ErrDeviceNotFound}
	}
	delete(s.devices, cfg.DeviceID)
	s.mu.Unlock()

	e.w.Stop(s.stopGrace)
	e.cancel()
	<-e.done

	for _, ch := range e.cfg.Channels {
		s.rates.Reset(cfg.DeviceID, ch.ChannelNumber)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawnLocked(ctx, cfg)
	return nil
}

// ReadNow runs one out-of-band collection pass against a live device's
// worker, bypassing health/bus side effects (spec.md §6's `read_now`).
func (s *Scheduler) ReadNow(ctx context.Context, deviceID string) ([]v1.Observation, error) {
	s.mu.Lock()
	e, exists := s.devices[deviceID]
	s.mu.Unlock()
	if !exists {
		return nil, &v1.ControlError{Op: "read_now", Target: deviceID, Err: v1.ErrDeviceNotFound}
	}
	return e.w.CollectOnce(ctx), nil
}

// IsRunning reports whether Start has been called without a matching
// Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DeviceIDs returns the currently tracked device IDs.
func (s *Scheduler) DeviceIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.devices))
	for id := range s.devices {
		out = append(out, id)
	}
	return out
}
