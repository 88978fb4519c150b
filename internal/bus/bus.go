// Package bus implements the Observation Bus (spec.md §4.11): two
// independent, multi-subscriber broadcast streams (observations, health)
// with per-subscriber bounded queues and non-blocking publication. The
// design notes (spec.md §9) call for a hand-rolled fan-out over generic
// observable combinators; this package is that dispatcher.
package bus

import (
	"sync"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

const defaultQueueCapacity = 1024

// ObservationBus broadcasts Observation records with a drop-oldest
// backpressure policy per subscriber.
type ObservationBus struct {
	mu   sync.Mutex
	subs map[int]chan v1.Observation
	next int
	cap  int
}

// NewObservationBus builds a bus whose subscriber queues hold capacity
// items (default 1024 when capacity <= 0).
func NewObservationBus(capacity int) *ObservationBus {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &ObservationBus{subs: make(map[int]chan v1.Observation), cap: capacity}
}

// Subscribe returns a receive-only channel and an unsubscribe function.
func (b *ObservationBus) Subscribe() (<-chan v1.Observation, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan v1.Observation, b.cap)
	b.subs[id] = ch
	return ch, func() { b.unsubscribe(id) }
}

func (b *ObservationBus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish fans out obs to every subscriber without blocking the producer:
// per (device_id, channel_number), publish order is preserved (spec.md
// §4.11's ordering guarantee) because each subscriber's channel is FIFO and
// a single Device Worker is the sole producer for its own device/channel.
func (b *ObservationBus) Publish(obs v1.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- obs:
		default:
			// drop-oldest: evict one queued item, then retry once.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- obs:
			default:
			}
		}
	}
}

// Close tears down every subscriber channel.
func (b *ObservationBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// HealthBus broadcasts DeviceHealth snapshots with a drop-oldest-
// except-latest policy: each subscriber queue holds only the most recent
// snapshot per device, so a newer snapshot replaces an older queued one
// for the same device. When a queue holds more than its capacity of
// distinct devices, the oldest device's entry (its latest snapshot) is
// dropped.
type HealthBus struct {
	mu   sync.Mutex
	subs map[int]*healthSub
	next int
	cap  int
}

type healthSub struct {
	mu     sync.Mutex
	order  []string // device IDs in arrival order, oldest first
	byDev  map[string]v1.DeviceHealth
	notify chan struct{}
}

// NewHealthBus builds a bus whose subscriber queues hold up to capacity
// distinct devices' latest snapshots (default 1024).
func NewHealthBus(capacity int) *HealthBus {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &HealthBus{subs: make(map[int]*healthSub), cap: capacity}
}

// HealthSubscription is the consumer handle returned by Subscribe.
type HealthSubscription struct {
	sub        *healthSub
	unsubscribe func()
}

// Subscribe returns a subscription whose Recv blocks until a snapshot is
// available.
func (b *HealthBus) Subscribe() *HealthSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	s := &healthSub{byDev: make(map[string]v1.DeviceHealth), notify: make(chan struct{}, 1)}
	b.subs[id] = s
	return &HealthSubscription{sub: s, unsubscribe: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}}
}

// Unsubscribe removes this subscription from the bus.
func (s *HealthSubscription) Unsubscribe() { s.unsubscribe() }

// Notify returns the channel that fires (non-blockingly, best-effort) when
// new snapshots are queued.
func (s *HealthSubscription) Notify() <-chan struct{} { return s.sub.notify }

// Recv pops the oldest queued snapshot, if any.
func (s *HealthSubscription) Recv() (v1.DeviceHealth, bool) {
	sub := s.sub
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.order) == 0 {
		return v1.DeviceHealth{}, false
	}
	devID := sub.order[0]
	sub.order = sub.order[1:]
	h := sub.byDev[devID]
	delete(sub.byDev, devID)
	return h, true
}

// Publish fans out a health snapshot to every subscriber. A subscriber
// queue already holding a snapshot for this device has it overwritten
// in place (preserving its position), matching "latest per device is
// always retained"; otherwise the snapshot is appended and, if the queue
// now exceeds capacity, the oldest *different* device's entry is evicted.
func (b *HealthBus) Publish(h v1.DeviceHealth) {
	b.mu.Lock()
	subs := make([]*healthSub, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	cap := b.cap
	b.mu.Unlock()

	for _, s := range subs {
		s.mu.Lock()
		if _, exists := s.byDev[h.DeviceID]; exists {
			s.byDev[h.DeviceID] = h
		} else {
			s.byDev[h.DeviceID] = h
			s.order = append(s.order, h.DeviceID)
			if len(s.order) > cap {
				evict := s.order[0]
				s.order = s.order[1:]
				delete(s.byDev, evict)
			}
		}
		s.mu.Unlock()
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
}
