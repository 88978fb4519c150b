// Package tsdb implements the TSDB Writer (spec.md §4.12): a batching,
// retrying sink that serializes Observations as InfluxDB line-protocol
// points. A Null implementation is provided for when no backend is
// configured.
package tsdb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/influxdata/line-protocol/v2/lineprotocol"

	v1 "github.com/fieldgate/acqengine/api/v1"
	"github.com/fieldgate/acqengine/pkg/log"
	"github.com/fieldgate/acqengine/pkg/retry"
)

// state is the writer's lifecycle (spec.md §4.12: running -> flushing ->
// stopped).
type state int

const (
	stateRunning state = iota
	stateFlushing
	stateStopped
)

// BackendWriter is the minimal contract a time-series backend exposes: a
// synchronous write of one already-encoded batch, plus a cheap health
// ping. Concrete backends (HTTP line-protocol endpoints, a native client)
// implement this; Writer owns batching, retry, and the null fallback.
type BackendWriter interface {
	WriteBatch(ctx context.Context, points []byte) error
	Ping(ctx context.Context) error
}

// Writer batches Observations by size and time and flushes them to a
// BackendWriter under a retry policy.
type Writer struct {
	backend  BackendWriter
	logger   log.Logger
	executor *retry.Executor
	policy   v1.RetryPolicy

	batchSize         int
	maxBufferedPoints int
	flushInterval     time.Duration
	globalTags        map[string]string

	mu        sync.Mutex
	buf       []v1.Observation
	st        state
	highWater int
	dropCount int64

	flushNow chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures a Writer at construction time.
type Option func(*Writer)

// WithGlobalTags attaches engine-level tags to every written point.
func WithGlobalTags(tags map[string]string) Option {
	return func(w *Writer) { w.globalTags = tags }
}

// WithRetryPolicy overrides the default 3-attempt exponential backoff.
func WithRetryPolicy(p v1.RetryPolicy) Option {
	return func(w *Writer) { w.policy = p }
}

// WithMaxBufferedPoints overrides the default buffer cap (10x batchSize).
// Once the buffer reaches this size, Write drops the oldest buffered point
// to make room for the new one (spec.md §4.12's bounded buffer).
func WithMaxBufferedPoints(n int) Option {
	return func(w *Writer) { w.maxBufferedPoints = n }
}

func defaultRetryPolicy() v1.RetryPolicy {
	return v1.RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Strategy:     v1.RetryStrategyExponential,
		JitterFactor: 0.2,
	}
}

// New builds a Writer that batches up to batchSize points or flushes every
// flushInterval, whichever comes first, and drains in a background task
// started by Run.
func New(backend BackendWriter, batchSize int, flushInterval time.Duration, logger log.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = log.Default
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	w := &Writer{
		backend:           backend,
		logger:            logger,
		executor:          retry.NewExecutor(logger),
		policy:            defaultRetryPolicy(),
		batchSize:         batchSize,
		maxBufferedPoints: 10 * batchSize,
		flushInterval:     flushInterval,
		flushNow:          make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write enqueues one observation, triggering an immediate flush if the
// batch has reached batchSize. If the buffer is already at capacity, the
// oldest buffered point is dropped to make room (spec.md §4.12's bounded
// buffer, drop-oldest on overflow).
func (w *Writer) Write(obs v1.Observation) {
	w.mu.Lock()
	if len(w.buf) >= w.maxBufferedPoints {
		w.buf = w.buf[1:]
		w.dropCount++
	}
	w.buf = append(w.buf, obs)
	full := len(w.buf) >= w.batchSize
	if len(w.buf) > w.highWater {
		w.highWater = len(w.buf)
	}
	w.mu.Unlock()

	if full {
		select {
		case w.flushNow <- struct{}{}:
		default:
		}
	}
}

// WriteBatch enqueues every observation from an iterator-like slice.
func (w *Writer) WriteBatch(observations []v1.Observation) {
	for _, obs := range observations {
		w.Write(obs)
	}
}

// Run starts the background drain loop. Callers run it in its own
// goroutine and call Stop to terminate it.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.drain(ctx)
		case <-w.flushNow:
			w.drain(ctx)
		case <-w.stopCh:
			w.setState(stateFlushing)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(flushCtx)
			cancel()
			w.setState(stateStopped)
			return
		case <-ctx.Done():
			w.setState(stateFlushing)
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(flushCtx)
			cancel()
			w.setState(stateStopped)
			return
		}
	}
}

// Stop requests a final bounded-time flush and waits for the drain loop to
// exit.
func (w *Writer) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Writer) setState(s state) {
	w.mu.Lock()
	w.st = s
	w.mu.Unlock()
}

// Flush forces an immediate synchronous drain, used by Engine.Stop's final
// best-effort flush.
func (w *Writer) Flush(ctx context.Context) {
	w.drain(ctx)
}

func (w *Writer) drain(ctx context.Context) {
	w.mu.Lock()
	if len(w.buf) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buf
	w.buf = nil
	w.mu.Unlock()

	points, err := encode(batch, w.globalTags)
	if err != nil {
		w.logger.Errorw("tsdb encode failed, dropping batch", "error", err, "points", len(batch))
		w.recordDrop(len(batch))
		return
	}

	result := retry.Execute(ctx, w.executor, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.backend.WriteBatch(ctx, points)
	}, w.policy)

	if !result.OK {
		w.logger.Errorw("tsdb write exhausted retries, dropping batch", "error", result.Err, "points", len(batch))
		w.recordDrop(len(batch))
	}
}

func (w *Writer) recordDrop(n int) {
	w.mu.Lock()
	w.dropCount += int64(n)
	w.mu.Unlock()
}

// DropCount returns the running total of dropped points, for operator
// visibility (spec.md §4.12's writer_drop diagnostic): points evicted by
// Write when the buffer is full, plus whole batches dropped on encode
// failure or retry exhaustion.
func (w *Writer) DropCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropCount
}

// HighWaterMark returns the largest buffered batch size observed.
func (w *Writer) HighWaterMark() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highWater
}

// IsHealthy pings the backend with a short timeout.
func (w *Writer) IsHealthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return w.backend.Ping(pingCtx) == nil
}

// encode serializes a batch of Observations as line-protocol points, one
// per channel reading, tagged with device_id, channel_number, the
// observation's own tags, and globalTags.
func encode(batch []v1.Observation, globalTags map[string]string) ([]byte, error) {
	enc := &lineprotocol.Encoder{}
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, obs := range batch {
		enc.StartLine("observation")

		enc.AddTag("device_id", obs.DeviceID)
		enc.AddTag("channel_number", fmt.Sprintf("%d", obs.ChannelNumber))
		enc.AddTag("quality", string(obs.Quality))
		for k, v := range obs.Tags {
			enc.AddTag(k, v)
		}
		for k, v := range globalTags {
			enc.AddTag(k, v)
		}

		if obs.Decoded.IsWeight {
			enc.AddField("decoded_value", lineprotocol.MustNewValue(obs.Decoded.WeightValue))
		} else {
			enc.AddField("decoded_value", lineprotocol.MustNewValue(obs.Decoded.CounterValue))
		}
		if obs.Rate != nil {
			enc.AddField("rate", lineprotocol.MustNewValue(*obs.Rate))
		}

		enc.EndLine(obs.Timestamp.Time)
		if err := enc.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", v1.ErrDecodeFailed, err)
		}
	}

	return enc.Bytes(), nil
}

// Null is the no-op TSDB backend selected when the time-series store is
// not configured (spec.md §4.12): discards every write, always healthy.
type Null struct{}

func (Null) WriteBatch(ctx context.Context, points []byte) error { return nil }
func (Null) Ping(ctx context.Context) error                      { return nil }

// NewNoop builds a Writer backed by the Null implementation.
func NewNoop(logger log.Logger) *Writer {
	return New(Null{}, 1, time.Hour, logger)
}
