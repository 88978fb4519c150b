// Package metrics exposes the engine's runtime state as Prometheus
// collectors: per-device health gauges fed by the Observation Bus's health
// stream, and TSDB Writer backpressure gauges polled on an interval.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	v1 "github.com/fieldgate/acqengine/api/v1"
)

// WriterStats is the subset of tsdb.Writer the Registry polls.
type WriterStats interface {
	DropCount() int64
	HighWaterMark() int
}

// Registry owns the engine's Prometheus collectors.
type Registry struct {
	connected    *prometheus.GaugeVec
	successRate  *prometheus.GaugeVec
	consecutiveF *prometheus.GaugeVec
	totalReads   *prometheus.GaugeVec
	writerDrops  prometheus.Gauge
	writerHigh   prometheus.Gauge
}

// NewRegistry builds and registers the engine's collectors against reg. A
// nil reg uses prometheus.DefaultRegisterer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Registry{
		connected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "device_connected",
			Help: "1 if the device's transport is currently connected, else 0.",
		}, []string{"device_id"}),
		successRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "device_success_rate",
			Help: "Fraction of reads that have succeeded over the device's lifetime.",
		}, []string{"device_id"}),
		consecutiveF: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "device_consecutive_failures",
			Help: "Current consecutive read failure count for the device.",
		}, []string{"device_id"}),
		totalReads: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "device_reads_total",
			Help: "Total reads attempted for the device, as of the latest snapshot.",
		}, []string{"device_id"}),
		writerDrops: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "writer_dropped_points_total",
			Help: "Points dropped by the TSDB writer on buffer overflow, encode failure, or retry exhaustion.",
		}),
		writerHigh: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "acqengine", Name: "writer_buffer_high_water",
			Help: "Largest batch size observed by the TSDB writer.",
		}),
	}
}

// Observe folds one DeviceHealth snapshot into the per-device gauges.
func (r *Registry) Observe(h v1.DeviceHealth) {
	connected := 0.0
	if h.IsConnected {
		connected = 1.0
	}
	r.connected.WithLabelValues(h.DeviceID).Set(connected)
	r.successRate.WithLabelValues(h.DeviceID).Set(h.SuccessRate())
	r.consecutiveF.WithLabelValues(h.DeviceID).Set(float64(h.ConsecutiveFailures))
	r.totalReads.WithLabelValues(h.DeviceID).Set(float64(h.TotalReads))
}

// Forget removes a device's label set after it is removed from the fleet.
func (r *Registry) Forget(deviceID string) {
	r.connected.DeleteLabelValues(deviceID)
	r.successRate.DeleteLabelValues(deviceID)
	r.consecutiveF.DeleteLabelValues(deviceID)
	r.totalReads.DeleteLabelValues(deviceID)
}

// PollWriterStats updates the writer gauges once.
func (r *Registry) PollWriterStats(stats WriterStats) {
	r.writerDrops.Set(float64(stats.DropCount()))
	r.writerHigh.Set(float64(stats.HighWaterMark()))
}

// RunWriterPoll polls stats every interval until ctx is cancelled.
func (r *Registry) RunWriterPoll(ctx context.Context, stats WriterStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.PollWriterStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
