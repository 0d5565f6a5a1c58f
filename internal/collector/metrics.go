package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	ticks        prometheus.Counter
	skipped      prometheus.Counter
	drainErrors  prometheus.Counter
	persistFails prometheus.Counter
	retries      prometheus.Counter
	dropped      prometheus.Counter
	entries      prometheus.Histogram
	tickSeconds  prometheus.Histogram
	bytes        *prometheus.CounterVec
	processes    prometheus.Gauge
}

// newMetrics registers the collector's metrics with reg. A nil reg yields
// unregistered metrics that are still safe to update.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		ticks: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "ticks_total",
			Help: "Drain ticks run.",
		}),
		skipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "ticks_skipped_total",
			Help: "Ticks skipped because the previous one was still running.",
		}),
		drainErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "drain_errors_total",
			Help: "Drains that failed; their interval's traffic is lost.",
		}),
		persistFails: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "batches_dropped_total",
			Help: "Batches dropped after every persist attempt failed.",
		}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "persist_retries_total",
			Help: "Persist attempts beyond the first.",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "capture", Name: "dropped_events_total",
			Help: "Capture events lost to a full capture map.",
		}),
		entries: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "drained_entries",
			Help:    "Capture map entries per drain.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tickSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "tick_duration_seconds",
			Help:    "Time spent draining and persisting one tick.",
			Buckets: prometheus.DefBuckets,
		}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "bytes_total",
			Help: "Bytes drained from the capture map.",
		}, []string{"protocol", "direction"}),
		processes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "bwtrack", Subsystem: "collector", Name: "active_processes",
			Help: "Processes with traffic in the latest snapshot.",
		}),
	}
}
