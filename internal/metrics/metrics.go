// Package metrics registers the process's Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "tempo"
	subsystem = "core"
)

var (
	bundlesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bundles_scheduled_total",
			Help:      "Schedule requests by outcome (scheduled, replay, rejected)",
		},
		[]string{"outcome", "apply_mode"},
	)

	bundlesSettled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bundles_settled_total",
			Help:      "Bundles reaching a terminal status",
		},
		[]string{"status"},
	)

	rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rejections_total",
			Help:      "Client-visible failures by error code",
		},
		[]string{"code"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Commands waiting in the scheduling queue",
		},
	)

	stateVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_version",
			Help:      "Current canonical state version",
		},
	)

	eventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Events published on the bus by type",
		},
		[]string{"type"},
	)

	subscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "subscribers_dropped_total",
			Help:      "Event subscribers disconnected for falling behind",
		},
	)

	journalDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "journal_dropped_total",
			Help:      "Events not journaled because the journal backlog was full",
		},
	)

	scheduleLatency = promauto.NewSummary(
		prometheus.SummaryOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "schedule_duration_milliseconds",
			Help:      "Time taken to admit a schedule request (in milliseconds)",
			Objectives: map[float64]float64{
				0.5:  0.01,
				0.95: 0.01,
				0.99: 0.01,
			},
		},
	)

	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridge_tick_duration_seconds",
			Help:      "Duration of execution bridge ticks in seconds",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.002, 0.005, 0.01, 0.05},
		},
	)

	lateFirings = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bridge_firing_lateness_beats",
			Help:      "How far past its target beat a command fired",
			Buckets:   []float64{0, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
	)
)

// IncScheduled counts a schedule request outcome.
func IncScheduled(outcome, applyMode string) {
	bundlesScheduled.WithLabelValues(outcome, applyMode).Inc()
}

// IncSettled counts a bundle reaching a terminal status.
func IncSettled(status string) {
	bundlesSettled.WithLabelValues(status).Inc()
}

// IncRejection counts a client-visible failure.
func IncRejection(code string) {
	rejections.WithLabelValues(code).Inc()
}

// SetQueueDepth records the scheduling queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetStateVersion records the canonical state version.
func SetStateVersion(v int64) {
	stateVersion.Set(float64(v))
}

// IncEventPublished counts a published event.
func IncEventPublished(eventType string) {
	eventsPublished.WithLabelValues(eventType).Inc()
}

// IncSubscriberDropped counts a dropped slow subscriber.
func IncSubscriberDropped() {
	subscribersDropped.Inc()
}

// IncJournalDropped counts an event the journal could not keep up with.
func IncJournalDropped() {
	journalDropped.Inc()
}

// ObserveSchedule records how long a schedule request took.
func ObserveSchedule(d time.Duration) {
	scheduleLatency.Observe(float64(d) / float64(time.Millisecond))
}

// ObserveTick records an execution bridge tick.
func ObserveTick(d time.Duration) {
	tickDuration.Observe(d.Seconds())
}

// ObserveLateness records how late a command fired, in beats.
func ObserveLateness(beats float64) {
	if beats < 0 {
		beats = 0
	}
	lateFirings.Observe(beats)
}
