// Package metrics exposes the engine's Prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	syncTotal         *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	groupReplacements prometheus.Counter

	sweepSubscriptions *prometheus.CounterVec
	sweepDuration      prometheus.Histogram

	disconnectsTotal    *prometheus.CounterVec
	staleSessionsClosed prometheus.Counter
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		syncTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_sync_total",
				Help: "Subscription syncs by result",
			},
			[]string{"result"},
		),

		transitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_transitions_total",
				Help: "Subscription status transitions",
			},
			[]string{"from", "to"},
		),

		groupReplacements: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radsync_group_replacements_total",
				Help: "Package groups rewritten because they were missing or stale",
			},
		),

		sweepSubscriptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_sweep_subscriptions_total",
				Help: "Subscriptions handled by the expiry sweep by outcome",
			},
			[]string{"outcome"},
		),

		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radsync_sweep_duration_seconds",
				Help:    "Duration of one expiry sweep run",
				Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),

		disconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radsync_disconnects_total",
				Help: "Disconnect-Request packets sent by result",
			},
			[]string{"result"},
		),

		staleSessionsClosed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radsync_stale_sessions_closed_total",
				Help: "Accounting sessions closed for lack of interim updates",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.syncTotal,
		m.transitionsTotal,
		m.groupReplacements,
		m.sweepSubscriptions,
		m.sweepDuration,
		m.disconnectsTotal,
		m.staleSessionsClosed,
	}
}

// Register adds every metric to reg. Already registered collectors are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// --- Metric update methods ---

// RecordSync records the result of one Sync call
func (m *Metrics) RecordSync(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.syncTotal.WithLabelValues(result).Inc()
}

// RecordTransition records a status change
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordGroupReplaced records a group rewrite
func (m *Metrics) RecordGroupReplaced() {
	if m == nil {
		return
	}
	m.groupReplacements.Inc()
}

// RecordSweepOutcome counts n subscriptions with the given sweep outcome
func (m *Metrics) RecordSweepOutcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepSubscriptions.WithLabelValues(outcome).Add(float64(n))
}

// ObserveSweep records how long a sweep took
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// RecordDisconnect records one Disconnect-Request
func (m *Metrics) RecordDisconnect(err error) {
	if m == nil {
		return
	}
	result := "ack"
	if err != nil {
		result = "error"
	}
	m.disconnectsTotal.WithLabelValues(result).Inc()
}

// RecordStaleSessionsClosed counts accounting rows closed by the cleanup
func (m *Metrics) RecordStaleSessionsClosed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.staleSessionsClosed.Add(float64(n))
}
