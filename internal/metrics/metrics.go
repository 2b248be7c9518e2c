// Package metrics exposes registration outcomes and remaining quota to
// Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/stamptour/internal/reward"
)

const namespace = "stamptour"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	registrations *prometheus.CounterVec
	resets        prometheus.Counter
	remaining     *prometheus.GaugeVec
	duration      *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Registration attempts by outcome. Outcome is the tier key on success or the rejection reason.",
		}, []string{"outcome"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_resets_total",
			Help:      "Number of successful ledger resets.",
		}),
		remaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quota_remaining",
			Help:      "Remaining reward units per tier as of the last write.",
		}, []string{"tier"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	m.registry.MustRegister(m.registrations, m.resets, m.remaining, m.duration)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegistrationAccepted counts a registration under the tier it was granted.
func (m *Metrics) RegistrationAccepted(tier reward.Tier) {
	m.registrations.WithLabelValues(tier.Key).Inc()
}

// RegistrationFailed counts a failed registration under its reason code.
func (m *Metrics) RegistrationFailed(err error) {
	reason := reward.Reason(err)
	if reason == "" {
		reason = "internal"
	}
	m.registrations.WithLabelValues(reason).Inc()
}

func (m *Metrics) LedgerReset() {
	m.resets.Inc()
}

// SetRemaining records a quota snapshot.
func (m *Metrics) SetRemaining(table reward.Table, snap reward.Snapshot) {
	for _, t := range table.Tiers() {
		m.remaining.WithLabelValues(t.Key).Set(float64(snap.Remaining(t.Key)))
	}
}

// Observe records how long a route took, in seconds.
func (m *Metrics) Observe(route string, seconds float64) {
	m.duration.WithLabelValues(route).Observe(seconds)
}
