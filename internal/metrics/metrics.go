// Package metrics holds the Prometheus collectors of the session controller.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "wa_sessions"

type Metrics struct {
	transitions     *prometheus.CounterVec
	bundleSaves     *prometheus.CounterVec
	bundleRestores  *prometheus.CounterVec
	broadcastDrops  prometheus.Counter
	activeRuntimes  prometheus.Gauge
	subscribers     prometheus.Gauge
	provisionErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg
// registers nothing.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Session state transitions by target status.",
		}, []string{"status"}),
		bundleSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_saves_total",
			Help:      "Credential bundle save attempts by result.",
		}, []string{"result"}),
		bundleRestores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bundle_restores_total",
			Help:      "Credential bundle restore attempts by result.",
		}, []string{"result"}),
		broadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_dropped_total",
			Help:      "Status messages dropped because a subscriber queue was full.",
		}),
		activeRuntimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runtimes",
			Help:      "Runtimes currently tracked by the supervisor.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers",
			Help:      "Open status subscriptions.",
		}),
		provisionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provision_errors_total",
			Help:      "Failed provisioning attempts by stage.",
		}, []string{"stage"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.bundleSaves,
			m.bundleRestores,
			m.broadcastDrops,
			m.activeRuntimes,
			m.subscribers,
			m.provisionErrors,
		)
	}
	return m
}

func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

func (m *Metrics) BundleSaved(result string) {
	if m == nil {
		return
	}
	m.bundleSaves.WithLabelValues(result).Inc()
}

func (m *Metrics) BundleRestored(result string) {
	if m == nil {
		return
	}
	m.bundleRestores.WithLabelValues(result).Inc()
}

func (m *Metrics) BroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastDrops.Inc()
}

func (m *Metrics) SetActiveRuntimes(n int) {
	if m == nil {
		return
	}
	m.activeRuntimes.Set(float64(n))
}

func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

func (m *Metrics) SubscriberRemoved() {
	if m == nil {
		return
	}
	m.subscribers.Dec()
}

func (m *Metrics) ProvisionFailed(stage string) {
	if m == nil {
		return
	}
	m.provisionErrors.WithLabelValues(stage).Inc()
}
