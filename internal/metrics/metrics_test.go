package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("ready")
	m.BundleSaved("ok")
	m.BundleRestored("not_found")
	m.BroadcastDropped()
	m.SetActiveRuntimes(3)
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.ProvisionFailed("restore")
}

func TestCollectorsRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Transition("ready")
	m.Transition("ready")
	m.BroadcastDropped()
	m.SetActiveRuntimes(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[f.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[f.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}

	if got := values["wa_sessions_transitions_total"]; got != 2 {
		t.Errorf("transitions_total = %v, want 2", got)
	}
	if got := values["wa_sessions_broadcast_dropped_total"]; got != 1 {
		t.Errorf("broadcast_dropped_total = %v, want 1", got)
	}
	if got := values["wa_sessions_active_runtimes"]; got != 2 {
		t.Errorf("active_runtimes = %v, want 2", got)
	}
}
