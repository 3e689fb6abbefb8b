// Package metrics registers the Prometheus instruments shared by both binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsEmitted counts events entering the bus, by type.
	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_events_emitted_total",
		Help: "Events emitted onto the tenant event bus.",
	}, []string{"type"})

	// EventsPersisted counts events appended to the durable log.
	EventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_events_persisted_total",
		Help: "Events appended to the runtime event log.",
	})

	// WSSubscribers tracks currently attached websocket subscribers.
	WSSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_ws_subscribers",
		Help: "Currently attached websocket event subscribers.",
	})

	// RunnerCalls counts control-plane calls to the runner by action and outcome.
	RunnerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_runner_calls_total",
		Help: "Runner API calls issued by the control plane.",
	}, []string{"action", "outcome"})

	// ActiveMonitors tracks running bridge monitor supervisors.
	ActiveMonitors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_bridge_monitors_active",
		Help: "Active per-tenant bridge monitor tasks.",
	})

	// MonitorReconnects counts bridge websocket reconnect attempts.
	MonitorReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_bridge_monitor_reconnects_total",
		Help: "Bridge monitor reconnect attempts.",
	})

	// ReconcileCycles counts completed reconciler sweeps.
	ReconcileCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nexus_reconcile_cycles_total",
		Help: "Completed runner reconcile sweeps.",
	})
)
