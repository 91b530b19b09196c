package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every fleetsync collector. It is served at /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ConnectionState is 1 for the current push-channel state and 0 for the others.
	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsync_connection_state",
			Help: "Current push channel state (1 for the active state).",
		},
		[]string{"state"},
	)

	// Reconnects counts scheduled reconnect attempts.
	Reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsync_reconnects_total",
			Help: "Total number of scheduled push channel reconnects.",
		},
	)

	// Degraded is 1 while the snapshot comes from fallback data.
	Degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsync_degraded",
			Help: "Whether the session runs on fallback data (1=degraded).",
		},
	)

	// PushMessages counts inbound push frames by type and outcome.
	PushMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_push_messages_total",
			Help: "Total number of inbound push messages.",
		},
		[]string{"type", "outcome"}, // outcome: applied/ignored/malformed/unknown_device
	)

	// Mutations counts settled optimistic mutations.
	Mutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_mutations_total",
			Help: "Total number of settled optimistic mutations.",
		},
		[]string{"kind", "outcome"}, // outcome: committed/rolled_back/superseded
	)

	// MutationLatency records remote call latency of optimistic mutations.
	MutationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetsync_mutation_latency_seconds",
			Help:    "Latency of the remote call behind an optimistic mutation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// SynthesizedAlarms counts alarms created locally from telemetry crossings.
	SynthesizedAlarms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_synthesized_alarms_total",
			Help: "Total number of alarms synthesized from telemetry crossings.",
		},
		[]string{"type"},
	)

	// Notifications counts pushed notifications.
	Notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_notifications_total",
			Help: "Total number of user notifications pushed.",
		},
		[]string{"kind"},
	)

	// Refreshes counts full loads by source.
	Refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsync_refreshes_total",
			Help: "Total number of full snapshot loads.",
		},
		[]string{"source"}, // source: backend/fallback/failed
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ConnectionState,
		Reconnects,
		Degraded,
		PushMessages,
		Mutations,
		MutationLatency,
		SynthesizedAlarms,
		Notifications,
		Refreshes,
	)
}

// SetConnectionState flips the state gauge so only state reads 1.
func SetConnectionState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		ConnectionState.WithLabelValues(s).Set(v)
	}
}

// SetDegraded mirrors the degraded flag.
func SetDegraded(degraded bool) {
	if degraded {
		Degraded.Set(1)
		return
	}
	Degraded.Set(0)
}
