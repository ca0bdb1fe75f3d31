package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsOriginatedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "calls_originated_total",
			Help:      "Total outbound call originate attempts.",
		},
		[]string{"result"}, // "ok", "switch_unavailable", "routing_failed", "rejected"
	)
	inboundRoutedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "inbound_calls_routed_total",
			Help:      "Total inbound calls routed to a persona.",
		},
		[]string{"result"}, // "ok", "unrouteable"
	)
	callEventsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "switch_events_total",
			Help:      "Total call events consumed from the switch feed.",
		},
		[]string{"type"},
	)
	speechEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "speech_requests_total",
			Help:      "Total speech requests enqueued.",
		},
		[]string{"priority"},
	)
	speechSaturationCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "speech_queue_saturation_total",
			Help:      "Total enqueue attempts rejected by queue backpressure.",
		},
	)
	leaseOpsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "lease_operations_total",
			Help:      "Total ledger lease/release operations.",
		},
		[]string{"operation", "result"},
	)
	personaNameCollisionCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "persona_name_collisions_total",
			Help:      "Advisory display-name collisions between active personas.",
		},
	)
	invalidTransitionCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phone_system",
			Name:      "invalid_session_transitions_total",
			Help:      "Session transitions rejected by the state machine.",
		},
	)
	activeCallsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phone_system",
			Name:      "active_calls",
			Help:      "Number of sessions not yet in a terminal state.",
		},
	)
	leasedNumbersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phone_system",
			Name:      "leased_numbers",
			Help:      "Numbers currently leased to tenants.",
		},
	)
	freeNumbersGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "phone_system",
			Name:      "free_numbers",
			Help:      "Numbers currently free in the inventory pool.",
		},
	)
)
