// Package metrics provides Prometheus metrics for the portal.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GuardDecisions counts route guard outcomes.
	GuardDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "guard_decisions_total",
			Help:      "Total number of route guard decisions",
		},
		[]string{"route", "outcome"},
	)

	// AuthActions counts login and logout attempts.
	AuthActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "auth_actions_total",
			Help:      "Total number of login and logout attempts",
		},
		[]string{"action", "status"},
	)

	// AdapterFaults counts identity adapter faults converted to fallback values.
	AdapterFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "adapter_faults_total",
			Help:      "Total number of identity adapter faults",
		},
		[]string{"operation"},
	)

	// RenderFallbacks counts server renders that fell back to the static shell.
	RenderFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portal",
			Name:      "render_fallbacks_total",
			Help:      "Total number of renders served from the static shell after a renderer fault",
		},
	)

	// ActiveCoordinators tracks live browser session coordinators.
	ActiveCoordinators = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portal",
			Name:      "active_coordinators",
			Help:      "Number of browser session coordinators currently held",
		},
	)
)

// RecordGuard records a guard decision.
func RecordGuard(route, outcome string) {
	GuardDecisions.WithLabelValues(route, outcome).Inc()
}

// RecordAuthAction records a login or logout attempt.
func RecordAuthAction(action string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	AuthActions.WithLabelValues(action, status).Inc()
}

// RecordAdapterFault records a fault swallowed at the coordinator boundary.
func RecordAdapterFault(operation string) {
	AdapterFaults.WithLabelValues(operation).Inc()
}
