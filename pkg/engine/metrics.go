package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// MedwatchOpenAlerts tracks currently open alerts by severity.
	MedwatchOpenAlerts = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medwatch_open_alerts",
			Help: "Number of open refill alerts by severity",
		},
		[]string{"level"},
	)

	// MedwatchAlertTransitionsTotal counts alert lifecycle transitions.
	MedwatchAlertTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medwatch_alert_transitions_total",
			Help: "Total alert state transitions by kind",
		},
		[]string{"transition"},
	)

	// MedwatchChecksTotal counts completed trigger-check passes.
	MedwatchChecksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medwatch_checks_total",
			Help: "Total trigger-check passes completed",
		},
	)

	// MedwatchCheckFailuresTotal counts per-medication evaluation failures.
	MedwatchCheckFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "medwatch_check_failures_total",
			Help: "Total per-medication evaluation failures",
		},
	)

	// MedwatchDaysRemaining tracks the latest forecast per medication.
	MedwatchDaysRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "medwatch_days_remaining",
			Help: "Forecast days of supply remaining per medication",
		},
		[]string{"medication_id"},
	)
)

func init() {
	prometheus.MustRegister(MedwatchOpenAlerts)
	prometheus.MustRegister(MedwatchAlertTransitionsTotal)
	prometheus.MustRegister(MedwatchChecksTotal)
	prometheus.MustRegister(MedwatchCheckFailuresTotal)
	prometheus.MustRegister(MedwatchDaysRemaining)
}
