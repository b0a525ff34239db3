// Package metrics holds the Prometheus collectors of the provisioning backend
// and the server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/ruteri/vless-provisioning-backend/common"
)

var (
	// Engine process
	EngineStarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "engine_starts_total",
			Help:      "Total number of engine process launches",
		},
	)

	EngineRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "engine_restarts_total",
			Help:      "Total number of requested engine restarts",
		},
	)

	EngineUnexpectedExits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "engine_unexpected_exits_total",
			Help:      "Total number of engine exits not requested by the supervisor",
		},
	)

	EngineRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.PackageName,
			Name:      "engine_running",
			Help:      "1 while the engine process is alive",
		},
	)

	// Control plane
	ControlPlaneRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "control_plane_requests_total",
			Help:      "Total number of engine API calls",
		},
		[]string{"method", "result"},
	)

	ControlPlaneDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: common.PackageName,
			Name:      "control_plane_request_duration_seconds",
			Help:      "Engine API call duration distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Admission
	AdmissionOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "admission_outcomes_total",
			Help:      "Admission check results by outcome",
		},
		[]string{"outcome"},
	)

	PendingCredentials = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.PackageName,
			Name:      "pending_credentials",
			Help:      "Number of credentials awaiting their admission check",
		},
	)

	IssuedCredentials = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.PackageName,
			Name:      "issued_credentials_total",
			Help:      "Total number of credentials issued",
		},
	)
)

// Admission outcome label values.
const (
	OutcomePromoted = "promoted"
	OutcomeEvicted  = "evicted"
	OutcomeDeferred = "deferred"
	OutcomeSkipped  = "skipped"
)

// Control plane result label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
