// Package metrics defines Prometheus metrics for dispatchd.
//
// All metrics are registered against a package-local registry rather than
// the global default registry, so a single process can host multiple
// dispatchd instances (e.g. in tests) without collector collisions.
//
// Metric naming follows Prometheus conventions:
//   - dispatchd_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the package-local collector registry. Handler() serves it.
var Registry = prometheus.NewRegistry()

var (
	// TicksTotal counts dispatcher ticks by outcome (dispatched, skipped, error).
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_dispatcher_ticks_total",
			Help: "Total dispatcher ticks by outcome.",
		},
		[]string{"outcome"},
	)

	// TickDurationSeconds is a histogram of dispatcher tick duration.
	TickDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_dispatcher_tick_duration_seconds",
			Help:    "Duration of a single dispatcher tick.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// PoolAssignmentsTotal counts agent-pool assignments by role and result.
	PoolAssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_pool_assignments_total",
			Help: "Total agent pool assignment attempts by role and result.",
		},
		[]string{"role", "result"},
	)

	// PoolUtilization is the fraction of agents currently busy, by role.
	PoolUtilization = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatchd_pool_utilization_ratio",
			Help: "Fraction of agents currently busy, by role.",
		},
		[]string{"role"},
	)

	// SupervisorSpawnsTotal counts spawn decisions by outcome.
	SupervisorSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_supervisor_spawns_total",
			Help: "Total supervisor spawn decisions by outcome (allowed, ceiling_reached).",
		},
		[]string{"outcome"},
	)

	// SupervisorActiveHandles is the number of currently tracked agent handles.
	SupervisorActiveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_supervisor_active_handles",
			Help: "Number of agent handles currently tracked by the supervisor.",
		},
	)

	// VerifierGateRunsTotal counts gate executions by gate name and result.
	VerifierGateRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_verifier_gate_runs_total",
			Help: "Total verification gate runs by gate name and result.",
		},
		[]string{"gate", "result"},
	)

	// VerifierDurationSeconds is a histogram of full verification pass duration.
	VerifierDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatchd_verifier_duration_seconds",
			Help:    "Duration of a full verification pass across all gates.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	// EscalationsTotal counts blocker escalations by SLA level.
	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_escalations_total",
			Help: "Total blocker escalations created by SLA level.",
		},
		[]string{"level"},
	)

	// BlockedTasksGauge is the number of tasks currently blocked.
	BlockedTasksGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_blocked_tasks",
			Help: "Number of tasks currently in the blocked state.",
		},
	)

	// RollbackDecisionsTotal counts rollback monitor decisions.
	RollbackDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatchd_rollback_decisions_total",
			Help: "Total rollback monitor decisions by outcome (healthy, degrade, escalate, rollback).",
		},
		[]string{"decision"},
	)

	// KillSwitchActive reports whether the DISABLE_NEW kill switch is tripped.
	KillSwitchActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatchd_kill_switch_active",
			Help: "1 if the DISABLE_NEW kill switch is tripped, 0 otherwise.",
		},
	)
)

func init() {
	Registry.MustRegister(
		TicksTotal,
		TickDurationSeconds,
		PoolAssignmentsTotal,
		PoolUtilization,
		SupervisorSpawnsTotal,
		SupervisorActiveHandles,
		VerifierGateRunsTotal,
		VerifierDurationSeconds,
		EscalationsTotal,
		BlockedTasksGauge,
		RollbackDecisionsTotal,
		KillSwitchActive,
	)
}

// Handler returns an http.Handler serving the package registry in
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTick records one dispatcher tick's outcome and duration.
func RecordTick(outcome string, duration time.Duration) {
	TicksTotal.WithLabelValues(outcome).Inc()
	TickDurationSeconds.Observe(duration.Seconds())
}

// RecordPoolAssignment records one agent-pool assignment attempt.
func RecordPoolAssignment(role, result string) {
	PoolAssignmentsTotal.WithLabelValues(role, result).Inc()
}

// RecordSupervisorSpawn records one supervisor spawn decision.
func RecordSupervisorSpawn(outcome string) {
	SupervisorSpawnsTotal.WithLabelValues(outcome).Inc()
}

// RecordVerifierGate records one gate's execution result.
func RecordVerifierGate(gate, result string) {
	VerifierGateRunsTotal.WithLabelValues(gate, result).Inc()
}

// RecordVerifierPass records the duration of a full verification pass.
func RecordVerifierPass(duration time.Duration) {
	VerifierDurationSeconds.Observe(duration.Seconds())
}

// RecordEscalation records one blocker escalation at the given SLA level.
func RecordEscalation(level string) {
	EscalationsTotal.WithLabelValues(level).Inc()
}

// RecordRollbackDecision records one rollback monitor decision.
func RecordRollbackDecision(decision string) {
	RollbackDecisionsTotal.WithLabelValues(decision).Inc()
}

// SetKillSwitchActive updates the kill-switch gauge.
func SetKillSwitchActive(active bool) {
	if active {
		KillSwitchActive.Set(1)
		return
	}
	KillSwitchActive.Set(0)
}
