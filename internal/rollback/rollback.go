// Package rollback implements the Rollback Monitor: it watches a
// worker's health for a grace window after a promotion and, depending
// on the observed failure pattern, restores the previous active worker
// or trips the global kill switch.
package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/liveflags"
	"github.com/marcus-qen/dispatchd/internal/metrics"
)

// Decision is the outcome of evaluating the rolling health-check window.
type Decision string

const (
	DecisionHealthy  Decision = "healthy"
	DecisionDegrade  Decision = "degrade"
	DecisionEscalate Decision = "escalate"
	DecisionRollback Decision = "rollback"
)

// HealthResult is one health check's outcome.
type HealthResult struct {
	ErrorRate  float64 // clamped to [0, 1]
	Failed     bool
	MemPercent float64
	UptimeSec  float64
	CheckedAt  time.Time
}

// HealthChecker performs one health check against the active worker.
type HealthChecker interface {
	Check(ctx context.Context) (HealthResult, error)
}

// WorkerManager restores the previous active worker on rollback.
type WorkerManager interface {
	SwitchToPrevious(ctx context.Context) error
}

// EventSink receives rollback lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(string, map[string]any) {}

// AuditEntry records one monitor action for the operator-facing audit log.
type AuditEntry struct {
	At       time.Time
	Decision Decision
	Reason   string
	Err      error
}

// Config tunes the monitor's grace window and decision thresholds.
type Config struct {
	Enabled            bool
	GraceWindow        time.Duration
	CheckInterval      time.Duration
	WindowSize         int
	ErrorRateThreshold float64
	ConsecutiveFailN   int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		GraceWindow:        10 * time.Minute,
		CheckInterval:      30 * time.Second,
		WindowSize:         5,
		ErrorRateThreshold: 0.2,
		ConsecutiveFailN:   2,
	}
}

// Monitor is the Rollback Monitor.
type Monitor struct {
	cfg     Config
	checker HealthChecker
	manager WorkerManager
	flags   *liveflags.Store
	logger  *zap.Logger
	sink    EventSink
	nowFn   func() time.Time

	mu         sync.Mutex
	window     []HealthResult
	audit      []AuditEntry
	cronRunner *cron.Cron
	graceEnds  time.Time
	dispatched bool
}

// New creates a Monitor. When cfg.Enabled is false, Start and Record are
// no-ops (Start logs once); ResetKillSwitch and AuditLog keep working.
func New(cfg Config, checker HealthChecker, manager WorkerManager, flags *liveflags.Store, logger *zap.Logger, sink EventSink) *Monitor {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Monitor{
		cfg:     cfg,
		checker: checker,
		manager: manager,
		flags:   flags,
		logger:  logger,
		sink:    sink,
		nowFn:   time.Now,
	}
}

// Start begins post-promotion monitoring: a grace window during which
// periodic health checks accumulate into a rolling window, evaluated
// after each check.
func (m *Monitor) Start() error {
	if !m.cfg.Enabled {
		m.logger.Info("rollback monitor disabled, all operations are no-ops")
		return nil
	}

	m.mu.Lock()
	m.window = nil
	m.dispatched = false
	m.graceEnds = m.nowFn().Add(m.cfg.GraceWindow)
	m.mu.Unlock()

	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	runner := cron.New()
	if _, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), m.heartbeat); err != nil {
		return fmt.Errorf("schedule rollback heartbeat: %w", err)
	}
	m.mu.Lock()
	m.cronRunner = runner
	m.mu.Unlock()
	runner.Start()

	m.sink.Emit("monitoring-started", map[string]any{"grace_window_sec": m.cfg.GraceWindow.Seconds()})
	return nil
}

// Stop halts monitoring. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	runner := m.cronRunner
	m.cronRunner = nil
	m.mu.Unlock()

	if runner != nil {
		runner.Stop()
		m.sink.Emit("monitoring-stopped", nil)
	}
}

func (m *Monitor) heartbeat() {
	m.mu.Lock()
	dispatched := m.dispatched
	pastGrace := m.nowFn().After(m.graceEnds)
	m.mu.Unlock()

	if dispatched {
		return
	}
	if pastGrace {
		m.Stop()
		return
	}

	ctx := context.Background()
	result, err := m.checker.Check(ctx)
	if err != nil {
		m.logger.Warn("health check failed", zap.Error(err))
		return
	}
	m.recordAndEvaluate(ctx, result)
}

// recordAndEvaluate appends result to the rolling window, evaluates the
// decision policy, and dispatches the corresponding action.
func (m *Monitor) recordAndEvaluate(ctx context.Context, result HealthResult) {
	if result.ErrorRate > 1.0 {
		result.ErrorRate = 1.0
	}
	if result.ErrorRate < 0 {
		result.ErrorRate = 0
	}

	m.mu.Lock()
	m.window = append(m.window, result)
	if len(m.window) > m.cfg.WindowSize {
		m.window = m.window[len(m.window)-m.cfg.WindowSize:]
	}
	decision := m.evaluateLocked()
	m.mu.Unlock()

	metrics.RecordRollbackDecision(string(decision))
	m.sink.Emit("health-check", map[string]any{
		"error_rate": result.ErrorRate,
		"failed":     result.Failed,
	})

	switch decision {
	case DecisionRollback:
		m.dispatchRollback(ctx)
	case DecisionEscalate:
		m.dispatchEscalate(ctx)
	}
}

// evaluateLocked applies the decision policy over the current window.
// Callers must hold m.mu.
func (m *Monitor) evaluateLocked() Decision {
	if len(m.window) < 2 {
		return DecisionHealthy
	}

	var sumErr float64
	failures := 0
	for _, r := range m.window {
		sumErr += r.ErrorRate
		if r.Failed {
			failures++
		}
	}
	avgErr := sumErr / float64(len(m.window))

	threshold := m.cfg.ErrorRateThreshold
	if threshold <= 0 {
		threshold = 0.2
	}
	if avgErr > threshold && failures >= 3 {
		return DecisionRollback
	}

	n := m.cfg.ConsecutiveFailN
	if n <= 0 {
		n = 2
	}
	if consecutiveFailures(m.window) >= n {
		return DecisionEscalate
	}

	if failures > 0 || avgErr > 0.05 {
		return DecisionDegrade
	}
	return DecisionHealthy
}

func consecutiveFailures(window []HealthResult) int {
	count := 0
	for i := len(window) - 1; i >= 0; i-- {
		if !window[i].Failed {
			break
		}
		count++
	}
	return count
}

func (m *Monitor) dispatchRollback(ctx context.Context) {
	err := m.manager.SwitchToPrevious(ctx)

	m.mu.Lock()
	m.dispatched = true
	m.audit = append(m.audit, AuditEntry{At: m.nowFn(), Decision: DecisionRollback, Reason: "error rate and failure count exceeded threshold", Err: err})
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("rollback failed", zap.Error(err))
		m.sink.Emit("rollback-failed", map[string]any{"error": err.Error()})
		return
	}
	m.sink.Emit("rollback-executed", nil)
}

func (m *Monitor) dispatchEscalate(ctx context.Context) {
	err := m.flags.TripKillSwitch()

	m.mu.Lock()
	m.dispatched = true
	m.audit = append(m.audit, AuditEntry{At: m.nowFn(), Decision: DecisionEscalate, Reason: "consecutive health-check failures", Err: err})
	m.mu.Unlock()

	if err != nil {
		m.logger.Error("trip kill switch failed", zap.Error(err))
		return
	}
	metrics.SetKillSwitchActive(true)
	m.sink.Emit("escalation-triggered", nil)
	m.sink.Emit("kill-switch-activated", nil)
}

// ResetKillSwitch clears the kill switch and records a manual-action
// audit entry. Available regardless of monitor enablement.
func (m *Monitor) ResetKillSwitch() error {
	err := m.flags.ResetKillSwitch()

	m.mu.Lock()
	m.audit = append(m.audit, AuditEntry{At: m.nowFn(), Decision: DecisionHealthy, Reason: "manual reset_kill_switch", Err: err})
	m.mu.Unlock()

	if err != nil {
		return fmt.Errorf("reset kill switch: %w", err)
	}
	metrics.SetKillSwitchActive(false)
	m.sink.Emit("kill-switch-reset", nil)
	return nil
}

// AuditLog returns the monitor's recorded audit entries in order.
func (m *Monitor) AuditLog() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

// Record feeds one health result into the rolling window and evaluates
// the decision policy, dispatching rollback/escalate actions as needed.
// Exported so callers that already have their own health-check loop
// (or tests) can drive the monitor without the cron scheduler. A no-op
// when the monitor is disabled.
func (m *Monitor) Record(ctx context.Context, result HealthResult) {
	if !m.cfg.Enabled {
		return
	}
	m.recordAndEvaluate(ctx, result)
}
