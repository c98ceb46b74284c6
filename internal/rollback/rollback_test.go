package rollback

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/liveflags"
)

type recordingSink struct {
	events []string
}

func (r *recordingSink) Emit(event string, _ map[string]any) {
	r.events = append(r.events, event)
}

func (r *recordingSink) has(event string) bool {
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeChecker struct {
	results []HealthResult
}

func (f *fakeChecker) Check(context.Context) (HealthResult, error) {
	if len(f.results) == 0 {
		return HealthResult{}, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	return r, nil
}

type fakeManager struct {
	switched bool
	err      error
}

func (f *fakeManager) SwitchToPrevious(context.Context) error {
	f.switched = true
	return f.err
}

func newTestMonitor(t *testing.T) (*Monitor, *fakeManager, *recordingSink, *liveflags.Store) {
	t.Helper()
	flags, err := liveflags.Open(t.TempDir() + "/flags.db")
	if err != nil {
		t.Fatalf("liveflags.Open: %v", err)
	}
	t.Cleanup(func() { flags.Close() })

	mgr := &fakeManager{}
	sink := &recordingSink{}
	m := New(DefaultConfig(), &fakeChecker{}, mgr, flags, zap.NewNop(), sink)
	return m, mgr, sink, flags
}

func TestRecord_FewerThanTwoChecksStaysHealthy(t *testing.T) {
	m, mgr, _, _ := newTestMonitor(t)
	m.Record(context.Background(), HealthResult{ErrorRate: 0.9, Failed: true})

	if mgr.switched {
		t.Fatal("expected no rollback with a single check")
	}
	if len(m.AuditLog()) != 0 {
		t.Fatal("expected no audit entries before any decision")
	}
}

func TestRecord_SingleFailureDegrades(t *testing.T) {
	m, mgr, sink, _ := newTestMonitor(t)
	m.Record(context.Background(), HealthResult{ErrorRate: 0.01})
	m.Record(context.Background(), HealthResult{ErrorRate: 0.01, Failed: true})

	if mgr.switched {
		t.Fatal("degrade must not trigger a rollback")
	}
	if sink.has("rollback-executed") || sink.has("escalation-triggered") {
		t.Fatal("degrade must not emit rollback or escalation events")
	}
}

func TestRecord_HighAvgErrorDoesNotRollBackWithoutThreeFailures(t *testing.T) {
	m, mgr, _, _ := newTestMonitor(t)
	m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: true})
	m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: true})

	if mgr.switched {
		t.Fatal("rollback requires at least 3 failures in the window")
	}
}

func TestRecord_RollsBackOnSustainedErrorRateAndFailures(t *testing.T) {
	m, mgr, sink, _ := newTestMonitor(t)
	// Failures alternate with passing checks so no two are consecutive
	// (which would escalate first); after the fifth check the window holds
	// three failures at an average error rate of 0.5.
	for i := 0; i < 5; i++ {
		m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: i%2 == 0})
	}

	if !mgr.switched {
		t.Fatal("expected SwitchToPrevious to be called")
	}
	if !sink.has("rollback-executed") {
		t.Fatal("expected rollback-executed event")
	}

	log := m.AuditLog()
	if len(log) != 1 || log[0].Decision != DecisionRollback {
		t.Fatalf("expected one rollback audit entry, got %+v", log)
	}
}

func TestRecord_EscalatesOnConsecutiveFailuresBelowRollbackThreshold(t *testing.T) {
	m, mgr, sink, flags := newTestMonitor(t)
	// Two consecutive failures with a low average error rate: escalate,
	// not rollback (avg error stays under ErrorRateThreshold).
	m.Record(context.Background(), HealthResult{ErrorRate: 0.01, Failed: true})
	m.Record(context.Background(), HealthResult{ErrorRate: 0.01, Failed: true})

	if mgr.switched {
		t.Fatal("expected escalation, not rollback")
	}
	if !sink.has("escalation-triggered") || !sink.has("kill-switch-activated") {
		t.Fatal("expected escalation and kill-switch-activated events")
	}
	if !flags.IsDisabled() {
		t.Fatal("expected kill switch tripped")
	}

	log := m.AuditLog()
	if len(log) != 1 || log[0].Decision != DecisionEscalate {
		t.Fatalf("expected one escalate audit entry, got %+v", log)
	}
}

func TestRecord_DispatchesAgainAfterFirstAction(t *testing.T) {
	m, mgr, _, _ := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: i%2 == 0})
	}
	mgr.switched = false

	// heartbeat() checks m.dispatched before calling the checker, but
	// Record does not consult that latch: a further breach fed through
	// Record dispatches a second action, so assert via audit log length.
	m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: true})
	log := m.AuditLog()
	if len(log) != 2 {
		t.Fatalf("expected evaluate to run again but dispatched flag only gates heartbeat, got %d entries", len(log))
	}
}

func TestRecord_ClampsOutOfRangeErrorRate(t *testing.T) {
	m, mgr, _, _ := newTestMonitor(t)
	m.Record(context.Background(), HealthResult{ErrorRate: 5.0, Failed: true})
	m.Record(context.Background(), HealthResult{ErrorRate: -1.0, Failed: true})
	m.Record(context.Background(), HealthResult{ErrorRate: 5.0, Failed: true})

	if !mgr.switched {
		t.Fatal("expected rollback once clamped error rates average above threshold with 3 failures")
	}
}

func TestDisabledConfig_AllOperationsAreNoops(t *testing.T) {
	flags, err := liveflags.Open(t.TempDir() + "/flags.db")
	if err != nil {
		t.Fatalf("liveflags.Open: %v", err)
	}
	defer flags.Close()

	cfg := DefaultConfig()
	cfg.Enabled = false
	mgr := &fakeManager{}
	m := New(cfg, &fakeChecker{}, mgr, flags, zap.NewNop(), &recordingSink{})

	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	m.mu.Lock()
	scheduled := m.cronRunner != nil
	m.mu.Unlock()
	if scheduled {
		t.Fatal("expected Start to skip scheduling the heartbeat when disabled")
	}
}

func TestResetKillSwitch_RecordsAuditEntry(t *testing.T) {
	m, _, sink, flags := newTestMonitor(t)
	if err := flags.TripKillSwitch(); err != nil {
		t.Fatalf("TripKillSwitch: %v", err)
	}

	if err := m.ResetKillSwitch(); err != nil {
		t.Fatalf("ResetKillSwitch: %v", err)
	}
	if flags.IsDisabled() {
		t.Fatal("expected kill switch cleared")
	}
	if !sink.has("kill-switch-reset") {
		t.Fatal("expected kill-switch-reset event")
	}

	log := m.AuditLog()
	if len(log) != 1 || log[0].Decision != DecisionHealthy {
		t.Fatalf("expected one reset audit entry, got %+v", log)
	}
}

func TestResetKillSwitch_PropagatesUnderlyingError(t *testing.T) {
	flags, err := liveflags.Open(t.TempDir() + "/flags.db")
	if err != nil {
		t.Fatalf("liveflags.Open: %v", err)
	}
	flags.Close() // force subsequent Clear to fail against a closed db

	m := New(DefaultConfig(), &fakeChecker{}, &fakeManager{}, flags, zap.NewNop(), &recordingSink{})
	if err := m.ResetKillSwitch(); err == nil {
		t.Fatal("expected an error from a closed flags store")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	m, _, _, _ := newTestMonitor(t)
	if err := m.Start(); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	// Second Start replaces the cron runner rather than erroring.
	if err := m.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	m.Stop()
	m.Stop() // must not panic
}

func TestDispatchRollback_FailureStillRecordsAudit(t *testing.T) {
	flags, err := liveflags.Open(t.TempDir() + "/flags.db")
	if err != nil {
		t.Fatalf("liveflags.Open: %v", err)
	}
	defer flags.Close()

	mgr := &fakeManager{err: errors.New("worker unreachable")}
	sink := &recordingSink{}
	m := New(DefaultConfig(), &fakeChecker{}, mgr, flags, zap.NewNop(), sink)

	for i := 0; i < 5; i++ {
		m.Record(context.Background(), HealthResult{ErrorRate: 0.5, Failed: i%2 == 0})
	}

	if !sink.has("rollback-failed") {
		t.Fatal("expected rollback-failed event")
	}
	log := m.AuditLog()
	if len(log) != 1 || log[0].Err == nil {
		t.Fatalf("expected audit entry to carry the error, got %+v", log)
	}
}
