package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	m := &dto.Metric{}
	if err := cv.WithLabelValues(labels...).Write(m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func getGaugeValue(g prometheus.Gauge) float64 {
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func getHistogramCount(h prometheus.Histogram) uint64 {
	m := &dto.Metric{}
	if err := h.Write(m); err != nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func TestRecordTick(t *testing.T) {
	RecordTick("dispatched", 250*time.Millisecond)

	val := getCounterValue(TicksTotal, "dispatched")
	if val < 1 {
		t.Errorf("TicksTotal = %f, want >= 1", val)
	}

	count := getHistogramCount(TickDurationSeconds)
	if count < 1 {
		t.Errorf("TickDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordPoolAssignment(t *testing.T) {
	RecordPoolAssignment("engineer", "assigned")
	RecordPoolAssignment("engineer", "assigned")

	val := getCounterValue(PoolAssignmentsTotal, "engineer", "assigned")
	if val < 2 {
		t.Errorf("PoolAssignmentsTotal = %f, want >= 2", val)
	}
}

func TestRecordSupervisorSpawn(t *testing.T) {
	RecordSupervisorSpawn("ceiling_reached")

	val := getCounterValue(SupervisorSpawnsTotal, "ceiling_reached")
	if val < 1 {
		t.Errorf("SupervisorSpawnsTotal = %f, want >= 1", val)
	}
}

func TestRecordVerifierGate(t *testing.T) {
	RecordVerifierGate("tests.run", "pass")
	RecordVerifierGate("lint.run", "fail")

	passVal := getCounterValue(VerifierGateRunsTotal, "tests.run", "pass")
	failVal := getCounterValue(VerifierGateRunsTotal, "lint.run", "fail")
	if passVal < 1 {
		t.Errorf("VerifierGateRunsTotal(tests.run, pass) = %f, want >= 1", passVal)
	}
	if failVal < 1 {
		t.Errorf("VerifierGateRunsTotal(lint.run, fail) = %f, want >= 1", failVal)
	}
}

func TestRecordVerifierPass(t *testing.T) {
	RecordVerifierPass(30 * time.Second)

	count := getHistogramCount(VerifierDurationSeconds)
	if count < 1 {
		t.Errorf("VerifierDurationSeconds sample count = %d, want >= 1", count)
	}
}

func TestRecordEscalation(t *testing.T) {
	RecordEscalation("L1")

	val := getCounterValue(EscalationsTotal, "L1")
	if val < 1 {
		t.Errorf("EscalationsTotal = %f, want >= 1", val)
	}
}

func TestBlockedTasksGauge(t *testing.T) {
	BlockedTasksGauge.Set(0)
	BlockedTasksGauge.Set(3)

	val := getGaugeValue(BlockedTasksGauge)
	if val != 3 {
		t.Errorf("BlockedTasksGauge = %f, want 3", val)
	}
}

func TestRecordRollbackDecision(t *testing.T) {
	RecordRollbackDecision("rollback")

	val := getCounterValue(RollbackDecisionsTotal, "rollback")
	if val < 1 {
		t.Errorf("RollbackDecisionsTotal = %f, want >= 1", val)
	}
}

func TestSetKillSwitchActive(t *testing.T) {
	SetKillSwitchActive(true)
	if getGaugeValue(KillSwitchActive) != 1 {
		t.Error("expected KillSwitchActive = 1 after trip")
	}

	SetKillSwitchActive(false)
	if getGaugeValue(KillSwitchActive) != 0 {
		t.Error("expected KillSwitchActive = 0 after reset")
	}
}
