// Package escalation implements the Blocker-Escalation Monitor: a
// periodic scan over blocked tasks that creates follow-up tasks once a
// blocker has aged past each of two SLA tiers.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/metrics"
	"github.com/marcus-qen/dispatchd/internal/taskstore"
)

const (
	l1Threshold = 4 * time.Hour
	l2Threshold = 24 * time.Hour

	l1Complexity = 7
	l2Complexity = 10

	l1Assignee = "Atlas"
	l2Assignee = "Director"
)

// EventSink receives escalation lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(string, map[string]any) {}

// Config tunes the monitor's scan cadence.
type Config struct {
	ScanInterval time.Duration
}

// DefaultConfig scans every 5 minutes, per the documented default.
func DefaultConfig() Config {
	return Config{ScanInterval: 5 * time.Minute}
}

// Monitor is the Blocker-Escalation Monitor.
type Monitor struct {
	cfg    Config
	store  taskstore.Store
	blk    *Store
	logger *zap.Logger
	sink   EventSink
	nowFn  func() time.Time

	cronRunner *cron.Cron
}

// New creates a Monitor. blockers persists BlockerRecords across
// restarts so escalation level survives a process restart mid-window
// (P9 idempotence must hold across restarts, not just in-process).
func New(cfg Config, store taskstore.Store, blockers *Store, logger *zap.Logger, sink EventSink) *Monitor {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Monitor{
		cfg:    cfg,
		store:  store,
		blk:    blockers,
		logger: logger,
		sink:   sink,
		nowFn:  time.Now,
	}
}

// Start launches the periodic scan via a cron schedule.
func (m *Monitor) Start() error {
	interval := m.cfg.ScanInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	runner := cron.New()
	_, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), m.scan)
	if err != nil {
		return fmt.Errorf("schedule escalation scan: %w", err)
	}
	m.cronRunner = runner
	runner.Start()
	return nil
}

// Stop halts the periodic scan. Idempotent.
func (m *Monitor) Stop() {
	if m.cronRunner != nil {
		m.cronRunner.Stop()
		m.cronRunner = nil
	}
}

// scan runs one pass: sync blocker records against current blocked
// tasks, then escalate any record past an SLA threshold.
func (m *Monitor) scan() {
	ctx := context.Background()
	now := m.nowFn()

	blocked, err := m.store.GetTasks(ctx, domain.Filter{Status: []domain.TaskStatus{domain.StatusBlocked}})
	if err != nil {
		m.logger.Warn("escalation scan: list blocked tasks failed", zap.Error(err))
		return
	}

	metrics.BlockedTasksGauge.Set(float64(len(blocked)))

	blockedIDs := make(map[string]struct{}, len(blocked))
	for _, task := range blocked {
		blockedIDs[task.ID] = struct{}{}
		if err := m.syncRecord(ctx, task, now); err != nil {
			m.logger.Warn("escalation scan: sync record failed", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	if err := m.blk.PruneExcept(blockedIDs); err != nil {
		m.logger.Warn("escalation scan: prune records failed", zap.Error(err))
	}
}

// syncRecord ensures a BlockerRecord exists for task and escalates it
// through the SLA tiers if its age warrants it.
func (m *Monitor) syncRecord(ctx context.Context, task domain.Task, now time.Time) error {
	rec, ok, err := m.blk.Get(task.ID)
	if err != nil {
		return fmt.Errorf("get blocker record: %w", err)
	}
	if !ok {
		rec = domain.BlockerRecord{TaskID: task.ID, BlockedAt: now, EscalationLevel: 0}
		if err := m.blk.Put(rec); err != nil {
			return fmt.Errorf("create blocker record: %w", err)
		}
	}

	age := now.Sub(rec.BlockedAt)

	switch {
	case age >= l2Threshold && rec.EscalationLevel < 2:
		if err := m.createFollowUp(ctx, task, l2TaskID(task.ID), l2Complexity, l2Assignee, 2); err != nil {
			return err
		}
		rec.EscalationLevel = 2
		rec.LastEscalatedAt = now
		return m.blk.Put(rec)

	case age >= l1Threshold && rec.EscalationLevel < 1:
		if err := m.createFollowUp(ctx, task, l1TaskID(task.ID), l1Complexity, l1Assignee, 1); err != nil {
			return err
		}
		rec.EscalationLevel = 1
		rec.LastEscalatedAt = now
		return m.blk.Put(rec)
	}

	return nil
}

// createFollowUp creates the escalation follow-up task, unless it was
// already created by a prior scan that crashed before persisting the
// BlockerRecord's updated EscalationLevel (P9: the follow-up is created
// exactly once regardless of scan count or restarts in between).
func (m *Monitor) createFollowUp(ctx context.Context, task domain.Task, followUpID string, complexity int, assignee string, level int) error {
	if _, err := m.store.GetTask(ctx, followUpID); err == nil {
		return nil
	}

	_, err := m.store.CreateTask(ctx, domain.TaskSpec{
		ID:          followUpID,
		Title:       fmt.Sprintf("Escalation (L%d): unblock %s", level, task.ID),
		Description: fmt.Sprintf("Task %s has been blocked for longer than the L%d SLA tier.", task.ID, level),
		Type:        domain.TaskTypeTask,
		Complexity:  complexity,
		Assignee:    assignee,
		Metadata:    map[string]any{"blocked_task_id": task.ID, "escalation_level": level},
	})
	if err != nil {
		return fmt.Errorf("create follow-up task %s: %w", followUpID, err)
	}

	metrics.RecordEscalation(fmt.Sprintf("L%d", level))
	m.sink.Emit("escalation:created", map[string]any{
		"task_id":          task.ID,
		"follow_up_id":     followUpID,
		"escalation_level": level,
		"assignee":         assignee,
	})
	return nil
}

func l1TaskID(taskID string) string { return fmt.Sprintf("BLOCKER-%s-L1", taskID) }
func l2TaskID(taskID string) string { return fmt.Sprintf("BLOCKER-%s-L2", taskID) }
