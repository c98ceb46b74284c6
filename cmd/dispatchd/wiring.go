package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/agentpool"
	"github.com/marcus-qen/dispatchd/internal/classifier"
	"github.com/marcus-qen/dispatchd/internal/config"
	"github.com/marcus-qen/dispatchd/internal/dispatcher"
	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/escalation"
	"github.com/marcus-qen/dispatchd/internal/evidence"
	"github.com/marcus-qen/dispatchd/internal/ledger"
	"github.com/marcus-qen/dispatchd/internal/liveflags"
	"github.com/marcus-qen/dispatchd/internal/readiness"
	"github.com/marcus-qen/dispatchd/internal/rollback"
	"github.com/marcus-qen/dispatchd/internal/supervisor"
	"github.com/marcus-qen/dispatchd/internal/taskstore"
	"github.com/marcus-qen/dispatchd/internal/verifier"
	"github.com/marcus-qen/dispatchd/internal/worker"
)

// eventLogger adapts *zap.Logger to every component's EventSink
// interface, so every lifecycle event (agent:fallback, rollback-executed,
// escalation-triggered, ...) lands in the same structured log stream.
type eventLogger struct {
	logger *zap.Logger
}

func (e eventLogger) Emit(event string, fields map[string]any) {
	zapFields := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zapFields = append(zapFields, zap.Any(k, v))
	}
	e.logger.Info(event, zapFields...)
}

// app bundles every long-lived component dispatchd wires together,
// plus the handles `run` needs to start/stop background loops and
// `status`/`verify-ledger` need for read-only inspection.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	store      taskstore.Store
	pool       *agentpool.Pool
	supervisor *supervisor.Supervisor
	gate       *readiness.Gate
	invoker    *worker.Invoker
	verify     *verifier.Verifier
	ledger     *ledger.Ledger
	dispatch   *dispatcher.Dispatcher
	escalation *escalation.Monitor
	rollback   *rollback.Monitor
	flags      *liveflags.Store
	cooldowns  *agentpool.CooldownStore
}

// build constructs every component from cfg. Callers are responsible for
// calling close() when done.
func build(cfg config.Config, logger *zap.Logger) (*app, error) {
	sink := eventLogger{logger: logger}

	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "state", "process"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "dispatchd.db")
	store, err := taskstore.OpenSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	cooldowns, err := agentpool.OpenCooldownStore(filepath.Join(cfg.DataDir, "cooldowns.db"))
	if err != nil {
		return nil, fmt.Errorf("open cooldown store: %w", err)
	}

	pool := agentpool.New(3, logger, sink)
	pool.SetPersistFunc(cooldowns.Save)
	if err := cooldowns.Load(pool); err != nil {
		logger.Warn("load persisted agent cooldowns failed", zap.Error(err))
	}

	supCfg := cfg.Supervisor.ToSupervisorConfig()
	sup := supervisor.New(supCfg, logger, sink, supervisor.SampleMemoryPercent)
	if err := sup.StartSweep(); err != nil {
		return nil, fmt.Errorf("start supervisor sweep: %w", err)
	}

	gate := readiness.New(store, cfg.DataDir)
	invoker := worker.New(cfg.DataDir, logger)

	commands := map[string]string{
		"tests.run":      "go test ./...",
		"lint.run":       "golangci-lint run",
		"typecheck.run":  "go vet ./...",
		"security.scan":  "gosec ./...",
		"license.check":  "go-licenses check ./...",
	}
	runner := verifier.NewShellToolRunner(commands, 5*time.Minute, cfg.DataDir)
	ver := verifier.New(runner, cfg.Verifier, logger)

	led, err := ledger.Open(filepath.Join(cfg.DataDir, "state", "process", "ledger.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("open phase ledger: %w", err)
	}

	disp := dispatcher.New(store, gate, pool, sup, invoker, ver, led, noopContextAssembler{}, taskPromptBuilder{}, logger)

	if cfg.Evidence.Enabled {
		pusher := evidence.NewPusher().WithAuth(cfg.Evidence.Username, cfg.Evidence.Password).WithPlainHTTP(cfg.Evidence.PlainHTTP)
		ref := evidence.Ref{Registry: cfg.Evidence.Registry, Path: cfg.Evidence.Path}
		disp = disp.WithEvidence(pusher, ref)
	}

	blockerStore, err := escalation.OpenStore(filepath.Join(cfg.DataDir, "escalation.db"))
	if err != nil {
		return nil, fmt.Errorf("open escalation store: %w", err)
	}
	escCfg := cfg.Escalation.ToEscalationConfig()
	esc := escalation.New(escCfg, store, blockerStore, logger, sink)

	flags, err := liveflags.Open(filepath.Join(cfg.DataDir, "liveflags.db"))
	if err != nil {
		return nil, fmt.Errorf("open liveflags store: %w", err)
	}

	rbCfg := cfg.Rollback.ToRollbackConfig()
	checker := &storeHealthChecker{store: store}
	manager := &supervisorWorkerManager{supervisor: sup}
	rb := rollback.New(rbCfg, checker, manager, flags, logger, sink)

	return &app{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		pool:       pool,
		supervisor: sup,
		gate:       gate,
		invoker:    invoker,
		verify:     ver,
		ledger:     led,
		dispatch:   disp,
		escalation: esc,
		rollback:   rb,
		flags:      flags,
		cooldowns:  cooldowns,
	}, nil
}

func (a *app) close() {
	if a.flags != nil {
		_ = a.flags.Close()
	}
	if a.cooldowns != nil {
		_ = a.cooldowns.Close()
	}
	if closer, ok := a.store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
}

// noopContextAssembler supplies an empty classifier.Context. Assembling
// project context from the roadmap/state store is an external concern
// dispatchd does not own; a real deployment wires a project-aware
// implementation in its place.
type noopContextAssembler struct{}

func (noopContextAssembler) Assemble(ctx context.Context, task domain.Task) classifier.Context {
	return classifier.Context{}
}

// taskPromptBuilder renders the worker-facing prompt from the task's own
// fields: title, description, and exit criteria.
type taskPromptBuilder struct{}

func (taskPromptBuilder) Build(task domain.Task, decision domain.Decision) string {
	prompt := fmt.Sprintf("Task: %s\n\n%s", task.Title, task.Description)
	if task.ExitCriteria != "" {
		prompt += fmt.Sprintf("\n\nExit criteria:\n%s", task.ExitCriteria)
	}
	prompt += fmt.Sprintf("\n\nReasoning level: %s", decision.Level)
	return prompt
}

// storeHealthChecker derives a rollback.HealthResult from the task
// store's recent completion history and the host's memory usage,
// since dispatchd has no separate worker-version health RPC to consult.
type storeHealthChecker struct {
	store     taskstore.Store
	startedAt time.Time
}

func (c *storeHealthChecker) Check(ctx context.Context) (rollback.HealthResult, error) {
	if c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}

	recent, err := c.store.GetTasks(ctx, domain.Filter{Status: []domain.TaskStatus{domain.StatusFailed, domain.StatusDone}})
	if err != nil {
		return rollback.HealthResult{}, fmt.Errorf("query recent tasks: %w", err)
	}

	var failed, total int
	for _, t := range recent {
		total++
		if t.Status == domain.StatusFailed {
			failed++
		}
	}

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}
	if errorRate > 1.0 {
		errorRate = 1.0
	}

	memPercent, _ := supervisor.SampleMemoryPercent()

	return rollback.HealthResult{
		ErrorRate:  errorRate,
		Failed:     total > 0 && failed == total,
		MemPercent: memPercent,
		UptimeSec:  time.Since(c.startedAt).Seconds(),
		CheckedAt:  time.Now(),
	}, nil
}

// supervisorWorkerManager implements rollback.WorkerManager by killing
// every currently tracked worker process: dispatchd has no separate
// "previous worker version" to swap back to, so reverting means forcing
// every in-flight task onto a freshly spawned process on the next tick.
type supervisorWorkerManager struct {
	supervisor *supervisor.Supervisor
}

func (m *supervisorWorkerManager) SwitchToPrevious(ctx context.Context) error {
	m.supervisor.KillAll("rollback")
	return nil
}
