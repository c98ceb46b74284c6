// Package dispatcher runs one scheduling tick: it takes the candidate
// tasks its caller supplies, filters by readiness, assigns and spawns a worker, interprets the
// outcome, runs the Verifier, and records the phase transition.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/agentpool"
	"github.com/marcus-qen/dispatchd/internal/classifier"
	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/evidence"
	"github.com/marcus-qen/dispatchd/internal/ledger"
	"github.com/marcus-qen/dispatchd/internal/metrics"
	"github.com/marcus-qen/dispatchd/internal/readiness"
	"github.com/marcus-qen/dispatchd/internal/supervisor"
	"github.com/marcus-qen/dispatchd/internal/taskstore"
	"github.com/marcus-qen/dispatchd/internal/telemetry"
	"github.com/marcus-qen/dispatchd/internal/verifier"
	"github.com/marcus-qen/dispatchd/internal/worker"
)

// ContextAssembler supplies the project Context consulted by the
// Classifier and the Agent Pool's recommender. Assembling that context
// from the roadmap/state store is an external concern (spec §6); the
// Dispatcher only consumes it.
type ContextAssembler interface {
	Assemble(ctx context.Context, task domain.Task) classifier.Context
}

// PromptBuilder renders the worker-facing prompt for a task.
type PromptBuilder interface {
	Build(task domain.Task, decision domain.Decision) string
}

// EvidencePusher bundles a Verifier run's gate outputs and pushes them
// to durable storage, returning a reference the Ledger can carry in
// evidence_artifacts. Optional: a nil EvidencePusher on the Dispatcher
// means entries are appended with no artifacts, which is still a valid
// Phase Ledger entry.
type EvidencePusher interface {
	Push(ctx context.Context, bundle evidence.Bundle, ref evidence.Ref) (*evidence.PushResult, error)
}

// Dispatcher wires the Readiness Gate, Classifier, Agent Pool, Supervisor,
// worker invocation, Verifier, and Phase Ledger into one scheduling tick.
type Dispatcher struct {
	store      taskstore.Store
	gate       *readiness.Gate
	pool       *agentpool.Pool
	supervisor *supervisor.Supervisor
	invoker    *worker.Invoker
	verify     *verifier.Verifier
	ledger      *ledger.Ledger
	contextAsm  ContextAssembler
	prompts     PromptBuilder
	evidence    EvidencePusher
	evidenceRef evidence.Ref
	logger      *zap.Logger
}

// New assembles a Dispatcher from its collaborators.
func New(
	store taskstore.Store,
	gate *readiness.Gate,
	pool *agentpool.Pool,
	sup *supervisor.Supervisor,
	invoker *worker.Invoker,
	ver *verifier.Verifier,
	led *ledger.Ledger,
	contextAsm ContextAssembler,
	prompts PromptBuilder,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:      store,
		gate:       gate,
		pool:       pool,
		supervisor: sup,
		invoker:    invoker,
		verify:     ver,
		ledger:     led,
		contextAsm: contextAsm,
		prompts:    prompts,
		logger:     logger,
	}
}

// WithEvidence enables evidence bundling for every successful
// verification: gate outputs are pushed to ref via pusher, and the
// resulting OCI reference is carried in the Ledger entry's
// evidence_artifacts. Omitting this call leaves evidence bundling off.
func (d *Dispatcher) WithEvidence(pusher EvidencePusher, ref evidence.Ref) *Dispatcher {
	d.evidence = pusher
	d.evidenceRef = ref
	return d
}

// TickResult summarizes the outcome of one scheduling tick per candidate task.
type TickResult struct {
	TaskID     string
	Dispatched bool
	Skipped    string
	Err        error
}

// Tick runs one scheduling pass over candidates, in readiness order
// (candidates must already be sorted by the caller; the Dispatcher does
// not reorder them, it only filters).
func (d *Dispatcher) Tick(ctx context.Context, candidates []domain.Task) []TickResult {
	ctx, span := telemetry.StartTickSpan(ctx)
	defer span.End()

	results := make([]TickResult, 0, len(candidates))
	for _, task := range candidates {
		results = append(results, d.dispatchOne(ctx, task))
	}
	return results
}

func (d *Dispatcher) dispatchOne(ctx context.Context, task domain.Task) TickResult {
	ctx, span := telemetry.StartDispatchSpan(ctx, task.ID)

	start := time.Now()
	result := d.doDispatchOne(ctx, task)
	telemetry.EndDispatchSpan(span, result.Dispatched, result.Skipped)
	metrics.RecordTick(tickOutcomeLabel(result), time.Since(start))
	return result
}

func tickOutcomeLabel(r TickResult) string {
	switch {
	case r.Err != nil:
		return "error"
	case r.Dispatched:
		return "dispatched"
	case r.Skipped != "":
		return "skipped"
	default:
		return "unknown"
	}
}

func (d *Dispatcher) doDispatchOne(ctx context.Context, task domain.Task) TickResult {
	verdict, err := d.gate.Check(ctx, task)
	if err != nil {
		return TickResult{TaskID: task.ID, Err: fmt.Errorf("readiness check: %w", err)}
	}
	if !verdict.Ready {
		return TickResult{TaskID: task.ID, Skipped: "not ready"}
	}

	clsCtx := d.contextAsm.Assemble(ctx, task)
	decision := classifier.Classify(task, clsCtx)

	agent, err := d.pool.Assign(ctx, task, clsCtx, agentpool.AssignOptions{})
	if err != nil {
		metrics.RecordPoolAssignment(string(d.pool.Recommend(task, clsCtx)), "unavailable")
		return TickResult{TaskID: task.ID, Skipped: "no agent available"}
	}
	metrics.RecordPoolAssignment(string(agent.Type), "assigned")

	if !d.supervisor.CanSpawn() {
		metrics.RecordSupervisorSpawn("ceiling_reached")
		_ = d.pool.Complete(task.ID, false, 0, &domain.CompletionMeta{FailureKind: domain.FailureOther})
		return TickResult{TaskID: task.ID, Skipped: "spawn ceiling reached"}
	}
	metrics.RecordSupervisorSpawn("allowed")

	prompt := d.prompts.Build(task, decision)
	opts := worker.Options{ReasoningLevel: decision.Level}

	var outcome domain.ExecutionOutcome
	if agent.Type == domain.AgentArchitect {
		outcome = d.pool.ExecuteWithArchitect(ctx, d.invoker, task.ID, prompt, opts)
	} else {
		outcome = d.pool.ExecuteWithEngineer(ctx, d.invoker, task.ID, prompt, opts)
	}

	return d.handleOutcome(ctx, task, agent, outcome)
}

func (d *Dispatcher) handleOutcome(ctx context.Context, task domain.Task, agent domain.Agent, outcome domain.ExecutionOutcome) TickResult {
	if !outcome.Success {
		switch outcome.FailureKind {
		case domain.FailureRateLimit:
			_ = d.pool.Complete(task.ID, false, outcome.ElapsedSec, &domain.CompletionMeta{
				FailureKind: domain.FailureRateLimit,
				RetryAfter:  secondsToDuration(outcome.RetryAfterSec),
			})
		case domain.FailureContextLimit:
			_ = d.pool.Complete(task.ID, false, outcome.ElapsedSec, &domain.CompletionMeta{FailureKind: domain.FailureContextLimit})
			_ = d.store.Transition(ctx, task.ID, task.Status, map[string]any{"needs_context_compaction": true}, task.CorrelationID, agent.ID)
		default:
			_ = d.pool.Complete(task.ID, false, outcome.ElapsedSec, &domain.CompletionMeta{FailureKind: domain.FailureOther})
		}

		d.appendLedgerEntry(task, task.Status, domain.StatusFailed, nil, false, agent)
		_ = d.store.Transition(ctx, task.ID, domain.StatusFailed, map[string]any{
			"last_error":        outcome.Output,
			"last_attempt_time": time.Now(),
			"failure_count":     task.FailureCount + 1,
		}, task.CorrelationID, agent.ID)
		return TickResult{TaskID: task.ID, Dispatched: true}
	}

	_ = d.pool.Complete(task.ID, true, outcome.ElapsedSec, nil)

	changes := verifier.ChangeSet{
		ChangedFiles:              outcome.ChangedFiles,
		ChangedLinesCoverage:      outcome.ChangedLinesCoverage,
		TouchedFilesDeltaCoverage: outcome.TouchedFilesDeltaCoverage,
	}
	verifyResult := d.verify.Verify(ctx, map[string]string{"task_id": task.ID}, changes)

	nextStatus := domain.StatusNeedsImprovement
	if verifyResult.Success {
		nextStatus = domain.StatusDone
	}

	artifacts := d.pushEvidence(ctx, task, verifyResult)
	d.appendLedgerEntry(task, task.Status, nextStatus, artifacts, verifyResult.Success, agent)
	if err := d.store.Transition(ctx, task.ID, nextStatus, nil, task.CorrelationID, agent.ID); err != nil {
		return TickResult{TaskID: task.ID, Err: fmt.Errorf("transition task: %w", err)}
	}

	return TickResult{TaskID: task.ID, Dispatched: true}
}

// pushEvidence bundles the Verifier's gate outputs for task and pushes
// them to the configured evidence store. It returns nil (no artifacts,
// not an error) when no EvidencePusher is configured or the push fails;
// evidence storage is best-effort and must never block a task's status
// transition.
func (d *Dispatcher) pushEvidence(ctx context.Context, task domain.Task, result verifier.Result) []string {
	if d.evidence == nil {
		return nil
	}

	files := make(map[string][]byte, len(result.Gates))
	names := make([]string, 0, len(result.Gates))
	for _, gate := range result.Gates {
		files[gate.Name+".log"] = []byte(gate.Output)
		names = append(names, gate.Name)
	}

	ref := d.evidenceRef
	ref.Tag = task.ID
	pushed, err := d.evidence.Push(ctx, evidence.Bundle{
		TaskID:    task.ID,
		GateNames: names,
		AllPassed: result.Success,
		Files:     files,
	}, ref)
	if err != nil {
		d.logger.Warn("evidence push failed", zap.String("task_id", task.ID), zap.Error(err))
		return nil
	}
	return []string{pushed.Ref}
}

func (d *Dispatcher) appendLedgerEntry(task domain.Task, from, to domain.TaskStatus, artifacts []string, evidenceValidated bool, agent domain.Agent) {
	_, err := d.ledger.AppendTransition(task.ID, string(from), string(to), artifacts, evidenceValidated, string(agent.Type), 0, agent.PersonaHash)
	if err != nil {
		d.logger.Error("ledger append failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
