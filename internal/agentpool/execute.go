package agentpool

import (
	"context"

	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/telemetry"
	"github.com/marcus-qen/dispatchd/internal/worker"
)

// ExecuteOptions configure a worker invocation issued through the pool.
type ExecuteOptions = worker.Options

// ExecuteWithArchitect synchronously invokes the architect binary for
// taskID via invoker, emitting agent:error on failure.
func (p *Pool) ExecuteWithArchitect(ctx context.Context, invoker *worker.Invoker, taskID, prompt string, opts ExecuteOptions) domain.ExecutionOutcome {
	ctx, span := telemetry.StartWorkerSpan(ctx, taskID, string(domain.AgentArchitect), string(opts.ReasoningLevel))
	outcome := invoker.ExecuteArchitect(ctx, prompt, opts)
	telemetry.EndWorkerSpan(span, outcome.Success, string(outcome.FailureKind), outcome.ElapsedSec)
	p.recordExecutionEvent(taskID, outcome)
	return outcome
}

// ExecuteWithEngineer synchronously invokes the engineer binary for
// taskID via invoker, emitting agent:error on failure.
func (p *Pool) ExecuteWithEngineer(ctx context.Context, invoker *worker.Invoker, taskID, prompt string, opts ExecuteOptions) domain.ExecutionOutcome {
	ctx, span := telemetry.StartWorkerSpan(ctx, taskID, string(domain.AgentEngineer), string(opts.ReasoningLevel))
	outcome := invoker.ExecuteEngineer(ctx, prompt, opts)
	telemetry.EndWorkerSpan(span, outcome.Success, string(outcome.FailureKind), outcome.ElapsedSec)
	p.recordExecutionEvent(taskID, outcome)
	return outcome
}

func (p *Pool) recordExecutionEvent(taskID string, outcome domain.ExecutionOutcome) {
	if outcome.Success {
		return
	}
	p.mu.Lock()
	agentID := ""
	if assignment, ok := p.assignments[taskID]; ok {
		agentID = assignment.AgentID
	}
	p.mu.Unlock()

	p.sink.Emit("agent:error", map[string]any{
		"task_id":      taskID,
		"agent_id":     agentID,
		"failure_kind": string(outcome.FailureKind),
	})
}
