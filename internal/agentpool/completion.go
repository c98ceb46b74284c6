package agentpool

import (
	"fmt"
	"time"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// Complete finalizes an assignment, updating the agent's counters and
// rolling average, and applies cooldown/failure semantics.
func (p *Pool) Complete(taskID string, success bool, durationSec float64, meta *domain.CompletionMeta) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	assignment, ok := p.assignments[taskID]
	if !ok {
		return fmt.Errorf("complete %q: no open assignment", taskID)
	}
	agent := p.findLocked(assignment.AgentID)
	if agent == nil {
		return fmt.Errorf("complete %q: agent %q not found", taskID, assignment.AgentID)
	}

	updateRollingAverage(agent, durationSec)
	agent.CurrentTaskID = ""

	if success {
		agent.CompletedTasks++
		agent.Status = domain.AgentIdle
	} else {
		agent.FailedTasks++
		if meta != nil && meta.FailureKind == domain.FailureRateLimit {
			cooldownSec := meta.RetryAfter.Seconds()
			if cooldownSec < minCooldownSec {
				cooldownSec = minCooldownSec
			}
			agent.Status = domain.AgentFailed
			agent.CooldownUntil = p.nowFn().Add(time.Duration(cooldownSec * float64(time.Second)))
			p.sink.Emit("agent:cooldown", map[string]any{
				"agent_id":     agent.ID,
				"cooldown_sec": cooldownSec,
			})
		} else {
			agent.Status = domain.AgentFailed
			agent.FailedUntil = p.nowFn().Add(failureAutoReset)
		}
		p.sink.Emit("agent:error", map[string]any{
			"agent_id": agent.ID,
			"task_id":  taskID,
		})
	}

	p.persistLocked(agent)
	delete(p.assignments, taskID)
	p.recordUtilizationLocked()

	p.sink.Emit("task:completed", map[string]any{
		"task_id":  taskID,
		"agent_id": agent.ID,
		"success":  success,
	})
	return nil
}

// updateRollingAverage maintains a running mean of execution duration
// over all completions (success or failure) recorded for agent so far.
func updateRollingAverage(agent *domain.Agent, durationSec float64) {
	n := agent.CompletedTasks + agent.FailedTasks
	agent.AvgDurationSec = (agent.AvgDurationSec*float64(n) + durationSec) / float64(n+1)
}

// estimateDurationLocked computes the estimated assignment duration in
// seconds: base = complexity*5 minutes, blended with the agent's rolling
// average when non-zero, then scaled per agent type.
func (p *Pool) estimateDurationLocked(agent *domain.Agent, complexity int) float64 {
	baseMinutes := float64(complexity) * 5
	if agent.AvgDurationSec > 0 {
		avgMinutes := agent.AvgDurationSec / 60
		baseMinutes = (baseMinutes + avgMinutes) / 2
	}
	mul := engineerDurationMul
	if agent.Type == domain.AgentArchitect {
		mul = architectDurationMul
	}
	return baseMinutes * 60 * mul
}
