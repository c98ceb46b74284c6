// Package agentpool implements the Agent Pool: fleet roster, routing,
// load balancing, cooldowns, and coordinator promotion/demotion.
package agentpool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/classifier"
	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/metrics"
)

const (
	architectID          = "architect"
	failureAutoReset     = 30 * time.Second
	minCooldownSec       = 5
	architectDurationMul = 1.3
	engineerDurationMul  = 0.8
)

// EventSink receives pool lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(string, map[string]any) {}

// ErrNoAgentAvailable is returned by Assign when no agent of any eligible
// type is idle and off cooldown.
var ErrNoAgentAvailable = fmt.Errorf("no agent available")

// AssignOptions override or restrict routing.
type AssignOptions struct {
	ForceType  domain.AgentType
	PreferType domain.AgentType
	Avoid      []domain.AgentType
}

var (
	reviewKeyword    = "review"
	strategyKeywords = []string{"design", "architecture", "methodology", "approach", "strategy"}
)

// Pool is the Agent Pool.
type Pool struct {
	mu          sync.Mutex
	roster      []*domain.Agent // insertion order
	candidateID string          // sole coordinator-promotion candidate (first engineer)
	assignments map[string]domain.Assignment
	logger      *zap.Logger
	sink        EventSink
	nowFn       func() time.Time

	persist func(agentID string, cooldownUntil, failedUntil time.Time)
}

// New builds the roster: one architect plus numEngineers agents cycling
// roles engineer, qa, engineer, ....
func New(numEngineers int, logger *zap.Logger, sink EventSink) *Pool {
	if sink == nil {
		sink = NoopSink{}
	}
	p := &Pool{
		assignments: make(map[string]domain.Assignment),
		logger:      logger,
		sink:        sink,
		nowFn:       time.Now,
	}

	architect := &domain.Agent{
		ID:       architectID,
		Type:     domain.AgentArchitect,
		Role:     domain.RoleArchitect,
		BaseRole: domain.RoleArchitect,
		Status:   domain.AgentIdle,
	}
	p.roster = append(p.roster, architect)

	cycle := []domain.AgentRole{domain.RoleEngineer, domain.RoleQA}
	for i := 0; i < numEngineers; i++ {
		role := cycle[i%len(cycle)]
		agent := &domain.Agent{
			ID:       fmt.Sprintf("engineer-%d", i+1),
			Type:     domain.AgentEngineer,
			Role:     role,
			BaseRole: role,
			Status:   domain.AgentIdle,
		}
		p.roster = append(p.roster, agent)
		if p.candidateID == "" && role == domain.RoleEngineer {
			p.candidateID = agent.ID
		}
	}

	return p
}

// SetPersistFunc registers a callback invoked whenever an agent's cooldown
// or failed-until timestamps change, so a caller can persist them (e.g. to
// sqlite) for restart survival.
func (p *Pool) SetPersistFunc(fn func(agentID string, cooldownUntil, failedUntil time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persist = fn
}

// Assign routes task to an agent per the documented priority order.
func (p *Pool) Assign(ctx context.Context, task domain.Task, clsCtx classifier.Context, options AssignOptions) (domain.Agent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	preferred := options.ForceType
	if preferred == "" {
		preferred = options.PreferType
	}
	if preferred == "" {
		preferred = p.recommendLocked(task, clsCtx)
	}

	alternate := domain.AgentEngineer
	if preferred == domain.AgentEngineer {
		alternate = domain.AgentArchitect
	}

	order := []domain.AgentType{preferred, alternate}
	searchOrder := make([]domain.AgentType, 0, 2)
	for _, t := range order {
		if !containsType(options.Avoid, t) {
			searchOrder = append(searchOrder, t)
		}
	}

	for i, agentType := range searchOrder {
		agent := p.pickLeastLoadedLocked(agentType)
		if agent == nil {
			continue
		}
		if i > 0 {
			p.sink.Emit("agent:fallback", map[string]any{
				"task_id":       task.ID,
				"preferred_type": string(preferred),
				"used_type":      string(agentType),
			})
		}

		now := p.nowFn()
		assignment := domain.Assignment{
			TaskID:      task.ID,
			AgentID:     agent.ID,
			AssignedAt:  now,
			EstimatedSec: p.estimateDurationLocked(agent, task.Complexity),
		}
		p.assignments[task.ID] = assignment
		agent.Status = domain.AgentBusy
		agent.CurrentTaskID = task.ID
		agent.LastUsedAt = now

		p.sink.Emit("task:assigned", map[string]any{
			"task_id":  task.ID,
			"agent_id": agent.ID,
		})
		p.recordUtilizationLocked()
		return *agent, nil
	}

	p.recordUtilizationLocked()
	return domain.Agent{}, ErrNoAgentAvailable
}

// recordUtilizationLocked publishes the busy fraction of each agent type
// in the roster. Callers must hold p.mu.
func (p *Pool) recordUtilizationLocked() {
	busy := make(map[domain.AgentType]int)
	total := make(map[domain.AgentType]int)
	for _, a := range p.roster {
		total[a.Type]++
		if a.Status == domain.AgentBusy {
			busy[a.Type]++
		}
	}
	for agentType, count := range total {
		if count == 0 {
			continue
		}
		metrics.PoolUtilization.WithLabelValues(string(agentType)).Set(float64(busy[agentType]) / float64(count))
	}
}

// Recommend returns the syntactically-recommended agent type for task
// given clsCtx, without performing an assignment.
func (p *Pool) Recommend(task domain.Task, clsCtx classifier.Context) domain.AgentType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.recommendLocked(task, clsCtx)
}

func (p *Pool) recommendLocked(task domain.Task, clsCtx classifier.Context) domain.AgentType {
	if p.coordinatorIsPromotedEngineerLocked() {
		return domain.AgentEngineer
	}
	switch task.Status {
	case domain.StatusNeedsReview:
		return domain.AgentArchitect
	case domain.StatusNeedsImprovement:
		return domain.AgentEngineer
	}
	if task.Complexity >= 8 {
		return domain.AgentArchitect
	}
	if task.Type == domain.TaskTypeEpic {
		return domain.AgentArchitect
	}
	title := strings.ToLower(task.Title)
	if strings.Contains(title, reviewKeyword) {
		return domain.AgentArchitect
	}
	for _, kw := range strategyKeywords {
		if strings.Contains(title, kw) {
			return domain.AgentArchitect
		}
	}
	if clsCtx.RelevantDecisions > 3 || clsCtx.ActiveConstraints > 2 {
		return domain.AgentArchitect
	}
	if clsCtx.QualityIssuesInArea > 3 {
		return domain.AgentArchitect
	}
	return domain.AgentEngineer
}

func (p *Pool) coordinatorIsPromotedEngineerLocked() bool {
	for _, a := range p.roster {
		if a.IsCoordinator() && a.ID == p.candidateID {
			return true
		}
	}
	return false
}

// pickLeastLoadedLocked returns the non-cooldown idle agent of agentType
// with the lowest completed-task count, tie-broken by insertion order.
func (p *Pool) pickLeastLoadedLocked(agentType domain.AgentType) *domain.Agent {
	var best *domain.Agent
	now := p.nowFn()
	for _, a := range p.roster {
		if a.Type != agentType {
			continue
		}
		p.healCooldownLocked(a, now)
		if a.Status != domain.AgentIdle {
			continue
		}
		if best == nil || a.CompletedTasks < best.CompletedTasks {
			best = a
		}
	}
	return best
}

// healCooldownLocked clears an expired cooldown/failed state, reverting
// the agent to idle. Self-healing: any observation may trigger it.
func (p *Pool) healCooldownLocked(a *domain.Agent, now time.Time) {
	if !a.CooldownUntil.IsZero() && !now.Before(a.CooldownUntil) {
		a.CooldownUntil = time.Time{}
		a.Status = domain.AgentIdle
	}
	if !a.FailedUntil.IsZero() && !now.Before(a.FailedUntil) {
		a.FailedUntil = time.Time{}
		a.Status = domain.AgentIdle
	}
}

// IsOnCooldown is a self-healing predicate: it clears an expired cooldown
// as a side effect of being asked.
func (p *Pool) IsOnCooldown(agentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(agentID)
	if a == nil {
		return false
	}
	p.healCooldownLocked(a, p.nowFn())
	return !a.CooldownUntil.IsZero()
}

// ClearCooldown forces an agent back to idle regardless of timestamps.
func (p *Pool) ClearCooldown(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a := p.findLocked(agentID)
	if a == nil {
		return
	}
	a.CooldownUntil = time.Time{}
	a.FailedUntil = time.Time{}
	a.Status = domain.AgentIdle
	p.persistLocked(a)
	p.recordUtilizationLocked()
}

func (p *Pool) findLocked(agentID string) *domain.Agent {
	for _, a := range p.roster {
		if a.ID == agentID {
			return a
		}
	}
	return nil
}

func containsType(list []domain.AgentType, t domain.AgentType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func (p *Pool) persistLocked(a *domain.Agent) {
	if p.persist != nil {
		p.persist(a.ID, a.CooldownUntil, a.FailedUntil)
	}
}
