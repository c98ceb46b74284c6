package agentpool

import (
	"fmt"
	"time"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// PromoteCoordinatorRole transitions the coordinator from architect to
// the candidate engineer, provided the architect is unavailable and the
// current coordinator is still the architect. Last-writer-wins under the
// pool's single lock: the check and the mutation happen atomically, so a
// racing promote/demote pair resolves deterministically rather than
// corrupting roster state.
func (p *Pool) PromoteCoordinatorRole(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	architect := p.findLocked(architectID)
	candidate := p.findLocked(p.candidateID)
	if architect == nil || candidate == nil {
		return fmt.Errorf("promote coordinator: roster missing architect or candidate")
	}
	if !architect.IsCoordinator() {
		return fmt.Errorf("promote coordinator: coordinator is not currently the architect")
	}
	architectUnavailable := !p.cooldownExpiredLocked(architect) || architect.Status != domain.AgentIdle
	if !architectUnavailable {
		return fmt.Errorf("promote coordinator: architect is idle and off cooldown, no promotion needed")
	}

	candidate.Role = domain.RoleArchitect
	candidate.PromotedAt = p.nowFn()
	p.sink.Emit("coordinator:promoted", map[string]any{
		"agent_id": candidate.ID,
		"reason":   reason,
	})
	return nil
}

// DemoteCoordinatorRole restores the candidate to its base role, provided
// the architect is idle and off cooldown. Symmetric to promotion.
func (p *Pool) DemoteCoordinatorRole(reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	architect := p.findLocked(architectID)
	candidate := p.findLocked(p.candidateID)
	if architect == nil || candidate == nil {
		return fmt.Errorf("demote coordinator: roster missing architect or candidate")
	}
	if candidate.Role != domain.RoleArchitect {
		return fmt.Errorf("demote coordinator: candidate is not currently promoted")
	}
	p.healCooldownLocked(architect, p.nowFn())
	if architect.Status != domain.AgentIdle || !architect.CooldownUntil.IsZero() {
		return fmt.Errorf("demote coordinator: architect is not idle and off cooldown")
	}

	candidate.Role = candidate.BaseRole
	candidate.PromotedAt = time.Time{}
	p.sink.Emit("coordinator:demoted", map[string]any{
		"agent_id": candidate.ID,
		"reason":   reason,
	})
	return nil
}

// cooldownExpiredLocked reports whether the agent's cooldown has expired
// (or was never set), healing expired state as a side effect.
func (p *Pool) cooldownExpiredLocked(a *domain.Agent) bool {
	p.healCooldownLocked(a, p.nowFn())
	return a.CooldownUntil.IsZero()
}
