package agentpool

import "github.com/marcus-qen/dispatchd/internal/domain"

// Metrics is a point-in-time snapshot of pool health.
type Metrics struct {
	Total     int
	Busy      int
	Idle      int
	Completed int
	Failed    int

	AvgDurationSec float64

	ArchitectRatio float64
	EngineerRatio  float64
}

// Snapshot computes current pool metrics.
func (p *Pool) Snapshot() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var m Metrics
	var totalDuration float64
	var durationSamples int
	var architectUsage, engineerUsage int

	now := p.nowFn()
	for _, a := range p.roster {
		p.healCooldownLocked(a, now)
		m.Total++
		switch a.Status {
		case domain.AgentBusy:
			m.Busy++
		case domain.AgentIdle:
			m.Idle++
		}
		m.Completed += a.CompletedTasks
		m.Failed += a.FailedTasks

		if a.AvgDurationSec > 0 {
			totalDuration += a.AvgDurationSec
			durationSamples++
		}

		usage := a.CompletedTasks + a.FailedTasks
		if a.Type == domain.AgentArchitect {
			architectUsage += usage
		} else {
			engineerUsage += usage
		}
	}

	if durationSamples > 0 {
		m.AvgDurationSec = totalDuration / float64(durationSamples)
	}

	totalUsage := architectUsage + engineerUsage
	if totalUsage > 0 {
		m.ArchitectRatio = float64(architectUsage) / float64(totalUsage)
		m.EngineerRatio = float64(engineerUsage) / float64(totalUsage)
	}

	return m
}

// Roster returns a snapshot copy of the current agent roster in
// insertion order.
func (p *Pool) Roster() []domain.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	out := make([]domain.Agent, 0, len(p.roster))
	for _, a := range p.roster {
		p.healCooldownLocked(a, now)
		out = append(out, *a)
	}
	return out
}
