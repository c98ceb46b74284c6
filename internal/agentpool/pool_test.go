package agentpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/classifier"
	"github.com/marcus-qen/dispatchd/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingSink) Emit(event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingSink) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

func newTestPool(numEngineers int) (*Pool, *recordingSink) {
	sink := &recordingSink{}
	p := New(numEngineers, zap.NewNop(), sink)
	return p, sink
}

func TestNew_RosterCyclesEngineerQA(t *testing.T) {
	p, _ := newTestPool(3)
	roster := p.Roster()
	if len(roster) != 4 {
		t.Fatalf("expected 4 agents (1 architect + 3 engineers), got %d", len(roster))
	}
	if roster[0].ID != "architect" || roster[0].Type != domain.AgentArchitect {
		t.Fatalf("expected first agent to be architect, got %+v", roster[0])
	}
	wantRoles := []domain.AgentRole{domain.RoleEngineer, domain.RoleQA, domain.RoleEngineer}
	for i, want := range wantRoles {
		if roster[i+1].Role != want {
			t.Fatalf("expected agent %d role %s, got %s", i+1, want, roster[i+1].Role)
		}
	}
}

func TestAssign_PicksRecommendedTypeAndLowestLoad(t *testing.T) {
	p, sink := newTestPool(2)

	task := domain.Task{ID: "T-1", Type: domain.TaskTypeEpic, Complexity: 9}
	agent, err := p.Assign(context.Background(), task, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if agent.Type != domain.AgentArchitect {
		t.Fatalf("expected architect assignment for epic/high complexity, got %s", agent.Type)
	}
	if !sink.has("task:assigned") {
		t.Fatal("expected task:assigned event")
	}
}

func TestAssign_FallsBackAndEmitsFallback(t *testing.T) {
	p, sink := newTestPool(1)

	// Exhaust the architect by assigning a high-complexity task first.
	_, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}

	// Second high-complexity task should fall back to engineer since the
	// architect is now busy.
	agent, err := p.Assign(context.Background(), domain.Task{ID: "T-2", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("second assign: %v", err)
	}
	if agent.Type != domain.AgentEngineer {
		t.Fatalf("expected fallback to engineer, got %s", agent.Type)
	}
	if !sink.has("agent:fallback") {
		t.Fatal("expected agent:fallback event")
	}
}

func TestAssign_NoAgentAvailable(t *testing.T) {
	p, _ := newTestPool(0)

	_, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("first assign (architect) should succeed: %v", err)
	}
	_, err = p.Assign(context.Background(), domain.Task{ID: "T-2", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != ErrNoAgentAvailable {
		t.Fatalf("expected ErrNoAgentAvailable, got %v", err)
	}
}

func TestAssign_LoadBalancesByCompletedCount(t *testing.T) {
	p, _ := newTestPool(2)

	a1, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 1}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign 1: %v", err)
	}
	if err := p.Complete("T-1", true, 60, nil); err != nil {
		t.Fatalf("complete T-1: %v", err)
	}

	a2, err := p.Assign(context.Background(), domain.Task{ID: "T-2", Complexity: 1}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign 2: %v", err)
	}
	// a1 now has 1 completed task; load balancing should prefer the other
	// idle engineer with 0 completed tasks.
	if a2.ID == a1.ID {
		t.Fatalf("expected load balancing to pick the less-loaded engineer, both got %s", a1.ID)
	}
}

func TestComplete_RateLimitAppliesCooldown(t *testing.T) {
	p, sink := newTestPool(1)

	agent, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 1}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	err = p.Complete("T-1", false, 30, &domain.CompletionMeta{
		FailureKind: domain.FailureRateLimit,
		RetryAfter:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !sink.has("agent:cooldown") {
		t.Fatal("expected agent:cooldown event")
	}
	if !p.IsOnCooldown(agent.ID) {
		t.Fatal("expected agent to be on cooldown")
	}
}

func TestComplete_GenericFailureSchedulesAutoReset(t *testing.T) {
	p, _ := newTestPool(1)

	agent, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 1}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	err = p.Complete("T-1", false, 30, &domain.CompletionMeta{FailureKind: domain.FailureOther})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	roster := p.Roster()
	var found *domain.Agent
	for i := range roster {
		if roster[i].ID == agent.ID {
			found = &roster[i]
		}
	}
	if found == nil || found.Status != domain.AgentFailed {
		t.Fatalf("expected agent failed status, got %+v", found)
	}
}

func TestPromoteCoordinatorRole_RequiresArchitectUnavailable(t *testing.T) {
	p, _ := newTestPool(2)

	if err := p.PromoteCoordinatorRole("architect idle"); err == nil {
		t.Fatal("expected promotion to fail while architect is idle")
	}

	// Make the architect busy.
	_, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	if err := p.PromoteCoordinatorRole("architect busy"); err != nil {
		t.Fatalf("expected promotion to succeed, got %v", err)
	}

	roster := p.Roster()
	for _, a := range roster {
		if a.ID == "engineer-1" && a.Role != domain.RoleArchitect {
			t.Fatalf("expected engineer-1 to be promoted, got role %s", a.Role)
		}
	}
}

func TestDemoteCoordinatorRole_RequiresArchitectIdle(t *testing.T) {
	p, _ := newTestPool(2)

	_, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 9}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := p.PromoteCoordinatorRole("architect busy"); err != nil {
		t.Fatalf("promote: %v", err)
	}

	if err := p.DemoteCoordinatorRole("trying while architect busy"); err == nil {
		t.Fatal("expected demotion to fail while architect is busy")
	}

	if err := p.Complete("T-1", true, 60, nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := p.DemoteCoordinatorRole("architect idle again"); err != nil {
		t.Fatalf("expected demotion to succeed, got %v", err)
	}
}

func TestSnapshot_ReportsCounts(t *testing.T) {
	p, _ := newTestPool(2)
	_, err := p.Assign(context.Background(), domain.Task{ID: "T-1", Complexity: 1}, classifier.Context{}, AssignOptions{})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	m := p.Snapshot()
	if m.Total != 3 {
		t.Fatalf("expected 3 total agents, got %d", m.Total)
	}
	if m.Busy != 1 {
		t.Fatalf("expected 1 busy agent, got %d", m.Busy)
	}
	if m.Idle != 2 {
		t.Fatalf("expected 2 idle agents, got %d", m.Idle)
	}
}
