package taskstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// MemStore is an in-memory Store used by tests.
type MemStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]domain.Task)}
}

// Put inserts or replaces a task directly, bypassing CreateTask. Useful
// for seeding fixtures in tests.
func (m *MemStore) Put(task domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task
}

func (m *MemStore) GetTasks(ctx context.Context, filter domain.Filter) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Task
	for _, t := range m.tasks {
		if !matchesFilter(t, filter) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func matchesFilter(t domain.Task, filter domain.Filter) bool {
	if len(filter.Status) > 0 && !containsStatus(filter.Status, t.Status) {
		return false
	}
	if len(filter.Type) > 0 && !containsType(filter.Type, t.Type) {
		return false
	}
	if len(filter.IDs) > 0 && !containsID(filter.IDs, t.ID) {
		return false
	}
	return true
}

func containsStatus(list []domain.TaskStatus, s domain.TaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(list []domain.TaskType, ty domain.TaskType) bool {
	for _, v := range list {
		if v == ty {
			return true
		}
	}
	return false
}

func containsID(list []string, id string) bool {
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func (m *MemStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("get task %q: %w", id, ErrNotFound)
	}
	return t, nil
}

func (m *MemStore) GetDependencies(ctx context.Context, id string) ([]domain.Task, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get dependencies %q: %w", id, ErrNotFound)
	}

	var deps []domain.Task
	for _, depID := range t.Dependencies {
		m.mu.Lock()
		dep, exists := m.tasks[depID]
		m.mu.Unlock()
		if exists {
			deps = append(deps, dep)
		}
	}
	return deps, nil
}

func (m *MemStore) Transition(ctx context.Context, id string, status domain.TaskStatus, meta map[string]any, correlationID, actor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("transition %q: %w", id, ErrNotFound)
	}
	t.Status = status
	applyTransitionMeta(&t, meta)
	t.CorrelationID = correlationID
	m.tasks[id] = t
	return nil
}

func (m *MemStore) CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[spec.ID]; exists {
		return domain.Task{}, fmt.Errorf("create task %q: already exists", spec.ID)
	}

	task := domain.Task{
		ID:           spec.ID,
		Title:        spec.Title,
		Description:  spec.Description,
		Type:         spec.Type,
		Status:       domain.StatusPending,
		Complexity:   spec.Complexity,
		Dependencies: spec.Dependencies,
		Metadata:     spec.Metadata,
	}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *MemStore) AssignTask(ctx context.Context, id, agentID, correlationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("assign task %q: %w", id, ErrNotFound)
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata["assigned_agent"] = agentID
	t.CorrelationID = correlationID
	m.tasks[id] = t
	return nil
}
