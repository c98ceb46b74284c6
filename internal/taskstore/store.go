// Package taskstore defines the external roadmap/task-store contract
// (spec §6) and provides two reference implementations: an in-memory
// store for tests and a sqlite-backed store for standalone deployments.
// The real production store (YAML/markdown roadmap projections) is out
// of scope for this module and is expected to supply its own adapter
// satisfying Store.
package taskstore

import (
	"context"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// Store is the minimum external task/roadmap store contract.
type Store interface {
	GetTasks(ctx context.Context, filter domain.Filter) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	GetDependencies(ctx context.Context, id string) ([]domain.Task, error)
	Transition(ctx context.Context, id string, status domain.TaskStatus, meta map[string]any, correlationID, actor string) error
	CreateTask(ctx context.Context, spec domain.TaskSpec) (domain.Task, error)
	AssignTask(ctx context.Context, id, agentID, correlationID string) error
}

// ErrNotFound is returned when a requested task does not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "task not found" }
