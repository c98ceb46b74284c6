package taskstore

import (
	"time"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// applyTransitionMeta merges meta into task's untyped Metadata map, and
// additionally promotes the well-known last_attempt_time/last_error/
// failure_count keys onto their typed Task fields. The readiness gate's
// backoff and recent-failure checks read those fields directly, not the
// Metadata map, so a caller that only ever set them via meta (as the
// Dispatcher does on every failed attempt) would otherwise never trip
// either blocker.
func applyTransitionMeta(task *domain.Task, meta map[string]any) {
	if meta == nil {
		return
	}
	if task.Metadata == nil {
		task.Metadata = make(map[string]any, len(meta))
	}
	for k, v := range meta {
		task.Metadata[k] = v
	}

	if v, ok := meta["last_attempt_time"]; ok {
		if t, ok := v.(time.Time); ok {
			task.LastAttemptTime = t
		}
	}
	if v, ok := meta["last_error"]; ok {
		if s, ok := v.(string); ok {
			task.LastError = s
		}
	}
	if v, ok := meta["failure_count"]; ok {
		switch n := v.(type) {
		case int:
			task.FailureCount = n
		case int64:
			task.FailureCount = int(n)
		case float64:
			task.FailureCount = int(n)
		}
	}
}
