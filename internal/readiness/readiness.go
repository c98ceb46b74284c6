// Package readiness implements the Readiness Gate: a stateless check,
// evaluated purely over the task store, that decides whether a task may
// be dispatched right now.
package readiness

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/taskstore"
)

var verificationTitle = regexp.MustCompile(`(?i)\b(verify|validation)\b`)

const recentFailureWindow = 5 * time.Minute

// Gate evaluates task readiness against a task store and a workspace root
// used to resolve declared required files.
type Gate struct {
	store         taskstore.Store
	workspaceRoot string
	now           func() time.Time
}

// New creates a Gate. workspaceRoot anchors relative required-file paths.
func New(store taskstore.Store, workspaceRoot string) *Gate {
	return &Gate{store: store, workspaceRoot: workspaceRoot, now: time.Now}
}

// Check evaluates a single task and returns its readiness verdict.
func (g *Gate) Check(ctx context.Context, task domain.Task) (domain.ReadinessVerdict, error) {
	now := g.now()
	var blockers []domain.Blocker

	depBlockers, err := g.checkDependencies(ctx, task)
	if err != nil {
		return domain.ReadinessVerdict{}, fmt.Errorf("check dependencies for %q: %w", task.ID, err)
	}
	blockers = append(blockers, depBlockers...)
	blockers = append(blockers, g.checkRequiredFiles(task)...)
	blockers = append(blockers, g.checkBackoff(task, now)...)
	blockers = append(blockers, g.checkRecentFailure(task, now)...)
	blockers = append(blockers, g.checkVerificationReadiness(ctx, task)...)

	verdict := domain.ReadinessVerdict{
		Ready:    len(blockers) == 0,
		Score:    scoreFor(blockers),
		Blockers: blockers,
	}
	verdict.NextCheckTime = nextCheckTime(blockers, now)
	return verdict, nil
}

func (g *Gate) checkDependencies(ctx context.Context, task domain.Task) ([]domain.Blocker, error) {
	var blockers []domain.Blocker
	for _, depID := range task.Dependencies {
		dep, err := g.store.GetTask(ctx, depID)
		if err != nil {
			blockers = append(blockers, domain.Blocker{
				Kind:        domain.BlockerDependency,
				Description: fmt.Sprintf("dependency %q does not exist", depID),
				BlockedBy:   depID,
			})
			continue
		}
		if dep.Status != domain.StatusDone {
			blockers = append(blockers, domain.Blocker{
				Kind:        domain.BlockerDependency,
				Description: fmt.Sprintf("dependency %q is %s, not done", depID, dep.Status),
				BlockedBy:   depID,
			})
		}
	}
	return blockers, nil
}

func (g *Gate) checkRequiredFiles(task domain.Task) []domain.Blocker {
	var blockers []domain.Blocker
	for _, rel := range task.RequiredFiles {
		path := rel
		if !filepath.IsAbs(path) {
			path = filepath.Join(g.workspaceRoot, rel)
		}
		if _, err := os.Stat(path); err != nil {
			blockers = append(blockers, domain.Blocker{
				Kind:        domain.BlockerMissingRequiredFiles,
				Description: fmt.Sprintf("required file %q is missing", rel),
			})
		}
	}
	return blockers
}

func (g *Gate) checkBackoff(task domain.Task, now time.Time) []domain.Blocker {
	if task.LastAttemptTime.IsZero() || task.FailureCount <= 0 {
		return nil
	}
	exp := task.FailureCount
	if exp > 6 {
		exp = 6
	}
	backoff := time.Duration(math.Pow(2, float64(exp))) * time.Minute
	blockedUntil := task.LastAttemptTime.Add(backoff)
	if now.Before(blockedUntil) {
		return []domain.Blocker{{
			Kind:         domain.BlockerBackoff,
			Description:  fmt.Sprintf("in backoff after %d consecutive failures", task.FailureCount),
			BlockedUntil: blockedUntil,
		}}
	}
	return nil
}

func (g *Gate) checkRecentFailure(task domain.Task, now time.Time) []domain.Blocker {
	if shouldRetry, ok := task.MetadataBool("should_retry"); ok && !shouldRetry {
		return []domain.Blocker{{
			Kind:        domain.BlockerRecentFailure,
			Description: "should_retry is false",
		}}
	}
	if task.LastError != "" && !task.LastAttemptTime.IsZero() {
		blockedUntil := task.LastAttemptTime.Add(recentFailureWindow)
		if now.Before(blockedUntil) {
			return []domain.Blocker{{
				Kind:         domain.BlockerRecentFailure,
				Description:  "last attempt failed recently",
				BlockedUntil: blockedUntil,
			}}
		}
	}
	return nil
}

func (g *Gate) checkVerificationReadiness(ctx context.Context, task domain.Task) []domain.Blocker {
	if !isVerificationTask(task) {
		return nil
	}
	if len(task.Dependencies) == 0 {
		return []domain.Blocker{{
			Kind:        domain.BlockerVerificationUnready,
			Description: "verification task has no dependencies to verify",
		}}
	}
	for _, depID := range task.Dependencies {
		dep, err := g.store.GetTask(ctx, depID)
		if err != nil || dep.Status != domain.StatusDone {
			return []domain.Blocker{{
				Kind:        domain.BlockerVerificationUnready,
				Description: fmt.Sprintf("dependency %q is not done", depID),
				BlockedBy:   depID,
			}}
		}
	}
	return nil
}

func isVerificationTask(task domain.Task) bool {
	if verificationTitle.MatchString(task.Title) {
		return true
	}
	if t, ok := task.MetadataString("type"); ok && strings.EqualFold(t, "verification") {
		return true
	}
	return false
}

func scoreFor(blockers []domain.Blocker) int {
	score := 100 - len(blockers)*20
	if score < 0 {
		return 0
	}
	return score
}

func nextCheckTime(blockers []domain.Blocker, now time.Time) time.Time {
	var earliest time.Time
	for _, b := range blockers {
		if b.BlockedUntil.IsZero() {
			continue
		}
		if earliest.IsZero() || b.BlockedUntil.Before(earliest) {
			earliest = b.BlockedUntil
		}
	}
	if earliest.IsZero() {
		return now.Add(5 * time.Minute)
	}
	return earliest
}
