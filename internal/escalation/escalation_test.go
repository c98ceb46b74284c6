package escalation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/taskstore"
)

type recordingSink struct {
	events []string
	fields []map[string]any
}

func (r *recordingSink) Emit(event string, fields map[string]any) {
	r.events = append(r.events, event)
	r.fields = append(r.fields, fields)
}

func newTestMonitor(t *testing.T) (*Monitor, *taskstore.MemStore, *recordingSink, *Store) {
	t.Helper()
	store := taskstore.NewMemStore()
	blk, err := OpenStore(t.TempDir() + "/blockers.db")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	sink := &recordingSink{}
	m := New(DefaultConfig(), store, blk, zap.NewNop(), sink)
	return m, store, sink, blk
}

func TestScan_CreatesBlockerRecordOnFirstSight(t *testing.T) {
	m, store, _, blk := newTestMonitor(t)
	store.Put(domain.Task{ID: "T3", Status: domain.StatusBlocked})

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.nowFn = func() time.Time { return fixed }

	m.scan()

	rec, ok, err := blk.Get("T3")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected a blocker record to be created")
	}
	if rec.EscalationLevel != 0 {
		t.Fatalf("expected escalation level 0, got %d", rec.EscalationLevel)
	}
}

func TestScan_EscalatesAtL1AfterFourHours(t *testing.T) {
	m, store, sink, blk := newTestMonitor(t)
	store.Put(domain.Task{ID: "T3", Status: domain.StatusBlocked})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	m.nowFn = func() time.Time { return now }
	m.scan()

	now = start.Add(4*time.Hour + time.Minute)
	m.scan()

	followUp, err := store.GetTask(context.Background(), "BLOCKER-T3-L1")
	if err != nil {
		t.Fatalf("expected L1 follow-up task to exist: %v", err)
	}
	if followUp.Complexity != 7 {
		t.Fatalf("expected complexity 7, got %d", followUp.Complexity)
	}

	rec, _, _ := blk.Get("T3")
	if rec.EscalationLevel != 1 {
		t.Fatalf("expected escalation level 1, got %d", rec.EscalationLevel)
	}

	found := false
	for _, e := range sink.events {
		if e == "escalation:created" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected escalation:created event")
	}

	// A further scan at the same age must not create a second L1 or regress.
	m.scan()
	rec2, _, _ := blk.Get("T3")
	if rec2.EscalationLevel != 1 {
		t.Fatalf("expected escalation level to remain 1, got %d", rec2.EscalationLevel)
	}
}

func TestScan_EscalatesAtL2AfterTwentyFourHours(t *testing.T) {
	m, store, _, blk := newTestMonitor(t)
	store.Put(domain.Task{ID: "T3", Status: domain.StatusBlocked})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	m.nowFn = func() time.Time { return now }
	m.scan()

	now = start.Add(4*time.Hour + time.Minute)
	m.scan()

	now = start.Add(24*time.Hour + time.Minute)
	m.scan()

	l1, err := store.GetTask(context.Background(), "BLOCKER-T3-L1")
	if err != nil {
		t.Fatalf("expected L1 follow-up to also exist: %v", err)
	}
	if l1.Complexity != 7 {
		t.Fatalf("expected L1 complexity 7, got %d", l1.Complexity)
	}

	l2, err := store.GetTask(context.Background(), "BLOCKER-T3-L2")
	if err != nil {
		t.Fatalf("expected L2 follow-up task to exist: %v", err)
	}
	if l2.Complexity != 10 {
		t.Fatalf("expected complexity 10, got %d", l2.Complexity)
	}

	rec, _, _ := blk.Get("T3")
	if rec.EscalationLevel != 2 {
		t.Fatalf("expected escalation level 2, got %d", rec.EscalationLevel)
	}
}

func TestScan_PrunesRecordOnceTaskLeavesBlocked(t *testing.T) {
	m, store, _, blk := newTestMonitor(t)
	store.Put(domain.Task{ID: "T3", Status: domain.StatusBlocked})
	m.scan()

	if _, ok, _ := blk.Get("T3"); !ok {
		t.Fatal("expected a record after first scan")
	}

	if err := store.Transition(context.Background(), "T3", domain.StatusInProgress, nil, "", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	m.scan()

	if _, ok, _ := blk.Get("T3"); ok {
		t.Fatal("expected blocker record to be pruned once task left blocked")
	}
}
