// Package supervisor tracks every spawned worker child process, enforces
// concurrency and memory ceilings, and kills timed-out children.
package supervisor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/metrics"
)

// Config tunes the supervisor's ceilings and sweep cadence.
type Config struct {
	MaxConcurrent     int
	MaxMemoryPercent  float64
	CheckInterval     time.Duration
	ProcessTimeout    time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		MaxMemoryPercent: 85,
		CheckInterval:    30 * time.Second,
		ProcessTimeout:   15 * time.Minute,
	}
}

// Handle describes a live worker process registered with the supervisor.
type Handle struct {
	PID      int
	TaskID   string
	Provider string
	Model    string
	Kill     func(reason string) error
}

type record struct {
	handle    Handle
	startTime time.Time
}

// EventSink receives supervisor lifecycle events. Implementations must not block.
type EventSink interface {
	Emit(event string, fields map[string]any)
}

// NoopSink discards all events.
type NoopSink struct{}

func (NoopSink) Emit(string, map[string]any) {}

// MemorySampler reports current resident-memory usage as a percentage of
// total physical memory, in [0, 100].
type MemorySampler func() (float64, error)

// Supervisor is the Resource Supervisor.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	sink   EventSink
	sample MemorySampler

	mu       sync.Mutex
	records  map[int]record
	shutdown bool

	cronRunner *cron.Cron
	cronID     cron.EntryID
}

// New creates a Supervisor. sampler defaults to the platform-appropriate
// memory sampler when nil.
func New(cfg Config, logger *zap.Logger, sink EventSink, sampler MemorySampler) *Supervisor {
	if sink == nil {
		sink = NoopSink{}
	}
	if sampler == nil {
		sampler = SampleMemoryPercent
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger,
		sink:    sink,
		sample:  sampler,
		records: make(map[int]record),
	}
}

// CanSpawn reports whether another worker process may be started.
func (s *Supervisor) CanSpawn() bool {
	s.mu.Lock()
	count := len(s.records)
	s.mu.Unlock()

	if count >= s.cfg.MaxConcurrent {
		return false
	}

	pct, err := s.sample()
	if err != nil {
		s.logger.Debug("memory sampling failed, allowing spawn", zap.Error(err))
		return true
	}
	return pct <= s.cfg.MaxMemoryPercent
}

// Register records a new live worker. If the supervisor is shutting down
// the handle is killed immediately instead of tracked.
func (s *Supervisor) Register(h Handle) {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.killHandle(h, "shutdown")
		return
	}
	s.records[h.PID] = record{handle: h, startTime: time.Now()}
	count := len(s.records)
	s.mu.Unlock()

	metrics.SupervisorActiveHandles.Set(float64(count))
	s.sink.Emit("worker:registered", map[string]any{"pid": h.PID, "task_id": h.TaskID})
}

// Unregister removes a live record and emits a completion event.
func (s *Supervisor) Unregister(pid int) {
	s.mu.Lock()
	rec, ok := s.records[pid]
	delete(s.records, pid)
	count := len(s.records)
	s.mu.Unlock()

	if !ok {
		return
	}
	metrics.SupervisorActiveHandles.Set(float64(count))
	s.sink.Emit("worker:completed", map[string]any{
		"pid":         pid,
		"task_id":     rec.handle.TaskID,
		"elapsed_sec": time.Since(rec.startTime).Seconds(),
	})
}

// Kill invokes the stored kill function for pid, removes the record, and
// emits a "killed" event with reason.
func (s *Supervisor) Kill(pid int, reason string) {
	s.mu.Lock()
	rec, ok := s.records[pid]
	delete(s.records, pid)
	count := len(s.records)
	s.mu.Unlock()

	if !ok {
		return
	}
	metrics.SupervisorActiveHandles.Set(float64(count))
	s.killHandle(rec.handle, reason)
}

// KillAll kills every currently tracked worker process, without marking
// the Supervisor as shut down: spawning resumes normally on the next
// Register call. Used by the rollback monitor to force every in-flight
// task onto a freshly spawned worker when it decides the active worker
// is unhealthy.
func (s *Supervisor) KillAll(reason string) {
	s.mu.Lock()
	remaining := make([]record, 0, len(s.records))
	for _, rec := range s.records {
		remaining = append(remaining, rec)
	}
	s.records = make(map[int]record)
	s.mu.Unlock()

	metrics.SupervisorActiveHandles.Set(0)
	for _, rec := range remaining {
		s.killHandle(rec.handle, reason)
	}
}

func (s *Supervisor) killHandle(h Handle, reason string) {
	if h.Kill != nil {
		if err := h.Kill(reason); err != nil {
			s.logger.Warn("kill failed", zap.Int("pid", h.PID), zap.Error(err))
		}
	}
	s.sink.Emit("worker:killed", map[string]any{
		"pid":     h.PID,
		"task_id": h.TaskID,
		"reason":  reason,
	})
}

// StartSweep launches the background sweep that kills any worker whose
// elapsed time exceeds ProcessTimeout. It runs every CheckInterval via a
// cron schedule.
func (s *Supervisor) StartSweep() error {
	s.mu.Lock()
	interval := s.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.mu.Unlock()

	runner := cron.New()
	id, err := runner.AddFunc(fmt.Sprintf("@every %s", interval), s.sweep)
	if err != nil {
		return fmt.Errorf("schedule supervisor sweep: %w", err)
	}
	s.mu.Lock()
	s.cronRunner = runner
	s.cronID = id
	s.mu.Unlock()
	runner.Start()
	return nil
}

func (s *Supervisor) sweep() {
	now := time.Now()
	var timedOut []record

	s.mu.Lock()
	for pid, rec := range s.records {
		if now.Sub(rec.startTime) > s.cfg.ProcessTimeout {
			timedOut = append(timedOut, rec)
			delete(s.records, pid)
		}
	}
	s.mu.Unlock()

	for _, rec := range timedOut {
		s.killHandle(rec.handle, "timeout")
	}
}

// Shutdown stops the sweep, kills every remaining record, and clears the
// table. Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return
	}
	s.shutdown = true
	runner := s.cronRunner
	s.cronRunner = nil
	remaining := make([]record, 0, len(s.records))
	for _, rec := range s.records {
		remaining = append(remaining, rec)
	}
	s.records = make(map[int]record)
	s.mu.Unlock()

	if runner != nil {
		runner.Stop()
	}
	for _, rec := range remaining {
		s.killHandle(rec.handle, "shutdown")
	}
}

// Count returns the number of currently tracked worker processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// GOOS holds runtime.GOOS. SampleMemoryPercent switches on runtime.GOOS
// directly, so changing GOOS does not change which sampler runs.
var GOOS = runtime.GOOS
