package domain

import "time"

// AgentType distinguishes the reasoning-specialised architect from the
// throughput-oriented engineers.
type AgentType string

const (
	AgentArchitect AgentType = "architect"
	AgentEngineer  AgentType = "engineer"
)

// AgentRole is the agent's current functional role. It starts equal to the
// agent's base role but can change under coordinator promotion/demotion.
type AgentRole string

const (
	RoleArchitect AgentRole = "architect"
	RoleEngineer  AgentRole = "engineer"
	RoleQA        AgentRole = "qa"
	RoleReviewer  AgentRole = "reviewer"
)

// AgentStatus is the runtime state of an Agent.
type AgentStatus string

const (
	AgentIdle   AgentStatus = "idle"
	AgentBusy   AgentStatus = "busy"
	AgentFailed AgentStatus = "failed"
)

// Agent is a member of the fleet. Created at pool init, mutated only by
// the Agent Pool, never destroyed (I1, I2, I5).
type Agent struct {
	ID   string
	Type AgentType

	Role     AgentRole
	BaseRole AgentRole

	Status        AgentStatus
	CurrentTaskID string

	CompletedTasks int
	FailedTasks    int
	AvgDurationSec float64
	LastUsedAt     time.Time

	// CooldownUntil is zero when the agent is not on cooldown.
	CooldownUntil time.Time

	// FailedUntil backs the 30s generic-failure auto-reset so it survives
	// a process restart (see Design Note on timer-based auto-reset).
	FailedUntil time.Time

	// PromotedAt is set when this agent is promoted to coordinator.
	PromotedAt time.Time

	// PersonaHash is an opaque fingerprint carried through to the Ledger's
	// optional persona_hash field.
	PersonaHash string
}

// IsCoordinator reports whether this agent currently holds the architect
// role (I2: at most one coordinator at any instant).
func (a Agent) IsCoordinator() bool {
	return a.Role == RoleArchitect
}

// Assignment links a task to the agent executing it (I1).
type Assignment struct {
	TaskID       string
	AgentID      string
	AssignedAt   time.Time
	EstimatedSec float64

	// Worker configuration hints passed to the execution call.
	Model          string
	ReasoningLevel string
	Preset         string
}

// FailureKind classifies why a worker execution failed.
type FailureKind string

const (
	FailureRateLimit    FailureKind = "rate_limit"
	FailureContextLimit FailureKind = "context_limit"
	FailureOther        FailureKind = "other"
)

// UsageInfo reports token/cost consumption parsed from worker output.
type UsageInfo struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUSD          float64
	HasCost          bool
}

// ChangedFile is one file a worker invocation's workspace diff touched,
// paired with that file's unified diff text so content-based checks (not
// just the path) can run against it.
type ChangedFile struct {
	Path     string
	DiffText string
}

// ExecutionOutcome is the result of invoking a worker process.
type ExecutionOutcome struct {
	Success       bool
	Output        string
	ElapsedSec    float64
	FailureKind   FailureKind
	RetryAfterSec float64
	Usage         UsageInfo

	// ChangedFiles, ChangedLinesCoverage, and TouchedFilesDeltaCoverage are
	// populated on success from the workspace's git diff and the worker's
	// own test/coverage output; see worker.gatherChangedFiles and
	// worker.extractCoverage.
	ChangedFiles              []ChangedFile
	ChangedLinesCoverage      float64
	TouchedFilesDeltaCoverage float64
}

// CompletionMeta carries extra context into Pool.Complete.
type CompletionMeta struct {
	FailureKind FailureKind
	RetryAfter  time.Duration
}
