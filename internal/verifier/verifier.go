// Package verifier runs the required quality-gate pipeline against a
// worker's output and enforces integrity checks on the resulting patch.
package verifier

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/domain"
	"github.com/marcus-qen/dispatchd/internal/metrics"
	"github.com/marcus-qen/dispatchd/internal/telemetry"
)

// requiredGates is the ordered, short-circuit list of gates every
// verification run must execute.
var requiredGates = []string{"tests.run", "lint.run", "typecheck.run", "security.scan", "license.check"}

// GateResult is the outcome of a single named gate.
type GateResult struct {
	Name    string
	Success bool
	Output  string
}

// ToolRunner executes a named quality-gate tool against inputs.
type ToolRunner interface {
	Run(ctx context.Context, toolName string, inputs map[string]string) (success bool, output string, err error)
}

// ChangeSet describes the patch under verification. ChangedFiles and the
// coverage figures are derived from the worker's actual workspace diff
// and test/coverage output (see worker.ExecuteArchitect/ExecuteEngineer);
// the remaining fields are declared by the task/dispatcher.
type ChangeSet struct {
	ChangedFiles              []domain.ChangedFile
	ChangedLinesCoverage      float64
	TouchedFilesDeltaCoverage float64
	FailingTestProofRequired  bool
	FailingTestProofProvided  bool
	MutationSmokeEnabled      bool
	MutationSmokePassed       bool
}

// IntegrityConfig tunes the Integrity Checker's thresholds.
type IntegrityConfig struct {
	MinChangedLinesCoverage      float64
	MinTouchedFilesDeltaCoverage float64
}

// DefaultIntegrityConfig mirrors the documented defaults.
func DefaultIntegrityConfig() IntegrityConfig {
	return IntegrityConfig{
		MinChangedLinesCoverage:      0.05,
		MinTouchedFilesDeltaCoverage: 0.05,
	}
}

var suspiciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)t\.Skip\(`),
	regexp.MustCompile(`(?i)TODO-impl`),
	regexp.MustCompile(`(?i)assert\.True\(t,\s*true\)`),
	regexp.MustCompile(`(?i)expect\(true\)\.to\.be\.true`),
}

// Verifier runs the gate pipeline plus integrity checks.
type Verifier struct {
	runner ToolRunner
	cfg    IntegrityConfig
	logger *zap.Logger
}

// New creates a Verifier delegating to runner.
func New(runner ToolRunner, cfg IntegrityConfig, logger *zap.Logger) *Verifier {
	return &Verifier{runner: runner, cfg: cfg, logger: logger}
}

// Result is the full outcome of a verification run.
type Result struct {
	Gates   []GateResult
	Success bool
}

// Verify runs the required gates in order, short-circuiting on the first
// failure, then applies the Integrity Checker when all gates pass.
func (v *Verifier) Verify(ctx context.Context, inputs map[string]string, changes ChangeSet) Result {
	ctx, span := telemetry.StartVerifySpan(ctx, inputs["task_id"])

	start := time.Now()
	result := v.verify(ctx, inputs, changes)
	metrics.RecordVerifierPass(time.Since(start))

	telemetry.EndVerifySpan(span, result.Success, len(result.Gates))
	return result
}

func (v *Verifier) verify(ctx context.Context, inputs map[string]string, changes ChangeSet) Result {
	var result Result

	for _, gate := range requiredGates {
		success, output, err := v.runner.Run(ctx, gate, inputs)
		if err != nil {
			success = false
			output = err.Error()
		}
		result.Gates = append(result.Gates, GateResult{Name: gate, Success: success, Output: output})
		metrics.RecordVerifierGate(gate, gateResultLabel(success))
		if !success {
			result.Success = false
			return result
		}
	}

	integrity := v.checkIntegrity(changes)
	result.Gates = append(result.Gates, integrity...)
	for _, g := range integrity {
		metrics.RecordVerifierGate(g.Name, gateResultLabel(g.Success))
	}

	for _, g := range result.Gates {
		if !g.Success {
			result.Success = false
			return result
		}
	}
	result.Success = true
	return result
}

func gateResultLabel(success bool) string {
	if success {
		return "pass"
	}
	return "fail"
}

func (v *Verifier) checkIntegrity(changes ChangeSet) []GateResult {
	var out []GateResult

	if reason, ok := findSuspiciousPattern(changes); ok {
		out = append(out, GateResult{Name: "integrity.policy", Success: false, Output: reason})
	} else if changes.ChangedLinesCoverage < v.cfg.MinChangedLinesCoverage {
		out = append(out, GateResult{Name: "integrity.policy", Success: false,
			Output: fmt.Sprintf("changed lines coverage %.3f below target %.3f", changes.ChangedLinesCoverage, v.cfg.MinChangedLinesCoverage)})
	} else if changes.TouchedFilesDeltaCoverage < v.cfg.MinTouchedFilesDeltaCoverage {
		out = append(out, GateResult{Name: "integrity.policy", Success: false,
			Output: fmt.Sprintf("touched files delta coverage %.3f below target %.3f", changes.TouchedFilesDeltaCoverage, v.cfg.MinTouchedFilesDeltaCoverage)})
	} else if changes.FailingTestProofRequired && !changes.FailingTestProofProvided {
		out = append(out, GateResult{Name: "integrity.policy", Success: false, Output: "failing-test proof was required but not provided"})
	} else {
		out = append(out, GateResult{Name: "integrity.policy", Success: true})
	}

	if changes.MutationSmokeEnabled {
		out = append(out, GateResult{Name: "mutation.smoke", Success: changes.MutationSmokePassed})
	}

	return out
}

// findSuspiciousPattern scans the added lines of each changed file's diff
// text for a placeholder/no-op pattern (a skipped test, a `TODO-impl`
// marker, a tautological assertion). It deliberately ignores removed
// lines: a patch that deletes a `t.Skip(` call is the opposite of
// suspicious.
func findSuspiciousPattern(changes ChangeSet) (string, bool) {
	for _, f := range changes.ChangedFiles {
		added := addedLines(f.DiffText)
		for _, pattern := range suspiciousPatterns {
			if pattern.MatchString(added) {
				return fmt.Sprintf("suspicious pattern in %q", f.Path), true
			}
		}
	}
	return "", false
}

// addedLines returns only the content of lines added by a unified diff
// (prefixed "+", excluding the "+++ b/..." file header).
func addedLines(diffText string) string {
	var out strings.Builder
	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++ ") {
			out.WriteString(line)
			out.WriteByte('\n')
		}
	}
	return out.String()
}

// ShellToolRunner is the default ToolRunner: it executes a configured
// shell command per gate name. When the host supports process groups it
// spawns the child in its own group and signals the group on timeout.
type ShellToolRunner struct {
	Commands map[string]string
	Timeout  time.Duration
	Dir      string
}

// NewShellToolRunner builds a ShellToolRunner from a gate-name to
// shell-command map.
func NewShellToolRunner(commands map[string]string, timeout time.Duration, dir string) *ShellToolRunner {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &ShellToolRunner{Commands: commands, Timeout: timeout, Dir: dir}
}

func (s *ShellToolRunner) Run(ctx context.Context, toolName string, inputs map[string]string) (bool, string, error) {
	command, ok := s.Commands[toolName]
	if !ok {
		return false, "", fmt.Errorf("no command configured for gate %q", toolName)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = s.Dir
	setProcessGroup(cmd)

	out, err := cmd.CombinedOutput()
	if runCtx.Err() != nil {
		killProcessGroup(cmd)
		return false, string(out), fmt.Errorf("gate %q timed out: %w", toolName, runCtx.Err())
	}
	if err != nil {
		return false, string(out), nil
	}
	return true, string(out), nil
}
