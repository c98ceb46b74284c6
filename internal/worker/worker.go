// Package worker invokes the external architect/engineer binaries and
// classifies their outcome. It never retries and never talks to the
// task store directly; callers interpret the returned domain.ExecutionOutcome.
package worker

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

const (
	maxOutputSize  = 1 << 20
	defaultTimeout = 30 * time.Minute
	usageWindow    = 40 // characters of surrounding context required around a cost/token number
)

var (
	rateLimitPattern    = regexp.MustCompile(`(?i)rate limit|usage limit|too many requests`)
	contextLimitPattern = regexp.MustCompile(`(?i)maximum context|context length|too long|input is too long`)

	retryAfterHoursMinutes = regexp.MustCompile(`(?i)try again in\s+(?:(\d+)\s*hours?)?\s*(?:(\d+)\s*minutes?)?`)
	retryAfterSeconds      = regexp.MustCompile(`(?i)retry after\s+(\d+)\s*seconds?`)

	tokenPattern = regexp.MustCompile(`(?i)(prompt|completion|total|input|output)[ _-]?tokens?\s*(?:[:=]|is|used|were)\s*(\d+)`)
	costPattern1 = regexp.MustCompile(`(?i)cost(?: usd)?[^0-9]*(\d+\.\d+|\d+)`)
	costPattern2 = regexp.MustCompile(`\$(\d+\.\d+)`)
	usageContext = regexp.MustCompile(`(?i)usage|tokens|cost`)

	coverageTotalPattern = regexp.MustCompile(`(?i)total:\s*\(statements\)\s*(\d+(?:\.\d+)?)%`)
	coverageFuncPattern  = regexp.MustCompile(`(?m)^(\S+\.go):\d+:\s+\S+\s+(\d+(?:\.\d+)?)%\s*$`)
)

// Options configure a single worker invocation.
type Options struct {
	Model         string
	ReasoningLevel domain.ReasoningLevel
	SandboxMode   string
	Timeout       time.Duration
}

// Invoker runs the architect/engineer binaries as external processes.
type Invoker struct {
	workspaceRoot string
	logger        *zap.Logger
}

// New creates an Invoker rooted at workspaceRoot (the worker's working directory).
func New(workspaceRoot string, logger *zap.Logger) *Invoker {
	return &Invoker{workspaceRoot: workspaceRoot, logger: logger}
}

// ExecuteArchitect runs `architect chat --message <prompt>`.
func (i *Invoker) ExecuteArchitect(ctx context.Context, prompt string, opts Options) domain.ExecutionOutcome {
	return i.run(ctx, "architect", []string{"chat", "--message", prompt}, opts)
}

// ExecuteEngineer runs `engineer exec --full-auto --sandbox <mode> [--model][--reasoning] <prompt>`.
func (i *Invoker) ExecuteEngineer(ctx context.Context, prompt string, opts Options) domain.ExecutionOutcome {
	sandbox := opts.SandboxMode
	if sandbox == "" {
		sandbox = "workspace-write"
	}
	args := []string{"exec", "--full-auto", "--sandbox", sandbox}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ReasoningLevel != "" {
		args = append(args, "--reasoning", string(opts.ReasoningLevel))
	}
	args = append(args, prompt)
	return i.run(ctx, "engineer", args, opts)
}

func (i *Invoker) run(ctx context.Context, bin string, args []string, opts Options) domain.ExecutionOutcome {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(execCtx, bin, args...)
	cmd.Dir = i.workspaceRoot
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	elapsed := time.Since(start).Seconds()

	combined := stdout.String() + "\n" + stderr.String()
	combined = truncate(combined, maxOutputSize)

	outcome := domain.ExecutionOutcome{
		Output:    combined,
		ElapsedSec: elapsed,
	}

	if err == nil {
		outcome.Success = true
		outcome.Usage = extractUsage(combined)
		outcome.ChangedFiles = gatherChangedFiles(execCtx, i.workspaceRoot)
		outcome.ChangedLinesCoverage, outcome.TouchedFilesDeltaCoverage = extractCoverage(combined, outcome.ChangedFiles)
		i.logger.Info("worker execution succeeded",
			zap.String("binary", bin),
			zap.Float64("elapsed_sec", elapsed),
			zap.Int("changed_files", len(outcome.ChangedFiles)),
		)
		return outcome
	}

	outcome.Success = false
	outcome.FailureKind = classifyFailure(combined)
	if outcome.FailureKind == domain.FailureRateLimit {
		if retryAfter, ok := parseRetryAfter(combined); ok {
			outcome.RetryAfterSec = retryAfter
		}
	}

	i.logger.Warn("worker execution failed",
		zap.String("binary", bin),
		zap.String("failure_kind", string(outcome.FailureKind)),
		zap.Float64("elapsed_sec", elapsed),
		zap.Error(err),
	)

	return outcome
}

func classifyFailure(output string) domain.FailureKind {
	switch {
	case rateLimitPattern.MatchString(output):
		return domain.FailureRateLimit
	case contextLimitPattern.MatchString(output):
		return domain.FailureContextLimit
	default:
		return domain.FailureOther
	}
}

// parseRetryAfter returns the retry-after duration in seconds parsed from
// "try again in H hours M minutes" or "retry after N seconds" patterns.
func parseRetryAfter(output string) (float64, bool) {
	if m := retryAfterHoursMinutes.FindStringSubmatch(output); m != nil && (m[1] != "" || m[2] != "") {
		hours, _ := strconv.Atoi(m[1])
		minutes, _ := strconv.Atoi(m[2])
		return float64(hours*3600 + minutes*60), true
	}
	if m := retryAfterSeconds.FindStringSubmatch(output); m != nil {
		secs, err := strconv.Atoi(m[1])
		if err == nil {
			return float64(secs), true
		}
	}
	return 0, false
}

func extractUsage(output string) domain.UsageInfo {
	var usage domain.UsageInfo

	for _, m := range tokenPattern.FindAllStringSubmatchIndex(output, -1) {
		if !withinUsageWindow(output, m[0], m[1]) {
			continue
		}
		kind := strings.ToLower(output[m[2]:m[3]])
		value, err := strconv.ParseInt(output[m[4]:m[5]], 10, 64)
		if err != nil {
			continue
		}
		switch kind {
		case "prompt", "input":
			usage.PromptTokens = value
		case "completion", "output":
			usage.CompletionTokens = value
		case "total":
			usage.TotalTokens = value
		}
	}
	if usage.TotalTokens == 0 && (usage.PromptTokens > 0 || usage.CompletionTokens > 0) {
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}

	if m := costPattern1.FindStringSubmatchIndex(output); m != nil && withinUsageWindow(output, m[0], m[1]) {
		if v, err := strconv.ParseFloat(output[m[2]:m[3]], 64); err == nil {
			usage.CostUSD = v
			usage.HasCost = true
		}
	} else if m := costPattern2.FindStringSubmatchIndex(output); m != nil && withinUsageWindow(output, m[0], m[1]) {
		if v, err := strconv.ParseFloat(output[m[2]:m[3]], 64); err == nil {
			usage.CostUSD = v
			usage.HasCost = true
		}
	}

	return usage
}

// withinUsageWindow requires a nearby "usage"/"tokens"/"cost" marker so
// numbers in unrelated worker prose are not misread as billing data.
func withinUsageWindow(output string, start, end int) bool {
	lo := start - usageWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + usageWindow
	if hi > len(output) {
		hi = len(output)
	}
	return usageContext.MatchString(output[lo:hi])
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// gatherChangedFiles runs a unified, zero-context git diff of the
// workspace against HEAD and splits it into one domain.ChangedFile per
// touched path, each carrying its own diff text. Returns nil (not an
// error) when the workspace isn't a git checkout or has no changes, since
// a worker failing to produce a diff is not itself a failure.
func gatherChangedFiles(ctx context.Context, workspaceRoot string) []domain.ChangedFile {
	cmd := exec.CommandContext(ctx, "git", "diff", "--unified=0", "--no-color", "HEAD")
	cmd.Dir = workspaceRoot
	out, err := cmd.Output()
	if err != nil {
		return nil
	}
	return splitUnifiedDiff(string(out))
}

var diffGitHeader = regexp.MustCompile(`^diff --git a/(.+) b/(.+)$`)

func splitUnifiedDiff(diff string) []domain.ChangedFile {
	var files []domain.ChangedFile
	var current *domain.ChangedFile
	var body strings.Builder

	flush := func() {
		if current != nil {
			current.DiffText = body.String()
			files = append(files, *current)
		}
		body.Reset()
	}

	for _, line := range strings.Split(diff, "\n") {
		if m := diffGitHeader.FindStringSubmatch(line); m != nil {
			flush()
			current = &domain.ChangedFile{Path: m[2]}
			continue
		}
		if current != nil {
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}
	flush()
	return files
}

// extractCoverage parses real coverage figures out of the worker's own
// combined stdout/stderr, on the assumption that a task's test run ends
// with `go tool cover -func=...` style output ("total: (statements)
// NN.N%" plus one "file.go:LINE: Func NN.N%" line per function).
// changedLinesCoverage is the overall statement coverage after the
// worker's run; touchedFilesDeltaCoverage is the mean per-function
// coverage restricted to files the diff actually touched. Either value
// is left at zero when no matching coverage output is found — a verifier
// configured with a non-zero minimum then correctly refuses the change.
func extractCoverage(output string, changedFiles []domain.ChangedFile) (changedLinesCoverage, touchedFilesDeltaCoverage float64) {
	if m := coverageTotalPattern.FindStringSubmatch(output); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			changedLinesCoverage = v / 100
		}
	}

	perFile := make(map[string][]float64)
	for _, m := range coverageFuncPattern.FindAllStringSubmatch(output, -1) {
		v, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			continue
		}
		name := filepath.Base(m[1])
		perFile[name] = append(perFile[name], v/100)
	}
	if len(perFile) == 0 {
		return changedLinesCoverage, touchedFilesDeltaCoverage
	}

	var sum float64
	var n int
	for _, f := range changedFiles {
		covs, ok := perFile[filepath.Base(f.Path)]
		if !ok {
			continue
		}
		for _, c := range covs {
			sum += c
			n++
		}
	}
	if n > 0 {
		touchedFilesDeltaCoverage = sum / float64(n)
	}
	return changedLinesCoverage, touchedFilesDeltaCoverage
}
