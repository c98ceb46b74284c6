package verifier

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

type fakeRunner struct {
	results map[string]bool
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, toolName string, inputs map[string]string) (bool, string, error) {
	f.calls = append(f.calls, toolName)
	return f.results[toolName], "", nil
}

func passingRunner() *fakeRunner {
	return &fakeRunner{results: map[string]bool{
		"tests.run": true, "lint.run": true, "typecheck.run": true,
		"security.scan": true, "license.check": true,
	}}
}

func goodChanges() ChangeSet {
	return ChangeSet{
		ChangedFiles: []domain.ChangedFile{
			{Path: "main.go", DiffText: "@@ -1,2 +1,3 @@\n-func old() {}\n+func new() {}\n+func extra() {}\n"},
		},
		ChangedLinesCoverage:      0.5,
		TouchedFilesDeltaCoverage: 0.5,
	}
}

func TestVerify_AllGatesPassAndIntegrityOK(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	result := v.Verify(context.Background(), nil, goodChanges())
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Gates)
	}
}

func TestVerify_ShortCircuitsOnFirstFailure(t *testing.T) {
	runner := passingRunner()
	runner.results["tests.run"] = false
	v := New(runner, DefaultIntegrityConfig(), zap.NewNop())

	result := v.Verify(context.Background(), nil, goodChanges())
	if result.Success {
		t.Fatal("expected failure")
	}
	if len(result.Gates) != 1 {
		t.Fatalf("expected exactly 1 gate result on short-circuit, got %d", len(result.Gates))
	}
	if len(runner.calls) != 1 || runner.calls[0] != "tests.run" {
		t.Fatalf("expected only tests.run to run, got %v", runner.calls)
	}
}

func TestVerify_FailsOnInsufficientCoverage(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.ChangedLinesCoverage = 0.01

	result := v.Verify(context.Background(), nil, changes)
	if result.Success {
		t.Fatal("expected failure due to low coverage")
	}
	last := result.Gates[len(result.Gates)-1]
	if last.Name != "integrity.policy" || last.Success {
		t.Fatalf("expected failing integrity.policy gate, got %+v", last)
	}
}

func TestVerify_RequiresFailingTestProofWhenDeclared(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.FailingTestProofRequired = true
	changes.FailingTestProofProvided = false

	result := v.Verify(context.Background(), nil, changes)
	if result.Success {
		t.Fatal("expected failure when failing-test proof missing")
	}
}

func TestVerify_MutationSmokeMustPassWhenEnabled(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.MutationSmokeEnabled = true
	changes.MutationSmokePassed = false

	result := v.Verify(context.Background(), nil, changes)
	if result.Success {
		t.Fatal("expected failure when mutation smoke enabled but not passed")
	}

	changes.MutationSmokePassed = true
	result = v.Verify(context.Background(), nil, changes)
	if !result.Success {
		t.Fatalf("expected success when mutation smoke passes, got %+v", result.Gates)
	}
}

func TestVerify_RefusesSkippedTestAddedInDiff(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.ChangedFiles = []domain.ChangedFile{
		{Path: "widget_test.go", DiffText: "@@ -10,1 +10,1 @@\n-func TestWidget(t *testing.T) {\n+func TestWidget(t *testing.T) { t.Skip(\"flaky\")\n"},
	}

	result := v.Verify(context.Background(), nil, changes)
	if result.Success {
		t.Fatal("expected failure when the diff adds a t.Skip( call")
	}
	last := result.Gates[len(result.Gates)-1]
	if last.Name != "integrity.policy" || last.Success {
		t.Fatalf("expected failing integrity.policy gate, got %+v", last)
	}
}

func TestVerify_IgnoresSuspiciousPatternInRemovedLines(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.ChangedFiles = []domain.ChangedFile{
		{Path: "widget_test.go", DiffText: "@@ -10,1 +10,1 @@\n-t.Skip(\"flaky\")\n+t.Log(\"no longer flaky\")\n"},
	}

	result := v.Verify(context.Background(), nil, changes)
	if !result.Success {
		t.Fatalf("expected success: only the removed line contains t.Skip(, got %+v", result.Gates)
	}
}

func TestVerify_DoesNotMatchSuspiciousPatternAgainstFilePath(t *testing.T) {
	v := New(passingRunner(), DefaultIntegrityConfig(), zap.NewNop())
	changes := goodChanges()
	changes.ChangedFiles = []domain.ChangedFile{
		{Path: "TODO-impl.go", DiffText: "@@ -1,1 +1,1 @@\n-func old() {}\n+func fixed() {}\n"},
	}

	result := v.Verify(context.Background(), nil, changes)
	if !result.Success {
		t.Fatalf("expected success: the suspicious text is only in the path, not the diff content, got %+v", result.Gates)
	}
}
