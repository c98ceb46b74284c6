// Package classifier implements the Reasoning Classifier: a stateless,
// pure function that maps a task plus its assembled context onto a
// reasoning level (minimal|low|medium|high) and an explanatory signal
// trail.
//
// Weights are reproduced exactly as observed; they are an external
// behavioural contract (see spec §4.3), not tunable heuristics, so
// resist the urge to "simplify" them.
package classifier

import (
	"math"
	"regexp"
	"strings"

	"github.com/marcus-qen/dispatchd/internal/domain"
)

// Context is the assembled project context consulted alongside the task.
// All fields are optional; zero values contribute no signal.
type Context struct {
	RelevantDecisions    int
	ActiveConstraints    int
	QualityIssuesInArea  int
	FilesInContext       int
	RelatedHighComplexity int
	AnyRelatedBlocked    bool
	ProjectPhase         string
	QualityTrendDeclining bool
}

var overrideKeys = []string{
	"reasoning_level", "reasoningLevel", "reasoning", "reasoning_mode", "reasoningMode",
}

var forceKeys = []string{
	"requires_reasoning", "needs_reasoning", "force_reasoning",
}

var (
	architectureKeywords  = regexp.MustCompile(`(?i)\b(architecture|strategy|design pattern|system design)\b`)
	analysisKeywords      = regexp.MustCompile(`(?i)\b(analysis|investigat\w*)\b`)
	refactorKeywords      = regexp.MustCompile(`(?i)\b(refactor|rewrite)\b`)
	documentationKeywords = regexp.MustCompile(`(?i)\b(documentation|docs|readme|comment)\b`)
	trivialKeywords       = regexp.MustCompile(`(?i)\b(typo|formatting|hygiene|trivial|whitespace|lint fix)\b`)
	discoveryPhase        = regexp.MustCompile(`(?i)\b(architecture|discovery)\b`)
)

// Classify returns the reasoning Decision for task given ctx.
func Classify(task domain.Task, ctx Context) domain.Decision {
	if level, ok := overrideFromMetadata(task); ok {
		return domain.Decision{
			Level:      level,
			Score:      0,
			Confidence: 0.95,
			Signals:    []domain.Signal{{Name: "metadata_override", Weight: 0}},
			Override:   domain.OverrideMetadata,
		}
	}
	for _, key := range forceKeys {
		if forced, ok := task.MetadataBool(key); ok && forced {
			return domain.Decision{
				Level:      domain.ReasoningHigh,
				Score:      0,
				Confidence: 0.95,
				Signals:    []domain.Signal{{Name: "force_reasoning", Weight: 0}},
				Override:   domain.OverrideMetadata,
			}
		}
	}

	var signals []domain.Signal
	add := func(name string, weight float64) {
		if weight != 0 {
			signals = append(signals, domain.Signal{Name: name, Weight: weight})
		}
	}

	switch {
	case task.Complexity >= 8:
		add("complexity>=8", 1.6)
	case task.Complexity == 7:
		add("complexity==7", 1.0)
	case task.Complexity <= 2 && task.Complexity > 0:
		add("complexity<=2", -0.9)
	case task.Complexity == 3:
		add("complexity==3", -0.6)
	}

	switch task.Status {
	case domain.StatusNeedsReview:
		add("status_needs_review", 1.4)
	case domain.StatusNeedsImprovement:
		add("status_needs_improvement", 0.7)
	case domain.StatusBlocked:
		add("status_blocked", 0.4)
	}

	switch task.Type {
	case domain.TaskTypeEpic:
		add("type_epic", 1.4)
	case domain.TaskTypeStory:
		add("type_story", 0.2)
	}

	text := task.Title + " " + task.Description
	switch {
	case architectureKeywords.MatchString(text):
		add("architecture_keywords", 1.2)
	case analysisKeywords.MatchString(text):
		add("analysis_keywords", 0.9)
	case refactorKeywords.MatchString(text):
		add("refactor_keywords", 0.6)
	case documentationKeywords.MatchString(text):
		add("documentation_keywords", -0.6)
	case trivialKeywords.MatchString(text):
		add("trivial_keywords", -0.7)
	}

	switch {
	case ctx.RelevantDecisions >= 4:
		add("relevant_decisions>=4", 0.9)
	case ctx.RelevantDecisions >= 2:
		add("relevant_decisions_2_3", 0.4)
	}

	switch {
	case ctx.ActiveConstraints >= 4:
		add("active_constraints>=4", 0.8)
	case ctx.ActiveConstraints >= 2:
		add("active_constraints_2_3", 0.4)
	}

	switch {
	case ctx.QualityIssuesInArea >= 4:
		add("quality_issues>=4", 0.8)
	case ctx.QualityIssuesInArea >= 1:
		add("quality_issues_1_3", 0.5)
	}

	switch {
	case ctx.FilesInContext >= 6:
		add("files_in_context>=6", 0.6)
	case ctx.FilesInContext >= 3:
		add("files_in_context_3_5", 0.3)
	}

	switch {
	case ctx.RelatedHighComplexity >= 2:
		add("related_high_complexity>=2", 0.7)
	case ctx.RelatedHighComplexity == 1:
		add("related_high_complexity==1", 0.3)
	}

	if ctx.AnyRelatedBlocked {
		add("related_blocked", 0.4)
	}
	if discoveryPhase.MatchString(ctx.ProjectPhase) {
		add("phase_architecture_discovery", 0.4)
	}
	if ctx.QualityTrendDeclining {
		add("quality_trend_declining", 0.3)
	}

	if risk, ok := task.MetadataString("risk"); ok {
		switch strings.ToLower(risk) {
		case "high", "critical":
			add("metadata_risk_high", 0.8)
		case "medium":
			add("metadata_risk_medium", 0.4)
		case "low":
			add("metadata_risk_low", -0.3)
		}
	}

	if requiresResearch, ok := task.MetadataBool("requires_research"); ok && requiresResearch {
		add("requires_research", 0.6)
	} else if deepAnalysis, ok := task.MetadataBool("deep_analysis"); ok && deepAnalysis {
		add("deep_analysis", 0.6)
	}

	var score float64
	var absTotal float64
	for _, s := range signals {
		score += s.Weight
		absTotal += math.Abs(s.Weight)
	}

	level := mapLevel(score)
	confidence := confidenceFor(absTotal, len(signals))

	return domain.Decision{
		Level:      level,
		Score:      score,
		Confidence: confidence,
		Signals:    signals,
	}
}

func mapLevel(score float64) domain.ReasoningLevel {
	switch {
	case score >= 2:
		return domain.ReasoningHigh
	case score >= 0.75:
		return domain.ReasoningMedium
	case score >= -1:
		return domain.ReasoningLow
	default:
		return domain.ReasoningMinimal
	}
}

func confidenceFor(absTotal float64, signalCount int) float64 {
	if signalCount == 0 {
		return 0.4
	}
	c := 0.35 + absTotal*0.08 + float64(signalCount)*0.03
	if c < 0.35 {
		return 0.35
	}
	if c > 0.95 {
		return 0.95
	}
	return c
}

func overrideFromMetadata(task domain.Task) (domain.ReasoningLevel, bool) {
	for _, key := range overrideKeys {
		if v, ok := task.MetadataString(key); ok {
			if level, valid := domain.ValidReasoningLevel(v); valid {
				return level, true
			}
		}
	}
	return "", false
}

