package pattern

import (
	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

const (
	SequentialGate = "sequential-gate"
	ParallelChecks = "parallel-checks"
	FailFast       = "fail-fast"
	SelfHealing    = "self-healing"
)

func passRate(minimum, autoFixable float64) map[string]gate.Threshold {
	return map[string]gate.Threshold{
		gate.MetricPassRate: {Minimum: minimum, AutoFixable: autoFixable},
	}
}

// Builtin returns the stock patterns keyed by name.
func Builtin() map[string]Pattern {
	return map[string]Pattern{
		// Every stage gates the next one and a person signs off at the end.
		SequentialGate: {
			Name: SequentialGate,
			Stages: []Stage{
				{Name: "implement", Blocking: true, Tags: []string{TagRisky}, OnFailure: OnFailureBlock},
				{Name: "test", Blocking: true, OnFailure: OnFailureBlock},
				{Name: "security-scan", Blocking: true, Tags: []string{TagSecurity}, OnFailure: OnFailureFatal},
				{Name: "review-prep", Blocking: true, ExecutorHint: task.ExecutorHuman, OnFailure: OnFailureBlock},
			},
			Gate: gate.Config{Thresholds: passRate(1, 1), RequireReview: true},
		},
		// Checks run side by side once the implementation lands.
		ParallelChecks: {
			Name: ParallelChecks,
			Stages: []Stage{
				{Name: "implement", Blocking: true, Tags: []string{TagRisky}, OnFailure: OnFailureBlock},
				{Name: "lint", OnFailure: OnFailureBlock},
				{Name: "test", OnFailure: OnFailureBlock},
				{Name: "security-scan", Tags: []string{TagSecurity}, OnFailure: OnFailureBlock},
				{Name: "autofix", Blocking: true, Tags: []string{TagAutoFix}, OnFailure: OnFailureBlock},
			},
			Gate: gate.Config{Thresholds: passRate(1, 0.5), AutoFixStage: "autofix", MaxAutoFixes: 2},
		},
		// Any failure ends the task.
		FailFast: {
			Name: FailFast,
			Stages: []Stage{
				{Name: "implement", Blocking: true, OnFailure: OnFailureFatal},
				{Name: "test", Blocking: true, OnFailure: OnFailureFatal},
			},
			Gate: gate.Config{Thresholds: passRate(1, 1)},
		},
		// Failing checks are repaired automatically before a person looks.
		SelfHealing: {
			Name: SelfHealing,
			Stages: []Stage{
				{Name: "implement", Blocking: true, Tags: []string{TagRisky}, OnFailure: OnFailureFatal},
				{Name: "test", OnFailure: OnFailureBlock},
				{Name: "lint", OnFailure: OnFailureBlock},
				{Name: "autofix", Blocking: true, Tags: []string{TagAutoFix}, OnFailure: OnFailureBlock},
			},
			Gate: gate.Config{Thresholds: passRate(1, 0), AutoFixStage: "autofix", MaxAutoFixes: 3},
		},
	}
}
