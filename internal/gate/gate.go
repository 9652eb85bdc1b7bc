// Package gate aggregates stage results into a continuation decision.
package gate

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/aristath/devpipeline/internal/task"
)

// ErrInvalidGateConfiguration is returned for unusable gate thresholds.
var ErrInvalidGateConfiguration = errors.New("invalid gate configuration")

// Decision is the outcome of a gate evaluation.
type Decision string

const (
	Pass        Decision = "pass"
	AutoFix     Decision = "auto_fix"
	HumanReview Decision = "human_review"
	Fail        Decision = "fail"
)

// MetricPassRate is always available: successes over non-skipped latest results.
const MetricPassRate = "pass_rate"

// TagSecurity marks stages whose failure fails the gate outright.
const TagSecurity = "security"

// Threshold bounds one metric. A value at or above Minimum passes. A value
// below Minimum but at or above AutoFixable may be repaired by the auto-fix
// stage. Setting AutoFixable equal to Minimum disables the auto-fix band.
type Threshold struct {
	Minimum     float64 `koanf:"minimum" yaml:"minimum" json:"minimum"`
	AutoFixable float64 `koanf:"auto_fixable" yaml:"auto_fixable" json:"auto_fixable"`
}

// Config configures one gate.
type Config struct {
	Thresholds    map[string]Threshold `koanf:"thresholds" yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	RequireReview bool                 `koanf:"require_review" yaml:"require_review" json:"require_review"`
	AutoFixStage  string               `koanf:"auto_fix_stage" yaml:"auto_fix_stage,omitempty" json:"auto_fix_stage,omitempty"`
	MaxAutoFixes  int                  `koanf:"max_auto_fixes" yaml:"max_auto_fixes,omitempty" json:"max_auto_fixes,omitempty"`
}

// Validate checks threshold ranges.
func (c Config) Validate() error {
	for name, th := range c.Thresholds {
		if th.Minimum < 0 || th.Minimum > 1 || th.AutoFixable < 0 || th.AutoFixable > 1 {
			return fmt.Errorf("%w: %s thresholds must be within [0,1]", ErrInvalidGateConfiguration, name)
		}
		if th.AutoFixable > th.Minimum {
			return fmt.Errorf("%w: %s auto_fixable %v above minimum %v", ErrInvalidGateConfiguration, name, th.AutoFixable, th.Minimum)
		}
	}
	if c.MaxAutoFixes < 0 {
		return fmt.Errorf("%w: max_auto_fixes %d", ErrInvalidGateConfiguration, c.MaxAutoFixes)
	}
	if c.MaxAutoFixes > 0 && c.AutoFixStage == "" {
		return fmt.Errorf("%w: max_auto_fixes set without auto_fix_stage", ErrInvalidGateConfiguration)
	}
	return nil
}

// Input is everything the gate looks at.
type Input struct {
	Results       []task.StageResult
	AutoFixesUsed int
}

// Verdict is a gate decision with the reasons that produced it.
type Verdict struct {
	Decision Decision           `json:"decision"`
	Reasons  []string           `json:"reasons,omitempty"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
}

// Latest returns the most recent result per stage name. A result that
// finished later supersedes an earlier one for the same stage; equal finish
// times fall back to position in results, which is completion order.
func Latest(results []task.StageResult) map[string]task.StageResult {
	latest := make(map[string]task.StageResult)
	for _, r := range results {
		cur, ok := latest[r.Stage]
		if !ok || !r.FinishedAt.Before(cur.FinishedAt) {
			latest[r.Stage] = r
		}
	}
	return latest
}

// Metrics derives the metric values the thresholds are checked against.
func Metrics(latest map[string]task.StageResult) map[string]float64 {
	metrics := make(map[string]float64)

	stages := make([]string, 0, len(latest))
	for name := range latest {
		stages = append(stages, name)
	}
	// Most recently finished stage wins when two report the same metric
	sort.SliceStable(stages, func(i, j int) bool {
		a, b := latest[stages[i]], latest[stages[j]]
		if !a.FinishedAt.Equal(b.FinishedAt) {
			return a.FinishedAt.Before(b.FinishedAt)
		}
		return stages[i] < stages[j]
	})

	counted, passed := 0, 0
	for _, name := range stages {
		r := latest[name]
		if r.Outcome != task.OutcomeSkipped {
			counted++
			if r.Outcome == task.OutcomeSuccess {
				passed++
			}
		}
		for k, v := range r.Metrics {
			metrics[k] = v
		}
	}
	if counted == 0 {
		metrics[MetricPassRate] = 1
	} else {
		metrics[MetricPassRate] = float64(passed) / float64(counted)
	}
	return metrics
}

// Evaluate applies the decision precedence: an unresolved security failure
// fails the gate; a metric in its auto-fix band with an auto-fix path asks
// for AutoFix; any other missed threshold asks for HumanReview, as does
// RequireReview; otherwise the gate passes.
func Evaluate(in Input, cfg Config) Verdict {
	latest := Latest(in.Results)
	metrics := Metrics(latest)

	var security []string
	for name, r := range latest {
		if r.Outcome == task.OutcomeFailure && r.HasTag(TagSecurity) {
			security = append(security, name)
		}
	}
	if len(security) > 0 {
		slices.Sort(security)
		reasons := make([]string, 0, len(security))
		for _, name := range security {
			reasons = append(reasons, fmt.Sprintf("security stage %q failed", name))
		}
		return Verdict{Decision: Fail, Reasons: reasons, Metrics: metrics}
	}

	names := make([]string, 0, len(cfg.Thresholds))
	for name := range cfg.Thresholds {
		names = append(names, name)
	}
	slices.Sort(names)

	canAutoFix := cfg.AutoFixStage != "" && in.AutoFixesUsed < cfg.MaxAutoFixes
	var fixable, review []string
	for _, name := range names {
		th := cfg.Thresholds[name]
		v, ok := metrics[name]
		switch {
		case !ok:
			review = append(review, fmt.Sprintf("metric %s not reported", name))
		case v >= th.Minimum:
		case th.AutoFixable < th.Minimum && v >= th.AutoFixable && canAutoFix:
			fixable = append(fixable, fmt.Sprintf("%s %.3f below minimum %.3f, auto-fixable", name, v, th.Minimum))
		case th.AutoFixable < th.Minimum && v >= th.AutoFixable && cfg.AutoFixStage != "":
			review = append(review, fmt.Sprintf("%s %.3f below minimum %.3f, auto-fix budget exhausted", name, v, th.Minimum))
		default:
			review = append(review, fmt.Sprintf("%s %.3f below minimum %.3f", name, v, th.Minimum))
		}
	}

	switch {
	case len(fixable) > 0:
		return Verdict{Decision: AutoFix, Reasons: append(fixable, review...), Metrics: metrics}
	case len(review) > 0:
		return Verdict{Decision: HumanReview, Reasons: review, Metrics: metrics}
	case cfg.RequireReview:
		return Verdict{Decision: HumanReview, Reasons: []string{"sign-off required"}, Metrics: metrics}
	}
	return Verdict{Decision: Pass, Metrics: metrics}
}
