// Package pattern defines orchestration patterns and selects one per task.
package pattern

import (
	"errors"
	"fmt"
	"slices"

	"github.com/aristath/devpipeline/internal/gate"
	"github.com/aristath/devpipeline/internal/task"
)

var ErrInvalidPattern = errors.New("invalid pattern")

// FailurePolicy decides what happens when a stage still fails after retries.
type FailurePolicy string

const (
	// OnFailureBlock suspends the task until an external unblock.
	OnFailureBlock FailurePolicy = "block"
	// OnFailureFatal rolls the task back, or fails it when no snapshot exists.
	OnFailureFatal FailurePolicy = "fatal"
)

// Stage tags.
const (
	TagRisky    = "risky"
	TagSecurity = gate.TagSecurity
	TagAutoFix  = "autofix"
)

// Stage is one step of a pattern.
type Stage struct {
	Name         string             `koanf:"name" yaml:"name" json:"name"`
	Blocking     bool               `koanf:"blocking" yaml:"blocking" json:"blocking"`
	ExecutorHint task.ExecutorClass `koanf:"executor_hint" yaml:"executor_hint,omitempty" json:"executor_hint,omitempty"`
	Tags         []string           `koanf:"tags" yaml:"tags,omitempty" json:"tags,omitempty"`
	OnFailure    FailurePolicy      `koanf:"on_failure" yaml:"on_failure" json:"on_failure"`
}

// HasTag reports whether the stage carries tag.
func (s Stage) HasTag(tag string) bool {
	return slices.Contains(s.Tags, tag)
}

// AutoFixOnly reports whether the stage only runs after an AutoFix decision.
func (s Stage) AutoFixOnly() bool {
	return s.HasTag(TagAutoFix)
}

// NeedsSnapshot reports whether a snapshot must precede the stage.
func (s Stage) NeedsSnapshot() bool {
	return s.Blocking && s.HasTag(TagRisky)
}

// Pattern is a named, ordered sequence of stages plus its gate.
type Pattern struct {
	Name   string      `koanf:"name" yaml:"name" json:"name"`
	Stages []Stage     `koanf:"stages" yaml:"stages" json:"stages"`
	Gate   gate.Config `koanf:"gate" yaml:"gate" json:"gate"`
}

// Validate checks that stage names are unique, every stage declares its
// failure policy and the gate's auto-fix stage exists.
func (p Pattern) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidPattern)
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidPattern, p.Name)
	}
	seen := make(map[string]struct{}, len(p.Stages))
	regular := 0
	for i, st := range p.Stages {
		if st.Name == "" {
			return fmt.Errorf("%w: %s stage %d has no name", ErrInvalidPattern, p.Name, i)
		}
		if _, dup := seen[st.Name]; dup {
			return fmt.Errorf("%w: %s declares stage %q twice", ErrInvalidPattern, p.Name, st.Name)
		}
		seen[st.Name] = struct{}{}
		switch st.OnFailure {
		case OnFailureBlock, OnFailureFatal:
		default:
			return fmt.Errorf("%w: %s stage %q must declare on_failure block or fatal, got %q", ErrInvalidPattern, p.Name, st.Name, st.OnFailure)
		}
		if st.ExecutorHint != "" && !st.ExecutorHint.Valid() {
			return fmt.Errorf("%w: %s stage %q has unknown executor hint %q", ErrInvalidPattern, p.Name, st.Name, st.ExecutorHint)
		}
		if !st.AutoFixOnly() {
			regular++
		}
	}
	if regular == 0 {
		return fmt.Errorf("%w: %s only has auto-fix stages", ErrInvalidPattern, p.Name)
	}
	if err := p.Gate.Validate(); err != nil {
		return fmt.Errorf("pattern %s: %w", p.Name, err)
	}
	if p.Gate.AutoFixStage != "" {
		st, ok := p.Stage(p.Gate.AutoFixStage)
		if !ok {
			return fmt.Errorf("%w: %s auto-fix stage %q is not declared", ErrInvalidPattern, p.Name, p.Gate.AutoFixStage)
		}
		if !st.AutoFixOnly() {
			return fmt.Errorf("%w: %s auto-fix stage %q must be tagged %s", ErrInvalidPattern, p.Name, st.Name, TagAutoFix)
		}
	}
	return nil
}

// Stage returns the stage called name.
func (p Pattern) Stage(name string) (Stage, bool) {
	i := p.Index(name)
	if i < 0 {
		return Stage{}, false
	}
	return p.Stages[i], true
}

// Index returns the position of the stage called name, or -1.
func (p Pattern) Index(name string) int {
	return slices.IndexFunc(p.Stages, func(s Stage) bool { return s.Name == name })
}

// Plan returns the regular stages from the stage called from to the end.
// An empty from starts at the first stage.
func (p Pattern) Plan(from string) ([]string, error) {
	start := 0
	if from != "" {
		start = p.Index(from)
		if start < 0 {
			return nil, fmt.Errorf("pattern %s has no stage %q", p.Name, from)
		}
	}
	var names []string
	for _, st := range p.Stages[start:] {
		if !st.AutoFixOnly() {
			names = append(names, st.Name)
		}
	}
	return names, nil
}

// Clone returns a deep copy of p.
func (p Pattern) Clone() Pattern {
	cp := p
	cp.Stages = make([]Stage, len(p.Stages))
	for i, st := range p.Stages {
		st.Tags = slices.Clone(st.Tags)
		cp.Stages[i] = st
	}
	if p.Gate.Thresholds != nil {
		cp.Gate.Thresholds = make(map[string]gate.Threshold, len(p.Gate.Thresholds))
		for k, v := range p.Gate.Thresholds {
			cp.Gate.Thresholds[k] = v
		}
	}
	return cp
}
