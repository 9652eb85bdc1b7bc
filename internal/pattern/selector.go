package pattern

import (
	"fmt"
	"sort"

	"github.com/aristath/devpipeline/internal/task"
)

// Input is the tuple pattern selection depends on. Complexity is the task's
// 0-10 complexity score; Timeline and Risk are factor values in [0,1].
type Input struct {
	Criticality task.Priority
	Complexity  float64
	Timeline    float64
	Risk        float64
}

// Rule selects Pattern when every set condition holds. Zero conditions are ignored.
type Rule struct {
	Name           string        `koanf:"name" yaml:"name" json:"name"`
	Pattern        string        `koanf:"pattern" yaml:"pattern" json:"pattern"`
	MinCriticality task.Priority `koanf:"min_criticality" yaml:"min_criticality,omitempty" json:"min_criticality,omitempty"`
	MinComplexity  float64       `koanf:"min_complexity" yaml:"min_complexity,omitempty" json:"min_complexity,omitempty"`
	MinTimeline    float64       `koanf:"min_timeline" yaml:"min_timeline,omitempty" json:"min_timeline,omitempty"`
	MinRisk        float64       `koanf:"min_risk" yaml:"min_risk,omitempty" json:"min_risk,omitempty"`
}

// Matches reports whether in satisfies every condition of r.
func (r Rule) Matches(in Input) bool {
	if r.MinCriticality != task.PriorityNone && in.Criticality < r.MinCriticality {
		return false
	}
	if r.MinComplexity > 0 && in.Complexity < r.MinComplexity {
		return false
	}
	if r.MinTimeline > 0 && in.Timeline < r.MinTimeline {
		return false
	}
	if r.MinRisk > 0 && in.Risk < r.MinRisk {
		return false
	}
	return true
}

// DefaultFallback is used when no rule matches.
const DefaultFallback = ParallelChecks

// DefaultRules returns the stock selection rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "critical", Pattern: SequentialGate, MinCriticality: task.PriorityCritical},
		{Name: "deadline", Pattern: FailFast, MinTimeline: 0.8},
		{Name: "complex", Pattern: SequentialGate, MinComplexity: 7},
		{Name: "risky", Pattern: SelfHealing, MinRisk: 0.6},
	}
}

// Selector picks a pattern with ordered rules; the first match wins.
// It holds no mutable state, so selection is deterministic.
type Selector struct {
	patterns map[string]Pattern
	rules    []Rule
	fallback string
}

// NewSelector validates every pattern and rule.
func NewSelector(patterns map[string]Pattern, rules []Rule, fallback string) (*Selector, error) {
	s := &Selector{
		patterns: make(map[string]Pattern, len(patterns)),
		rules:    append([]Rule(nil), rules...),
		fallback: fallback,
	}
	for key, p := range patterns {
		if p.Name == "" {
			p.Name = key
		}
		if p.Name != key {
			return nil, fmt.Errorf("%w: pattern keyed %q is named %q", ErrInvalidPattern, key, p.Name)
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		s.patterns[key] = p.Clone()
	}
	for i, r := range s.rules {
		if _, ok := s.patterns[r.Pattern]; !ok {
			return nil, fmt.Errorf("%w: rule %d (%s) selects unknown pattern %q", ErrInvalidPattern, i, r.Name, r.Pattern)
		}
	}
	if _, ok := s.patterns[fallback]; !ok {
		return nil, fmt.Errorf("%w: fallback pattern %q is not defined", ErrInvalidPattern, fallback)
	}
	return s, nil
}

// Select returns the pattern for in and the name of the rule that chose it
// ("default" when the fallback was used).
func (s *Selector) Select(in Input) (Pattern, string) {
	for _, r := range s.rules {
		if r.Matches(in) {
			return s.patterns[r.Pattern].Clone(), r.Name
		}
	}
	return s.patterns[s.fallback].Clone(), "default"
}

// Escalate re-selects as if the task were critical, as during a production incident.
func (s *Selector) Escalate(in Input) (Pattern, string) {
	in.Criticality = task.PriorityCritical
	return s.Select(in)
}

// Pattern returns the pattern called name.
func (s *Selector) Pattern(name string) (Pattern, bool) {
	p, ok := s.patterns[name]
	if !ok {
		return Pattern{}, false
	}
	return p.Clone(), true
}

// Names returns the defined pattern names in sorted order.
func (s *Selector) Names() []string {
	names := make([]string, 0, len(s.patterns))
	for name := range s.patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
