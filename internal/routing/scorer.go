// Package routing scores tasks on five factors and picks an executor class.
package routing

import (
	"fmt"
	"sort"

	"github.com/aristath/devpipeline/internal/task"
)

// maxVariance is the largest population variance of values in [0,1].
const maxVariance = 0.25

// Scorer turns a task into a RoutingDecision. It is pure: the same task,
// context and configuration always produce the same executor and composite.
type Scorer struct {
	cfg     Config
	factors map[Factor]FactorFunc
}

// Option customizes a Scorer.
type Option func(*Scorer)

// WithFactor replaces the function for one factor, for example with an
// externally trained scoring model.
func WithFactor(f Factor, fn FactorFunc) Option {
	return func(s *Scorer) {
		s.factors[f] = fn
	}
}

// NewScorer validates cfg and returns a Scorer.
func NewScorer(cfg Config, opts ...Option) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scorer{cfg: cfg, factors: defaultFactors()}
	for _, opt := range opts {
		opt(s)
	}
	for _, f := range Factors {
		if s.factors[f] == nil {
			return nil, fmt.Errorf("no function for factor %q", f)
		}
	}
	return s, nil
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() Config { return s.cfg }

// Factor evaluates one factor for t. An explicit task signal wins over the
// factor function; missing data yields DefaultFactorValue.
func (s *Scorer) Factor(f Factor, t *task.Task, pc ProjectContext) (value float64, defaulted bool) {
	if v, ok := t.Signals[string(f)]; ok {
		return clamp(v), false
	}
	if v, ok := s.factors[f](t, pc); ok {
		return clamp(v), false
	}
	return DefaultFactorValue, true
}

// Score computes the routing decision for t. The returned decision carries no
// ID; the caller records it.
func (s *Scorer) Score(t *task.Task, pc ProjectContext) task.RoutingDecision {
	reasoning := make([]task.FactorContribution, 0, len(Factors))
	values := make([]float64, 0, len(Factors))
	composite := 0.0
	for _, f := range Factors {
		v, defaulted := s.Factor(f, t, pc)
		w := s.cfg.Weights.of(f)
		reasoning = append(reasoning, task.FactorContribution{
			Factor:       string(f),
			Value:        v,
			Weight:       w,
			Contribution: v * w,
			Defaulted:    defaulted,
		})
		values = append(values, v)
		composite += v * w
	}

	sort.SliceStable(reasoning, func(i, j int) bool {
		if reasoning[i].Contribution != reasoning[j].Contribution {
			return reasoning[i].Contribution > reasoning[j].Contribution
		}
		return reasoning[i].Factor < reasoning[j].Factor
	})

	return task.RoutingDecision{
		TaskID:     t.ID,
		Executor:   s.Classify(composite),
		Composite:  composite,
		Confidence: confidence(values),
		Reasoning:  reasoning,
		DecidedAt:  pc.Now,
	}
}

// Classify maps a composite score to an executor class.
func (s *Scorer) Classify(composite float64) task.ExecutorClass {
	switch {
	case composite < s.cfg.Thresholds.Automated:
		return task.ExecutorAutomated
	case composite > s.cfg.Thresholds.Human:
		return task.ExecutorHuman
	default:
		return task.ExecutorHybrid
	}
}

// confidence is 1 minus the normalized population variance of the factors.
func confidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return clamp(1 - variance/maxVariance)
}
