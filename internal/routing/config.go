package routing

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidWeightConfiguration is returned for weights or thresholds that
// cannot produce a meaningful composite score.
var ErrInvalidWeightConfiguration = errors.New("invalid weight configuration")

const weightTolerance = 1e-9

// Weights assigns each factor its share of the composite score.
type Weights struct {
	Complexity float64 `koanf:"complexity" yaml:"complexity" json:"complexity"`
	Creativity float64 `koanf:"creativity" yaml:"creativity" json:"creativity"`
	Domain     float64 `koanf:"domain" yaml:"domain" json:"domain"`
	Timeline   float64 `koanf:"timeline" yaml:"timeline" json:"timeline"`
	Quality    float64 `koanf:"quality" yaml:"quality" json:"quality"`
}

// DefaultWeights returns the stock factor weights.
func DefaultWeights() Weights {
	return Weights{
		Complexity: 0.25,
		Creativity: 0.30,
		Domain:     0.20,
		Timeline:   0.15,
		Quality:    0.10,
	}
}

func (w Weights) of(f Factor) float64 {
	switch f {
	case FactorComplexity:
		return w.Complexity
	case FactorCreativity:
		return w.Creativity
	case FactorDomain:
		return w.Domain
	case FactorTimeline:
		return w.Timeline
	case FactorQuality:
		return w.Quality
	}
	return 0
}

// Validate checks that every weight is non-negative and that they sum to one.
func (w Weights) Validate() error {
	sum := 0.0
	for _, f := range Factors {
		v := w.of(f)
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s weight %v", ErrInvalidWeightConfiguration, f, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: weights sum to %v, want 1.0", ErrInvalidWeightConfiguration, sum)
	}
	return nil
}

// Thresholds split the composite score into executor classes: below
// Automated routes to automated, above Human routes to human, anything in
// between is hybrid.
type Thresholds struct {
	Automated float64 `koanf:"automated" yaml:"automated" json:"automated"`
	Human     float64 `koanf:"human" yaml:"human" json:"human"`
}

// DefaultThresholds returns the stock decision thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{Automated: 0.4, Human: 0.7}
}

// Validate checks 0 <= Automated <= Human <= 1.
func (t Thresholds) Validate() error {
	if math.IsNaN(t.Automated) || math.IsNaN(t.Human) || t.Automated < 0 || t.Human > 1 || t.Automated > t.Human {
		return fmt.Errorf("%w: thresholds automated=%v human=%v", ErrInvalidWeightConfiguration, t.Automated, t.Human)
	}
	return nil
}

// Config is the routing section of the engine configuration.
type Config struct {
	Weights    Weights    `koanf:"weights" yaml:"weights" json:"weights"`
	Thresholds Thresholds `koanf:"thresholds" yaml:"thresholds" json:"thresholds"`
}

// DefaultConfig returns stock weights and thresholds.
func DefaultConfig() Config {
	return Config{Weights: DefaultWeights(), Thresholds: DefaultThresholds()}
}

// Validate validates weights and thresholds.
func (c Config) Validate() error {
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	return c.Thresholds.Validate()
}
