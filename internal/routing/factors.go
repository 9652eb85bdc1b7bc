package routing

import (
	"math"
	"strings"
	"time"

	"github.com/aristath/devpipeline/internal/task"
)

// Factor names one routing signal.
type Factor string

const (
	FactorComplexity Factor = "complexity"
	FactorCreativity Factor = "creativity"
	FactorDomain     Factor = "domain"
	FactorTimeline   Factor = "timeline"
	FactorQuality    Factor = "quality"
)

// Factors lists every factor in reporting order.
var Factors = []Factor{FactorComplexity, FactorCreativity, FactorDomain, FactorTimeline, FactorQuality}

// DefaultFactorValue is used when a factor has no data for a task.
const DefaultFactorValue = 0.5

// DefaultHorizon is the deadline distance at which timeline pressure reaches zero.
const DefaultHorizon = 14 * 24 * time.Hour

// ProjectContext carries project-wide inputs to factor functions.
type ProjectContext struct {
	Now           time.Time
	Horizon       time.Duration
	ExpertDomains []string
}

// FactorFunc computes one factor for a task. ok=false means the function has
// no data and the scorer falls back to DefaultFactorValue.
type FactorFunc func(t *task.Task, pc ProjectContext) (value float64, ok bool)

func defaultFactors() map[Factor]FactorFunc {
	return map[Factor]FactorFunc{
		FactorComplexity: complexityFactor,
		FactorCreativity: creativityFactor,
		FactorDomain:     domainFactor,
		FactorTimeline:   timelineFactor,
		FactorQuality:    qualityFactor,
	}
}

// complexityFactor averages the size signals that are present.
func complexityFactor(t *task.Task, _ ProjectContext) (float64, bool) {
	var signals []float64
	if t.Estimate.Files > 0 {
		signals = append(signals, clamp(float64(t.Estimate.Files)/20))
	}
	if t.Estimate.Lines > 0 {
		signals = append(signals, clamp(float64(t.Estimate.Lines)/2000))
	}
	if t.Estimate.Hours > 0 {
		signals = append(signals, clamp(t.Estimate.Hours/40))
	}
	if n := len(t.Dependencies); n > 0 {
		signals = append(signals, clamp(float64(n)/8))
	}
	if len(signals) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, s := range signals {
		sum += s
	}
	return sum / float64(len(signals)), true
}

var (
	creativeTerms = []string{"design", "architect", "prototype", "explore", "research", "novel", "ux", "invent", "strategy", "new feature"}
	routineTerms  = []string{"typo", "rename", "bump", "format", "lint", "boilerplate", "upgrade", "update dependency", "crud", "docs"}
)

// creativityFactor looks for creative versus routine vocabulary.
func creativityFactor(t *task.Task, _ ProjectContext) (float64, bool) {
	text := strings.ToLower(t.Title + " " + t.Description)
	creative, routine := 0, 0
	for _, term := range creativeTerms {
		if strings.Contains(text, term) {
			creative++
		}
	}
	for _, term := range routineTerms {
		if strings.Contains(text, term) {
			routine++
		}
	}
	if creative == 0 && routine == 0 {
		return 0, false
	}
	return clamp(DefaultFactorValue + 0.15*float64(creative-routine)), true
}

// domainFactor is the share of task tags that need project experts.
func domainFactor(t *task.Task, pc ProjectContext) (float64, bool) {
	if len(t.Tags) == 0 {
		return 0, false
	}
	experts := make(map[string]struct{}, len(pc.ExpertDomains))
	for _, d := range pc.ExpertDomains {
		experts[strings.ToLower(d)] = struct{}{}
	}
	matched := 0
	for _, tag := range t.Tags {
		if _, ok := experts[strings.ToLower(tag)]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(t.Tags)), true
}

// timelineFactor grows as the deadline approaches; past deadlines score 1.
func timelineFactor(t *task.Task, pc ProjectContext) (float64, bool) {
	if t.Deadline.IsZero() || pc.Now.IsZero() {
		return 0, false
	}
	horizon := pc.Horizon
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	remaining := t.Deadline.Sub(pc.Now)
	if remaining <= 0 {
		return 1, true
	}
	return clamp(1 - float64(remaining)/float64(horizon)), true
}

// qualityFactor maps criticality onto the quality and risk requirement.
func qualityFactor(t *task.Task, _ ProjectContext) (float64, bool) {
	switch t.Criticality {
	case task.PriorityLow:
		return 0.2, true
	case task.PriorityMedium:
		return 0.5, true
	case task.PriorityHigh:
		return 0.8, true
	case task.PriorityCritical:
		return 1.0, true
	}
	return 0, false
}

func clamp(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return DefaultFactorValue
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
