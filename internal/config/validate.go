package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/routing"
)

var (
	// ErrInvalidConfig wraps document-level problems.
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrInvalidCapacity is returned for negative capacity limits.
	ErrInvalidCapacity = errors.New("invalid capacity")
)

// Validate checks the whole document. Errors from the routing, gate and
// pattern packages are wrapped so errors.Is still matches them.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalidConfig, c.Log.Format)
	}

	if err := c.Routing.Validate(); err != nil {
		return fmt.Errorf("routing: %w", err)
	}
	if _, err := c.Selector(); err != nil {
		return fmt.Errorf("patterns: %w", err)
	}

	if err := c.Retry.Default.Validate(); err != nil {
		return fmt.Errorf("retry.default: %w", err)
	}
	for _, stage := range sortedKeys(c.Retry.Stages) {
		if err := c.Retry.For(stage).Validate(); err != nil {
			return fmt.Errorf("retry.stages.%s: %w", stage, err)
		}
	}

	capacity := c.Capacity
	for name, v := range map[string]int64{
		"automated": capacity.Automated,
		"human":     capacity.Human,
		"hybrid":    capacity.Hybrid,
		"total":     capacity.Total,
	} {
		if v < 0 {
			return fmt.Errorf("%w: capacity.%s %d", ErrInvalidCapacity, name, v)
		}
	}

	if c.TaskTimeout < 0 {
		return fmt.Errorf("%w: task_timeout %s", ErrInvalidConfig, c.TaskTimeout)
	}
	if c.Project.Horizon < 0 {
		return fmt.Errorf("%w: project.horizon %s", ErrInvalidConfig, c.Project.Horizon)
	}
	for _, name := range sortedKeys(c.Stages) {
		if c.Stages[name].Command == "" {
			return fmt.Errorf("%w: stages.%s has no command", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Selector builds the pattern selector described by the patterns and
// selection sections.
func (c *Config) Selector() (*pattern.Selector, error) {
	return pattern.NewSelector(c.Patterns, c.Selection.Rules, c.Selection.Fallback)
}

// ProjectContext returns the routing context for the configured project.
func (c *Config) ProjectContext() routing.ProjectContext {
	return routing.ProjectContext{
		ExpertDomains: c.Project.ExpertDomains,
		Horizon:       c.Project.Horizon,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
