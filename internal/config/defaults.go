package config

import (
	"time"

	"github.com/aristath/devpipeline/internal/events"
	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/routing"
)

// DefaultConfig returns a configuration with the built-in patterns and
// selection rules, the stock routing weights and unbounded capacity.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Routing:  routing.DefaultConfig(),
		Patterns: pattern.Builtin(),
		Selection: SelectionConfig{
			Rules:    pattern.DefaultRules(),
			Fallback: pattern.DefaultFallback,
		},
		Retry: RetryConfig{
			Default: resilience.DefaultPolicy(),
			Stages:  map[string]RetryOverride{},
		},
		Capacity: CapacityConfig{
			Automated: 8,
			Human:     2,
			Hybrid:    4,
		},
		TaskTimeout: 0,
		Server: ServerConfig{
			Addr:            "127.0.0.1:7420",
			ShutdownTimeout: 10 * time.Second,
		},
		NATS: NATSConfig{
			SubjectPrefix: events.DefaultSubjectPrefix,
		},
		Stages: map[string]StageCommand{},
		Project: ProjectConfig{
			Horizon: routing.DefaultHorizon,
		},
	}
}
