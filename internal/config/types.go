package config

import (
	"time"

	"github.com/aristath/devpipeline/internal/pattern"
	"github.com/aristath/devpipeline/internal/resilience"
	"github.com/aristath/devpipeline/internal/routing"
)

// LogConfig selects the zap logger.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" json:"level"`    // debug, info, warn, error
	Format string `koanf:"format" yaml:"format" json:"format"` // json or console
}

// SelectionConfig holds the ordered pattern selection rules.
type SelectionConfig struct {
	Rules    []pattern.Rule `koanf:"rules" yaml:"rules" json:"rules"`
	Fallback string         `koanf:"fallback" yaml:"fallback" json:"fallback"`
}

// RetryOverride replaces individual fields of the default policy for one
// stage. Zero fields inherit the default.
type RetryOverride struct {
	MaxAttempts        int           `koanf:"max_attempts" yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	BaseDelay          time.Duration `koanf:"base_delay" yaml:"base_delay,omitempty" json:"base_delay,omitempty"`
	MaxDelay           time.Duration `koanf:"max_delay" yaml:"max_delay,omitempty" json:"max_delay,omitempty"`
	BackoffMultiplier  float64       `koanf:"backoff_multiplier" yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`
	BreakerThreshold   float64       `koanf:"breaker_threshold" yaml:"breaker_threshold,omitempty" json:"breaker_threshold,omitempty"`
	BreakerMinRequests uint32        `koanf:"breaker_min_requests" yaml:"breaker_min_requests,omitempty" json:"breaker_min_requests,omitempty"`
	BreakerWindow      time.Duration `koanf:"breaker_window" yaml:"breaker_window,omitempty" json:"breaker_window,omitempty"`
	BreakerCooldown    time.Duration `koanf:"breaker_cooldown" yaml:"breaker_cooldown,omitempty" json:"breaker_cooldown,omitempty"`
}

// RetryConfig is the default retry policy plus per-stage overrides.
type RetryConfig struct {
	Default resilience.Policy        `koanf:"default" yaml:"default" json:"default"`
	Stages  map[string]RetryOverride `koanf:"stages" yaml:"stages,omitempty" json:"stages,omitempty"`
}

// For returns the effective policy for stage.
func (r RetryConfig) For(stage string) resilience.Policy {
	p := r.Default
	o, ok := r.Stages[stage]
	if !ok {
		return p
	}
	if o.MaxAttempts > 0 {
		p.MaxAttempts = o.MaxAttempts
	}
	if o.BaseDelay > 0 {
		p.BaseDelay = o.BaseDelay
	}
	if o.MaxDelay > 0 {
		p.MaxDelay = o.MaxDelay
	}
	if o.BackoffMultiplier > 0 {
		p.BackoffMultiplier = o.BackoffMultiplier
	}
	if o.BreakerThreshold > 0 {
		p.BreakerThreshold = o.BreakerThreshold
	}
	if o.BreakerMinRequests > 0 {
		p.BreakerMinRequests = o.BreakerMinRequests
	}
	if o.BreakerWindow > 0 {
		p.BreakerWindow = o.BreakerWindow
	}
	if o.BreakerCooldown > 0 {
		p.BreakerCooldown = o.BreakerCooldown
	}
	return p
}

// CapacityConfig bounds in-flight tasks. Zero means unbounded.
type CapacityConfig struct {
	Automated int64 `koanf:"automated" yaml:"automated" json:"automated"`
	Human     int64 `koanf:"human" yaml:"human" json:"human"`
	Hybrid    int64 `koanf:"hybrid" yaml:"hybrid" json:"hybrid"`
	Total     int64 `koanf:"total" yaml:"total" json:"total"`
}

// StoreConfig locates the task-state database. An empty path keeps state in memory.
type StoreConfig struct {
	Path string `koanf:"path" yaml:"path" json:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `koanf:"addr" yaml:"addr" json:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// NATSConfig configures event forwarding. An empty URL disables it.
type NATSConfig struct {
	URL           string `koanf:"url" yaml:"url" json:"url"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix" json:"subject_prefix"`
}

// StageCommand runs a stage as an external command.
type StageCommand struct {
	Command string            `koanf:"command" yaml:"command" json:"command"`
	Args    []string          `koanf:"args" yaml:"args,omitempty" json:"args,omitempty"`
	Dir     string            `koanf:"dir" yaml:"dir,omitempty" json:"dir,omitempty"`
	Env     map[string]string `koanf:"env" yaml:"env,omitempty" json:"env,omitempty"`
}

// ProjectConfig describes the project tasks are routed for.
type ProjectConfig struct {
	ExpertDomains []string      `koanf:"expert_domains" yaml:"expert_domains,omitempty" json:"expert_domains,omitempty"`
	Horizon       time.Duration `koanf:"horizon" yaml:"horizon" json:"horizon"`
	// Workspace is a git repository checkpointed before risky stages.
	Workspace string `koanf:"workspace" yaml:"workspace,omitempty" json:"workspace,omitempty"`
}

// Config is the top-level configuration document.
type Config struct {
	Log         LogConfig                  `koanf:"log" yaml:"log" json:"log"`
	Routing     routing.Config             `koanf:"routing" yaml:"routing" json:"routing"`
	Patterns    map[string]pattern.Pattern `koanf:"patterns" yaml:"patterns" json:"patterns"`
	Selection   SelectionConfig            `koanf:"selection" yaml:"selection" json:"selection"`
	Retry       RetryConfig                `koanf:"retry" yaml:"retry" json:"retry"`
	Capacity    CapacityConfig             `koanf:"capacity" yaml:"capacity" json:"capacity"`
	TaskTimeout time.Duration              `koanf:"task_timeout" yaml:"task_timeout" json:"task_timeout"`
	Store       StoreConfig                `koanf:"store" yaml:"store" json:"store"`
	Server      ServerConfig               `koanf:"server" yaml:"server" json:"server"`
	NATS        NATSConfig                 `koanf:"nats" yaml:"nats" json:"nats"`
	Stages      map[string]StageCommand    `koanf:"stages" yaml:"stages,omitempty" json:"stages,omitempty"`
	Project     ProjectConfig              `koanf:"project" yaml:"project" json:"project"`
}
