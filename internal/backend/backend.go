// Package backend runs pipeline stages, either in-process or as external
// commands.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aristath/devpipeline/internal/task"
)

// ErrNoRunner is returned when no runner is registered for a stage.
var ErrNoRunner = errors.New("no runner for stage")

// Runner defines the interface every stage runner implements. A returned
// error means the stage could not be run at all; a stage that ran and failed
// reports Response.Success = false.
type Runner interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// FuncRunner adapts a function to Runner.
type FuncRunner func(ctx context.Context, req Request) (Response, error)

// Run calls f.
func (f FuncRunner) Run(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Registry picks the runner for a stage: a runner registered for the stage
// name wins, then one registered for the stage's executor hint, then one for
// the task's executor class, then the fallback.
type Registry struct {
	mu       sync.RWMutex
	stages   map[string]Runner
	classes  map[task.ExecutorClass]Runner
	fallback Runner
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback Runner) *Registry {
	return &Registry{
		stages:   make(map[string]Runner),
		classes:  make(map[task.ExecutorClass]Runner),
		fallback: fallback,
	}
}

// Register sets the runner for a stage name.
func (r *Registry) Register(stage string, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages[stage] = runner
}

// RegisterClass sets the runner for an executor class.
func (r *Registry) RegisterClass(class task.ExecutorClass, runner Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes[class] = runner
}

// Resolve returns the runner for stage.
func (r *Registry) Resolve(stage string, hint, executor task.ExecutorClass) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if runner, ok := r.stages[stage]; ok {
		return runner, nil
	}
	if hint != "" {
		if runner, ok := r.classes[hint]; ok {
			return runner, nil
		}
	}
	if runner, ok := r.classes[executor]; ok {
		return runner, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoRunner, stage)
}

// Stages returns the stage names with a dedicated runner.
func (r *Registry) Stages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for name := range r.stages {
		names = append(names, name)
	}
	return names
}
