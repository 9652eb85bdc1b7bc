package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/backend"
	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/task"
)

// RunnersFromConfig builds the stage registry for cfg: configured stage
// commands run as processes tracked by pm, and stages handed to a human
// complete at once so the work reaches the review queue. There is no
// fallback: any other stage without a command fails with a missing-runner
// result.
func RunnersFromConfig(cfg *config.Config, pm *backend.ProcessManager, logger *zap.Logger) *backend.Registry {
	reg := backend.NewRegistry(nil)

	commands := make(map[string]backend.Command, len(cfg.Stages))
	for stage, sc := range cfg.Stages {
		commands[stage] = backend.Command{
			Command: sc.Command,
			Args:    sc.Args,
			Dir:     sc.Dir,
			Env:     sc.Env,
		}
	}
	backend.NewCommandRunner(commands, pm, logger).Register(reg)
	reg.RegisterClass(task.ExecutorHuman, backend.FuncRunner(handOff))
	return reg
}

func handOff(_ context.Context, req backend.Request) (backend.Response, error) {
	return backend.Response{
		Success: true,
		Detail:  fmt.Sprintf("%s handed to a human reviewer", req.Stage),
	}, nil
}
