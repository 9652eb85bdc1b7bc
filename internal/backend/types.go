package backend

import (
	"github.com/aristath/devpipeline/internal/task"
)

// Request asks a runner to execute one attempt of one stage.
type Request struct {
	Task     *task.Task // Copy; runners must not rely on mutating it
	Stage    string
	Attempt  int
	Executor task.ExecutorClass
	Tags     []string
}

// Response is what a runner reports back for one attempt.
type Response struct {
	Success bool
	Detail  string
	Metrics map[string]float64
}

// Command describes an external program that runs a stage.
type Command struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
}
