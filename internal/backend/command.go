package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// metricPrefix marks stdout lines that report a gate metric, e.g.
// "METRIC coverage=0.82".
const metricPrefix = "METRIC "

// maxDetail bounds the output kept in a stage result.
const maxDetail = 512

// CommandRunner runs stages as external commands, one configured command per
// stage name. Each run gets its own process group and is killed as a group
// when its context is cancelled. A zero exit status is a success.
//
// The command sees DEVPIPE_TASK_ID, DEVPIPE_TASK_TITLE, DEVPIPE_STAGE,
// DEVPIPE_ATTEMPT and DEVPIPE_EXECUTOR in its environment.
type CommandRunner struct {
	commands map[string]Command
	pm       *ProcessManager
	logger   *zap.Logger
}

// NewCommandRunner creates a runner for the given stage commands. pm may be
// nil when processes need not be tracked.
func NewCommandRunner(commands map[string]Command, pm *ProcessManager, logger *zap.Logger) *CommandRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	cp := make(map[string]Command, len(commands))
	for stage, c := range commands {
		cp[stage] = c
	}
	return &CommandRunner{commands: cp, pm: pm, logger: logger}
}

// Register adds the runner to reg for every stage it has a command for.
func (r *CommandRunner) Register(reg *Registry) {
	for stage := range r.commands {
		reg.Register(stage, r)
	}
}

// Run executes the command configured for req.Stage.
func (r *CommandRunner) Run(ctx context.Context, req Request) (Response, error) {
	c, ok := r.commands[req.Stage]
	if !ok {
		return Response{}, fmt.Errorf("%w %q", ErrNoRunner, req.Stage)
	}

	cmd := newCommand(ctx, c.Command, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), r.env(c, req)...)

	stdout, stderr, err := executeCommand(ctx, cmd, r.pm)
	metrics := r.parseMetrics(req.Stage, stdout)

	if err != nil {
		var exitErr *exec.ExitError
		if ctx.Err() == nil && errors.As(err, &exitErr) {
			detail := fmt.Sprintf("exit status %d", exitErr.ExitCode())
			if out := tail(stderr); out != "" {
				detail += ": " + out
			}
			return Response{Success: false, Detail: detail, Metrics: metrics}, nil
		}
		return Response{}, fmt.Errorf("run %s for task %s: %w", req.Stage, taskID(req), err)
	}

	return Response{Success: true, Detail: lastLine(stdout), Metrics: metrics}, nil
}

func (r *CommandRunner) env(c Command, req Request) []string {
	env := []string{
		"DEVPIPE_TASK_ID=" + taskID(req),
		"DEVPIPE_STAGE=" + req.Stage,
		"DEVPIPE_ATTEMPT=" + strconv.Itoa(req.Attempt),
		"DEVPIPE_EXECUTOR=" + string(req.Executor),
	}
	if req.Task != nil {
		env = append(env, "DEVPIPE_TASK_TITLE="+req.Task.Title)
	}

	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+c.Env[k])
	}
	return env
}

// parseMetrics reads "METRIC name=value" lines. Malformed lines are skipped.
func (r *CommandRunner) parseMetrics(stage string, stdout []byte) map[string]float64 {
	var metrics map[string]float64
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, metricPrefix)
		if !ok {
			continue
		}
		name, raw, ok := strings.Cut(strings.TrimSpace(rest), "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			r.logger.Debug("ignoring malformed metric line", zap.String("stage", stage), zap.String("line", line))
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			r.logger.Debug("ignoring malformed metric value", zap.String("stage", stage), zap.String("line", line))
			continue
		}
		if metrics == nil {
			metrics = make(map[string]float64)
		}
		metrics[name] = v
	}
	return metrics
}

func taskID(req Request) string {
	if req.Task == nil {
		return ""
	}
	return req.Task.ID
}

// lastLine returns the last non-metric output line.
func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, metricPrefix) {
			return truncate(line)
		}
	}
	return ""
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxDetail {
		s = "..." + s[len(s)-maxDetail:]
	}
	return s
}

func truncate(s string) string {
	if len(s) > maxDetail {
		return s[:maxDetail] + "..."
	}
	return s
}
