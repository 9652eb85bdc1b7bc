// Package mcpserver exposes the engine's task and review operations as MCP
// tools so a coding agent can submit work and act as a reviewer.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/aristath/devpipeline/internal/orchestrator"
	"github.com/aristath/devpipeline/internal/task"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Tools binds the engine to MCP tool handlers.
type Tools struct {
	engine *orchestrator.Engine
	logger *zap.Logger
}

// New creates the MCP server with every tool registered.
func New(engine *orchestrator.Engine, logger *zap.Logger) *server.MCPServer {
	s := server.NewMCPServer(
		"devpipe",
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions("Submit development tasks, follow their progress and review work routed to a human."),
	)
	Register(s, &Tools{engine: engine, logger: logger})
	return s
}

// Register adds the tool definitions to s.
func Register(s *server.MCPServer, t *Tools) {
	s.AddTool(mcp.NewTool("submit_task",
		mcp.WithDescription("Submit a development task. Returns the task id."),
		mcp.WithString("title", mcp.Required(), mcp.Description("Short title of the work")),
		mcp.WithString("description", mcp.Description("Longer description")),
		mcp.WithString("priority", mcp.Enum("low", "medium", "high", "critical")),
		mcp.WithString("criticality", mcp.Enum("low", "medium", "high", "critical")),
		mcp.WithArray("dependencies", mcp.Description("Ids of tasks that must succeed first"), mcp.WithStringItems()),
		mcp.WithArray("tags", mcp.WithStringItems()),
		mcp.WithObject("signals", mcp.Description("Routing signals in [0,1] keyed by complexity, creativity, domain, timeline, quality")),
	), t.SubmitTask)

	s.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get a task with its stage history"),
		mcp.WithString("id", mcp.Required()),
	), t.GetTask)

	s.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List tasks, optionally filtered by state"),
		mcp.WithString("state"),
	), t.ListTasks)

	s.AddTool(mcp.NewTool("list_review_queue",
		mcp.WithDescription("List tasks waiting for a human review, longest waiting first"),
		mcp.WithString("executor", mcp.Enum(string(task.ExecutorAutomated), string(task.ExecutorHuman), string(task.ExecutorHybrid))),
	), t.ListReviewQueue)

	s.AddTool(mcp.NewTool("submit_review",
		mcp.WithDescription("Approve or reject a task in review"),
		mcp.WithString("id", mcp.Required()),
		mcp.WithString("decision", mcp.Required(), mcp.Enum(string(orchestrator.Approve), string(orchestrator.Reject))),
		mcp.WithString("notes"),
		mcp.WithString("rework_stage", mcp.Description("Stage a rejected task restarts from; defaults to the first")),
	), t.SubmitReview)

	s.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task and fail its dependents"),
		mcp.WithString("id", mcp.Required()),
	), t.CancelTask)
}

// SubmitTask handles submit_task.
func (t *Tools) SubmitTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tk := task.Task{
		Title:        title,
		Description:  req.GetString("description", ""),
		Dependencies: req.GetStringSlice("dependencies", nil),
		Tags:         req.GetStringSlice("tags", nil),
	}
	for field, dst := range map[string]*task.Priority{"priority": &tk.Priority, "criticality": &tk.Criticality} {
		if v := req.GetString(field, ""); v != "" {
			p, err := task.ParsePriority(v)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			*dst = p
		}
	}
	if raw, ok := req.GetArguments()["signals"].(map[string]any); ok {
		tk.Signals = make(map[string]float64, len(raw))
		for k, v := range raw {
			f, ok := v.(float64)
			if !ok {
				return mcp.NewToolResultError(fmt.Sprintf("signal %s must be a number", k)), nil
			}
			tk.Signals[k] = f
		}
	}

	id, err := t.engine.SubmitTask(ctx, tk)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	t.logger.Info("task submitted over mcp", zap.String("task_id", id))
	return mcp.NewToolResultText(id), nil
}

// GetTask handles get_task.
func (t *Tools) GetTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tk, err := t.engine.Task(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(tk)
}

// ListTasks handles list_tasks.
func (t *Tools) ListTasks(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	state := task.State(req.GetString("state", ""))
	out := make([]*task.Task, 0)
	for _, tk := range t.engine.Tasks() {
		if state == "" || tk.State == state {
			out = append(out, tk)
		}
	}
	return jsonResult(out)
}

// ListReviewQueue handles list_review_queue.
func (t *Tools) ListReviewQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := orchestrator.ReviewFilter{Executor: task.ExecutorClass(req.GetString("executor", ""))}
	items := t.engine.ListReviewQueue(filter)
	if items == nil {
		items = []orchestrator.ReviewItem{}
	}
	return jsonResult(items)
}

// SubmitReview handles submit_review.
func (t *Tools) SubmitReview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	review := orchestrator.Review{
		Decision:    orchestrator.ReviewDecision(decision),
		Notes:       req.GetString("notes", ""),
		ReworkStage: req.GetString("rework_stage", ""),
	}
	if err := t.engine.SubmitReview(ctx, id, review); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tk, err := t.engine.Task(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task %s is %s", id, tk.State)), nil
}

// CancelTask handles cancel_task.
func (t *Tools) CancelTask(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.engine.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task %s cancelled", id)), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
