package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/devpipeline/internal/config"
	"github.com/aristath/devpipeline/internal/routing"
	"github.com/aristath/devpipeline/internal/scheduler"
	"github.com/aristath/devpipeline/internal/task"
)

// PlanEntry is the dry-run routing of one task.
type PlanEntry struct {
	Task     *task.Task           `json:"task"`
	Wave     int                  `json:"wave"`
	Decision task.RoutingDecision `json:"decision"`
	Pattern  string               `json:"pattern"`
	Rule     string               `json:"rule"`
	Stages   []string             `json:"stages"`
}

// Preview scores and assigns patterns to a batch without running anything.
// Entries are in execution order; Wave is the depth of the task's longest
// dependency chain, so tasks sharing a wave can run in parallel.
func Preview(cfg *config.Config, batch []task.Task, now time.Time) ([]PlanEntry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scorer, err := routing.NewScorer(cfg.Routing)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}
	selector, err := cfg.Selector()
	if err != nil {
		return nil, fmt.Errorf("patterns: %w", err)
	}

	tasks := make([]*task.Task, len(batch))
	byID := make(map[string]*task.Task, len(batch))
	for i := range batch {
		t := batch[i].Clone()
		if strings.TrimSpace(t.Title) == "" {
			return nil, fmt.Errorf("%w: task %d has no title", ErrInvalidTask, i)
		}
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
		}
		tasks[i] = t
		byID[t.ID] = t
	}
	graph, err := scheduler.Build(tasks)
	if err != nil {
		return nil, err
	}

	pc := cfg.ProjectContext()
	pc.Now = now
	entries := make([]PlanEntry, 0, len(tasks))
	for _, id := range graph.Order() {
		t := byID[id]
		d := scorer.Score(t, pc)
		t.ComplexityScore = d.Composite * 10
		t.Scored = true
		t.Executor = d.Executor

		p, rule := selector.Select(selectionInput(t, d))
		t.Pattern = p.Name
		stages, _ := p.Plan("")
		entries = append(entries, PlanEntry{
			Task:     t,
			Wave:     graph.Rank(id),
			Decision: d,
			Pattern:  p.Name,
			Rule:     rule,
			Stages:   stages,
		})
	}
	return entries, nil
}
