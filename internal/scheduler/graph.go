package scheduler

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/devpipeline/internal/task"
)

var (
	ErrCycleDetected     = errors.New("dependency cycle detected")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDuplicateTask     = errors.New("duplicate task id")
)

// CycleError reports one dependency cycle. Path starts and ends with the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// UnknownDependencyError reports a dependency id missing from the task set.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on %v %q", e.TaskID, ErrUnknownDependency, e.DependencyID)
}

func (e *UnknownDependencyError) Unwrap() error { return ErrUnknownDependency }

type node struct {
	id       string
	priority task.Priority
	deps     []string
}

// Graph is an immutable dependency DAG over task ids. It is safe for
// concurrent readers; any change to the task set requires a new Build.
type Graph struct {
	nodes      map[string]*node
	dependents map[string][]string
	order      []string
	position   map[string]int
	rank       map[string]int
}

// Build validates the dependency edges of tasks and computes their execution
// order: by dependency rank, then priority descending, then id.
func Build(tasks []*task.Task) (*Graph, error) {
	g := &Graph{
		nodes:      make(map[string]*node, len(tasks)),
		dependents: make(map[string][]string),
		position:   make(map[string]int, len(tasks)),
		rank:       make(map[string]int, len(tasks)),
	}

	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		if _, exists := g.nodes[t.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.ID)
		}
		deps := slices.Clone(t.Dependencies)
		slices.Sort(deps)
		deps = slices.Compact(deps)
		g.nodes[t.ID] = &node{id: t.ID, priority: t.Priority, deps: deps}
		ids = append(ids, t.ID)
	}
	slices.Sort(ids)

	// Verify all dependencies exist before looking for cycles
	for _, id := range ids {
		for _, dep := range g.nodes[id].deps {
			if _, exists := g.nodes[dep]; !exists {
				return nil, &UnknownDependencyError{TaskID: id, DependencyID: dep}
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if err := g.checkAcyclic(ids); err != nil {
		return nil, err
	}

	g.order = g.kahn(ids)
	for i, id := range g.order {
		g.position[id] = i
	}
	return g, nil
}

// checkAcyclic runs toposort as a fast check and falls back to DFS to name the cycle.
func (g *Graph) checkAcyclic(ids []string) error {
	var edges []toposort.Edge
	for _, id := range ids {
		n := g.nodes[id]
		if len(n.deps) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range n.deps {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err == nil {
		found := 0
		for _, id := range sorted {
			if id != nil {
				found++
			}
		}
		// Tasks that only sit on a cycle never appear in the sort
		if found == len(ids) {
			return nil
		}
	}
	if path := g.findCycle(ids); path != nil {
		return &CycleError{Path: path}
	}
	return &CycleError{}
}

const (
	white = iota
	grey
	black
)

// findCycle performs three-color DFS along dependency edges.
func (g *Graph) findCycle(ids []string) []string {
	color := make(map[string]int, len(ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.nodes[id].deps {
			switch color[dep] {
			case grey:
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white && visit(id) {
			// Report the cycle in dependency-first order.
			slices.Reverse(cycle)
			return cycle
		}
	}
	return nil
}

// kahn orders ids one dependency rank at a time. Within a rank, higher
// priority comes first, then lower id.
func (g *Graph) kahn(ids []string) []string {
	indegree := make(map[string]int, len(ids))
	var level []string
	for _, id := range ids {
		indegree[id] = len(g.nodes[id].deps)
		if indegree[id] == 0 {
			level = append(level, id)
		}
	}

	order := make([]string, 0, len(ids))
	for rank := 0; len(level) > 0; rank++ {
		slices.SortFunc(level, g.byPriority)
		var next []string
		for _, id := range level {
			g.rank[id] = rank
			order = append(order, id)
			for _, dep := range g.dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}
	return order
}

func (g *Graph) byPriority(a, b string) int {
	pa, pb := g.nodes[a].priority, g.nodes[b].priority
	if pa != pb {
		return cmp.Compare(pb, pa)
	}
	return strings.Compare(a, b)
}

// Order returns the task ids in execution order.
func (g *Graph) Order() []string {
	return slices.Clone(g.order)
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int { return len(g.order) }

// Has reports whether id is part of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Position returns the index of id in Order, or -1.
func (g *Graph) Position(id string) int {
	if p, ok := g.position[id]; ok {
		return p
	}
	return -1
}

// Rank returns the length of the longest dependency chain below id.
func (g *Graph) Rank(id string) int {
	return g.rank[id]
}

// Dependencies returns the direct dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return slices.Clone(n.deps)
}

// Dependents returns the tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return slices.Clone(g.dependents[id])
}

// Ready returns, in execution order, the pending tasks whose dependencies
// have all succeeded.
func (g *Graph) Ready(states map[string]task.State) []string {
	var ready []string
	for _, id := range g.order {
		if states[id] != task.StatePending {
			continue
		}
		resolved := true
		for _, dep := range g.nodes[id].deps {
			if states[dep] != task.StateSucceeded {
				resolved = false
				break
			}
		}
		if resolved {
			ready = append(ready, id)
		}
	}
	return ready
}

// Unsatisfiable returns, in execution order, the pending tasks with at least
// one dependency that ended without succeeding.
func (g *Graph) Unsatisfiable(states map[string]task.State) []string {
	var doomed []string
	for _, id := range g.order {
		if states[id] != task.StatePending {
			continue
		}
		for _, dep := range g.nodes[id].deps {
			if s := states[dep]; s == task.StateFailed || s == task.StateRolledBack {
				doomed = append(doomed, id)
				break
			}
		}
	}
	return doomed
}
