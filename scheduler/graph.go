// Package scheduler builds the execution graph for a submitted DAG and
// drives it level by level, dispatching independent tasks concurrently
// through a bounded worker pool and serializing between levels.
package scheduler

import (
	"sort"

	"github.com/contentdag/core/pkg/schema"
)

// Graph is the in-memory dependency graph built from a DAGDefinition:
// per-task adjacency lists, a topological order, and parallel execution
// levels computed by topological depth.
type Graph struct {
	Tasks   map[string]*schema.TaskNode
	Edges   map[string][]string // task ID -> dependencies
	Reverse map[string][]string // task ID -> dependents
	Sorted  []string
	Roots   []string
	Levels  [][]string
	Depth   map[string]int // task ID -> longest path from a root, used for confidence decay
}

// Build constructs a Graph from a DAGDefinition. Callers are expected to
// run def through a validation.Validator first; Build re-derives cycle
// and unknown-dependency checks as defense in depth rather than trusting
// the caller, but does not duplicate structural (JSON Schema) checks.
func Build(def *schema.DAGDefinition) (*Graph, error) {
	if def == nil || len(def.Tasks) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "dag has no tasks")
	}

	g := &Graph{
		Tasks:   make(map[string]*schema.TaskNode, len(def.Tasks)),
		Edges:   make(map[string][]string, len(def.Tasks)),
		Reverse: make(map[string][]string, len(def.Tasks)),
	}

	for i := range def.Tasks {
		t := &def.Tasks[i]
		if _, exists := g.Tasks[t.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task id: %s", t.ID)
		}
		g.Tasks[t.ID] = t
	}

	for id, t := range g.Tasks {
		seen := make(map[string]bool, len(t.DependsOn))
		deps := make([]string, 0, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if _, exists := g.Tasks[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"task %s depends on unregistered task %q", id, dep).WithTask(id)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
			g.Reverse[dep] = append(g.Reverse[dep], id)
		}
		g.Edges[id] = deps
	}

	if err := g.topoSort(); err != nil {
		return nil, err
	}
	g.Depth = g.computeDepths()
	g.Levels = g.computeLevels()

	return g, nil
}

func (g *Graph) topoSort() error {
	inDegree := make(map[string]int, len(g.Tasks))
	for id := range g.Tasks {
		inDegree[id] = len(g.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	g.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(g.Tasks))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), g.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Tasks) {
		return schema.NewError(schema.ErrCodeCycleDetected, "dag contains a dependency cycle")
	}
	g.Sorted = sorted
	return nil
}

// computeDepths assigns each task the length of the longest path from any
// root to it, counting a root itself as depth 0. This is the chain depth
// the pipeline uses for confidence decay.
func (g *Graph) computeDepths() map[string]int {
	depth := make(map[string]int, len(g.Tasks))
	for _, id := range g.Sorted {
		maxDep := -1
		for _, dep := range g.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}
	return depth
}

// computeLevels groups tasks into parallel execution levels: a task's
// level equals its chain depth, so two tasks share a level only when
// nothing orders one before the other.
func (g *Graph) computeLevels() [][]string {
	maxLevel := 0
	for _, d := range g.Depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range g.Sorted {
		levels[g.Depth[id]] = append(levels[g.Depth[id]], id)
	}
	return levels
}
