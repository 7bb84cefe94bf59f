package validation

import (
	"fmt"
	"sort"

	"github.com/contentdag/core/pkg/schema"
)

// validateDAG performs graph analysis on a submitted DAG: hallucinated
// dependencies (a task depending on an ID never registered in the run),
// cycle detection (Kahn's algorithm), and dead-task reachability (BFS from
// roots).
func validateDAG(def *schema.DAGDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	taskIDs := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		taskIDs[t.ID] = true
	}

	// edges[id] = dependencies of task id, reverse[id] = dependents of task id.
	edges := make(map[string][]string, len(def.Tasks))
	reverse := make(map[string][]string, len(def.Tasks))

	for _, t := range def.Tasks {
		if t.Retry != nil && t.Retry.Max > 10 {
			result.AddWarning(fmt.Sprintf("tasks[%s].retry.max", t.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("high retry count (%d) may cause excessive delays", t.Retry.Max))
		}

		seen := make(map[string]bool, len(t.DependsOn))
		for _, dep := range t.DependsOn {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if !taskIDs[dep] {
				result.AddError(fmt.Sprintf("tasks[%s].depends_on", t.ID),
					schema.ErrCodeUnknownDependency,
					fmt.Sprintf("task %q depends on %q, which is not registered in this run", t.ID, dep))
				continue
			}
			edges[t.ID] = append(edges[t.ID], dep)
			reverse[dep] = append(reverse[dep], t.ID)
		}
	}

	if len(result.Errors) > 0 {
		return result // hallucinated dependencies make cycle/reachability analysis meaningless
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Tasks))
	for id := range taskIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Tasks))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue) // deterministic output

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(taskIDs) {
		result.AddError("tasks", schema.ErrCodeCycleDetected, "dag contains a dependency cycle")
		return result
	}

	// Reachability: BFS from root tasks (no dependencies) through reverse edges.
	roots := make([]string, 0)
	for id := range taskIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(taskIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, t := range def.Tasks {
		if !reachable[t.ID] {
			result.AddWarning(fmt.Sprintf("tasks[%s]", t.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("task %q is unreachable from any root task", t.ID))
		}
	}

	return result
}
