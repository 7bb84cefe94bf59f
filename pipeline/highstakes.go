package pipeline

import (
	"context"

	"github.com/contentdag/core/internal/expressions"
	"github.com/contentdag/core/pkg/schema"
)

// defaultHighStakesRoles mirrors the fallback rule applied when a task
// carries no explicit high-stakes predicate: validator and adversarial
// tasks are always treated as consequential enough to cross-check.
var defaultHighStakesRoles = map[schema.AgentRole]bool{
	schema.RoleValidator:   true,
	schema.RoleAdversarial: true,
}

// isHighStakes decides whether a task's result must pass adversarial
// cross-check before it can be accepted.
func isHighStakes(ctx context.Context, cel *expressions.CELEngine, task *schema.TaskNode, payload schema.AgentPayload) (bool, error) {
	if task.HighStakes || defaultHighStakesRoles[task.Role] {
		return true, nil
	}
	if task.HighStakesExpr == "" || cel == nil {
		return false, nil
	}

	out, err := cel.Evaluate(ctx, task.HighStakesExpr, map[string]any{
		"task": map[string]any{
			"id":       task.ID,
			"agent_id": task.AgentID,
			"role":     string(task.Role),
		},
		"payload": map[string]any{
			"confidence_score": payload.ConfidenceScore,
			"metadata":         payload.Metadata,
		},
		"metadata": task.Metadata,
	})
	if err != nil {
		return false, err
	}

	triggered, _ := out.(bool)
	return triggered, nil
}
