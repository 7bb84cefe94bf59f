package pipeline

import (
	"math"

	"github.com/contentdag/core/pkg/schema"
)

// propagateConfidence computes a task's outgoing confidence: the minimum
// confidence across its upstream payloads (1.0 for a root task with no
// upstream) times the agent's own reported operation confidence times a
// depth-decay factor that discounts confidence the deeper a chain runs
// without a fresh human or adversarial check.
func propagateConfidence(upstream map[string]schema.AgentPayload, opConfidence float64, depth int, decayBase float64) float64 {
	inputConfidence := 1.0
	first := true
	for _, p := range upstream {
		if first || p.ConfidenceScore < inputConfidence {
			inputConfidence = p.ConfidenceScore
			first = false
		}
	}

	decay := math.Pow(decayBase, float64(depth))
	out := inputConfidence * opConfidence * decay
	if out < 0 {
		out = 0
	}
	return out
}
