package pipeline

import "github.com/contentdag/core/pkg/schema"

// Result is everything a single pipeline run through a task produced:
// its payload, the confidence it carried out, where it got checkpointed,
// and which guardrails fired along the way.
type Result struct {
	Payload      schema.AgentPayload
	Confidence   float64
	CheckpointID string
	Guardrails   []string
}
