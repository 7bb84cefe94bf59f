package validation

import "github.com/contentdag/core/pkg/schema"

// Validator checks a submitted DAG for correctness before scheduling, and
// checks an agent's output payload against a task's declared output
// schema once that task finishes.
type Validator interface {
	ValidateDefinition(def *schema.DAGDefinition) error
	ValidatePayload(data map[string]any, outputSchema []byte) error
}
