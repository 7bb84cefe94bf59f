package expressions

import "context"

// Engine evaluates expressions over task and agent-payload data.
// Three implementations: CEL (the high-stakes review predicate), GoJQ
// (extracting fields out of adversarial review payloads), Expr (combining
// guardrail signals into scalar verdicts).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
