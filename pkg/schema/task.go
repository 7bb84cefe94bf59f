package schema

import (
	"encoding/json"
	"time"
)

// AgentRole classifies the function an agent plays when it produces or
// consumes a task's payload. Carried forward from the original
// orchestrator design: a coordinator plans, workers produce, validators
// check, and adversarial agents actively try to poke holes in a result.
type AgentRole string

const (
	RoleCoordinator AgentRole = "coordinator"
	RoleWorker      AgentRole = "worker"
	RoleValidator   AgentRole = "validator"
	RoleAdversarial AgentRole = "adversarial"
)

// TaskType distinguishes a regular produced node from a validation or
// adversarial-review node attached to one. Scheduling treats all three
// the same; the pipeline treats them differently when combining outputs.
type TaskType string

const (
	TaskTypeWork        TaskType = "work"
	TaskTypeValidation  TaskType = "validation"
	TaskTypeAdversarial TaskType = "adversarial"
)

// RetryPolicy configures how a task is retried on a retryable failure.
type RetryPolicy struct {
	Max      int    `json:"max"`
	Backoff  string `json:"backoff,omitempty"`  // none | constant | linear | exponential
	Delay    string `json:"delay,omitempty"`    // parsable duration, e.g. "100ms"
	MaxDelay string `json:"max_delay,omitempty"`
}

// ParallelHint tells the scheduler how a task may be dispatched relative
// to its level-siblings once its dependencies are satisfied.
type ParallelHint string

const (
	HintSerialRequired    ParallelHint = "serial-required"
	HintCanParallelize    ParallelHint = "can-parallelize"
	HintParallelPreferred ParallelHint = "parallel-preferred"
)

// TaskNode is one node of the DAG submitted for execution. Dependencies
// name other TaskNode.ID values within the same run; the scheduler
// rejects a run whose DAG references an ID that was never registered —
// the hallucinated-dependency guardrail.
type TaskNode struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Role      AgentRole `json:"role"`
	Type      TaskType  `json:"type,omitempty"`
	DependsOn []string  `json:"depends_on,omitempty"`
	// ParallelHint defaults to HintCanParallelize when left empty: a task
	// with no explicit hint may run alongside its level-siblings.
	ParallelHint   ParallelHint    `json:"parallel_hint,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema   json.RawMessage `json:"output_schema,omitempty"`
	Retry          *RetryPolicy    `json:"retry,omitempty"`
	Deadline       time.Duration   `json:"deadline,omitempty"`
	HighStakes     bool            `json:"high_stakes,omitempty"`
	HighStakesExpr string          `json:"high_stakes_expr,omitempty"`
	// Idempotent marks a task safe to automatically re-dispatch after a
	// rollback invalidated its checkpoint. Non-idempotent tasks stay
	// ROLLED_BACK for the caller to handle, and the run finishes as
	// COMPLETED_WITH_ROLLBACK.
	Idempotent bool           `json:"idempotent,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DAGDefinition is the top-level shape a run is submitted as: a set of
// task nodes plus run-scoped defaults. Validated as a whole before
// scheduling so cycles and hallucinated dependencies are caught before
// any agent runs.
type DAGDefinition struct {
	RunID    string         `json:"run_id,omitempty"`
	Tasks    []TaskNode     `json:"tasks"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ConfidenceLevel buckets a numeric confidence score into the categorical
// levels the original orchestrator reported to human reviewers.
type ConfidenceLevel string

const (
	ConfidenceVeryHigh ConfidenceLevel = "very_high"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceVeryLow  ConfidenceLevel = "very_low"
)

// LevelForConfidence classifies a score using the same cutoffs the
// original implementation used: >=0.9 very_high, >=0.7 high, >=0.5
// medium, >=0.3 low, else very_low.
func LevelForConfidence(score float64) ConfidenceLevel {
	switch {
	case score >= 0.9:
		return ConfidenceVeryHigh
	case score >= 0.7:
		return ConfidenceHigh
	case score >= 0.5:
		return ConfidenceMedium
	case score >= 0.3:
		return ConfidenceLow
	default:
		return ConfidenceVeryLow
	}
}

// AgentPayload is the signed, hash-chained unit an agent returns from a
// single invocation. PayloadHash and PredecessorHash form the
// desynchronization-detection chain: a payload's declared predecessor
// must match the hash of the checkpoint it was built against.
type AgentPayload struct {
	TaskID             string          `json:"task_id"`
	AgentID            string          `json:"agent_id"`
	Timestamp          time.Time       `json:"timestamp"`
	Data               json.RawMessage `json:"data"`
	PayloadHash        string          `json:"payload_hash_sha256"`
	ConfidenceScore    float64         `json:"confidence_score"`
	Dependencies       []string        `json:"dependencies,omitempty"`
	Outputs            map[string]any  `json:"outputs,omitempty"`
	Metadata           map[string]any  `json:"metadata,omitempty"`
	ReasoningTrace     string          `json:"reasoning_trace,omitempty"`
	AssumptionsMade    []string        `json:"assumptions_made,omitempty"`
	AlternativesConsidered []string    `json:"alternatives_considered,omitempty"`
	StateCheckpointHash string        `json:"state_checkpoint_hash,omitempty"`
	PredecessorHash    string          `json:"predecessor_hash,omitempty"`
	SuccessIndicator   *bool           `json:"success_indicator,omitempty"`
}

// ConfidenceLevelOf classifies the payload's ConfidenceScore.
func (p *AgentPayload) ConfidenceLevelOf() ConfidenceLevel {
	return LevelForConfidence(p.ConfidenceScore)
}

// Event is a single observability record appended to a Sink. Sequence is
// assigned by the sink and is monotonic per run.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	RunID     string          `json:"run_id"`
	TaskID    string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
