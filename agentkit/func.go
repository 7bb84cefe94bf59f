// Package agentkit provides reference implementations of pipeline.Agent:
// adapters callers can wrap their own generation, validation, or
// adversarial logic in without hand-writing the JSON plumbing every
// pipeline.Agent needs. Nothing in this package makes the orchestration
// core a network service — an MCPAgent is a client dialing out to
// whatever MCP server the caller points it at.
package agentkit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/contentdag/core/pkg/schema"
)

// FuncHandler is the simplified signature Func adapts into a full
// pipeline.Agent: decoded input in, decoded output and a confidence
// score out, with all the payload envelope bookkeeping handled by Func.
type FuncHandler func(ctx context.Context, input map[string]any, upstream map[string]schema.AgentPayload) (output map[string]any, confidence float64, err error)

// Func wraps a FuncHandler closure as a pipeline.Agent. Intended for
// tests and for simple deterministic agents that don't need their own
// transport — the common case for worker, validator, and adversarial
// stand-ins in an example run.
type Func struct {
	agentID string
	handler FuncHandler
}

// NewFunc creates a Func agent that reports agentID on every payload it
// produces.
func NewFunc(agentID string, handler FuncHandler) *Func {
	return &Func{agentID: agentID, handler: handler}
}

// Invoke decodes task.Input, runs the handler, and re-encodes its output
// into an AgentPayload with SuccessIndicator already set — a Func agent
// that returns without error is always considered successful; a handler
// that wants phantom-success detection to trigger should return an error
// instead of a nil output.
func (f *Func) Invoke(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error) {
	var input map[string]any
	if len(task.Input) > 0 {
		if err := json.Unmarshal(task.Input, &input); err != nil {
			return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeValidation,
				"decode input for task %s: %s", task.ID, err.Error()).WithTask(task.ID).WithCause(err)
		}
	}

	output, confidence, err := f.handler(ctx, input, upstream)
	if err != nil {
		return schema.AgentPayload{}, err
	}

	data, err := json.Marshal(output)
	if err != nil {
		return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeExecution,
			"encode output for task %s: %s", task.ID, err.Error()).WithTask(task.ID).WithCause(err)
	}

	ok := true
	return schema.AgentPayload{
		TaskID:           task.ID,
		AgentID:          f.agentID,
		Timestamp:        time.Now(),
		Data:             data,
		ConfidenceScore:  confidence,
		SuccessIndicator: &ok,
	}, nil
}
