package pipeline

import (
	"context"

	"github.com/contentdag/core/pkg/schema"
)

// Agent is the invocation contract every producing or reviewing agent
// implements: given a task and the upstream payloads it depends on,
// produce a payload before the deadline carried on the context.
type Agent interface {
	Invoke(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error)

func (f AgentFunc) Invoke(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error) {
	return f(ctx, task, upstream)
}

// AgentResolver looks up the Agent registered to handle a given agent ID.
type AgentResolver interface {
	Resolve(agentID string) (Agent, error)
}

// Registry is the default in-memory AgentResolver: every agent a run
// might dispatch to is registered by ID up front.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds agentID to a. A later call with the same ID replaces it.
func (r *Registry) Register(agentID string, a Agent) {
	r.agents[agentID] = a
}

func (r *Registry) Resolve(agentID string) (Agent, error) {
	a, ok := r.agents[agentID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q is not registered", agentID)
	}
	return a, nil
}
