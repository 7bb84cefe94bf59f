package agentkit

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/contentdag/core/pkg/schema"
)

// ToolCaller is satisfied by *client.Client from
// github.com/mark3labs/mcp-go/client. It's narrowed to the one method
// MCPAgent needs so tests can fake a server without standing up a real
// MCP transport, and so callers pick whichever transport (stdio, SSE,
// streamable HTTP) their remote agent speaks without this package caring.
type ToolCaller interface {
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// MCPAgent invokes a single named tool on a remote MCP server and
// translates its result into an AgentPayload. This is the glue a caller
// uses to wrap an AI provider that's exposed as an MCP tool as a
// pipeline.Agent; the orchestration core itself never listens on a
// socket, this only dials out.
type MCPAgent struct {
	client   ToolCaller
	toolName string
}

// NewMCPAgent creates an MCPAgent that calls toolName on client for every
// invocation. client must already be initialized (transport started, MCP
// handshake completed) — MCPAgent only calls tools, it doesn't manage
// the connection lifecycle.
func NewMCPAgent(client ToolCaller, toolName string) *MCPAgent {
	return &MCPAgent{client: client, toolName: toolName}
}

// Invoke sends task.Input and the upstream payloads as the tool's
// arguments, and expects the tool to return a JSON-encoded AgentPayload
// as its text content.
func (a *MCPAgent) Invoke(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error) {
	var input map[string]any
	if len(task.Input) > 0 {
		if err := json.Unmarshal(task.Input, &input); err != nil {
			return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeValidation,
				"decode input for task %s: %s", task.ID, err.Error()).WithTask(task.ID).WithCause(err)
		}
	}

	request := mcp.CallToolRequest{}
	request.Params.Name = a.toolName
	request.Params.Arguments = map[string]any{
		"task_id":  task.ID,
		"input":    input,
		"upstream": upstreamArgument(upstream),
	}

	result, err := a.client.CallTool(ctx, request)
	if err != nil {
		return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeAgentTransient,
			"mcp tool %s call failed: %s", a.toolName, err.Error()).WithTask(task.ID).WithCause(err)
	}
	if result == nil || len(result.Content) == 0 {
		return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeExecution,
			"mcp tool %s returned no content", a.toolName).WithTask(task.ID)
	}
	if result.IsError {
		return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeExecution,
			"mcp tool %s returned an error result: %s", a.toolName, mcp.GetTextFromContent(result.Content[0])).WithTask(task.ID)
	}

	text := mcp.GetTextFromContent(result.Content[0])
	var payload schema.AgentPayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeSchemaViolation,
			"mcp tool %s returned non-payload JSON: %s", a.toolName, err.Error()).WithTask(task.ID).WithCause(err)
	}

	payload.TaskID = task.ID
	return payload, nil
}

func upstreamArgument(upstream map[string]schema.AgentPayload) map[string]any {
	out := make(map[string]any, len(upstream))
	for id, p := range upstream {
		out[id] = p
	}
	return out
}
