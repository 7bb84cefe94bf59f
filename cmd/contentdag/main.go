package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/contentdag/core/agentkit"
	"github.com/contentdag/core/internal/config"
	"github.com/contentdag/core/orchestrator"
	"github.com/contentdag/core/pipeline"
	"github.com/contentdag/core/pkg/schema"
)

// This binary wires a three-stage run — generate, validate, review — over
// agentkit.Func stand-ins, so the pieces an embedder would otherwise have
// to assemble themselves (registry, orchestrator, DAG) are visible end to
// end in one place.
func main() {
	agents := pipeline.NewRegistry()
	agents.Register("generator", agentkit.NewFunc("generator", generate))
	agents.Register("validator", agentkit.NewFunc("validator", validate))
	agents.Register("reviewer", agentkit.NewFunc("reviewer", review))

	cfg := schema.DefaultConfig()
	if path := os.Getenv("CONTENTDAG_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load config:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	o, err := orchestrator.New(cfg, agents, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "wire orchestrator:", err)
		os.Exit(1)
	}

	nodes := []schema.TaskNode{
		{
			ID:      "draft",
			AgentID: "generator",
			Role:    schema.RoleWorker,
			Type:    schema.TaskTypeWork,
			Input:   json.RawMessage(`{"topic":"distributed checkpointing"}`),
		},
		{
			ID:        "validate",
			AgentID:   "validator",
			Role:      schema.RoleValidator,
			Type:      schema.TaskTypeValidation,
			DependsOn: []string{"draft"},
		},
		{
			ID:        "adversarial-review",
			AgentID:   "reviewer",
			Role:      schema.RoleAdversarial,
			Type:      schema.TaskTypeAdversarial,
			DependsOn: []string{"draft"},
		},
	}

	run, err := o.Submit(nodes, nil, orchestrator.RunOptions{})
	if err != nil {
		fmt.Fprintln(os.Stderr, "submit run:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := o.Run(ctx, run)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run failed:", err)
		os.Exit(1)
	}

	slog.Info("run finished", "run_id", result.RunID, "status", result.Status, "task_count", len(result.Payloads))
	for id, payload := range result.Payloads {
		fmt.Printf("%s [%s]: %s (confidence %.2f)\n", id, payload.AgentID, string(payload.Data), payload.ConfidenceScore)
	}
}

func generate(ctx context.Context, input map[string]any, upstream map[string]schema.AgentPayload) (map[string]any, float64, error) {
	topic, _ := input["topic"].(string)
	return map[string]any{"text": fmt.Sprintf("a draft about %s", topic)}, 0.8, nil
}

func validate(ctx context.Context, input map[string]any, upstream map[string]schema.AgentPayload) (map[string]any, float64, error) {
	draft, ok := upstream["draft"]
	if !ok {
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation, "validator invoked without a draft upstream")
	}
	return map[string]any{"checked": string(draft.Data), "valid": true}, 0.9, nil
}

func review(ctx context.Context, input map[string]any, upstream map[string]schema.AgentPayload) (map[string]any, float64, error) {
	draft, ok := upstream["draft"]
	if !ok {
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation, "reviewer invoked without a draft upstream")
	}
	return map[string]any{"critique": "no contradictions found", "reviewed": string(draft.Data)}, 0.7, nil
}
