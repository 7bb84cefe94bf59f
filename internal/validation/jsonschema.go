package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/contentdag/core/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// dagSchemaJSON is the JSON Schema for a submitted DAGDefinition.
// Embedded as a constant to avoid filesystem dependencies.
const dagSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://contentdag.dev/schemas/dag.json",
  "type": "object",
  "required": ["tasks"],
  "properties": {
    "run_id": { "type": "string" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "task": {
      "type": "object",
      "required": ["id", "agent_id", "role"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "agent_id": { "type": "string", "minLength": 1 },
        "role": {
          "type": "string",
          "enum": ["coordinator", "worker", "validator", "adversarial"]
        },
        "type": {
          "type": "string",
          "enum": ["work", "validation", "adversarial"]
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "input": {},
        "input_schema": {},
        "output_schema": {},
        "retry": { "$ref": "#/$defs/retry" },
        "deadline": { "type": "integer", "minimum": 0 },
        "high_stakes": { "type": "boolean" },
        "high_stakes_expr": { "type": "string" },
        "idempotent": { "type": "boolean" },
        "parallel_hint": {
          "type": "string",
          "enum": ["serial-required", "can-parallelize", "parallel-preferred"]
        },
        "metadata": { "type": "object" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": { "type": "integer", "minimum": 0 },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator implements structural validation of submitted DAGs
// and of the AgentPayload data an agent produces, using JSON Schema Draft
// 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	dagSchema *jsonschema.Schema

	// mu guards the cache and compiler for dynamic per-task schema compilation.
	mu       sync.RWMutex
	compiler *jsonschema.Compiler
	cache    map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the DAG
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(dagSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal dag schema: %w", err)
	}
	if err := c.AddResource("https://contentdag.dev/schemas/dag.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add dag schema resource: %w", err)
	}

	dagSchema, err := c.Compile("https://contentdag.dev/schemas/dag.json")
	if err != nil {
		return nil, fmt.Errorf("compile dag schema: %w", err)
	}

	return &JSONSchemaValidator{
		dagSchema: dagSchema,
		compiler:  newInputCompiler(),
		cache:     make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a DAGDefinition against the DAG JSON Schema
// and rejects duplicate task IDs, which JSON Schema cannot express.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.DAGDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "dag definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize dag definition").WithCause(err)
	}

	if err := v.dagSchema.Validate(doc); err != nil {
		return toCoreError(err)
	}

	seen := make(map[string]struct{}, len(def.Tasks))
	for _, task := range def.Tasks {
		if _, exists := seen[task.ID]; exists {
			return schema.NewError(schema.ErrCodeValidation,
				fmt.Sprintf("duplicate task id %q", task.ID))
		}
		seen[task.ID] = struct{}{}
	}

	return nil
}

// ValidatePayload validates an agent's output data against a task's
// declared output schema, provided as raw JSON Schema bytes. The schema
// is compiled and cached for subsequent calls with the same schema.
func (v *JSONSchemaValidator) ValidatePayload(data map[string]any, outputSchema []byte) error {
	if data == nil {
		return schema.NewError(schema.ErrCodeValidation, "payload data is nil")
	}
	if len(outputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(outputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid output schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize payload data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toCoreError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("contentdag://payload-schema/%d", len(v.cache))

	c := newInputCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newInputCompiler creates a Compiler configured for payload validation.
func newInputCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toCoreError converts a jsonschema.ValidationError into a CoreError with
// clear, actionable messages for agent consumption.
func toCoreError(err error) *schema.CoreError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations for agent-friendly error reporting.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
