package validation

import "github.com/contentdag/core/pkg/schema"

// DAGValidator orchestrates the two-stage validation pipeline a submitted
// run goes through before scheduling:
//  1. Structural (JSON Schema) — shape, required fields, enums.
//  2. Graph (hallucinated dependencies, cycles, reachability).
type DAGValidator struct {
	jsonSchema *JSONSchemaValidator
}

// NewDAGValidator creates a DAGValidator.
func NewDAGValidator() (*DAGValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DAGValidator{jsonSchema: jsv}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: graph analysis is skipped, since a
// structurally invalid DAG can't be meaningfully walked.
func (dv *DAGValidator) Validate(def *schema.DAGDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "dag definition is nil")
		return r
	}

	result := validateStructural(dv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateDAG(def))
	return result
}

// ValidateDefinition satisfies the Validator interface.
func (dv *DAGValidator) ValidateDefinition(def *schema.DAGDefinition) error {
	return dv.Validate(def).ToError()
}

// ValidatePayload delegates to the underlying JSONSchemaValidator.
func (dv *DAGValidator) ValidatePayload(data map[string]any, outputSchema []byte) error {
	return dv.jsonSchema.ValidatePayload(data, outputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult so it can be merged with the
// graph-analysis stage.
func validateStructural(v *JSONSchemaValidator, def *schema.DAGDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	coreErr, ok := err.(*schema.CoreError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if coreErr.Details != nil {
		if violations, ok := coreErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, coreErr.Message)
	return result
}
