package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/contentdag/core/internal/expressions"
	"github.com/contentdag/core/pkg/schema"
)

// DisagreementScorer computes how strongly a primary and an adversarial
// payload diverge, in [0,1]: a Jaccard-style token overlap term and a
// risk-count term pulled from the adversary's flagged risks, combined by
// a configurable expression.
type DisagreementScorer struct {
	gojq *expressions.GoJQEngine
	expr *expressions.ExprEngine

	// CombineExpr is the expr-lang/expr expression combining
	// textDisagreement and riskCountNormalized into the final score.
	CombineExpr string
	// RiskCeiling normalizes the adversary's flagged risk count; counts
	// at or above this many risks saturate to 1.0.
	RiskCeiling int
}

// NewDisagreementScorer creates a scorer using the documented default
// weighting of 0.7 on textual disagreement and 0.3 on risk count.
func NewDisagreementScorer() *DisagreementScorer {
	return &DisagreementScorer{
		gojq:        expressions.NewGoJQEngine(),
		expr:        expressions.NewExprEngine(),
		CombineExpr: "0.7*textDisagreement + 0.3*riskCountNormalized",
		RiskCeiling: 5,
	}
}

// Score returns the disagreement between primary and adversarial in [0,1].
func (d *DisagreementScorer) Score(ctx context.Context, primary, adversarial schema.AgentPayload) (float64, error) {
	textDisagreement := 1 - textOverlap(primary.Data, adversarial.Data)

	riskCount, err := d.riskCount(ctx, adversarial)
	if err != nil {
		return 0, err
	}

	ceiling := d.RiskCeiling
	if ceiling <= 0 {
		ceiling = 5
	}
	riskCountNormalized := float64(riskCount) / float64(ceiling)
	if riskCountNormalized > 1 {
		riskCountNormalized = 1
	}

	out, err := d.expr.Evaluate(ctx, d.CombineExpr, map[string]any{
		"textDisagreement":    textDisagreement,
		"riskCountNormalized": riskCountNormalized,
	})
	if err != nil {
		return 0, err
	}

	score, ok := toFloat(out)
	if !ok {
		return 0, schema.NewError(schema.ErrCodeExecution, "disagreement combination expression did not evaluate to a number")
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func (d *DisagreementScorer) riskCount(ctx context.Context, adversarial schema.AgentPayload) (int, error) {
	out, err := d.gojq.Evaluate(ctx, ".metadata.risks | length", map[string]any{
		"metadata": adversarial.Metadata,
	})
	if err != nil {
		return 0, err
	}
	n, _ := toFloat(out)
	return int(n), nil
}

// textOverlap computes the Jaccard similarity between the lowercased
// word sets found anywhere in two JSON payload bodies. Two payloads with
// no extractable text are treated as fully overlapping, since there is
// nothing to disagree about.
func textOverlap(a, b json.RawMessage) float64 {
	tokensA := tokenSet(a)
	tokensB := tokenSet(b)

	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	intersection := 0
	for t := range tokensA {
		if tokensB[t] {
			intersection++
		}
	}
	union := len(tokensA) + len(tokensB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

func tokenSet(raw json.RawMessage) map[string]bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	set := make(map[string]bool)
	collectTokens(v, set)
	return set
}

func collectTokens(v any, set map[string]bool) {
	switch t := v.(type) {
	case string:
		for _, tok := range strings.Fields(strings.ToLower(t)) {
			set[tok] = true
		}
	case map[string]any:
		for _, val := range t {
			collectTokens(val, set)
		}
	case []any:
		for _, val := range t {
			collectTokens(val, set)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
