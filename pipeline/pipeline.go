// Package pipeline implements the per-task agent execution pipeline: the
// eight-step sequence that wraps a single agent invocation with input
// integrity checking, circuit-breaker admission, retry-with-backoff,
// output validation, hash sealing, confidence propagation, adversarial
// cross-check, and checkpoint sealing. It is the layer that enforces the
// sycophancy, hallucinated-dependency, confidence-collapse, and
// phantom-success guardrails; desynchronization is enforced jointly with
// the checkpoint package's predecessor-hash chain.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/contentdag/core/breaker"
	"github.com/contentdag/core/checkpoint"
	"github.com/contentdag/core/internal/engine"
	"github.com/contentdag/core/internal/expressions"
	"github.com/contentdag/core/internal/validation"
	"github.com/contentdag/core/merkle"
	"github.com/contentdag/core/pkg/schema"
)

// Sink receives observability events for guardrail activations, retries,
// and breaker gating decisions.
type Sink interface {
	Append(ctx context.Context, event schema.Event) error
}

// Pipeline drives a single task through the full eight-step sequence.
// It is stateless across calls except for the breaker, checkpoint
// verifier, and compiled-expression caches it is constructed with, so a
// single Pipeline can back every task in a run (or every run, since none
// of its state is keyed to a run beyond what it is passed explicitly).
type Pipeline struct {
	agents    AgentResolver
	breakers  *breaker.Registry
	verifier  *checkpoint.Verifier
	validator *validation.JSONSchemaValidator
	cel       *expressions.CELEngine
	scorer    *DisagreementScorer
	sink      Sink
	cfg       schema.Config
}

// New creates a Pipeline. verifier, sink, and cel may be nil: a nil
// verifier disables checkpoint sealing, a nil sink disables event
// emission, and a nil cel falls back to the default high-stakes
// role rule with no predicate evaluation.
func New(agents AgentResolver, breakers *breaker.Registry, verifier *checkpoint.Verifier, validator *validation.JSONSchemaValidator, cel *expressions.CELEngine, sink Sink, cfg schema.Config) *Pipeline {
	return &Pipeline{
		agents:    agents,
		breakers:  breakers,
		verifier:  verifier,
		validator: validator,
		cel:       cel,
		scorer:    NewDisagreementScorer(),
		sink:      sink,
		cfg:       cfg,
	}
}

// Execute adapts Run to scheduler.Executor so a Pipeline can be wired
// directly as a Scheduler's task runner. The scheduler threads the real
// runID through rather than letting Execute default it to "" — the
// pipeline is the sole owner of checkpoint sealing (step 8 of Run), and
// sealing under the wrong run's namespace would let two runs that
// happen to name a task the same collide.
func (p *Pipeline) Execute(ctx context.Context, runID string, task *schema.TaskNode, upstream map[string]schema.AgentPayload, depth int) (schema.AgentPayload, error) {
	result, err := p.Run(ctx, runID, task, upstream, depth)
	return result.Payload, err
}

// Run performs the eight-step pipeline for a single task and returns the
// outcome bundle. runID is used only for observability events and the
// checkpoint namespace; an empty runID is fine for single-task use.
func (p *Pipeline) Run(ctx context.Context, runID string, task *schema.TaskNode, upstream map[string]schema.AgentPayload, depth int) (Result, error) {
	var result Result

	// Step 1: input integrity. Every upstream payload must still hash to
	// what it claimed; a mismatch means the state this task would build
	// on has silently changed underneath it.
	if err := verifyInputIntegrity(upstream); err != nil {
		return result, err
	}

	// Step 2: breaker admission.
	if p.breakers != nil {
		if err := p.breakers.Allow(task.AgentID); err != nil {
			return result, err
		}
	}

	// Step 3: invoke with retry-and-backoff.
	payload, err := p.invokeWithRetry(ctx, task, upstream)
	if err != nil {
		if p.breakers != nil {
			p.breakers.RecordFailure(task.AgentID)
		}
		return result, err
	}
	if p.breakers != nil {
		p.breakers.RecordSuccess(task.AgentID)
	}

	// Step 4: output schema validation and phantom-success detection.
	if err := p.validateOutput(task, payload); err != nil {
		return result, err
	}

	// Step 5: output integrity sealing.
	payload.PayloadHash = merkle.Hash(payload.Data)

	// Step 6: confidence propagation.
	confidence := propagateConfidence(upstream, payload.ConfidenceScore, depth, p.decayBase())
	payload.ConfidenceScore = confidence
	if confidence < p.cfg.ConfidenceFloor || depth > p.cfg.ConfidenceChainLimit {
		p.emit(ctx, runID, task.ID, schema.EventGuardrailConfidenceCollapse, nil)
		return result, schema.NewErrorf(schema.ErrCodeConfidenceCollapse,
			"confidence %.3f at depth %d breaches floor %.2f or chain limit %d",
			confidence, depth, p.cfg.ConfidenceFloor, p.cfg.ConfidenceChainLimit).WithTask(task.ID)
	}
	if confidence < p.cfg.MinConfidenceThreshold {
		setRequiresHumanReview(&payload)
	}

	var guardrails []string

	// Step 7: adversarial cross-check, only for high-stakes tasks.
	highStakes, err := isHighStakes(ctx, p.cel, task, payload)
	if err != nil {
		return result, err
	}
	if highStakes {
		flagged, err := p.adversarialCrossCheck(ctx, runID, task, &payload)
		if err != nil {
			return result, err
		}
		if flagged {
			guardrails = append(guardrails, "requires_human_review")
		}
	}

	// Step 8: checkpoint sealing.
	checkpointID, err := p.seal(ctx, runID, task.ID, &payload)
	if err != nil {
		return result, err
	}

	result = Result{
		Payload:      payload,
		Confidence:   confidence,
		CheckpointID: checkpointID,
		Guardrails:   guardrails,
	}
	return result, nil
}

func (p *Pipeline) decayBase() float64 {
	if p.cfg.ConfidenceDepthDecayBase > 0 {
		return p.cfg.ConfidenceDepthDecayBase
	}
	return 0.9
}

// verifyDeclaredDependencies checks that a payload's declared
// Dependencies are a subset of the task's own declared upstream ids —
// an agent cannot claim to have consumed a task it was never given.
func verifyDeclaredDependencies(task *schema.TaskNode, payload schema.AgentPayload) error {
	if len(payload.Dependencies) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		allowed[dep] = true
	}

	for _, dep := range payload.Dependencies {
		if !allowed[dep] {
			return schema.NewErrorf(schema.ErrCodeIntegrityViolation,
				"agent %s declared dependency %q, which is not among task %s's upstream ids",
				task.AgentID, dep, task.ID).WithTask(task.ID)
		}
	}
	return nil
}

// verifyInputIntegrity recomputes each upstream payload's content hash
// and compares it against what that payload declared.
func verifyInputIntegrity(upstream map[string]schema.AgentPayload) error {
	for id, payload := range upstream {
		if payload.PayloadHash == "" {
			continue // seeded/initial payloads are not required to carry a hash
		}
		if merkle.Hash(payload.Data) != payload.PayloadHash {
			return schema.NewErrorf(schema.ErrCodeIntegrityViolation,
				"upstream payload %s hash mismatch", id).WithTask(id)
		}
	}
	return nil
}

// invokeWithRetry resolves the task's agent and invokes it, retrying
// retryable failures with the task's configured backoff (or the
// documented 2s/4s/8s exponential default when the task leaves backoff
// unconfigured) up to its retry budget.
func (p *Pipeline) invokeWithRetry(ctx context.Context, task *schema.TaskNode, upstream map[string]schema.AgentPayload) (schema.AgentPayload, error) {
	agent, err := p.agents.Resolve(task.AgentID)
	if err != nil {
		return schema.AgentPayload{}, err
	}

	retryPolicy := effectiveRetryPolicy(task.Retry)
	maxAttempts := 1
	if retryPolicy != nil {
		maxAttempts = retryPolicy.Max + 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if task.Deadline > 0 {
			callCtx, cancel = context.WithTimeout(ctx, task.Deadline)
		}

		payload, invokeErr := agent.Invoke(callCtx, task, upstream)
		if cancel != nil {
			cancel()
		}
		if invokeErr == nil {
			return payload, nil
		}
		lastErr = invokeErr

		if callCtx.Err() == context.DeadlineExceeded {
			lastErr = schema.NewErrorf(schema.ErrCodeAgentTimeout,
				"agent %s exceeded deadline %s", task.AgentID, task.Deadline).WithTask(task.ID).WithCause(invokeErr)
		}

		if !engine.IsRetryableError(lastErr) || attempt == maxAttempts-1 {
			break
		}

		delay := engine.ComputeBackoff(retryPolicy, attempt)
		if waitErr := engine.WaitForBackoff(ctx, delay); waitErr != nil {
			return schema.AgentPayload{}, waitErr
		}
	}

	return schema.AgentPayload{}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"agent %s exhausted retries: %s", task.AgentID, lastErr.Error()).WithTask(task.ID).WithCause(lastErr)
}

// effectiveRetryPolicy fills in the documented default backoff schedule
// (2s, 4s, 8s, exponential) when a task declares a retry budget but no
// explicit delay.
func effectiveRetryPolicy(policy *schema.RetryPolicy) *schema.RetryPolicy {
	if policy == nil {
		return nil
	}
	if policy.Delay != "" {
		return policy
	}
	return &schema.RetryPolicy{
		Max:      policy.Max,
		Backoff:  "exponential",
		Delay:    "2s",
		MaxDelay: "8s",
	}
}

// validateOutput enforces the phantom-success guardrail (an agent must
// explicitly assert success, not just return without error), the
// declared-dependencies guardrail (a payload may only claim to have
// consumed task ids the task itself actually depends on), and, when the
// task declares one, the output JSON Schema.
func (p *Pipeline) validateOutput(task *schema.TaskNode, payload schema.AgentPayload) error {
	if payload.SuccessIndicator == nil || !*payload.SuccessIndicator {
		return schema.NewErrorf(schema.ErrCodePhantomSuccess,
			"agent %s returned without asserting success_indicator", task.AgentID).WithTask(task.ID)
	}

	if err := verifyDeclaredDependencies(task, payload); err != nil {
		return err
	}

	if len(task.OutputSchema) == 0 || p.validator == nil {
		return nil
	}

	var data map[string]any
	if err := json.Unmarshal(payload.Data, &data); err != nil {
		return schema.NewErrorf(schema.ErrCodeSchemaViolation,
			"output payload is not a JSON object: %s", err.Error()).WithTask(task.ID).WithCause(err)
	}

	if err := p.validator.ValidatePayload(data, task.OutputSchema); err != nil {
		if coreErr, ok := err.(*schema.CoreError); ok {
			coreErr.Code = schema.ErrCodeSchemaViolation
			return coreErr
		}
		return err
	}
	return nil
}

// adversarialCrossCheck dispatches the task's configured adversary
// (task.Metadata["adversary_agent_id"]) against the primary payload,
// scores their disagreement, and either flags the payload for human
// review or fails with SYCOPHANCY_SUSPECTED when the adversary rubber-
// stamped the result without independent reasoning. Returns true when
// the payload was flagged. A task with no configured adversary is left
// unchecked: isHighStakes already gated on role or predicate, but the
// cross-check itself needs to know who to dispatch to.
func (p *Pipeline) adversarialCrossCheck(ctx context.Context, runID string, task *schema.TaskNode, payload *schema.AgentPayload) (bool, error) {
	adversaryID, _ := task.Metadata["adversary_agent_id"].(string)
	if adversaryID == "" {
		return false, nil
	}

	agent, err := p.agents.Resolve(adversaryID)
	if err != nil {
		return false, err
	}

	adversarial, err := agent.Invoke(ctx, task, map[string]schema.AgentPayload{task.ID: *payload})
	if err != nil {
		return false, err
	}

	threshold := p.cfg.DisagreementThreshold
	if threshold <= 0 {
		threshold = 0.3
	}

	score, err := p.scorer.Score(ctx, *payload, adversarial)
	if err != nil {
		return false, err
	}

	if score <= threshold && adversarial.ReasoningTrace == "" {
		p.emit(ctx, runID, task.ID, schema.EventGuardrailSycophancySuspected, nil)
		return false, schema.NewErrorf(schema.ErrCodeSycophancySuspected,
			"adversary %s agreed (disagreement %.3f) without an independent reasoning trace", adversaryID, score).WithTask(task.ID)
	}

	if score > threshold {
		p.emit(ctx, runID, task.ID, schema.EventHumanReviewRequired, nil)
		setRequiresHumanReview(payload)
		return true, nil
	}

	return false, nil
}

func setRequiresHumanReview(payload *schema.AgentPayload) {
	if payload.Metadata == nil {
		payload.Metadata = map[string]any{}
	}
	payload.Metadata["requires_human_review"] = true
}

// seal checkpoints the task's final payload, chaining it to the run's
// most recently sealed checkpoint, and stamps the payload's own
// predecessor/state-checkpoint hashes so a later desynchronization check
// can be done from the payload alone, without consulting the verifier.
func (p *Pipeline) seal(ctx context.Context, runID, taskID string, payload *schema.AgentPayload) (string, error) {
	if p.verifier == nil {
		return "", nil
	}

	var previousID string
	if prev := p.verifier.Latest(runID); prev != nil {
		previousID = prev.ID
	}

	cp, err := p.verifier.Create(ctx, runID, taskID, map[string]any{"payload": payload}, previousID)
	if err != nil {
		return "", err
	}

	payload.PredecessorHash = cp.PreviousCheckpointHash
	payload.StateCheckpointHash = cp.StateHash
	return cp.ID, nil
}

func (p *Pipeline) emit(ctx context.Context, runID, taskID, eventType string, payload json.RawMessage) {
	if p.sink == nil {
		return
	}
	_ = p.sink.Append(ctx, schema.Event{
		RunID:     runID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}
