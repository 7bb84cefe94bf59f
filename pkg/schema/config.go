package schema

import "time"

// Config holds the tunables governing guardrail thresholds, checkpoint
// TTL, and concurrency limits for an orchestrator instance. It is
// typically loaded from YAML via config.Load and passed to
// orchestrator.New.
type Config struct {
	// MaxConcurrency bounds the number of tasks dispatched at once within
	// a single DAG level.
	MaxConcurrency int `yaml:"max_concurrency"`

	// CheckpointTTL is how long a state checkpoint remains VALID before a
	// Verify call reports EXPIRED and forces a refresh.
	CheckpointTTL time.Duration `yaml:"checkpoint_ttl"`

	// MaxCheckpoints bounds how many checkpoints the verifier retains in
	// total across all runs; expired checkpoints are evicted first, then
	// the oldest ones beyond this limit.
	MaxCheckpoints int `yaml:"max_checkpoints"`

	// DisagreementThreshold is the disagreement score above which an
	// adversarial review flags the payload requires_human_review; a score
	// at or below it from an adversary with an empty reasoning trace
	// triggers SYCOPHANCY_SUSPECTED.
	DisagreementThreshold float64 `yaml:"disagreement_threshold"`

	// MinConfidenceThreshold is the confidence score below which a task
	// that otherwise succeeded still gets flagged requires_human_review,
	// without going as far as CONFIDENCE_COLLAPSE.
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`

	// ConfidenceFloor is the propagated-confidence threshold below which
	// a task fails outright with CONFIDENCE_COLLAPSE.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// ConfidenceChainLimit is the maximum chain depth before confidence
	// decay alone forces CONFIDENCE_COLLAPSE regardless of score.
	ConfidenceChainLimit int `yaml:"confidence_chain_limit"`

	// ConfidenceDepthDecayBase is the per-level multiplicative decay
	// applied to confidence as it propagates down the DAG.
	ConfidenceDepthDecayBase float64 `yaml:"confidence_depth_decay_base"`

	// Breaker configures the per-agent circuit breaker.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the per-agent circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// DefaultConfig returns the configuration used when none is supplied,
// matching the thresholds the design was validated against.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:           8,
		CheckpointTTL:            5 * time.Minute,
		MaxCheckpoints:           1000,
		DisagreementThreshold:    0.3,
		MinConfidenceThreshold:   0.65,
		ConfidenceFloor:          0.5,
		ConfidenceChainLimit:     3,
		ConfidenceDepthDecayBase: 0.9,
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Cooldown:         60 * time.Second,
			// HalfOpenMax must admit at least SuccessThreshold probes, or
			// the last probe needed to close the circuit is itself rejected.
			HalfOpenMax: 2,
		},
	}
}
