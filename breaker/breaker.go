// Package breaker implements a per-agent circuit breaker: an agent that
// fails repeatedly is temporarily excluded from dispatch so a flaky or
// broken agent can't be hammered with retries across an entire run.
package breaker

import (
	"sync"
	"time"

	"github.com/contentdag/core/pkg/schema"
)

// State is the circuit breaker's lifecycle state for a single agent.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // failing, rejecting calls
	HalfOpen              // testing recovery
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior for every agent tracked by a
// Registry.
type Config struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes required
	// in HalfOpen before the circuit fully closes.
	SuccessThreshold int
	// Cooldown is how long the circuit stays Open before allowing a
	// HalfOpen probe.
	Cooldown time.Duration
	// HalfOpenMax bounds the total number of probe requests admitted
	// during one HalfOpen period.
	HalfOpenMax int
}

// DefaultConfig mirrors the thresholds the design was validated
// against: 5 consecutive failures opens the circuit, 2 consecutive
// recovery successes closes it again, with a 60s cooldown. HalfOpenMax
// defaults to SuccessThreshold rather than a fixed 1 — HalfOpen must
// admit at least SuccessThreshold probes, or the last probe needed to
// reach the consecutive-success count is itself rejected and the
// circuit can never close.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
		HalfOpenMax:      2,
	}
}

// FromSchema builds a Config from the orchestrator-wide schema.BreakerConfig.
func FromSchema(c schema.BreakerConfig) Config {
	cfg := DefaultConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
		cfg.HalfOpenMax = c.SuccessThreshold
	}
	if c.Cooldown > 0 {
		cfg.Cooldown = c.Cooldown
	}
	if c.HalfOpenMax > 0 {
		cfg.HalfOpenMax = c.HalfOpenMax
	}
	return cfg
}

type breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccesses int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              Config
}

// Registry manages one circuit breaker per agent ID.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   Config
}

// NewRegistry creates a registry applying config to every agent it
// learns about.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*breaker),
		config:   config,
	}
}

// Allow reports whether a call to agentID is currently permitted. It
// transitions Open->HalfOpen automatically once the cooldown elapses.
func (r *Registry) Allow(agentID string) error {
	b := r.getOrCreate(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil

	case Open:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = HalfOpen
			b.halfOpenAttempts = 1
			b.consecutiveSuccesses = 0
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q: %d consecutive failures", agentID, b.consecutiveFailures).
			WithDetails(map[string]any{
				"agent_id":             agentID,
				"consecutive_failures": b.consecutiveFailures,
				"state":                b.state.String(),
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})

	case HalfOpen:
		if b.halfOpenAttempts >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: max probe requests reached", agentID)
		}
		b.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call. In HalfOpen, the circuit
// only fully closes once SuccessThreshold consecutive successes land;
// in Closed it just resets the failure counter.
func (r *Registry) RecordSuccess(agentID string) State {
	b := r.getOrCreate(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0

	if b.state == HalfOpen {
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = Closed
			b.halfOpenAttempts = 0
			b.consecutiveSuccesses = 0
		}
		return b.state
	}

	b.state = Closed
	return b.state
}

// RecordFailure records a failed call and returns the resulting state.
// Any failure while HalfOpen reopens the circuit immediately.
func (r *Registry) RecordFailure(agentID string) State {
	b := r.getOrCreate(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailureTime = time.Now()

	if b.state == HalfOpen {
		b.state = Open
		return Open
	}

	if b.consecutiveFailures >= b.config.FailureThreshold {
		b.state = Open
		return Open
	}

	return b.state
}

// State returns the current state for an agent, resolving an automatic
// Open->HalfOpen transition if the cooldown has already elapsed.
func (r *Registry) State(agentID string) State {
	b := r.getOrCreate(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = HalfOpen
		b.halfOpenAttempts = 0
		b.consecutiveSuccesses = 0
	}
	return b.state
}

// Stats returns diagnostic information about an agent's breaker.
func (r *Registry) Stats(agentID string) map[string]any {
	b := r.getOrCreate(agentID)
	b.mu.Lock()
	defer b.mu.Unlock()

	return map[string]any{
		"agent_id":             agentID,
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"failure_threshold":    b.config.FailureThreshold,
		"cooldown":             b.config.Cooldown.String(),
	}
}

func (r *Registry) getOrCreate(agentID string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[agentID]
	if !ok {
		b = &breaker{state: Closed, config: r.config}
		r.breakers[agentID] = b
	}
	return b
}
