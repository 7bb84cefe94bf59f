// Package sink provides pluggable observability-event storage for the
// orchestrator: every task-state transition, checkpoint creation, and
// guardrail activation is appended to a Sink with a monotonically
// increasing per-run sequence number.
package sink

import (
	"context"

	"github.com/contentdag/core/pkg/schema"
)

// Sink receives observability events appended during a run. Append must
// assign Event.Sequence itself, monotonically increasing per RunID.
type Sink interface {
	Append(ctx context.Context, event schema.Event) error
	Events(ctx context.Context, runID string) ([]schema.Event, error)
	Close() error
}

// Filter narrows a Subscribe call to a run and/or a set of event types.
type Filter struct {
	RunID      string
	EventTypes []string
}

func matchFilter(f Filter, e schema.Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
