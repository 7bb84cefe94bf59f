package sink

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/contentdag/core/pkg/schema"
)

const defaultChannelBuffer = 64

type subscriber struct {
	ch     chan schema.Event
	filter Filter
}

// Memory is an in-memory Sink that also supports live pub/sub
// subscriptions, keyed by a monotonic atomic sequence counter per
// instance. It retains full history per run, bounded only by process
// memory — suitable for tests and single-process deployments, not for
// durable audit trails (see LibSQL for that).
type Memory struct {
	mu      sync.RWMutex
	history map[string][]schema.Event // run ID -> events, append order
	subs    map[uint64]*subscriber
	nextSub uint64
	seq     atomic.Uint64
}

// NewMemory creates an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		history: make(map[string][]schema.Event),
		subs:    make(map[uint64]*subscriber),
	}
}

// Append assigns the next sequence number and stores the event, then
// fans it out to any matching subscribers without blocking — a slow
// subscriber drops events rather than stalling the run.
func (m *Memory) Append(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	event.Sequence = m.seq.Add(1)

	m.mu.Lock()
	m.history[event.RunID] = append(m.history[event.RunID], event)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if !matchFilter(sub.filter, event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
	return nil
}

// Events returns the full recorded history for a run, in append order.
func (m *Memory) Events(ctx context.Context, runID string) ([]schema.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]schema.Event, len(m.history[runID]))
	copy(out, m.history[runID])
	return out, nil
}

// Subscribe opens a live feed of events matching filter. The returned
// cancel func must be called to release the subscription.
func (m *Memory) Subscribe(ctx context.Context, filter Filter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	ch := make(chan schema.Event, defaultChannelBuffer)
	m.subs[id] = &subscriber{ch: ch, filter: filter}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
	return ch, cancel, nil
}

// Close releases all subscriptions. History is discarded with the sink.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
	return nil
}
