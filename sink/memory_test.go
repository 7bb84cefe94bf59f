package sink

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentdag/core/pkg/schema"
)

func TestMemory_AppendAssignsSequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Append(ctx, schema.Event{RunID: "run-1", Type: schema.EventTaskStarted}))
	require.NoError(t, m.Append(ctx, schema.Event{RunID: "run-1", Type: schema.EventTaskCompleted}))

	events, err := m.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[0].Sequence)
	assert.Equal(t, uint64(2), events[1].Sequence)
}

func TestMemory_SubscribeReceivesMatchingEvents(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, Filter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, m.Append(ctx, schema.Event{RunID: "run-1", Type: schema.EventTaskStarted}))
	require.NoError(t, m.Append(ctx, schema.Event{RunID: "run-2", Type: schema.EventTaskStarted}))

	select {
	case e := <-ch:
		assert.Equal(t, "run-1", e.RunID)
	case <-time.After(time.Second):
		t.Fatal("expected an event on the subscription channel")
	}

	select {
	case e := <-ch:
		t.Fatalf("unexpected event from unrelated run: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMemory_CancelStopsDelivery(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ch, cancel, err := m.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, m.Append(ctx, schema.Event{RunID: "run-1", Type: schema.EventTaskStarted}))

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed or empty after cancel")
	case <-time.After(20 * time.Millisecond):
	}
}
