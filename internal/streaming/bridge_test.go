package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanpulse/conductor/internal/store"
	"github.com/urbanpulse/conductor/pkg/schema"
)

// memorySink records appended events without a database.
type memorySink struct {
	events []*store.Event
	fail   error
}

func (s *memorySink) AppendEvent(ctx context.Context, event *store.Event) error {
	if s.fail != nil {
		return s.fail
	}
	event.Sequence = int64(len(s.events) + 1)
	s.events = append(s.events, event)
	return nil
}

func (s *memorySink) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	var out []*store.Event
	for _, e := range s.events {
		if e.RunID == runID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBridgePersistsAndPublishes(t *testing.T) {
	hub := NewMemoryHub()
	sink := &memorySink{}
	bridge := NewLogBridge(sink, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{RunID: "run-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, bridge.AppendEvent(ctx, &store.Event{
		RunID:   "run-1",
		Phase:   "collect",
		AgentID: "sensors",
		Type:    schema.EventAgentSucceeded,
		Payload: json.RawMessage(`{"flow":118}`),
	}))

	require.Len(t, sink.events, 1)

	select {
	case got := <-ch:
		assert.Equal(t, "run-1", got.RunID)
		assert.Equal(t, "collect", got.Phase)
		assert.Equal(t, "sensors", got.AgentID)
		assert.Equal(t, schema.EventAgentSucceeded, got.EventType)
		assert.JSONEq(t, `{"flow":118}`, string(got.Payload))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBridgeSkipsPublishOnPersistFailure(t *testing.T) {
	hub := NewMemoryHub()
	sink := &memorySink{fail: schema.NewError(schema.ErrCodeExecution, "disk full")}
	bridge := NewLogBridge(sink, hub)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	err = bridge.AppendEvent(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunStarted})
	require.Error(t, err)

	select {
	case evt := <-ch:
		t.Fatalf("event published despite persist failure: %+v", evt)
	case <-time.After(50 * time.Millisecond):
		// expected
	}
}

func TestBridgeGetEventsPassthrough(t *testing.T) {
	hub := NewMemoryHub()
	sink := &memorySink{}
	bridge := NewLogBridge(sink, hub)
	ctx := context.Background()

	require.NoError(t, bridge.AppendEvent(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunStarted}))
	require.NoError(t, bridge.AppendEvent(ctx, &store.Event{RunID: "run-1", Type: schema.EventRunSucceeded}))
	require.NoError(t, bridge.AppendEvent(ctx, &store.Event{RunID: "run-2", Type: schema.EventRunStarted}))

	events, err := bridge.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.EventRunStarted, events[0].Type)
	assert.Equal(t, schema.EventRunSucceeded, events[1].Type)
}
