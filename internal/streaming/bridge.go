package streaming

import (
	"context"

	"github.com/urbanpulse/conductor/internal/store"
)

// EventSink is the slice of the event log the bridge wraps.
// Satisfied by *store.EventLog.
type EventSink interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
}

// LogBridge tees appended events into an EventHub so live subscribers see
// them as they are persisted. It satisfies the executor's event logger
// interface, so it drops in wherever *store.EventLog does.
type LogBridge struct {
	inner EventSink
	hub   EventHub
}

// NewLogBridge wraps an event sink with hub publication.
func NewLogBridge(inner EventSink, hub EventHub) *LogBridge {
	return &LogBridge{inner: inner, hub: hub}
}

// AppendEvent persists the event, then publishes it. Events that fail to
// persist are not published; publication itself is best-effort.
func (b *LogBridge) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := b.inner.AppendEvent(ctx, event); err != nil {
		return err
	}
	_ = b.hub.Publish(ctx, StreamEvent{
		RunID:     event.RunID,
		Phase:     event.Phase,
		AgentID:   event.AgentID,
		EventType: event.Type,
		Payload:   event.Payload,
	})
	return nil
}

func (b *LogBridge) GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return b.inner.GetEvents(ctx, runID, since)
}
