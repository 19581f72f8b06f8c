package streaming

import (
	"context"
	"encoding/json"
)

// StreamEvent is a real-time event emitted while a run executes.
type StreamEvent struct {
	RunID     string          `json:"run_id"`
	Phase     string          `json:"phase,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
