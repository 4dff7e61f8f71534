package events

import "time"

// EventType identifies the type of event
type EventType string

const (
	// Timeline events
	TimelineAppended  EventType = "timeline.appended"
	TimelineUpdated   EventType = "timeline.updated"
	TimelineFinalized EventType = "timeline.finalized"
	TimelineDiscarded EventType = "timeline.discarded"
	TimelineReplaced  EventType = "timeline.replaced"

	// Session list events
	SessionUpserted EventType = "session.upserted"
	SessionRemoved  EventType = "session.removed"
	SessionListSync EventType = "session.list.sync"

	// Playback events
	PlaybackStateChanged EventType = "playback.state.changed"
)

// Event is one delivery from a Broker.
type Event[T any] struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

// EventFilter selects events by type and session without touching the payload.
type EventFilter func(eventType EventType, sessionID string) bool

// PublishOption adjusts a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	sessionID string
}

// WithSessionID tags the event with the conversation it belongs to.
func WithSessionID(sessionID string) PublishOption {
	return func(opts *publishOptions) {
		opts.sessionID = sessionID
	}
}

// FilterByType creates a filter for specific event types
func FilterByType(eventTypes ...EventType) EventFilter {
	wanted := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}
	return func(eventType EventType, _ string) bool {
		return wanted[eventType]
	}
}

// FilterBySessionID creates a filter for specific session ID
func FilterBySessionID(sessionID string) EventFilter {
	return func(_ EventType, id string) bool {
		return id == sessionID
	}
}
