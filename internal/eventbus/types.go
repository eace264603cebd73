package eventbus

import "time"

// EventType is a stable event name surfaced by the core. These names are
// part of the operational contract; log scrapers key on them.
type EventType string

const (
	// Observation and ledger events.
	EventTopicCreated       EventType = "topic_created"
	EventSalienceEarned     EventType = "salience_earned"
	EventSalienceSpent      EventType = "salience_spent"
	EventDecayApplied       EventType = "decay_applied"
	EventSalienceReset      EventType = "salience_reset"
	EventGlobalWarmed       EventType = "global_warmed"
	EventMessageObserved    EventType = "message_observed"
	EventMessageDeleted     EventType = "message_deleted"
	EventReactionRemoved    EventType = "reaction_removed"

	// Reflection events.
	EventLayerTriggered     EventType = "layer_triggered"
	EventLayerRunCompleted  EventType = "layer_run_completed"
	EventLayerRunFailed     EventType = "layer_run_failed"
	EventInsightStored      EventType = "insight_stored"
	EventParseFallback      EventType = "parse_fallback"
	EventTruncationApplied  EventType = "truncation_applied"
	EventSelfConceptUpdated EventType = "self_concept_updated"

	// Model client events.
	EventModelCallFailed EventType = "model_call_failed"
	EventModelRetried    EventType = "model_retried"
)

// Event is one structured core event.
type Event struct {
	Type   EventType
	At     time.Time
	Fields map[string]any
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, fields map[string]any) *Event {
	return &Event{Type: t, At: time.Now().UTC(), Fields: fields}
}
