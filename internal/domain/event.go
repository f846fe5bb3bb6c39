package domain

import (
	"encoding/json"
	"time"
)

// EventType defines the type of transition event.
type EventType string

const (
	// Entity lifecycle events.
	EventEntityCreated   EventType = "ENTITY_CREATED"
	EventStateTransition EventType = "STATE_TRANSITIONED"
	EventCascadeForced   EventType = "CASCADE_FORCED"

	// Consistency events.
	EventDriftDetected EventType = "DRIFT_DETECTED"
)

// TransitionEvent is the fact published after a transition has been
// durably journaled. It mirrors the journal entry so subscribers (billing
// webhooks, notification fan-out) never need to read the journal directly.
type TransitionEvent struct {
	EventID  string    `json:"event_id"`
	Type     EventType `json:"type"`
	EntityID string    `json:"entity_id"`
	Kind     Kind      `json:"kind"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Actor    string    `json:"actor"`
	Seq      uint64    `json:"seq"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// ToJSON converts the event to JSON bytes for outbound delivery.
func (e TransitionEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
