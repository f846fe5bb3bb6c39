// Package domain holds the core vocabulary of the workflow engine: entity
// kinds, lifecycle states, relations between entities, and the transition
// events emitted after every accepted state change.
package domain

import "time"

// Kind tags an entity with its workflow family (order, invoice, task, ...).
// The set of kinds is closed per deployment: every kind must be registered
// before the registry is sealed.
type Kind string

// State is a lifecycle state within a kind's workflow.
type State string

// RelationKind classifies a parent/child link.
type RelationKind string

const (
	// RelationComposition cascades: a parent entering a terminal state
	// forces a terminal transition on non-terminal children.
	RelationComposition RelationKind = "composition"

	// RelationReference only validates: the referenced entity must exist
	// and be in a compatible (non-terminal) state at link time.
	RelationReference RelationKind = "reference"
)

// Entity is a domain object with a lifecycle. The engine is the only
// mutator of State; consumers treat Entity values as read models.
type Entity struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Relation is a directed edge between two entities.
type Relation struct {
	ParentID string       `json:"parent_id"`
	ChildID  string       `json:"child_id"`
	Kind     RelationKind `json:"kind"`
}
