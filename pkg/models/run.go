package models

import "time"

// RunStatus is the state machine for a contact's execution of a flow.
type RunStatus string

const (
	RunStatusActive       RunStatus = "active"        // Eligible for advancement once AvailableAt has passed
	RunStatusWaitingEvent RunStatus = "waiting_event" // Parked until an external signal arrives
	RunStatusCompleted    RunStatus = "completed"
	RunStatusFailed       RunStatus = "failed"
	RunStatusCancelled    RunStatus = "cancelled"
)

// Terminal reports whether the status can never be advanced again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run tracks one contact's position inside one flow. At most one run per
// (flow, contact) may be in a non-terminal state at a time; historical
// terminal runs for the same pair are retained.
type Run struct {
	ID            string         `json:"id"`
	FlowID        string         `json:"flow_id"    validate:"required"`
	ContactID     string         `json:"contact_id" validate:"required"`
	Status        RunStatus      `json:"status"`
	CurrentNodeID *string        `json:"current_node_id"` // Nil means at the trigger, nothing evaluated yet
	AvailableAt   time.Time      `json:"available_at"`
	Context       map[string]any `json:"context,omitempty"` // Trigger payload plus merged signal payloads
	ClaimedBy     *string        `json:"claimed_by,omitempty"`
	ClaimedAt     *time.Time     `json:"claimed_at,omitempty"`
	FailureReason string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Claimed reports whether the run holds a processing claim that is still
// fresh relative to staleBefore. Stale claims are reclaimable so a crashed
// worker cannot lock a run forever.
func (r *Run) Claimed(staleBefore time.Time) bool {
	return r.ClaimedBy != nil && r.ClaimedAt != nil && r.ClaimedAt.After(staleBefore)
}
