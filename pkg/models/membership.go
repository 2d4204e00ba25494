package models

import "time"

// MembershipSource records how a contact ended up in a flow.
type MembershipSource string

const (
	MembershipSourceEvent      MembershipSource = "event"
	MembershipSourceManual     MembershipSource = "manual"
	MembershipSourceListImport MembershipSource = "list_import"
)

// MembershipStatus represents the state of a contact's membership in a flow.
type MembershipStatus string

const (
	MembershipStatusActive  MembershipStatus = "active"
	MembershipStatusRemoved MembershipStatus = "removed"
)

// Membership records that a contact belongs to a flow. At most one row exists
// per (flow, contact); inserts are idempotent and the engine never hard-deletes.
type Membership struct {
	ID        string           `json:"id"`
	FlowID    string           `json:"flow_id"    validate:"required"`
	ContactID string           `json:"contact_id" validate:"required"`
	Source    MembershipSource `json:"source"`
	Status    MembershipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}
