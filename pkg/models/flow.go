// Package models defines the core domain models for the flow engine.
package models

import "time"

// FlowStatus represents the lifecycle state of a flow definition.
type FlowStatus string

const (
	FlowStatusActive   FlowStatus = "active"   // Matches events, enrolls contacts
	FlowStatusInactive FlowStatus = "inactive" // Ignored by the trigger matcher
)

// Flow represents a flow definition: an ordered node graph a contact moves
// through after enrollment. The engine treats definitions as read-only; edits
// to a live flow while runs are in flight carry no consistency guarantee.
type Flow struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"        validate:"required,min=3"`
	Status     FlowStatus `json:"status"      validate:"required"`
	IsStandard bool       `json:"is_standard"` // System-owned, usable across tenants
	OwnerID    string     `json:"owner_id"`
	Nodes      []*Node    `json:"nodes"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// TriggerNode returns the first trigger node in the flow, or nil when the
// flow has none. Only this node is consulted for matching.
func (f *Flow) TriggerNode() *Node {
	for _, node := range f.Nodes {
		if node.Type == NodeTypeTrigger {
			return node
		}
	}

	return nil
}

// EntryNode returns the node following the first trigger node: the first
// node a newly created run evaluates. Nil when the flow has nothing to run.
func (f *Flow) EntryNode() *Node {
	for i, node := range f.Nodes {
		if node.Type == NodeTypeTrigger {
			if i+1 < len(f.Nodes) {
				return f.Nodes[i+1]
			}

			return nil
		}
	}

	return nil
}

// NodeByID returns the node with the given ID, or nil.
func (f *Flow) NodeByID(id string) *Node {
	for _, node := range f.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// NodeAfter returns the node immediately following the node with the given
// ID, or nil when that node is last. Advancement is strictly sequential.
func (f *Flow) NodeAfter(id string) *Node {
	for i, node := range f.Nodes {
		if node.ID == id {
			if i+1 < len(f.Nodes) {
				return f.Nodes[i+1]
			}

			return nil
		}
	}

	return nil
}
