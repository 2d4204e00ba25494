// Package web provides HTTP request and response types for the flow API.
package web

import "github.com/dripflow/dripflow/pkg/models"

// IngestEventRequest is an inbound lead event. Untyped events are rejected
// here; downstream matching assumes a normalized, non-empty type.
type IngestEventRequest struct {
	Type      string         `json:"type"       validate:"required"`
	ContactID string         `json:"contact_id" validate:"required"`
	ListID    string         `json:"list_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EnrollRequest forces a contact into one flow, bypassing trigger matching.
type EnrollRequest struct {
	ContactID string         `json:"contact_id" validate:"required"`
	FlowID    string         `json:"flow_id"    validate:"required"`
	Source    string         `json:"source,omitempty" validate:"omitempty,oneof=event manual list_import"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TickRequest triggers one processing pass over due runs.
type TickRequest struct {
	FlowID   string `json:"flow_id,omitempty"`
	MaxBatch int    `json:"max_batch,omitempty" validate:"omitempty,min=1,max=1000"`
}

// CreateFlowRequest is the request body for creating a flow definition.
// Nodes are validated structurally on save; per-type data is validated when
// the node is parsed.
type CreateFlowRequest struct {
	Name       string         `json:"name"    validate:"required,min=3"`
	Status     string         `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	IsStandard bool           `json:"is_standard"`
	OwnerID    string         `json:"owner_id"`
	Nodes      []*models.Node `json:"nodes"   validate:"dive"`
}

// UpdateFlowRequest replaces a flow definition. All fields are optional to
// support partial updates.
type UpdateFlowRequest struct {
	Name   *string        `json:"name,omitempty"   validate:"omitempty,min=3"`
	Status *string        `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	Nodes  []*models.Node `json:"nodes,omitempty"  validate:"omitempty,dive"`
}
