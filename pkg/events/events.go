// Package events defines the inbound lead event and the lifecycle events the
// engine publishes for audit and processing hand-off.
package events

import (
	"strings"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
	"github.com/google/uuid"
)

type EventType string

// Topic is the single bus topic all engine events flow through.
const Topic = "dripflow.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Audit events.
	LeadEventReceivedEvent EventType = "lead.event.received"
	ContactEnrolledEvent   EventType = "contact.enrolled"

	// Run lifecycle events.
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"

	// Processing hand-off: asks the ticker to process a flow promptly
	// instead of waiting for the next scheduled tick.
	TickRequestedEvent EventType = "tick.requested"
)

// LeadEvent is an inbound event about a contact: a list subscription, a lead
// creation, a CRM send, or any other signal the trigger matcher understands.
type LeadEvent struct {
	Type      string         `json:"type"       validate:"required"`
	ContactID string         `json:"contact_id" validate:"required"`
	ListID    string         `json:"list_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Normalized returns a copy prepared for matching: the type is lower-cased
// and trimmed, the list ID only trimmed. List IDs are opaque, case-sensitive
// identifiers and must compare by exact equality.
func (e LeadEvent) Normalized() LeadEvent {
	e.Type = models.NormalizeEventType(e.Type)
	e.ListID = strings.TrimSpace(e.ListID)

	return e
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	FlowID    string         `json:"flow_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, flowID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		FlowID:    flowID,
		Metadata:  make(map[string]any),
	}
}

// LeadEventReceived is the audit record of an inbound event and the flows it
// matched. It is published fire-and-forget for observability sinks.
type LeadEventReceived struct {
	BaseEvent

	EventType      string         `json:"lead_event_type"`
	ContactID      string         `json:"contact_id"`
	ListID         string         `json:"list_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	MatchedFlowIDs []string       `json:"matched_flow_ids"`
}

func (e LeadEventReceived) GetType() EventType {
	return LeadEventReceivedEvent
}

// ContactEnrolled records a contact entering a flow.
type ContactEnrolled struct {
	BaseEvent

	ContactID  string `json:"contact_id"`
	RunID      string `json:"run_id"`
	Source     string `json:"source"`
	RunCreated bool   `json:"run_created"`
}

func (e ContactEnrolled) GetType() EventType {
	return ContactEnrolledEvent
}

// RunCompleted records a run reaching the end of its node list.
type RunCompleted struct {
	BaseEvent

	RunID     string `json:"run_id"`
	ContactID string `json:"contact_id"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

// RunFailed records a run stopping after an unrecoverable dispatch error.
type RunFailed struct {
	BaseEvent

	RunID     string `json:"run_id"`
	ContactID string `json:"contact_id"`
	NodeID    string `json:"node_id"`
	Reason    string `json:"reason"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

// TickRequested asks the tick processor to handle a flow's due runs soon.
// Replaces cross-process HTTP kicks with a bus hand-off.
type TickRequested struct {
	BaseEvent

	MaxBatch int `json:"max_batch,omitempty"`
}

func (e TickRequested) GetType() EventType {
	return TickRequestedEvent
}
