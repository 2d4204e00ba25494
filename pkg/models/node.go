package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// NodeType classifies the nodes a flow is built from.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeAction    NodeType = "action"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeCondition NodeType = "condition"
)

// Built-in trigger types. Unknown trigger types still round-trip through the
// matcher as plain string equality.
const (
	TriggerListSubscribed = "list_subscribed"
	TriggerLeadCreated    = "lead_created"
	TriggerCRMSent        = "crm_sent"
)

// ErrMalformedNode indicates node data that does not satisfy the schema for
// its node type. Callers treat this as a per-flow soft failure during
// matching and as a hard failure for an already-enrolled run.
var ErrMalformedNode = errors.New("malformed node data")

// Node is a single element of a flow's node graph. Data carries type-specific
// fields and is only interpreted through the typed accessors below, so
// malformed data is caught at the parse boundary instead of propagating.
type Node struct {
	ID   string         `json:"id"   validate:"required"`
	Type NodeType       `json:"type" validate:"required,oneof=trigger action delay condition"`
	Name string         `json:"name"`
	Data map[string]any `json:"data"`
}

// TriggerSpec is the parsed view of a trigger node.
type TriggerSpec struct {
	TriggerType string // Normalized: lower-cased, trimmed
	ListID      string // Trimmed only; list IDs are case-sensitive
}

// ActionSpec is the parsed view of an action node. Channel selects the
// dispatcher; the engine does not interpret Kind or Config beyond routing.
type ActionSpec struct {
	Kind       string
	Channel    string
	TemplateID string
	Config     map[string]any
}

// DelaySpec is the parsed view of a delay node.
type DelaySpec struct {
	Duration time.Duration
}

// ConditionSpec is the parsed view of a condition node. A non-empty WaitFor
// parks the run in waiting_event until an event of that type arrives for the
// contact; Expression is then evaluated over the run context.
type ConditionSpec struct {
	Expression string
	WaitFor    string // Normalized event type, empty when the condition is immediate
}

var (
	triggerSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {
			"trigger_type": {"type": "string", "minLength": 1},
			"list_id": {"type": "string"}
		},
		"required": ["trigger_type"]
	}`)

	actionSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {
			"kind": {"type": "string", "minLength": 1},
			"channel": {"type": "string"},
			"template_id": {"type": "string"},
			"config": {"type": "object"}
		},
		"required": ["kind"]
	}`)

	delaySchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {
			"duration": {"type": "number", "minimum": 0},
			"unit": {"type": "string", "enum": ["minutes", "hours", "days"]}
		},
		"required": ["duration", "unit"]
	}`)

	conditionSchema = gojsonschema.NewStringLoader(`{
		"type": "object",
		"properties": {
			"expression": {"type": "string"},
			"wait_for": {"type": "string"}
		}
	}`)
)

func (n *Node) validateData(schema gojsonschema.JSONLoader, want NodeType) error {
	if n.Type != want {
		return fmt.Errorf("%w: node %s is %s, not %s", ErrMalformedNode, n.ID, n.Type, want)
	}

	if n.Data == nil {
		return fmt.Errorf("%w: node %s has no data", ErrMalformedNode, n.ID)
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(n.Data))
	if err != nil {
		return fmt.Errorf("%w: node %s: %s", ErrMalformedNode, n.ID, err.Error())
	}

	if !result.Valid() {
		return fmt.Errorf("%w: node %s: %s", ErrMalformedNode, n.ID, result.Errors()[0].String())
	}

	return nil
}

// Trigger parses the node as a trigger node, normalizing the trigger type.
func (n *Node) Trigger() (*TriggerSpec, error) {
	if err := n.validateData(triggerSchema, NodeTypeTrigger); err != nil {
		return nil, err
	}

	triggerType, _ := n.Data["trigger_type"].(string)
	listID, _ := n.Data["list_id"].(string)

	return &TriggerSpec{
		TriggerType: NormalizeEventType(triggerType),
		ListID:      strings.TrimSpace(listID),
	}, nil
}

// Action parses the node as an action node. Channel defaults to "log".
func (n *Node) Action() (*ActionSpec, error) {
	if err := n.validateData(actionSchema, NodeTypeAction); err != nil {
		return nil, err
	}

	kind, _ := n.Data["kind"].(string)
	channel, _ := n.Data["channel"].(string)
	templateID, _ := n.Data["template_id"].(string)
	config, _ := n.Data["config"].(map[string]any)

	if channel == "" {
		channel = "log"
	}

	return &ActionSpec{
		Kind:       kind,
		Channel:    channel,
		TemplateID: templateID,
		Config:     config,
	}, nil
}

// Delay parses the node as a delay node, resolving duration and unit into a
// time.Duration.
func (n *Node) Delay() (*DelaySpec, error) {
	if err := n.validateData(delaySchema, NodeTypeDelay); err != nil {
		return nil, err
	}

	value, ok := n.Data["duration"].(float64)
	if !ok {
		if intValue, isInt := n.Data["duration"].(int); isInt {
			value, ok = float64(intValue), true
		}
	}

	if !ok {
		return nil, fmt.Errorf("%w: node %s: duration is not numeric", ErrMalformedNode, n.ID)
	}

	unit, _ := n.Data["unit"].(string)

	var base time.Duration

	switch unit {
	case "minutes":
		base = time.Minute
	case "hours":
		base = time.Hour
	case "days":
		base = 24 * time.Hour
	default:
		return nil, fmt.Errorf("%w: node %s: unknown delay unit %q", ErrMalformedNode, n.ID, unit)
	}

	return &DelaySpec{Duration: time.Duration(value * float64(base))}, nil
}

// Condition parses the node as a condition node.
func (n *Node) Condition() (*ConditionSpec, error) {
	if err := n.validateData(conditionSchema, NodeTypeCondition); err != nil {
		return nil, err
	}

	expression, _ := n.Data["expression"].(string)
	waitFor, _ := n.Data["wait_for"].(string)

	return &ConditionSpec{
		Expression: strings.TrimSpace(expression),
		WaitFor:    NormalizeEventType(waitFor),
	}, nil
}

// NormalizeEventType lower-cases and trims an event or trigger type so that
// matching is insensitive to formatting differences at the boundary.
func NormalizeEventType(eventType string) string {
	return strings.ToLower(strings.TrimSpace(eventType))
}
