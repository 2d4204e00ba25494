// Package dispatch routes action nodes to delivery transports. The engine
// only cares about success or failure; message content and transport are
// collaborator concerns.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/dripflow/dripflow/pkg/models"
)

// Envelope is the payload handed to a transport for one action dispatch.
type Envelope struct {
	RunID      string         `json:"run_id"`
	FlowID     string         `json:"flow_id"`
	ContactID  string         `json:"contact_id"`
	Kind       string         `json:"kind"`
	TemplateID string         `json:"template_id,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// NewEnvelope builds the dispatch payload for an action within a run.
func NewEnvelope(run *models.Run, action *models.ActionSpec) Envelope {
	return Envelope{
		RunID:      run.ID,
		FlowID:     run.FlowID,
		ContactID:  run.ContactID,
		Kind:       action.Kind,
		TemplateID: action.TemplateID,
		Config:     action.Config,
		Context:    run.Context,
		Timestamp:  time.Now().UTC(),
	}
}

// Dispatcher performs the side effect of one action node.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *models.Run, action *models.ActionSpec) error
}

// Registry routes dispatches by the action's channel.
type Registry struct {
	dispatchers map[string]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{
		dispatchers: make(map[string]Dispatcher),
	}
}

func (r *Registry) Register(channel string, dispatcher Dispatcher) {
	r.dispatchers[channel] = dispatcher
}

func (r *Registry) Dispatch(ctx context.Context, run *models.Run, action *models.ActionSpec) error {
	dispatcher, ok := r.dispatchers[action.Channel]
	if !ok {
		return fmt.Errorf("no dispatcher registered for channel %q", action.Channel)
	}

	return dispatcher.Dispatch(ctx, run, action)
}
