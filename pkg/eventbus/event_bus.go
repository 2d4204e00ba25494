// Package eventbus provides event publishing and subscription over watermill.
package eventbus

import (
	"context"

	"github.com/dripflow/dripflow/pkg/events"
)

// Event is anything the engine publishes on the bus.
type Event interface {
	GetType() events.EventType
}

// EventHandler processes a decoded event.
type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	Publish(ctx context.Context, key string, event Event) error
	Subscribe(ctx context.Context) error
	Handle(eventType events.EventType, handler EventHandler) error
	GenerateID() string
	Close() error
}
