// Package eventbus connects the dispatch engine to the message bus.
package eventbus

import (
	"context"

	"github.com/dukex/graphproperty/pkg/events"
)

// Message is one delivered notification.
type Message interface {
	ID() string
	Payload() []byte
}

// Collector settles delivered messages. Exactly one of Ack or Fail must be
// called per message; ReportError may precede Fail.
type Collector interface {
	Ack(msg Message)
	Fail(msg Message)
	ReportError(err error)
}

// Handler processes delivered messages.
type Handler interface {
	Execute(ctx context.Context, msg Message, collector Collector)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message, collector Collector)

func (f HandlerFunc) Execute(ctx context.Context, msg Message, collector Collector) {
	f(ctx, msg, collector)
}

// Publisher emits notifications downstream.
type Publisher interface {
	Publish(ctx context.Context, n events.Notification) error
}

// Bus consumes inbound notifications and publishes outbound ones.
type Bus interface {
	Publisher

	// Subscribe starts delivering inbound messages to handler until ctx is done.
	Subscribe(ctx context.Context, handler Handler) error

	// Close stops consuming, waits for in-flight messages, and releases the transport.
	Close() error

	GenerateID() string
}
