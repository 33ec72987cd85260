package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/graphproperty/pkg/events"
)

// Metadata keys set on published messages.
const (
	VertexIDMetadataKey     = "graph_vertex_id"
	PropertyNameMetadataKey = "property_name"
)

var ErrAlreadySubscribed = errors.New("event bus already subscribed")

// WatermillOptions configures a WatermillEventBus.
type WatermillOptions struct {
	InputTopic  string
	OutputTopic string

	// Dispatchers is the number of goroutines handling inbound messages.
	Dispatchers int

	// OnError is called for every error reported by a handler.
	OnError func(err error)
}

type WatermillEventBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	opts       WatermillOptions
	logger     *slog.Logger

	mu         sync.Mutex
	subscribed bool
	wg         sync.WaitGroup
}

var _ Bus = (*WatermillEventBus)(nil)

func NewWatermillEventBus(pub message.Publisher, sub message.Subscriber, opts WatermillOptions, logger *slog.Logger) *WatermillEventBus {
	if opts.InputTopic == "" {
		opts.InputTopic = events.InputTopic
	}

	if opts.OutputTopic == "" {
		opts.OutputTopic = events.OutputTopic
	}

	if opts.Dispatchers <= 0 {
		opts.Dispatchers = 1
	}

	return &WatermillEventBus{
		publisher:  pub,
		subscriber: sub,
		opts:       opts,
		logger:     logger.With("module", "eventbus"),
	}
}

func (eb *WatermillEventBus) GenerateID() string {
	return watermill.NewULID()
}

func (eb *WatermillEventBus) Publish(ctx context.Context, n events.Notification) error {
	payload, err := n.Marshal()
	if err != nil {
		return err
	}

	msg := message.NewMessage("msg-"+eb.GenerateID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(VertexIDMetadataKey, n.GraphVertexID.String())
	msg.Metadata.Set(PropertyNameMetadataKey, n.PropertyName)

	return eb.publisher.Publish(eb.opts.OutputTopic, msg)
}

func (eb *WatermillEventBus) Subscribe(ctx context.Context, handler Handler) error {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.subscribed {
		return ErrAlreadySubscribed
	}

	messages, err := eb.subscriber.Subscribe(ctx, eb.opts.InputTopic)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.opts.InputTopic, err)
	}

	eb.subscribed = true

	for range eb.opts.Dispatchers {
		eb.wg.Add(1)

		go func() {
			defer eb.wg.Done()

			for msg := range messages {
				eb.deliver(ctx, handler, msg)
			}
		}()
	}

	eb.logger.InfoContext(ctx, "Subscribed", "topic", eb.opts.InputTopic, "dispatchers", eb.opts.Dispatchers)

	return nil
}

func (eb *WatermillEventBus) deliver(ctx context.Context, handler Handler, msg *message.Message) {
	d := &delivery{msg: msg, bus: eb}

	handler.Execute(ctx, d, d)

	if !d.settled() {
		eb.logger.WarnContext(ctx, "Handler returned without settling message", "message_id", msg.UUID)
		d.Fail(d)
	}
}

// Close closes the subscriber, waits for in-flight messages, then closes the publisher.
func (eb *WatermillEventBus) Close() error {
	subErr := eb.subscriber.Close()

	eb.wg.Wait()

	return errors.Join(subErr, eb.publisher.Close())
}

// delivery is the Message and Collector of one inbound watermill message.
type delivery struct {
	msg  *message.Message
	bus  *WatermillEventBus
	once sync.Once
	done bool
	mu   sync.Mutex
}

func (d *delivery) ID() string {
	return d.msg.UUID
}

func (d *delivery) Payload() []byte {
	return d.msg.Payload
}

func (d *delivery) Ack(Message) {
	d.settle(func() { d.msg.Ack() })
}

func (d *delivery) Fail(Message) {
	d.settle(func() { d.msg.Nack() })
}

// ReportError hands err to OnError. The handler logs the failure itself.
func (d *delivery) ReportError(err error) {
	d.bus.logger.Debug("Error reported", "message_id", d.msg.UUID, "error", err)

	if d.bus.opts.OnError != nil {
		d.bus.opts.OnError(err)
	}
}

func (d *delivery) settle(fn func()) {
	d.once.Do(func() {
		fn()

		d.mu.Lock()
		d.done = true
		d.mu.Unlock()
	})
}

func (d *delivery) settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.done
}
