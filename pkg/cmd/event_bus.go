// Package cmd provides the constructors shared by the command-line binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/graphproperty/pkg/channels/gochannel"
	"github.com/dukex/graphproperty/pkg/channels/kafka"
	"github.com/dukex/graphproperty/pkg/eventbus"
)

// EventBusOptions selects and configures the transport.
type EventBusOptions struct {
	// Provider is gochannel or kafka.
	Provider string

	// Brokers is a comma separated Kafka broker list.
	Brokers string

	// ConsumerGroup names the Kafka consumer group shared by all workers.
	ConsumerGroup string

	eventbus.WatermillOptions
}

// NewEventBus connects the notification bus for the configured provider.
func NewEventBus(opts EventBusOptions, logger *slog.Logger) (*eventbus.WatermillEventBus, error) {
	wmLogger := watermill.NewSlogLogger(logger)

	switch opts.Provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(wmLogger, kafka.ParseBrokers(opts.Brokers), opts.ConsumerGroup)
		if err != nil {
			return nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts.WatermillOptions, logger), nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(wmLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory pub/sub: %w", err)
		}

		return eventbus.NewWatermillEventBus(pub, sub, opts.WatermillOptions, logger), nil
	default:
		return nil, fmt.Errorf("unsupported event bus provider: %s", opts.Provider)
	}
}
