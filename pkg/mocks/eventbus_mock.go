package mocks

import (
	"context"

	"github.com/dukex/graphproperty/pkg/eventbus"
	"github.com/dukex/graphproperty/pkg/events"
	"github.com/stretchr/testify/mock"
)

// MockCollector is a mock implementation of eventbus.Collector interface.
type MockCollector struct {
	mock.Mock
}

func (m *MockCollector) Ack(msg eventbus.Message) {
	m.Called(msg)
}

func (m *MockCollector) Fail(msg eventbus.Message) {
	m.Called(msg)
}

func (m *MockCollector) ReportError(err error) {
	m.Called(err)
}

// MockPublisher is a mock implementation of eventbus.Publisher interface.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, n events.Notification) error {
	args := m.Called(ctx, n)

	return args.Error(0)
}

// Message is a fixed eventbus.Message.
type Message struct {
	MessageID string
	Body      []byte
}

func (m *Message) ID() string {
	return m.MessageID
}

func (m *Message) Payload() []byte {
	return m.Body
}
