package mocks

import (
	"context"
	"io"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/stretchr/testify/mock"
)

// MockGraph is a mock implementation of graph.Graph interface.
type MockGraph struct {
	mock.Mock
}

func (m *MockGraph) GetVertex(ctx context.Context, id string, auths graph.Authorizations) (graph.Vertex, error) {
	args := m.Called(ctx, id, auths)

	if v := args.Get(0); v != nil {
		return v.(graph.Vertex), args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockGraph) Flush(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockGraph) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockStreamingValue is a mock implementation of graph.StreamingValue interface.
type MockStreamingValue struct {
	mock.Mock
}

func (m *MockStreamingValue) Open(ctx context.Context) (io.ReadCloser, error) {
	args := m.Called(ctx)

	if rc := args.Get(0); rc != nil {
		return rc.(io.ReadCloser), args.Error(1)
	}

	return nil, args.Error(1)
}
