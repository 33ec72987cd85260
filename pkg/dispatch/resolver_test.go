package dispatch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/graphproperty/pkg/dispatch"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/graph/memory"
	"github.com/dukex/graphproperty/pkg/mocks"
	"github.com/dukex/graphproperty/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	t.Parallel()

	g := memory.NewGraph()
	testutil.SeedVertex(g, "v1",
		testutil.CreateTestProperty(testutil.WithKey("a"), testutil.WithName("title"), testutil.WithValue("first")),
		testutil.CreateTestProperty(testutil.WithKey("b"), testutil.WithName("title"), testutil.WithValue("second")),
	)

	resolver := dispatch.NewResolver(g, nil)
	key := "b"

	_, prop, err := resolver.Resolve(context.Background(), "v1", &key, "title")
	require.NoError(t, err)
	assert.Equal(t, "second", prop.Value)

	vertex, prop, err := resolver.Resolve(context.Background(), "v1", nil, "title")
	require.NoError(t, err)
	assert.Equal(t, "v1", vertex.ID())
	assert.Equal(t, "first", prop.Value)

	_, _, err = resolver.Resolve(context.Background(), "v2", nil, "title")
	assert.ErrorIs(t, err, dispatch.ErrVertexNotFound)

	_, _, err = resolver.Resolve(context.Background(), "v1", nil, "body")
	assert.ErrorIs(t, err, dispatch.ErrPropertyNotFound)
}

func TestResolver_StoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("timeout")
	g := &mocks.MockGraph{}
	g.On("GetVertex", mock.Anything, "v1", graph.Authorizations{"a"}).Return(nil, boom)

	_, _, err := dispatch.NewResolver(g, graph.Authorizations{"a"}).Resolve(context.Background(), "v1", nil, "raw")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, dispatch.ErrVertexNotFound)
	g.AssertExpectations(t)
}
