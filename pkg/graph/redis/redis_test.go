package redis_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/graphproperty/pkg/graph"
	graphredis "github.com/dukex/graphproperty/pkg/graph/redis"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var redisContainer testcontainers.Container

func setupTestGraph(t *testing.T, opts ...graphredis.Option) (*graphredis.Graph, context.Context) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping Redis integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if redisContainer == nil || !redisContainer.IsRunning() {
		var err error

		redisContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
		require.NoError(t, err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.FlushAll(ctx).Err())

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	g := graphredis.NewGraphWithClient(client, logger, opts...)

	t.Cleanup(func() {
		require.NoError(t, g.Close())
		cancel()
	})

	return g, ctx
}

func TestGraph_GetVertex(t *testing.T) {
	g, ctx := setupTestGraph(t)

	require.NoError(t, g.PutVertex(ctx, "doc-2", "secret"))
	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "title", Value: "first"}))
	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k2", Name: "title", Value: "second"}))
	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "notes", Value: "x", Visibility: "secret"}))

	v, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)
	require.NotNil(t, v)

	title, ok := graph.StringValue(v, "title")
	require.True(t, ok)
	assert.Equal(t, "first", title, "insertion order decides the first property")
	assert.Equal(t, "second", v.PropertyByKey("k2", "title").Value)
	assert.Nil(t, v.Property("notes"))

	hidden, err := g.GetVertex(ctx, "doc-2", nil)
	require.NoError(t, err)
	assert.Nil(t, hidden)

	visible, err := g.GetVertex(ctx, "doc-2", graph.Authorizations{"secret"})
	require.NoError(t, err)
	assert.NotNil(t, visible)

	absent, err := g.GetVertex(ctx, "nope", nil)
	require.NoError(t, err)
	assert.Nil(t, absent)
}

func TestGraph_StreamingValueIsReadInChunks(t *testing.T) {
	g, ctx := setupTestGraph(t, graphredis.WithChunkSize(7))

	data := bytes.Repeat([]byte("0123456789"), 10)
	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "raw", Value: graph.BytesValue(data)}))
	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "empty", Value: graph.BytesValue(nil)}))

	v, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)

	sv, ok := v.Property("raw").Streaming()
	require.True(t, ok)

	got, err := graph.ReadAll(ctx, sv)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	sv, ok = v.Property("empty").Streaming()
	require.True(t, ok)

	got, err = graph.ReadAll(ctx, sv)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestGraph_FlushAppliesStagedWrites(t *testing.T) {
	g, ctx := setupTestGraph(t)

	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "raw", Value: graph.BytesValue("abc")}))

	v, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)

	v.SetProperty("k1", "mimeType", "text/plain", "")
	v.SetProperty("k1", "mimeType", "text/plain", "")

	before, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)
	assert.Nil(t, before.Property("mimeType"))

	require.NoError(t, g.Flush(ctx))

	after, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)

	mime, ok := graph.StringValue(after, "mimeType")
	require.True(t, ok)
	assert.Equal(t, "text/plain", mime)
	assert.Len(t, after.Properties(), 2)

	require.NoError(t, g.HealthCheck(ctx))
}

func TestGraph_ConcurrentFlushesKeepFailedBatch(t *testing.T) {
	g, ctx := setupTestGraph(t)

	require.NoError(t, g.PutProperty(ctx, "doc-1", graph.Property{Key: "k1", Name: "raw", Value: graph.BytesValue("abc")}))

	v, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)

	v.SetProperty("k1", "mimeType", "text/plain", "")
	v.SetProperty("k1", "thumbnail", brokenValue{}, "")

	// The first flush fails on the broken value; the other must not slip in
	// between its drain and restore and report an empty success.
	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := range errs {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = g.Flush(ctx)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.ErrorIs(t, err, errBrokenValue)
	}

	after, err := g.GetVertex(ctx, "doc-1", nil)
	require.NoError(t, err)
	assert.Nil(t, after.Property("mimeType"))
}

var errBrokenValue = errors.New("blob unavailable")

type brokenValue struct{}

func (brokenValue) Open(context.Context) (io.ReadCloser, error) {
	return nil, errBrokenValue
}
