// Package redis provides a Redis-backed content graph.
//
// Layout, per vertex id:
//
//	gp:v:{id}                 hash   visibility
//	gp:p:{id}                 hash   key\x00name -> JSON property record
//	gp:o:{id}                 zset   property insertion order
//	gp:s:{id}:{key}:{name}    string streaming value bytes
//	gp:seq                    counter for property order
//
// Streaming values are read lazily in ranged chunks.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/dukex/graphproperty/pkg/graph"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix   = "gp"
	sequenceKey = keyPrefix + ":seq"

	// DefaultChunkSize is the GETRANGE window used by streaming readers.
	DefaultChunkSize = 64 << 10
)

type record struct {
	Key        string          `json:"key"`
	Name       string          `json:"name"`
	Visibility string          `json:"visibility,omitempty"`
	Inline     json.RawMessage `json:"inline,omitempty"`
	Stream     bool            `json:"stream,omitempty"`
}

// Graph implements graph.Graph on Redis.
type Graph struct {
	client    redis.UniversalClient
	logger    *slog.Logger
	pending   graph.MutationBuffer
	chunkSize int64

	// flushMu serializes flushes so a failed flush restores its batch
	// before another drains.
	flushMu sync.Mutex
}

var _ graph.Graph = (*Graph)(nil)

// NewGraph connects to a redis:// or rediss:// URL.
func NewGraph(ctx context.Context, logger *slog.Logger, url string, opts ...Option) (*Graph, error) {
	clientOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(clientOpts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return NewGraphWithClient(client, logger, opts...), nil
}

// Option configures a Graph.
type Option func(*Graph)

// WithChunkSize sets the GETRANGE window for streaming reads.
func WithChunkSize(size int64) Option {
	return func(g *Graph) {
		if size > 0 {
			g.chunkSize = size
		}
	}
}

// NewGraphWithClient wraps an existing client. The graph owns it from then on.
func NewGraphWithClient(client redis.UniversalClient, logger *slog.Logger, opts ...Option) *Graph {
	g := &Graph{client: client, logger: logger, chunkSize: DefaultChunkSize}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

func vertexKey(id string) string {
	return keyPrefix + ":v:" + id
}

func propertiesKey(id string) string {
	return keyPrefix + ":p:" + id
}

func orderKey(id string) string {
	return keyPrefix + ":o:" + id
}

func streamKey(id, key, name string) string {
	return strings.Join([]string{keyPrefix, "s", id, key, name}, ":")
}

func field(key, name string) string {
	return key + "\x00" + name
}

// GetVertex implements graph.Graph.
func (g *Graph) GetVertex(ctx context.Context, id string, auths graph.Authorizations) (graph.Vertex, error) {
	var (
		visibility *redis.SliceCmd
		fields     *redis.MapStringStringCmd
		order      *redis.StringSliceCmd
	)

	_, err := g.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		visibility = pipe.HMGet(ctx, vertexKey(id), "visibility")
		fields = pipe.HGetAll(ctx, propertiesKey(id))
		order = pipe.ZRange(ctx, orderKey(id), 0, -1)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load vertex %s: %w", id, err)
	}

	vals := visibility.Val()
	if len(vals) == 0 || vals[0] == nil {
		return nil, nil
	}

	vis, _ := vals[0].(string)
	if !auths.CanRead(vis) {
		return nil, nil
	}

	props := make([]*graph.Property, 0, len(order.Val()))

	for _, f := range order.Val() {
		raw, ok := fields.Val()[f]
		if !ok {
			continue
		}

		var rec record

		err := json.Unmarshal([]byte(raw), &rec)
		if err != nil {
			return nil, fmt.Errorf("failed to decode property %q of %s: %w", f, id, err)
		}

		if !auths.CanRead(rec.Visibility) {
			continue
		}

		p := &graph.Property{Key: rec.Key, Name: rec.Name, Visibility: rec.Visibility}

		switch {
		case rec.Stream:
			p.Value = &streamValue{client: g.client, key: streamKey(id, rec.Key, rec.Name), chunkSize: g.chunkSize}
		case len(rec.Inline) > 0:
			err := json.Unmarshal(rec.Inline, &p.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decode property %s of %s: %w", p.String(), id, err)
			}
		}

		props = append(props, p)
	}

	return graph.NewVertex(id, props, &g.pending), nil
}

// PutVertex creates a vertex or updates its visibility.
func (g *Graph) PutVertex(ctx context.Context, id, visibility string) error {
	err := g.client.HSet(ctx, vertexKey(id), "visibility", visibility).Err()
	if err != nil {
		return fmt.Errorf("failed to save vertex %s: %w", id, err)
	}

	return nil
}

// PutProperty writes a property immediately, creating the vertex if needed.
func (g *Graph) PutProperty(ctx context.Context, vertexID string, p graph.Property) error {
	return g.apply(ctx, []graph.Mutation{{
		VertexID:   vertexID,
		Key:        p.Key,
		Name:       p.Name,
		Value:      p.Value,
		Visibility: p.Visibility,
	}})
}

// Flush implements graph.Graph. Staged mutations are written in a single
// MULTI/EXEC; on failure they stay staged for the next flush.
func (g *Graph) Flush(ctx context.Context) error {
	g.flushMu.Lock()
	defer g.flushMu.Unlock()

	mutations := g.pending.Drain()
	if len(mutations) == 0 {
		return nil
	}

	err := g.apply(ctx, mutations)
	if err != nil {
		g.pending.Restore(mutations)

		return err
	}

	g.logger.DebugContext(ctx, "Flushed graph mutations", "count", len(mutations))

	return nil
}

type encoded struct {
	m      graph.Mutation
	record []byte
	stream []byte
}

func (g *Graph) apply(ctx context.Context, mutations []graph.Mutation) error {
	batch := make([]encoded, 0, len(mutations))

	for _, m := range mutations {
		e, err := encode(ctx, m)
		if err != nil {
			return err
		}

		batch = append(batch, e)
	}

	last, err := g.client.IncrBy(ctx, sequenceKey, int64(len(batch))).Result()
	if err != nil {
		return fmt.Errorf("failed to reserve property order: %w", err)
	}

	base := last - int64(len(batch))

	_, err = g.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, e := range batch {
			id := e.m.VertexID

			pipe.HSetNX(ctx, vertexKey(id), "visibility", "")
			pipe.HSet(ctx, propertiesKey(id), field(e.m.Key, e.m.Name), e.record)
			pipe.ZAddNX(ctx, orderKey(id), redis.Z{Score: float64(base + int64(i)), Member: field(e.m.Key, e.m.Name)})

			if e.stream != nil {
				pipe.Set(ctx, streamKey(id, e.m.Key, e.m.Name), e.stream, 0)
			} else {
				pipe.Del(ctx, streamKey(id, e.m.Key, e.m.Name))
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write mutations: %w", err)
	}

	return nil
}

func encode(ctx context.Context, m graph.Mutation) (encoded, error) {
	rec := record{Key: m.Key, Name: m.Name, Visibility: m.Visibility}
	e := encoded{m: m}

	if sv, ok := m.Value.(graph.StreamingValue); ok {
		data, err := graph.ReadAll(ctx, sv)
		if err != nil {
			return e, fmt.Errorf("failed to read streaming value %s:%s: %w", m.Key, m.Name, err)
		}

		rec.Stream = true
		e.stream = append([]byte{}, data...)
	} else {
		inline, err := json.Marshal(m.Value)
		if err != nil {
			return e, fmt.Errorf("failed to encode property %s:%s: %w", m.Key, m.Name, err)
		}

		rec.Inline = inline
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return e, fmt.Errorf("failed to encode property %s:%s: %w", m.Key, m.Name, err)
	}

	e.record = b

	return e, nil
}

// HealthCheck pings the server.
func (g *Graph) HealthCheck(ctx context.Context) error {
	err := g.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the client. Unflushed mutations are discarded.
func (g *Graph) Close() error {
	if dropped := g.pending.Len(); dropped > 0 {
		g.logger.Warn("Closing graph with unflushed mutations", "count", dropped)
	}

	return g.client.Close()
}

type streamValue struct {
	client    redis.UniversalClient
	key       string
	chunkSize int64
}

func (s *streamValue) Open(ctx context.Context) (io.ReadCloser, error) {
	n, err := s.client.Exists(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to open stream %s: %w", s.key, err)
	}

	if n == 0 {
		return nil, fmt.Errorf("stream %s no longer exists", s.key)
	}

	return &rangeReader{ctx: ctx, stream: s}, nil
}

// rangeReader pages through a string value with GETRANGE.
type rangeReader struct {
	ctx    context.Context //nolint:containedctx // bound to the Open call
	stream *streamValue
	offset int64
	buf    []byte
	eof    bool
	closed bool
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("read on closed stream")
	}

	for len(r.buf) == 0 {
		if r.eof {
			return 0, io.EOF
		}

		end := r.offset + r.stream.chunkSize - 1

		chunk, err := r.stream.client.GetRange(r.ctx, r.stream.key, r.offset, end).Bytes()
		if err != nil {
			return 0, fmt.Errorf("failed to read stream %s at %d: %w", r.stream.key, r.offset, err)
		}

		r.offset += int64(len(chunk))
		r.buf = chunk

		if int64(len(chunk)) < r.stream.chunkSize {
			r.eof = true
		}
	}

	n := copy(p, r.buf)
	r.buf = r.buf[n:]

	return n, nil
}

func (r *rangeReader) Close() error {
	r.closed = true
	r.buf = nil

	return nil
}
