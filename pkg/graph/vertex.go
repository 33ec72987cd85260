package graph

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// Mutation is a staged property write.
type Mutation struct {
	VertexID   string
	Key        string
	Name       string
	Value      any
	Visibility string
}

// MutationBuffer collects staged mutations until the next flush.
// It is safe for concurrent use by analyzers running in parallel.
type MutationBuffer struct {
	mu      sync.Mutex
	pending []Mutation
}

// Stage appends a mutation.
func (b *MutationBuffer) Stage(m Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, m)
}

// Drain returns and clears the staged mutations.
func (b *MutationBuffer) Drain() []Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pending
	b.pending = nil

	return pending
}

// Restore puts mutations back at the head of the buffer after a failed flush.
func (b *MutationBuffer) Restore(ms []Mutation) {
	if len(ms) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(ms, b.pending...)
}

// Len returns the number of staged mutations.
func (b *MutationBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// Stager receives staged mutations from a Vertex.
type Stager interface {
	Stage(m Mutation)
}

type vertex struct {
	id     string
	props  []*Property
	stager Stager
}

// NewVertex builds a vertex snapshot over already-filtered properties.
// Writes are forwarded to stager.
func NewVertex(id string, props []*Property, stager Stager) Vertex {
	return &vertex{id: id, props: props, stager: stager}
}

func (v *vertex) ID() string {
	return v.id
}

func (v *vertex) Property(name string) *Property {
	for _, p := range v.props {
		if p.Name == name {
			return p
		}
	}

	return nil
}

func (v *vertex) PropertyByKey(key, name string) *Property {
	for _, p := range v.props {
		if p.Key == key && p.Name == name {
			return p
		}
	}

	return nil
}

func (v *vertex) Properties() []*Property {
	out := make([]*Property, len(v.props))
	copy(out, v.props)

	return out
}

func (v *vertex) SetProperty(key, name string, value any, visibility string) {
	v.stager.Stage(Mutation{
		VertexID:   v.id,
		Key:        key,
		Name:       name,
		Value:      value,
		Visibility: visibility,
	})
}

// BytesValue is an in-memory StreamingValue.
type BytesValue []byte

// Open returns a reader over the bytes.
func (b BytesValue) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b)), nil
}

// ReadAll drains a streaming value into memory. Stores use it when
// persisting a streaming value staged by an analyzer.
func ReadAll(ctx context.Context, sv StreamingValue) ([]byte, error) {
	if b, ok := sv.(BytesValue); ok {
		return b, nil
	}

	rc, err := sv.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
