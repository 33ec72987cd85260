// Package memory provides an in-process graph store for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/graphproperty/pkg/graph"
)

type vertexRecord struct {
	visibility string
	props      []*graph.Property
}

// Graph is an in-memory graph.Graph.
type Graph struct {
	mu       sync.RWMutex
	vertices map[string]*vertexRecord
	pending  graph.MutationBuffer
	flushes  int
	flushErr error
}

var _ graph.Graph = (*Graph)(nil)

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{vertices: make(map[string]*vertexRecord)}
}

// AddVertex creates or replaces the visibility of a vertex.
func (g *Graph) AddVertex(id, visibility string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.vertices[id]
	if !ok {
		g.vertices[id] = &vertexRecord{visibility: visibility}

		return
	}

	rec.visibility = visibility
}

// PutProperty writes a property directly, bypassing staging. The vertex is
// created with public visibility if it does not exist.
func (g *Graph) PutProperty(vertexID string, p graph.Property) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.putLocked(vertexID, p)
}

func (g *Graph) putLocked(vertexID string, p graph.Property) {
	rec, ok := g.vertices[vertexID]
	if !ok {
		rec = &vertexRecord{}
		g.vertices[vertexID] = rec
	}

	for i, existing := range rec.props {
		if existing.Key == p.Key && existing.Name == p.Name {
			rec.props[i] = &p

			return
		}
	}

	rec.props = append(rec.props, &p)
}

// GetVertex implements graph.Graph.
func (g *Graph) GetVertex(_ context.Context, id string, auths graph.Authorizations) (graph.Vertex, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	rec, ok := g.vertices[id]
	if !ok || !auths.CanRead(rec.visibility) {
		return nil, nil
	}

	props := make([]*graph.Property, 0, len(rec.props))
	for _, p := range rec.props {
		if auths.CanRead(p.Visibility) {
			cp := *p
			props = append(props, &cp)
		}
	}

	return graph.NewVertex(id, props, &g.pending), nil
}

// Flush implements graph.Graph.
func (g *Graph) Flush(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.flushes++

	if g.flushErr != nil {
		return g.flushErr
	}

	mutations := g.pending.Drain()
	values := make([]any, len(mutations))

	// Streaming values are read before anything is applied, so a failed
	// read leaves the whole batch staged.
	for i, m := range mutations {
		values[i] = m.Value

		if sv, ok := m.Value.(graph.StreamingValue); ok {
			b, err := graph.ReadAll(ctx, sv)
			if err != nil {
				g.pending.Restore(mutations)

				return fmt.Errorf("failed to read streaming value %s:%s: %w", m.Key, m.Name, err)
			}

			values[i] = graph.BytesValue(b)
		}
	}

	for i, m := range mutations {
		g.putLocked(m.VertexID, graph.Property{
			Key:        m.Key,
			Name:       m.Name,
			Value:      values[i],
			Visibility: m.Visibility,
		})
	}

	return nil
}

// Close implements graph.Graph.
func (g *Graph) Close() error {
	return nil
}

// FlushCount returns how many times Flush was called.
func (g *Graph) FlushCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.flushes
}

// Pending returns the number of staged, unflushed mutations.
func (g *Graph) Pending() int {
	return g.pending.Len()
}

// FailFlush makes every subsequent Flush return err. A nil err clears it.
func (g *Graph) FailFlush(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.flushErr = err
}
