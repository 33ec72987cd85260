// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/graph/memory"
	"github.com/google/uuid"
)

// CreateTestProperty creates a property with default values that can be overridden.
func CreateTestProperty(overrides ...func(*graph.Property)) graph.Property {
	p := graph.Property{
		Key:   uuid.New().String()[:8],
		Name:  "title",
		Value: "hello",
	}

	for _, override := range overrides {
		override(&p)
	}

	return p
}

// WithKey sets the property key.
func WithKey(key string) func(*graph.Property) {
	return func(p *graph.Property) {
		p.Key = key
	}
}

// WithName sets the property name.
func WithName(name string) func(*graph.Property) {
	return func(p *graph.Property) {
		p.Name = name
	}
}

// WithValue sets an inline value.
func WithValue(value any) func(*graph.Property) {
	return func(p *graph.Property) {
		p.Value = value
	}
}

// WithStream sets a streaming value.
func WithStream(sv graph.StreamingValue) func(*graph.Property) {
	return func(p *graph.Property) {
		p.Value = sv
	}
}

// WithVisibility sets the visibility label.
func WithVisibility(visibility string) func(*graph.Property) {
	return func(p *graph.Property) {
		p.Visibility = visibility
	}
}

// Sequence returns n bytes counting up from zero, wrapping at 256.
func Sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}

	return b
}

// SeedVertex adds a public vertex with the given properties to g.
func SeedVertex(g *memory.Graph, id string, props ...graph.Property) {
	g.AddVertex(id, "")

	for _, p := range props {
		g.PutProperty(id, p)
	}
}
