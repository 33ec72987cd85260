// Package graph defines the content graph contract consumed by the enrichment worker.
//
// A Graph hands out Vertex snapshots filtered by the caller's Authorizations.
// Writes made through a Vertex are staged on the graph and become durable only
// when Flush is called.
package graph

import (
	"context"
	"io"
	"slices"
)

// Well-known property names.
const (
	// RawProperty holds the original binary content of an ingested artifact.
	RawProperty = "raw"

	// FileNameExtensionProperty holds the extension of the ingested file name, without the dot.
	FileNameExtensionProperty = "fileNameExtension"
)

// Graph is the content graph store.
type Graph interface {
	// GetVertex loads a vertex visible under auths. A missing or unauthorized
	// vertex yields (nil, nil).
	GetVertex(ctx context.Context, id string, auths Authorizations) (Vertex, error)

	// Flush persists every mutation staged since the previous flush.
	Flush(ctx context.Context) error

	Close() error
}

// Vertex is a node in the content graph, carrying keyed properties.
type Vertex interface {
	ID() string

	// Property returns the first property with the given name, or nil.
	Property(name string) *Property

	// PropertyByKey returns the property with the given key and name, or nil.
	PropertyByKey(key, name string) *Property

	Properties() []*Property

	// SetProperty stages a property write. It is applied on the next Graph.Flush.
	SetProperty(key, name string, value any, visibility string)
}

// StreamingValue is a property payload exposed as a byte stream.
type StreamingValue interface {
	// Open returns a fresh reader over the value. Callers must close it.
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Property is a keyed, named attribute of a vertex.
//
// Value is either an inline value (string, number, bool, map, slice) or a
// StreamingValue.
type Property struct {
	Key        string
	Name       string
	Value      any
	Visibility string
}

// Streaming reports whether the property carries a streaming value.
func (p *Property) Streaming() (StreamingValue, bool) {
	sv, ok := p.Value.(StreamingValue)

	return sv, ok
}

// String returns the key:name coordinates of the property.
func (p *Property) String() string {
	return p.Key + ":" + p.Name
}

// StringValue returns the inline value when it is a string.
func StringValue(v Vertex, name string) (string, bool) {
	if v == nil {
		return "", false
	}

	p := v.Property(name)
	if p == nil {
		return "", false
	}

	s, ok := p.Value.(string)

	return s, ok
}

// Authorizations is the set of visibility labels a reader holds.
type Authorizations []string

// CanRead reports whether data labelled with visibility is readable.
// An empty visibility is public.
func (a Authorizations) CanRead(visibility string) bool {
	if visibility == "" {
		return true
	}

	return slices.Contains(a, visibility)
}
