package dispatch

import (
	"context"
	"errors"

	"github.com/dukex/graphproperty/pkg/graph"
)

// Resolver turns notification coordinates into a live vertex and property.
type Resolver struct {
	graph graph.Graph
	auths graph.Authorizations
}

// NewResolver creates a resolver reading g under auths.
func NewResolver(g graph.Graph, auths graph.Authorizations) *Resolver {
	return &Resolver{graph: g, auths: auths}
}

// Resolve loads the vertex and the property addressed by (key, name). A nil
// key selects the first property with the given name. Vertices or properties
// hidden by the authorizations are reported as not found.
func (r *Resolver) Resolve(ctx context.Context, vertexID string, key *string, name string) (graph.Vertex, *graph.Property, error) {
	vertex, err := r.graph.GetVertex(ctx, vertexID, r.auths)
	if err != nil {
		return nil, nil, newError(KindUnknown, "resolve", vertexID, "", err)
	}

	if vertex == nil {
		return nil, nil, newError(KindVertexNotFound, "resolve", vertexID, "", errors.New("no such vertex"))
	}

	var prop *graph.Property
	if key != nil {
		prop = vertex.PropertyByKey(*key, name)
	} else {
		prop = vertex.Property(name)
	}

	if prop == nil {
		coords := name
		if key != nil {
			coords = *key + ":" + name
		}

		return nil, nil, newError(KindPropertyNotFound, "resolve", vertexID, coords, errors.New("no such property"))
	}

	return vertex, prop, nil
}
