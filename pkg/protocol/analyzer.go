// Package protocol defines the contract between the dispatch engine and pluggable analyzers.
package protocol

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/dukex/graphproperty/pkg/events"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/identity"
)

// Analyzer enriches the graph in response to a written property.
type Analyzer interface {
	// Prepare is called once at startup, before the analyzer receives work.
	Prepare(ctx context.Context, data PrepareData) error

	// IsHandled reports whether the analyzer wants the property. It must be
	// cheap and free of side effects.
	IsHandled(vertex graph.Vertex, property *graph.Property) bool

	// RequiresLocalFile reports whether Execute needs WorkData.LocalFile.
	RequiresLocalFile() bool

	// Execute performs the enrichment. in is nil for inline properties. The
	// analyzer may stop reading in early; the runner closes it afterwards.
	Execute(ctx context.Context, in io.Reader, data *WorkData) error
}

// AnalyzerFactory creates analyzers and describes them.
type AnalyzerFactory interface {
	// ID returns the unique identifier of the analyzer type.
	ID() string

	Name() string

	Description() string

	// Create builds an analyzer from its per-analyzer configuration.
	Create(config map[string]any) (Analyzer, error)
}

// VersionConstrained is implemented by factories that only run on a range of
// host versions. Requires returns a semver constraint such as ">= 0.3, < 1".
type VersionConstrained interface {
	Requires() string
}

// PrepareData is shared, read-only startup context handed to every analyzer.
type PrepareData struct {
	// Config is the process configuration map. Analyzer specific options
	// live under their analyzer id.
	Config map[string]any

	User           *identity.User
	Authorizations graph.Authorizations

	Graph  graph.Graph
	Logger *slog.Logger
}

// WorkData is the per-invocation input of Analyzer.Execute.
type WorkData struct {
	Vertex   graph.Vertex
	Property *graph.Property

	// LocalFile is the path of a materialized copy of the streaming value, or
	// empty when no interested analyzer required one.
	LocalFile string

	// MessageID identifies the notification that triggered the work.
	MessageID string

	// Outbox collects follow-up notifications. It is shared by every analyzer
	// working on the same notification and may be nil.
	Outbox *Outbox
}

// Write stages a property on the work vertex and queues a follow-up
// notification for it. The notification is published only after the graph
// flush that persists the write succeeds.
func (d *WorkData) Write(key, name string, value any, visibility string) {
	d.Vertex.SetProperty(key, name, value, visibility)
	d.Outbox.Add(events.NewNotification(d.Vertex.ID(), key, name))
}

// Outbox is a concurrency-safe list of pending notifications.
type Outbox struct {
	mu      sync.Mutex
	pending []events.Notification
}

// Add queues n. Adding to a nil Outbox is a no-op.
func (o *Outbox) Add(n events.Notification) {
	if o == nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.pending = append(o.pending, n)
}

// Drain returns and clears the queued notifications.
func (o *Outbox) Drain() []events.Notification {
	if o == nil {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	pending := o.pending
	o.pending = nil

	return pending
}
