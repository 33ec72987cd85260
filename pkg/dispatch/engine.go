// Package dispatch routes property notifications to the analyzers interested in them.
//
// For each notification the Engine resolves the target property, selects the
// interested analyzers, and hands each of them the property. Streaming values
// are opened once and fanned out through a tee; when any interested analyzer
// needs random access the stream is first copied to a temporary file. The
// graph is flushed once every analyzer has finished, and the notification is
// then acked or failed.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/dukex/graphproperty/pkg/eventbus"
	"github.com/dukex/graphproperty/pkg/events"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/metrics"
	"github.com/dukex/graphproperty/pkg/otelhelper"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/runner"
	"github.com/dukex/graphproperty/pkg/tee"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// TempFilePrefix prefixes every materialized stream copy.
	TempFilePrefix = "graphPropertyBolt"

	// DefaultTempFileExtension is used when the vertex carries no usable extension.
	DefaultTempFileExtension = "data"
)

// Options tunes an Engine.
type Options struct {
	// TeeBufferSize is the shared ring capacity per streaming notification.
	TeeBufferSize int

	// TempDir holds materialized streams. Empty means os.TempDir.
	TempDir string

	// Publisher receives the follow-up notifications analyzers queued, once
	// the graph flush succeeded. Nil drops them.
	Publisher eventbus.Publisher

	Tracer trace.Tracer
}

// Engine dispatches notifications to analyzer runners. It is safe for
// concurrent use by several bus dispatchers.
type Engine struct {
	graph    graph.Graph
	resolver *Resolver
	runners  []*runner.Runner
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	opts     Options

	// enqueueMu serializes the enqueue phase of notifications so every runner
	// queue sees notifications in the same order. Without it two streaming
	// notifications could each hold a view the other's runners wait behind.
	enqueueMu sync.Mutex
}

var _ eventbus.Handler = (*Engine)(nil)

// NewEngine creates an engine over a fixed set of started runners.
func NewEngine(
	g graph.Graph,
	auths graph.Authorizations,
	runners []*runner.Runner,
	m *metrics.Metrics,
	logger *slog.Logger,
	opts Options,
) *Engine {
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otelhelper.Tracer("graphproperty/dispatch")
	}

	return &Engine{
		graph:    g,
		resolver: NewResolver(g, auths),
		runners:  runners,
		metrics:  m,
		logger:   logger.With("module", "dispatch"),
		tracer:   tracer,
		opts:     opts,
	}
}

// Execute handles one bus message and settles it with exactly one of Ack or Fail.
func (e *Engine) Execute(ctx context.Context, msg eventbus.Message, collector eventbus.Collector) {
	timer := e.metrics.Begin()
	logger := e.logger.With("message_id", msg.ID())

	logger.DebugContext(ctx, "BEGIN")

	err := e.Process(ctx, msg.ID(), msg.Payload())
	if err != nil {
		logger.ErrorContext(ctx, "Failed to process notification", "kind", KindOf(err).String(), "error", err)
		collector.ReportError(err)
		collector.Fail(msg)
	} else {
		logger.DebugContext(ctx, "ACK'ing")
		collector.Ack(msg)
	}

	e.metrics.End(timer, err != nil)

	logger.DebugContext(ctx, "END")
}

// Process parses a notification payload and runs it through the interested
// analyzers. Cancelling ctx aborts in-flight streams, drops queued work and
// fails the notification.
func (e *Engine) Process(ctx context.Context, messageID string, payload []byte) (err error) {
	n, err := events.Parse(payload)
	if err != nil {
		return newError(KindInvalidInput, "parse", "", "", err)
	}

	vertexID := n.GraphVertexID.String()
	key, _ := n.Key()

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "graphproperty.dispatch",
		attribute.String(otelhelper.MessageIDKey, messageID),
		attribute.String(otelhelper.VertexIDKey, vertexID),
		attribute.String(otelhelper.PropertyKeyKey, key),
		attribute.String(otelhelper.PropertyNameKey, n.PropertyName),
	)

	defer func() {
		if err != nil {
			otelhelper.SetError(span, err)
		}

		span.End()
	}()

	vertex, prop, err := e.resolver.Resolve(ctx, vertexID, n.PropertyKey, n.PropertyName)
	if err != nil {
		return err
	}

	outbox := &protocol.Outbox{}

	err = e.dispatch(ctx, messageID, vertex, prop, outbox)

	if flushErr := e.graph.Flush(ctx); flushErr != nil {
		err = combine(err, newError(KindGraphFlush, "flush", vertexID, prop.String(), flushErr))
	}

	if err != nil {
		if ctx.Err() != nil {
			err = combine(newError(KindCancelled, "dispatch", vertexID, prop.String(), context.Cause(ctx)), err)
		}

		return err
	}

	e.publish(ctx, messageID, outbox.Drain())

	return nil
}

// publish emits follow-up notifications. A failed publish is logged and does
// not fail the inbound notification, whose writes are already durable.
func (e *Engine) publish(ctx context.Context, messageID string, pending []events.Notification) {
	if e.opts.Publisher == nil || len(pending) == 0 {
		return
	}

	for _, n := range pending {
		if err := e.opts.Publisher.Publish(ctx, n); err != nil {
			e.logger.WarnContext(ctx, "Failed to publish follow-up notification",
				"message_id", messageID,
				"vertex_id", n.GraphVertexID.String(),
				"property_name", n.PropertyName,
				"error", err,
			)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, messageID string, vertex graph.Vertex, prop *graph.Property, outbox *protocol.Outbox) error {
	logger := e.logger.With("message_id", messageID, "vertex_id", vertex.ID(), "property", prop.String())

	interested := e.interested(vertex, prop, logger)
	if len(interested) == 0 {
		logger.InfoContext(ctx, "No analyzer interested in property")

		return nil
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int(otelhelper.InterestedKey, len(interested)))

	data := &protocol.WorkData{
		Vertex:    vertex,
		Property:  prop,
		MessageID: messageID,
		Outbox:    outbox,
	}

	sv, streaming := prop.Streaming()
	if !streaming {
		items, err := e.enqueueAll(ctx, interested, nil, data)

		return combine(err, e.await(items, data))
	}

	return e.dispatchStreaming(ctx, interested, sv, data, logger)
}

func (e *Engine) dispatchStreaming(
	ctx context.Context,
	interested []*runner.Runner,
	sv graph.StreamingValue,
	data *protocol.WorkData,
	logger *slog.Logger,
) (err error) {
	vertexID, coords := data.Vertex.ID(), data.Property.String()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool(otelhelper.StreamingKey, true))

	src, err := sv.Open(ctx)
	if err != nil {
		return newError(KindStreamOpen, "open", vertexID, coords, err)
	}

	if requiresLocalFile(interested) {
		path, copyErr := e.materialize(ctx, src, fileExtension(data.Vertex))
		if path != "" {
			defer func() {
				if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
					err = combine(err, newError(KindTempFile, "remove", vertexID, coords, rmErr))
				}
			}()
		}

		if copyErr != nil {
			return newError(KindTempFile, "materialize", vertexID, coords, copyErr)
		}

		f, openErr := os.Open(path)
		if openErr != nil {
			return newError(KindTempFile, "reopen", vertexID, coords, openErr)
		}

		src = f
		data.LocalFile = path

		trace.SpanFromContext(ctx).SetAttributes(attribute.String(otelhelper.LocalFileKey, path))
		logger.DebugContext(ctx, "Materialized stream", "path", path)
	}

	names := make([]string, len(interested))
	for i, rn := range interested {
		names[i] = rn.ID()
	}

	t := tee.New(src, names, tee.WithBufferSize(e.opts.TeeBufferSize))

	views := t.Views()
	inputs := make([]io.ReadCloser, len(views))

	for i, v := range views {
		inputs[i] = v
	}

	items, enqueueErr := e.enqueueAll(ctx, interested, inputs, data)
	if enqueueErr != nil {
		t.Abort(enqueueErr)
	}

	if runErr := t.Run(ctx); runErr != nil && !errors.Is(runErr, enqueueErr) {
		kind := KindStreamOpen
		if ctx.Err() != nil {
			kind = KindCancelled
		}

		enqueueErr = combine(enqueueErr, newError(kind, "read", vertexID, coords, runErr))
	}

	return combine(enqueueErr, e.await(items, data))
}

// interested returns the runners whose analyzer wants the property, in registration order.
func (e *Engine) interested(vertex graph.Vertex, prop *graph.Property, logger *slog.Logger) []*runner.Runner {
	var out []*runner.Runner

	for _, rn := range e.runners {
		if isHandled(rn, vertex, prop, logger) {
			out = append(out, rn)
		}
	}

	return out
}

func isHandled(rn *runner.Runner, vertex graph.Vertex, prop *graph.Property, logger *slog.Logger) (handled bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Analyzer filter panicked", "analyzer", rn.ID(), "panic", p)

			handled = false
		}
	}()

	return rn.Analyzer().IsHandled(vertex, prop)
}

func requiresLocalFile(runners []*runner.Runner) bool {
	for _, rn := range runners {
		if rn.Analyzer().RequiresLocalFile() {
			return true
		}
	}

	return false
}

// enqueueAll queues one item per runner. inputs is nil for inline properties.
// When an enqueue fails, inputs not yet handed to a runner are closed and the
// items already queued are returned alongside the error.
func (e *Engine) enqueueAll(ctx context.Context, runners []*runner.Runner, inputs []io.ReadCloser, data *protocol.WorkData) ([]*runner.Item, error) {
	e.enqueueMu.Lock()
	defer e.enqueueMu.Unlock()

	items := make([]*runner.Item, 0, len(runners))

	for i, rn := range runners {
		var in io.ReadCloser
		if inputs != nil {
			in = inputs[i]
		}

		work := *data

		item, err := rn.Enqueue(ctx, in, &work)
		if err != nil {
			if inputs != nil {
				for _, rest := range inputs[i:] {
					_ = rest.Close()
				}
			}

			return items, newError(KindAnalyzer, "enqueue", data.Vertex.ID(), data.Property.String(),
				fmt.Errorf("analyzer %s: %w", rn.ID(), err))
		}

		items = append(items, item)
	}

	return items, nil
}

// await blocks until every item completes and aggregates their failures.
func (e *Engine) await(items []*runner.Item, data *protocol.WorkData) error {
	var result *multierror.Error

	for _, item := range items {
		<-item.Done()

		if err := item.Err(); err != nil {
			result = multierror.Append(result, fmt.Errorf("analyzer %s: %w", item.RunnerID(), err))
		}
	}

	if result == nil {
		return nil
	}

	return newError(KindAnalyzer, "execute", data.Vertex.ID(), data.Property.String(), result)
}

// materialize copies src to a new temp file and closes src. The returned path
// is non-empty whenever a file was created, even on error. Cancelling ctx
// closes src so a copy parked in a source Read returns.
func (e *Engine) materialize(ctx context.Context, src io.ReadCloser, ext string) (string, error) {
	var closeOnce sync.Once

	closeSrc := func() {
		closeOnce.Do(func() {
			_ = src.Close()
		})
	}

	stop := context.AfterFunc(ctx, closeSrc)
	defer func() {
		stop()
		closeSrc()
	}()

	f, err := os.CreateTemp(e.opts.TempDir, TempFilePrefix+"*."+ext)
	if err != nil {
		return "", err
	}

	path := f.Name()

	if _, err := io.Copy(f, &contextReader{ctx: ctx, r: src}); err != nil {
		_ = f.Close()

		if ctx.Err() != nil {
			return path, context.Cause(ctx)
		}

		return path, err
	}

	if err := f.Close(); err != nil {
		return path, err
	}

	return path, nil
}

// fileExtension returns the sanitized extension recorded on the vertex, or the default.
func fileExtension(v graph.Vertex) string {
	ext, ok := graph.StringValue(v, graph.FileNameExtensionProperty)
	if !ok {
		return DefaultTempFileExtension
	}

	ext = strings.TrimLeft(strings.TrimSpace(ext), ".")
	if ext == "" || len(ext) > 16 {
		return DefaultTempFileExtension
	}

	for _, r := range ext {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-') {
			return DefaultTempFileExtension
		}
	}

	return ext
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

// combine joins errors, skipping nils.
func combine(errs ...error) error {
	var result *multierror.Error

	for _, err := range errs {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if result == nil {
		return nil
	}

	if len(result.Errors) == 1 {
		return result.Errors[0]
	}

	return result
}
