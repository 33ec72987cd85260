// Package runner hosts one analyzer on its own goroutine behind a bounded FIFO queue.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/dukex/graphproperty/pkg/otelhelper"
	"github.com/dukex/graphproperty/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultQueueSize is the inbound queue capacity used when none is configured.
const DefaultQueueSize = 16

var (
	ErrRunnerStopped    = errors.New("runner stopped")
	ErrRunnerNotStarted = errors.New("runner not started")
	ErrAnalyzerPanic    = errors.New("analyzer panicked")
)

// Status is the lifecycle state of a runner.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// Stats is a point-in-time view of a runner.
type Stats struct {
	ID         string `json:"id"`
	Status     Status `json:"status"`
	QueueDepth int    `json:"queue_depth"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracer sets the tracer used for per-item spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runner) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// Item is one unit of work queued on a runner.
type Item struct {
	ctx  context.Context
	in   io.ReadCloser
	data *protocol.WorkData
	done chan struct{}
	err  error

	runnerID string
}

// Done is closed once the item has been executed or dropped.
func (i *Item) Done() <-chan struct{} {
	return i.done
}

// Err returns the execution error. It is only meaningful after Done is closed.
func (i *Item) Err() error {
	select {
	case <-i.done:
		return i.err
	default:
		return nil
	}
}

// RunnerID returns the id of the runner the item was queued on.
func (i *Item) RunnerID() string {
	return i.runnerID
}

// Runner executes work items for a single analyzer sequentially, in
// insertion order.
type Runner struct {
	id       string
	analyzer protocol.Analyzer
	logger   *slog.Logger
	tracer   trace.Tracer

	// lifecycle guards sends on queue against close in Stop.
	lifecycle sync.RWMutex
	queue     chan *Item
	started   bool
	stopping  bool
	exited    chan struct{}

	// draining mirrors stopping for the runner goroutine, which must not
	// take lifecycle while an Enqueue may be parked on a full queue.
	draining atomic.Bool

	statusMu sync.Mutex
	status   Status

	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a runner for analyzer. A non-positive queueSize uses DefaultQueueSize.
func New(id string, analyzer protocol.Analyzer, queueSize int, logger *slog.Logger, opts ...Option) *Runner {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	r := &Runner{
		id:       id,
		analyzer: analyzer,
		logger:   logger.With("module", "runner", "analyzer", id),
		tracer:   otelhelper.Tracer("graphproperty/runner"),
		queue:    make(chan *Item, queueSize),
		exited:   make(chan struct{}),
		status:   StatusIdle,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Runner) ID() string {
	return r.id
}

func (r *Runner) Analyzer() protocol.Analyzer {
	return r.analyzer
}

// Start launches the runner goroutine.
func (r *Runner) Start(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	if r.stopping {
		return ErrRunnerStopped
	}

	if r.started {
		return fmt.Errorf("runner %s already started", r.id)
	}

	r.started = true

	go r.loop()

	r.logger.DebugContext(ctx, "Runner started")

	return nil
}

// Enqueue places a work item on the queue and returns without waiting for
// execution. It blocks while the queue is full, until ctx is done. in may be
// nil for inline properties; otherwise the runner closes it after execution,
// including when the item is dropped. When Enqueue returns an error, in is
// left to the caller.
func (r *Runner) Enqueue(ctx context.Context, in io.ReadCloser, data *protocol.WorkData) (*Item, error) {
	r.lifecycle.RLock()
	defer r.lifecycle.RUnlock()

	if r.stopping {
		return nil, ErrRunnerStopped
	}

	if !r.started {
		return nil, ErrRunnerNotStarted
	}

	item := &Item{
		ctx:      ctx,
		in:       in,
		data:     data,
		done:     make(chan struct{}),
		runnerID: r.id,
	}

	select {
	case r.queue <- item:
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop refuses new work, drains the queue and waits for the runner goroutine
// to exit or for ctx to be done.
func (r *Runner) Stop(ctx context.Context) error {
	r.lifecycle.Lock()

	if !r.started {
		r.stopping = true
		r.lifecycle.Unlock()
		r.setStatus(StatusStopped)

		return nil
	}

	if !r.stopping {
		r.stopping = true
		r.draining.Store(true)
		close(r.queue)
		r.setStatus(StatusDraining)
	}

	r.lifecycle.Unlock()

	select {
	case <-r.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner %s did not drain: %w", r.id, ctx.Err())
	}
}

// Status returns the current lifecycle state.
func (r *Runner) Status() Status {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	return r.status
}

// Stats returns a snapshot of the runner counters.
func (r *Runner) Stats() Stats {
	return Stats{
		ID:         r.id,
		Status:     r.Status(),
		QueueDepth: len(r.queue),
		Processed:  r.processed.Load(),
		Failed:     r.failed.Load(),
	}
}

func (r *Runner) setStatus(s Status) {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()

	if r.status == StatusStopped {
		return
	}

	r.status = s
}

// settle moves a running runner back to idle, or to draining once Stop was called.
func (r *Runner) settle() {
	if r.draining.Load() {
		r.setStatus(StatusDraining)
	} else {
		r.setStatus(StatusIdle)
	}
}

func (r *Runner) loop() {
	defer func() {
		r.setStatus(StatusStopped)
		close(r.exited)
		r.logger.Debug("Runner stopped", "processed", r.processed.Load(), "failed", r.failed.Load())
	}()

	for item := range r.queue {
		r.setStatus(StatusRunning)
		r.run(item)
		r.settle()
	}
}

func (r *Runner) run(item *Item) {
	defer close(item.done)

	defer func() {
		if item.in != nil {
			_ = item.in.Close()
		}
	}()

	if err := item.ctx.Err(); err != nil {
		item.err = fmt.Errorf("dropped before execution: %w", err)
		r.failed.Add(1)
		r.logger.DebugContext(item.ctx, "Dropped cancelled work item", "message_id", messageID(item.data))

		return
	}

	ctx, span := otelhelper.StartSpan(item.ctx, r.tracer, "graphproperty.analyze",
		attribute.String(otelhelper.AnalyzerIDKey, r.id),
		attribute.String(otelhelper.MessageIDKey, messageID(item.data)),
	)
	defer span.End()

	var in io.Reader
	if item.in != nil {
		in = item.in
	}

	err := r.execute(ctx, in, item.data)
	r.processed.Add(1)

	if err != nil {
		item.err = err
		r.failed.Add(1)
		otelhelper.SetError(span, err)
		r.logger.ErrorContext(ctx, "Analyzer failed", "message_id", messageID(item.data), "error", err)
	}
}

func (r *Runner) execute(ctx context.Context, in io.Reader, data *protocol.WorkData) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrAnalyzerPanic, p)
			r.logger.ErrorContext(ctx, "Analyzer panic", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	return r.analyzer.Execute(ctx, in, data)
}

func messageID(data *protocol.WorkData) string {
	if data == nil {
		return ""
	}

	return data.MessageID
}
