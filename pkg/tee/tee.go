// Package tee duplicates a single byte stream into independent readable views.
//
// All views share one bounded ring buffer. The source is read exactly once;
// the producer only refills space that every live view has already consumed,
// so the slowest reader paces the rest and memory stays bounded. A view that
// is closed early stops holding the producer back. When every view is closed
// before the source is exhausted, the source is closed and the remainder is
// discarded.
package tee

import (
	"context"
	"errors"
	"io"
	"sync"
)

const (
	// DefaultBufferSize is the ring capacity shared by all views.
	DefaultBufferSize = 1 << 20

	maxChunkSize = 32 << 10
)

// ErrViewClosed is returned by Read on a view that has been closed.
var ErrViewClosed = errors.New("tee: read on closed view")

// Option configures a Stream.
type Option func(*Stream)

// WithBufferSize sets the ring capacity in bytes. Non-positive values keep the default.
func WithBufferSize(size int) Option {
	return func(s *Stream) {
		if size > 0 {
			s.buf = make([]byte, size)
		}
	}
}

// Stream fans one source out to a fixed set of views.
type Stream struct {
	src io.ReadCloser

	mu   sync.Mutex
	cond *sync.Cond
	buf  []byte
	// end is the absolute offset one past the newest buffered byte.
	end int64
	// err is the terminal source state: io.EOF, a read error or a cancellation cause.
	err error
	// aborted is set when err came from cancellation or Abort. Views then stop
	// at once instead of draining the buffered bytes first.
	aborted bool
	views []*View
	live  int

	runOnce   sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates a stream over src with one view per name.
func New(src io.ReadCloser, names []string, opts ...Option) *Stream {
	s := &Stream{src: src}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}

	if s.buf == nil {
		s.buf = make([]byte, DefaultBufferSize)
	}

	s.views = make([]*View, len(names))
	for i, name := range names {
		s.views[i] = &View{stream: s, name: name}
	}

	s.live = len(names)

	return s
}

// Views returns the views in the order of the names given to New.
func (s *Stream) Views() []*View {
	out := make([]*View, len(s.views))
	copy(out, s.views)

	return out
}

// Run pumps the source into the ring until every view has either reached the
// end of the stream or been closed, then closes the source. It returns the
// source read error, if any, or the context error when ctx is cancelled
// first. Cancellation fails every view so blocked readers return, and closes
// the source so a producer parked in a source Read is released.
//
// Run must be called once; later calls return immediately.
func (s *Stream) Run(ctx context.Context) error {
	var err error

	s.runOnce.Do(func() {
		err = s.run(ctx)
	})

	return err
}

func (s *Stream) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.fail(context.Cause(ctx))
		_ = s.closeSource()
	})
	defer stop()

	chunk := make([]byte, min(maxChunkSize, len(s.buf)))

	for {
		s.mu.Lock()
		for s.live > 0 && s.err == nil && s.free() == 0 {
			s.cond.Wait()
		}

		if s.live == 0 || s.err != nil {
			s.mu.Unlock()

			break
		}

		n := min(s.free(), len(chunk))
		s.mu.Unlock()

		read, readErr := s.src.Read(chunk[:n])

		s.mu.Lock()
		if s.err == nil {
			s.write(chunk[:read])

			if readErr != nil {
				s.err = readErr
			}
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}

	s.mu.Lock()
	for !s.settled() {
		s.cond.Wait()
	}
	terminal := s.err
	s.mu.Unlock()

	closeErr := s.closeSource()

	switch {
	case terminal == nil, errors.Is(terminal, io.EOF):
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		return closeErr
	default:
		return terminal
	}
}

func (s *Stream) closeSource() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.src.Close()
	})

	return s.closeErr
}

// Abort fails every view with err and releases the producer.
func (s *Stream) Abort(err error) {
	s.fail(err)
}

func (s *Stream) fail(err error) {
	if err == nil {
		err = context.Canceled
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil || errors.Is(s.err, io.EOF) {
		s.err = err
	}

	s.aborted = true

	s.cond.Broadcast()
}

// free returns the writable space in the ring. Callers hold s.mu.
func (s *Stream) free() int {
	return len(s.buf) - int(s.end-s.minPos())
}

// minPos returns the position of the slowest live view. Callers hold s.mu.
func (s *Stream) minPos() int64 {
	lowest := s.end

	for _, v := range s.views {
		if !v.closed && v.pos < lowest {
			lowest = v.pos
		}
	}

	return lowest
}

// write appends p to the ring. Callers hold s.mu and guarantee len(p) <= free().
func (s *Stream) write(p []byte) {
	size := int64(len(s.buf))

	for len(p) > 0 {
		off := int(s.end % size)
		n := copy(s.buf[off:], p)
		s.end += int64(n)
		p = p[n:]
	}
}

// settled reports whether every view is closed or has observed the terminal
// state. Callers hold s.mu.
func (s *Stream) settled() bool {
	if s.live == 0 {
		return true
	}

	if s.err == nil {
		return false
	}

	if s.aborted {
		return true
	}

	for _, v := range s.views {
		if !v.closed && v.pos < s.end {
			return false
		}
	}

	return true
}

// View is one consumer's read position over a Stream.
type View struct {
	stream *Stream
	name   string
	pos    int64
	closed bool
}

// Name returns the consumer name given to New.
func (v *View) Name() string {
	return v.name
}

// Read implements io.Reader. It blocks until bytes beyond the view's position
// are buffered or the source reaches a terminal state. Bytes buffered before
// a source error are delivered first; the error is returned at the position
// where the source failed.
func (v *View) Read(p []byte) (int, error) {
	s := v.stream

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if v.closed {
			return 0, ErrViewClosed
		}

		if v.pos < s.end && !s.aborted {
			n := v.copyOut(p)
			s.cond.Broadcast()

			return n, nil
		}

		if s.err != nil {
			return 0, s.err
		}

		if len(p) == 0 {
			return 0, nil
		}

		s.cond.Wait()
	}
}

// copyOut copies buffered bytes at the view position into p. Callers hold the stream lock.
func (v *View) copyOut(p []byte) int {
	s := v.stream
	size := int64(len(s.buf))
	total := 0

	for total < len(p) && v.pos < s.end {
		off := int(v.pos % size)
		limit := min(int64(len(s.buf)-off), s.end-v.pos)
		n := copy(p[total:], s.buf[off:int64(off)+limit])
		v.pos += int64(n)
		total += n
	}

	return total
}

// Close detaches the view. The producer stops waiting on it. Closing twice is a no-op.
func (v *View) Close() error {
	s := v.stream

	s.mu.Lock()
	defer s.mu.Unlock()

	if v.closed {
		return nil
	}

	v.closed = true
	s.live--
	s.cond.Broadcast()

	return nil
}
