package tee_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/graphproperty/pkg/tee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackingSource struct {
	r      io.Reader
	reads  atomic.Int64
	closed atomic.Bool
	err    error
}

func (s *trackingSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.reads.Add(int64(n))

	if errors.Is(err, io.EOF) && s.err != nil {
		return n, s.err
	}

	return n, err
}

func (s *trackingSource) Close() error {
	s.closed.Store(true)

	return nil
}

func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}

	return b
}

func runWithDeadline(t *testing.T, stream *tee.Stream, consume func(v *tee.View) error) ([]error, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	views := stream.Views()
	errs := make([]error, len(views))

	var wg sync.WaitGroup
	for i, v := range views {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = consume(v)
		}()
	}

	runErr := stream.Run(ctx)

	wg.Wait()
	require.NoError(t, ctx.Err(), "stream wedged")

	return errs, runErr
}

func TestStream_EveryViewSeesFullContent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		size       int
		views      int
		bufferSize int
	}{
		{name: "single view", size: 1000, views: 1, bufferSize: 64},
		{name: "two views larger than buffer", size: 10_000, views: 2, bufferSize: 128},
		{name: "many views", size: 100_000, views: 5, bufferSize: 4096},
		{name: "buffer of one byte", size: 300, views: 3, bufferSize: 1},
		{name: "default buffer", size: 50_000, views: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			data := sequence(tt.size)
			src := &trackingSource{r: bytes.NewReader(data)}

			names := make([]string, tt.views)
			for i := range names {
				names[i] = "w"
			}

			stream := tee.New(src, names, tee.WithBufferSize(tt.bufferSize))

			var mu sync.Mutex
			got := make([][]byte, 0, tt.views)

			errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
				defer v.Close()

				b, err := io.ReadAll(v)

				mu.Lock()
				got = append(got, b)
				mu.Unlock()

				return err
			})

			require.NoError(t, runErr)

			for _, err := range errs {
				require.NoError(t, err)
			}

			require.Len(t, got, tt.views)

			for _, b := range got {
				assert.Equal(t, data, b)
			}

			assert.Equal(t, int64(tt.size), src.reads.Load(), "source must be read exactly once")
			assert.True(t, src.closed.Load())
		})
	}
}

func TestStream_EmptySource(t *testing.T) {
	t.Parallel()

	src := &trackingSource{r: bytes.NewReader(nil)}
	stream := tee.New(src, []string{"a", "b"}, tee.WithBufferSize(16))

	errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		b, err := io.ReadAll(v)
		if len(b) != 0 {
			return errors.New("expected no bytes")
		}

		return err
	})

	require.NoError(t, runErr)
	assert.Equal(t, []error{nil, nil}, errs)
	assert.True(t, src.closed.Load())
}

func TestStream_EarlyCloseDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	data := sequence(20_000)
	src := &trackingSource{r: bytes.NewReader(data)}
	stream := tee.New(src, []string{"prefix", "full"}, tee.WithBufferSize(256))

	var full []byte

	errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		if v.Name() == "prefix" {
			buf := make([]byte, 10)
			_, err := io.ReadFull(v, buf)

			return err
		}

		b, err := io.ReadAll(v)
		full = b

		return err
	})

	require.NoError(t, runErr)
	assert.Equal(t, []error{nil, nil}, errs)
	assert.Equal(t, data, full)
	assert.True(t, src.closed.Load())
}

func TestStream_AllViewsCloseEarlyClosesSource(t *testing.T) {
	t.Parallel()

	src := &trackingSource{r: bytes.NewReader(sequence(1 << 20))}
	stream := tee.New(src, []string{"a", "b"}, tee.WithBufferSize(1024))

	_, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		buf := make([]byte, 100)
		_, err := io.ReadFull(v, buf)

		return err
	})

	require.NoError(t, runErr)
	assert.True(t, src.closed.Load())
	assert.Less(t, src.reads.Load(), int64(1<<20), "remaining bytes should be discarded")
}

func TestStream_SlowConsumerBoundsBuffer(t *testing.T) {
	t.Parallel()

	const bufferSize = 512

	data := sequence(8192)
	src := &trackingSource{r: bytes.NewReader(data)}
	stream := tee.New(src, []string{"slow", "fast"}, tee.WithBufferSize(bufferSize))

	var slowPos atomic.Int64

	var maxLead atomic.Int64

	errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		var out bytes.Buffer

		buf := make([]byte, 64)

		for {
			n, err := v.Read(buf)
			out.Write(buf[:n])

			if v.Name() == "slow" {
				slowPos.Add(int64(n))
				time.Sleep(time.Millisecond)
			} else if lead := src.reads.Load() - slowPos.Load(); lead > maxLead.Load() {
				maxLead.Store(lead)
			}

			if errors.Is(err, io.EOF) {
				break
			}

			if err != nil {
				return err
			}
		}

		if !bytes.Equal(data, out.Bytes()) {
			return errors.New("content mismatch")
		}

		return nil
	})

	require.NoError(t, runErr)
	assert.Equal(t, []error{nil, nil}, errs)
	// slowPos is published after each read returns, so allow one read of slack.
	assert.LessOrEqual(t, maxLead.Load(), int64(bufferSize+64), "producer ran ahead of the slowest view")
}

func TestStream_SourceErrorReachesEveryView(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	src := &trackingSource{r: bytes.NewReader(sequence(100)), err: boom}
	stream := tee.New(src, []string{"a", "b", "c"}, tee.WithBufferSize(32))

	errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		_, err := io.ReadAll(v)

		return err
	})

	require.ErrorIs(t, runErr, boom)

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	assert.True(t, src.closed.Load())
}

func TestStream_CancellationUnblocksReaders(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close()

	stream := tee.New(pr, []string{"a"}, tee.WithBufferSize(16))
	view := stream.Views()[0]

	ctx, cancel := context.WithCancel(context.Background())

	readErr := make(chan error, 1)

	go func() {
		_, err := io.ReadAll(view)
		readErr <- err
	}()

	runErr := make(chan error, 1)

	go func() {
		runErr <- stream.Run(ctx)
	}()

	_, err := pw.Write([]byte("partial"))
	require.NoError(t, err)

	cancel()

	select {
	case err := <-readErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("reader not released by cancellation")
	}

	select {
	case err := <-runErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestView_ReadAfterClose(t *testing.T) {
	t.Parallel()

	stream := tee.New(io.NopCloser(bytes.NewReader([]byte("abc"))), []string{"a"})
	view := stream.Views()[0]

	require.NoError(t, view.Close())
	require.NoError(t, view.Close())

	_, err := view.Read(make([]byte, 1))
	assert.ErrorIs(t, err, tee.ErrViewClosed)

	require.NoError(t, stream.Run(context.Background()))
}

// failingSource yields data, then err, and closes failed once err was returned.
type failingSource struct {
	r      io.Reader
	err    error
	failed chan struct{}
	once   sync.Once
}

func (s *failingSource) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		s.once.Do(func() { close(s.failed) })

		return n, s.err
	}

	return n, err
}

func (s *failingSource) Close() error {
	return nil
}

func TestStream_SourceErrorAfterBufferedBytes(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk read failed")
	data := sequence(100)
	src := &failingSource{r: bytes.NewReader(data), err: boom, failed: make(chan struct{})}
	stream := tee.New(src, []string{"a", "b"}, tee.WithBufferSize(256))

	var mu sync.Mutex

	got := make(map[string][]byte)

	errs, runErr := runWithDeadline(t, stream, func(v *tee.View) error {
		defer v.Close()

		// Start reading only once the producer stored both the bytes and the error.
		<-src.failed

		b, err := io.ReadAll(v)

		mu.Lock()
		got[v.Name()] = b
		mu.Unlock()

		return err
	})

	require.ErrorIs(t, runErr, boom)

	for _, err := range errs {
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, data, got["a"])
	assert.Equal(t, data, got["b"])
}

func TestStream_AbortFailsViews(t *testing.T) {
	t.Parallel()

	stream := tee.New(io.NopCloser(bytes.NewReader(sequence(10))), []string{"a"}, tee.WithBufferSize(64))
	view := stream.Views()[0]

	aborted := errors.New("enqueue failed")
	stream.Abort(aborted)

	_, err := view.Read(make([]byte, 10))
	require.ErrorIs(t, err, aborted)

	require.ErrorIs(t, stream.Run(context.Background()), aborted)
}
