package testutil

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
)

// Call records one Execute invocation of a FakeAnalyzer.
type Call struct {
	HadInput bool
	Bytes    []byte
	Data     protocol.WorkData
	// LocalFileExisted reports whether WorkData.LocalFile was on disk during Execute.
	LocalFileExisted bool
	Started          time.Time
	Finished         time.Time
}

// FakeAnalyzer is a configurable protocol.Analyzer.
type FakeAnalyzer struct {
	// Handles decides IsHandled; nil means every property.
	Handles func(graph.Vertex, *graph.Property) bool
	// LocalFile is returned by RequiresLocalFile.
	LocalFile bool
	// ReadLimit stops reading after this many bytes; zero reads everything.
	ReadLimit int
	// Delay is slept after each read chunk.
	Delay time.Duration
	// Err is returned from Execute after reading.
	Err error
	// PrepareErr is returned from Prepare.
	PrepareErr error
	// OnExecute runs after reading and before returning.
	OnExecute func(ctx context.Context, data *protocol.WorkData) error

	mu       sync.Mutex
	calls    []Call
	prepared *protocol.PrepareData
}

var _ protocol.Analyzer = (*FakeAnalyzer)(nil)

func (f *FakeAnalyzer) Prepare(_ context.Context, data protocol.PrepareData) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.prepared = &data

	return f.PrepareErr
}

func (f *FakeAnalyzer) IsHandled(v graph.Vertex, p *graph.Property) bool {
	if f.Handles == nil {
		return true
	}

	return f.Handles(v, p)
}

func (f *FakeAnalyzer) RequiresLocalFile() bool {
	return f.LocalFile
}

func (f *FakeAnalyzer) Execute(ctx context.Context, in io.Reader, data *protocol.WorkData) error {
	call := Call{HadInput: in != nil, Data: *data, Started: time.Now()}

	if data.LocalFile != "" {
		_, err := os.Stat(data.LocalFile)
		call.LocalFileExisted = err == nil
	}

	var readErr error

	if in != nil {
		call.Bytes, readErr = f.read(in)
	}

	var execErr error
	if f.OnExecute != nil {
		execErr = f.OnExecute(ctx, data)
	}

	call.Finished = time.Now()

	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	switch {
	case readErr != nil:
		return readErr
	case execErr != nil:
		return execErr
	default:
		return f.Err
	}
}

func (f *FakeAnalyzer) read(in io.Reader) ([]byte, error) {
	var out []byte

	buf := make([]byte, 128)

	for f.ReadLimit == 0 || len(out) < f.ReadLimit {
		chunk := buf
		if f.ReadLimit > 0 {
			chunk = buf[:min(len(buf), f.ReadLimit-len(out))]
		}

		n, err := in.Read(chunk)
		out = append(out, chunk[:n]...)

		if f.Delay > 0 {
			time.Sleep(f.Delay)
		}

		if err == io.EOF {
			return out, nil
		}

		if err != nil {
			return out, err
		}
	}

	return out, nil
}

// Calls returns the recorded Execute invocations.
func (f *FakeAnalyzer) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]Call, len(f.calls))
	copy(out, f.calls)

	return out
}

// Prepared returns the data passed to Prepare, or nil.
func (f *FakeAnalyzer) Prepared() *protocol.PrepareData {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.prepared
}

// FakeFactory wraps a fixed analyzer as a protocol.AnalyzerFactory.
type FakeFactory struct {
	FactoryID string
	Analyzer  protocol.Analyzer
	CreateErr error
	Configs   []map[string]any
}

func (f *FakeFactory) ID() string          { return f.FactoryID }
func (f *FakeFactory) Name() string        { return "Fake " + f.FactoryID }
func (f *FakeFactory) Description() string { return "Test analyzer" }

func (f *FakeFactory) Create(config map[string]any) (protocol.Analyzer, error) {
	f.Configs = append(f.Configs, config)

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	return f.Analyzer, nil
}
