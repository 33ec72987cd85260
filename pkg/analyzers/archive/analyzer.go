package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/klauspost/compress/zip"
)

var ErrNoLocalFile = errors.New("archive analyzer needs a local file")

// Analyzer needs random access to the central directory, so it works on the
// materialized local file and ignores the stream.
type Analyzer struct {
	maxEntries int
	logger     *slog.Logger
}

func NewAnalyzer(maxEntries int) *Analyzer {
	return &Analyzer{maxEntries: maxEntries, logger: slog.Default()}
}

func (a *Analyzer) Prepare(_ context.Context, data protocol.PrepareData) error {
	if data.Logger != nil {
		a.logger = data.Logger
	}

	return nil
}

func (a *Analyzer) IsHandled(vertex graph.Vertex, property *graph.Property) bool {
	if property.Name != graph.RawProperty {
		return false
	}

	if _, streaming := property.Streaming(); !streaming {
		return false
	}

	ext, _ := graph.StringValue(vertex, graph.FileNameExtensionProperty)

	return strings.EqualFold(strings.TrimPrefix(ext, "."), "zip")
}

func (a *Analyzer) RequiresLocalFile() bool {
	return true
}

func (a *Analyzer) Execute(ctx context.Context, _ io.Reader, data *protocol.WorkData) error {
	if data.LocalFile == "" {
		return ErrNoLocalFile
	}

	archive, err := zip.OpenReader(data.LocalFile)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	var (
		names []string
		count int
	)

	for _, f := range archive.File {
		if f.FileInfo().IsDir() {
			continue
		}

		count++

		if len(names) < a.maxEntries {
			names = append(names, f.Name)
		}
	}

	a.logger.DebugContext(ctx, "Listed archive", "vertex_id", data.Vertex.ID(), "entries", count)

	key, visibility := data.Property.Key, data.Property.Visibility
	data.Write(key, EntriesProperty, strings.Join(names, "\n"), visibility)
	data.Write(key, EntryCountProperty, count, visibility)

	return nil
}
