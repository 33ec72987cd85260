package mimetype

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/gabriel-vasile/mimetype"
)

// Analyzer reads only the head of the stream and leaves the rest unread.
type Analyzer struct {
	sniffBytes int
	logger     *slog.Logger
}

func NewAnalyzer(sniffBytes int) *Analyzer {
	return &Analyzer{sniffBytes: sniffBytes, logger: slog.Default()}
}

func (a *Analyzer) Prepare(_ context.Context, data protocol.PrepareData) error {
	if data.Logger != nil {
		a.logger = data.Logger
	}

	return nil
}

func (a *Analyzer) IsHandled(_ graph.Vertex, property *graph.Property) bool {
	if property.Name != graph.RawProperty {
		return false
	}

	_, streaming := property.Streaming()

	return streaming
}

func (a *Analyzer) RequiresLocalFile() bool {
	return false
}

func (a *Analyzer) Execute(ctx context.Context, in io.Reader, data *protocol.WorkData) error {
	head, err := io.ReadAll(io.LimitReader(in, int64(a.sniffBytes)))
	if err != nil {
		return fmt.Errorf("failed to read content head: %w", err)
	}

	detected := mimetype.Detect(head).String()

	a.logger.DebugContext(ctx, "Detected mime type",
		"vertex_id", data.Vertex.ID(),
		"mime_type", detected,
		"sniffed", len(head),
	)

	data.Write(data.Property.Key, MimeTypeProperty, detected, data.Property.Visibility)

	return nil
}
