package fingerprint

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/cespare/xxhash/v2"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
)

type Analyzer struct {
	properties []string
	logger     *slog.Logger
}

func NewAnalyzer(properties ...string) *Analyzer {
	return &Analyzer{properties: properties, logger: slog.Default()}
}

func (a *Analyzer) Prepare(_ context.Context, data protocol.PrepareData) error {
	if data.Logger != nil {
		a.logger = data.Logger
	}

	return nil
}

func (a *Analyzer) IsHandled(_ graph.Vertex, property *graph.Property) bool {
	if !slices.Contains(a.properties, property.Name) {
		return false
	}

	_, streaming := property.Streaming()

	return streaming
}

func (a *Analyzer) RequiresLocalFile() bool {
	return false
}

// Execute hashes the whole stream. The results are keyed like the source
// property, so a replay overwrites them with the same values.
func (a *Analyzer) Execute(ctx context.Context, in io.Reader, data *protocol.WorkData) error {
	digest := xxhash.New()

	n, err := io.Copy(digest, in)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", data.Property.String(), err)
	}

	sum := fmt.Sprintf("%016x", digest.Sum64())

	a.logger.DebugContext(ctx, "Fingerprinted content", "vertex_id", data.Vertex.ID(), "bytes", n, "fingerprint", sum)

	key, visibility := data.Property.Key, data.Property.Visibility
	data.Write(key, FingerprintProperty, sum, visibility)
	data.Write(key, ContentLengthProperty, n, visibility)

	return nil
}
