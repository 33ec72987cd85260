package textnormalize

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
	"golang.org/x/text/unicode/norm"
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

	_, ok := property.Value.(string)

	return ok
}

func (a *Analyzer) RequiresLocalFile() bool {
	return false
}

// Execute writes <name>Normalized next to the source property. in is nil for
// inline values.
func (a *Analyzer) Execute(ctx context.Context, _ io.Reader, data *protocol.WorkData) error {
	text, _ := data.Property.Value.(string)

	normalized := Normalize(text)

	a.logger.DebugContext(ctx, "Normalized text",
		"vertex_id", data.Vertex.ID(),
		"property", data.Property.String(),
		"changed", normalized != text,
	)

	data.Write(data.Property.Key, data.Property.Name+NormalizedSuffix, normalized, data.Property.Visibility)

	return nil
}

// Normalize applies NFKC and collapses runs of whitespace into single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(norm.NFKC.String(s)), " ")
}
