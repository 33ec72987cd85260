// Package textnormalize writes NFKC-normalized copies of inline text properties.
package textnormalize

import (
	"github.com/dukex/graphproperty/pkg/protocol"
)

// NormalizedSuffix is appended to the source property name.
const NormalizedSuffix = "Normalized"

// DefaultProperties are the inline properties normalized when none are configured.
var DefaultProperties = []string{"title", "text"}

func NewAnalyzerFactory() *AnalyzerFactory {
	return &AnalyzerFactory{}
}

type AnalyzerFactory struct{}

func (*AnalyzerFactory) ID() string {
	return "textnormalize"
}

func (*AnalyzerFactory) Name() string {
	return "Text normalization"
}

func (*AnalyzerFactory) Description() string {
	return "Applies Unicode NFKC normalization and collapses whitespace in text properties"
}

// Create accepts properties, the inline property names to normalize.
func (*AnalyzerFactory) Create(config map[string]any) (protocol.Analyzer, error) {
	names, err := protocol.StringsOption(config, "properties", DefaultProperties)
	if err != nil {
		return nil, err
	}

	return NewAnalyzer(names...), nil
}
