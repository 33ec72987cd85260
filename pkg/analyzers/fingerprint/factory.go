// Package fingerprint hashes streaming content so duplicates can be found.
package fingerprint

import (
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/protocol"
)

const (
	FingerprintProperty   = "fingerprint"
	ContentLengthProperty = "contentLength"
)

func NewAnalyzerFactory() *AnalyzerFactory {
	return &AnalyzerFactory{}
}

type AnalyzerFactory struct{}

func (*AnalyzerFactory) ID() string {
	return "fingerprint"
}

func (*AnalyzerFactory) Name() string {
	return "Fingerprint"
}

func (*AnalyzerFactory) Description() string {
	return "Computes an xxhash64 fingerprint and the length of streaming content"
}

// Create accepts properties, the names of the streaming properties to hash.
func (*AnalyzerFactory) Create(config map[string]any) (protocol.Analyzer, error) {
	names, err := protocol.StringsOption(config, "properties", []string{graph.RawProperty})
	if err != nil {
		return nil, err
	}

	return NewAnalyzer(names...), nil
}
