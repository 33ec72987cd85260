// Package mimetype detects the media type of raw content from its leading bytes.
package mimetype

import (
	"github.com/dukex/graphproperty/pkg/protocol"
)

const (
	// DefaultSniffBytes is how much of the stream is read before detection.
	DefaultSniffBytes = 3072

	// MimeTypeProperty is the property written with the detected type.
	MimeTypeProperty = "mimeType"
)

func NewAnalyzerFactory() *AnalyzerFactory {
	return &AnalyzerFactory{}
}

type AnalyzerFactory struct{}

func (*AnalyzerFactory) ID() string {
	return "mimetype"
}

func (*AnalyzerFactory) Name() string {
	return "MIME type"
}

func (*AnalyzerFactory) Description() string {
	return "Detects the media type of raw content from its first bytes"
}

// Create accepts sniff_bytes, the number of leading bytes to inspect.
func (*AnalyzerFactory) Create(config map[string]any) (protocol.Analyzer, error) {
	sniff, err := protocol.IntOption(config, "sniff_bytes", DefaultSniffBytes)
	if err != nil {
		return nil, err
	}

	if sniff == 0 {
		sniff = DefaultSniffBytes
	}

	return NewAnalyzer(sniff), nil
}
