// Package archive lists the entries of zip archives.
package archive

import (
	"github.com/dukex/graphproperty/pkg/protocol"
)

const (
	EntriesProperty    = "archiveEntries"
	EntryCountProperty = "archiveEntryCount"

	// DefaultMaxEntries caps how many entry names are recorded.
	DefaultMaxEntries = 1000
)

func NewAnalyzerFactory() *AnalyzerFactory {
	return &AnalyzerFactory{}
}

type AnalyzerFactory struct{}

func (*AnalyzerFactory) ID() string {
	return "archive"
}

func (*AnalyzerFactory) Name() string {
	return "Archive entries"
}

func (*AnalyzerFactory) Description() string {
	return "Lists the files stored in zip archives"
}

// Create accepts max_entries, the cap on recorded entry names. The entry
// count is always exact.
func (*AnalyzerFactory) Create(config map[string]any) (protocol.Analyzer, error) {
	maxEntries, err := protocol.IntOption(config, "max_entries", DefaultMaxEntries)
	if err != nil {
		return nil, err
	}

	return NewAnalyzer(maxEntries), nil
}
