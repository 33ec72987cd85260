package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/graphproperty/pkg/analyzers/archive"
	"github.com/dukex/graphproperty/pkg/analyzers/fingerprint"
	"github.com/dukex/graphproperty/pkg/analyzers/mimetype"
	"github.com/dukex/graphproperty/pkg/analyzers/textnormalize"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/registry"
)

// NativeAnalyzers returns the analyzers compiled into the binary, in startup order.
func NativeAnalyzers() []protocol.AnalyzerFactory {
	return []protocol.AnalyzerFactory{
		mimetype.NewAnalyzerFactory(),
		fingerprint.NewAnalyzerFactory(),
		archive.NewAnalyzerFactory(),
		textnormalize.NewAnalyzerFactory(),
	}
}

// NewRegistry registers the native analyzers followed by the plugins found
// under pluginsPath. An empty pluginsPath skips plugin loading.
func NewRegistry(log *slog.Logger, hostVersion, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(log, hostVersion)

	factories := NativeAnalyzers()

	if pluginsPath != "" {
		plugins, err := reg.LoadAnalyzerPlugins(pluginsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load analyzer plugins: %w", err)
		}

		factories = append(factories, plugins...)
	}

	for _, factory := range factories {
		if err := reg.RegisterAnalyzer(factory); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
