package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/graph/memory"
	"github.com/dukex/graphproperty/pkg/graph/postgresql"
	"github.com/dukex/graphproperty/pkg/graph/redis"
)

// HealthChecker is implemented by graph stores backed by a remote server.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// NewGraph opens the graph store named by the URL scheme: memory://,
// postgres:// (or postgresql://), redis:// (or rediss://).
func NewGraph(ctx context.Context, logger *slog.Logger, graphURL string) (graph.Graph, error) {
	provider := parseGraphProvider(graphURL)
	logger = logger.With("module", "graph", "provider", provider)

	switch provider {
	case "memory":
		return memory.NewGraph(), nil
	case "postgres", "postgresql":
		g, err := postgresql.NewGraph(ctx, logger, graphURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres graph: %w", err)
		}

		return g, nil
	case "redis", "rediss":
		g, err := redis.NewGraph(ctx, logger, graphURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis graph: %w", err)
		}

		return g, nil
	default:
		return nil, fmt.Errorf("unsupported graph provider: %q", provider)
	}
}

func parseGraphProvider(graphURL string) string {
	provider, _, found := strings.Cut(graphURL, "://")
	if !found {
		return ""
	}

	return strings.ToLower(provider)
}
