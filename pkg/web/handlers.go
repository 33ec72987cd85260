// Package web serves the worker's admin HTTP surface: health probes,
// Prometheus metrics and the analyzer listing.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/runner"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// readinessTimeout bounds a single readiness probe.
const readinessTimeout = 2 * time.Second

// AnalyzerSource exposes the registered analyzers. *registry.Registry implements it.
type AnalyzerSource interface {
	Factories() []protocol.AnalyzerFactory
	Runner(id string) (*runner.Runner, bool)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type AdminHandlers struct {
	logger   *slog.Logger
	source   AnalyzerSource
	gatherer prometheus.Gatherer
	checks   []ReadinessCheck
}

func NewAdminHandlers(logger *slog.Logger, source AnalyzerSource, gatherer prometheus.Gatherer, checks ...ReadinessCheck) *AdminHandlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &AdminHandlers{
		logger:   logger.With("module", "web"),
		source:   source,
		gatherer: gatherer,
		checks:   checks,
	}
}

// App builds the fiber application with every admin route mounted.
func (h *AdminHandlers) App() *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:      "graphproperty-admin",
		ErrorHandler: errorHandler,
	})

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker(healthcheck.Config{
		Probe: h.ready,
	}))

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	a := app.Group("/analyzers")
	a.Get("/", h.GetAnalyzers)
	a.Get("/:id", h.GetAnalyzer)

	return app
}

func (h *AdminHandlers) ready(c fiber.Ctx) bool {
	ctx, cancel := context.WithTimeout(c.Context(), readinessTimeout)
	defer cancel()

	for _, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "Readiness check failed", "error", err)

			return false
		}
	}

	return true
}

func (h *AdminHandlers) GetAnalyzers(c fiber.Ctx) error {
	factories := h.source.Factories()
	analyzers := make([]AnalyzerResponse, 0, len(factories))

	for _, factory := range factories {
		analyzers = append(analyzers, h.describe(factory))
	}

	return c.JSON(AnalyzersResponse{Analyzers: analyzers, TotalCount: len(analyzers)})
}

func (h *AdminHandlers) GetAnalyzer(c fiber.Ctx) error {
	id := c.Params("id")

	for _, factory := range h.source.Factories() {
		if factory.ID() == id {
			return c.JSON(h.describe(factory))
		}
	}

	return notFound(c, "analyzer not found: "+id)
}

func (h *AdminHandlers) describe(factory protocol.AnalyzerFactory) AnalyzerResponse {
	resp := AnalyzerResponse{
		ID:          factory.ID(),
		Name:        factory.Name(),
		Description: factory.Description(),
	}

	if rn, ok := h.source.Runner(factory.ID()); ok {
		stats := rn.Stats()
		resp.Runner = &stats
		resp.RequiresLocalFile = rn.Analyzer().RequiresLocalFile()
	}

	return resp
}
