package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/graphproperty/pkg/cmd"
	"github.com/dukex/graphproperty/pkg/config"
	"github.com/dukex/graphproperty/pkg/dispatch"
	"github.com/dukex/graphproperty/pkg/eventbus"
	"github.com/dukex/graphproperty/pkg/graph"
	"github.com/dukex/graphproperty/pkg/identity"
	"github.com/dukex/graphproperty/pkg/log"
	"github.com/dukex/graphproperty/pkg/metrics"
	"github.com/dukex/graphproperty/pkg/otelhelper"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/registry"
	"github.com/dukex/graphproperty/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Worker owns the bus, graph and analyzers of one process.
type Worker struct {
	cfg       *config.Config
	graph     graph.Graph
	bus       eventbus.Bus
	registry  *registry.Registry
	prom      *prometheus.Registry
	tracer    trace.Tracer
	adminAddr string
	logger    *slog.Logger

	// ready is closed once the worker subscribed to the bus.
	ready chan struct{}

	// abortDeliveries cancels in-flight notifications that outlast the
	// shutdown timeout.
	abortDeliveries context.CancelFunc
}

func NewWorker(
	cfg *config.Config,
	g graph.Graph,
	bus eventbus.Bus,
	reg *registry.Registry,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		cfg:      cfg,
		graph:    g,
		bus:      bus,
		registry: reg,
		prom:     prometheus.NewRegistry(),
		logger:   logger,
		ready:    make(chan struct{}),
	}
}

func runAction(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("graphproperty-worker").With("worker_id", workerID)

	logger.InfoContext(ctx, "Initializing graph property worker", "version", version)

	cfg, err := loadConfig(command)
	if err != nil {
		return err
	}

	var tracer trace.Tracer

	if command.Bool("tracing") {
		t, shutdown, err := otelhelper.NewTracer(ctx, "graphproperty-worker")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("Failed to shutdown tracer provider", "error", err)
			}
		}()

		tracer = t
	}

	reg, err := cmd.NewRegistry(logger, version, command.String("plugins-path"))
	if err != nil {
		return err
	}

	g, err := cmd.NewGraph(ctx, logger, command.String("graph-url"))
	if err != nil {
		return err
	}

	bus, err := cmd.NewEventBus(cmd.EventBusOptions{
		Provider:      command.String("event-bus"),
		Brokers:       command.String("kafka-brokers"),
		ConsumerGroup: command.String("consumer-group"),
		WatermillOptions: eventbus.WatermillOptions{
			InputTopic:  command.String("input-topic"),
			OutputTopic: command.String("output-topic"),
			Dispatchers: command.Int("dispatchers"),
		},
	}, logger)
	if err != nil {
		if closeErr := g.Close(); closeErr != nil {
			logger.Error("Failed to close graph", "error", closeErr)
		}

		return err
	}

	worker := NewWorker(cfg, g, bus, reg, logger)
	worker.adminAddr = command.String("admin-addr")
	worker.tracer = tracer

	return worker.Run(ctx)
}

// Run starts the analyzers, subscribes to the bus and blocks until ctx is
// done or the admin server fails. Everything is shut down before it returns.
func (w *Worker) Run(ctx context.Context) error {
	store := w.cfg.IdentityStore()

	user, auths, err := identity.Resolve(ctx, store, store, w.cfg.User)
	if err != nil {
		return errors.Join(err, w.bus.Close(), w.closeGraph())
	}

	w.logger.InfoContext(ctx, "Resolved identity", "user", user.Username, "authorizations", len(auths))

	err = w.registry.Start(ctx, protocol.PrepareData{
		Config:         w.cfg.Map(),
		User:           user,
		Authorizations: auths,
		Graph:          w.graph,
		Logger:         w.logger,
	}, registry.StartOptions{
		QueueSize:      w.cfg.QueueSize,
		AnalyzerConfig: w.cfg.Analyzers,
		Tracer:         w.tracer,
	})
	if err != nil {
		return errors.Join(err, w.bus.Close(), w.closeGraph())
	}

	m, err := metrics.New(w.cfg.MetricsPrefix, w.prom)
	if err != nil {
		return errors.Join(err, w.shutdown())
	}

	engine := dispatch.NewEngine(w.graph, auths, w.registry.Runners(), m, w.logger, dispatch.Options{
		TeeBufferSize: w.cfg.TeeBufferSize,
		TempDir:       w.cfg.TempDir,
		Publisher:     w.bus,
		Tracer:        w.tracer,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	// Deliveries are detached from the run context so a stop signal lets
	// in-flight notifications finish; bus.Close ends consumption.
	deliveryCtx, abortDeliveries := context.WithCancel(context.WithoutCancel(groupCtx))
	defer abortDeliveries()

	w.abortDeliveries = abortDeliveries

	if err := w.bus.Subscribe(deliveryCtx, engine); err != nil {
		return errors.Join(err, w.shutdown())
	}

	close(w.ready)

	w.logger.InfoContext(ctx, "Worker started", "analyzers", len(w.registry.Runners()))

	if w.adminAddr != "" {
		app := web.NewAdminHandlers(w.logger, w.registry, w.prom, w.readinessChecks()...).App()

		group.Go(func() error {
			return app.Listen(w.adminAddr, fiber.ListenConfig{
				GracefulContext:       groupCtx,
				ShutdownTimeout:       shutdownTimeout,
				DisableStartupMessage: true,
				OnShutdownError: func(err error) {
					w.logger.Error("Failed to shutdown admin server", "error", err)
				},
			})
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()

		return nil
	})

	runErr := group.Wait()

	w.logger.Info("Shutting down worker")

	return errors.Join(runErr, w.shutdown())
}

func (w *Worker) readinessChecks() []web.ReadinessCheck {
	var checks []web.ReadinessCheck

	if hc, ok := w.graph.(cmd.HealthChecker); ok {
		checks = append(checks, hc.HealthCheck)
	}

	return checks
}

// shutdown stops consuming first so in-flight notifications finish, then
// drains the analyzers and finally closes the graph. Notifications still
// running after shutdownTimeout are cancelled and nacked.
func (w *Worker) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if w.abortDeliveries != nil {
		stop := context.AfterFunc(ctx, w.abortDeliveries)
		defer stop()
	}

	var errs []error

	if err := w.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close event bus: %w", err))
	}

	if err := w.registry.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop analyzers: %w", err))
	}

	if err := w.closeGraph(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (w *Worker) closeGraph() error {
	if err := w.graph.Close(); err != nil {
		return fmt.Errorf("failed to close graph: %w", err)
	}

	return nil
}
