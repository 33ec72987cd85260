// Package registry assembles the fixed set of analyzers known to the process
// and hosts each of them on a runner.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/runner"
	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/trace"
)

// AnalyzerSymbol is the symbol an analyzer plugin must export.
const AnalyzerSymbol = "Analyzer"

var (
	ErrAlreadyRegistered = errors.New("analyzer already registered")
	ErrRegistryStarted   = errors.New("registry already started")
	ErrIncompatible      = errors.New("analyzer incompatible with host version")
)

// StartOptions configures Start.
type StartOptions struct {
	// QueueSize is the inbound queue capacity of every runner.
	QueueSize int

	// AnalyzerConfig holds per-analyzer options keyed by analyzer id.
	AnalyzerConfig map[string]map[string]any

	Tracer trace.Tracer
}

type Registry struct {
	logger      *slog.Logger
	hostVersion string

	mu        sync.RWMutex
	factories []protocol.AnalyzerFactory
	runners   []*runner.Runner
	started   bool
}

// NewRegistry creates an empty registry. hostVersion is checked against the
// constraints declared by version constrained factories.
func NewRegistry(log *slog.Logger, hostVersion string) *Registry {
	return &Registry{
		logger:      log.With("module", "registry"),
		hostVersion: hostVersion,
	}
}

// RegisterAnalyzer adds a factory. Registration order is startup order.
func (r *Registry) RegisterAnalyzer(factory protocol.AnalyzerFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRegistryStarted
	}

	id := factory.ID()

	if slices.ContainsFunc(r.factories, func(f protocol.AnalyzerFactory) bool { return f.ID() == id }) {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, id)
	}

	if err := r.validateVersion(factory); err != nil {
		return fmt.Errorf("analyzer %s: %w", id, err)
	}

	r.factories = append(r.factories, factory)

	return nil
}

// LoadAnalyzerPlugins opens every <pluginsPath>/analyzers/**/*.so and
// returns the factories they export.
func (r *Registry) LoadAnalyzerPlugins(pluginsPath string) ([]protocol.AnalyzerFactory, error) {
	return loadPlugin[protocol.AnalyzerFactory](r.logger, pluginsPath, AnalyzerSymbol)
}

// Factories returns the registered factories in registration order.
func (r *Registry) Factories() []protocol.AnalyzerFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.factories)
}

// Start creates, prepares and starts one runner per registered analyzer. On
// failure, runners already started are stopped and the registry stays unstarted.
func (r *Registry) Start(ctx context.Context, data protocol.PrepareData, opts StartOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRegistryStarted
	}

	if data.Logger == nil {
		data.Logger = r.logger
	}

	runners := make([]*runner.Runner, 0, len(r.factories))

	for _, factory := range r.factories {
		rn, err := r.startOne(ctx, factory, data, opts)
		if err != nil {
			stopErr := stopAll(ctx, runners)

			return multierror.Append(err, stopErr).ErrorOrNil()
		}

		runners = append(runners, rn)
	}

	r.runners = runners
	r.started = true

	r.logger.InfoContext(ctx, "Analyzers started", "count", len(runners))

	return nil
}

func (r *Registry) startOne(ctx context.Context, factory protocol.AnalyzerFactory, data protocol.PrepareData, opts StartOptions) (*runner.Runner, error) {
	id := factory.ID()

	analyzer, err := factory.Create(opts.AnalyzerConfig[id])
	if err != nil {
		return nil, fmt.Errorf("failed to create analyzer %s: %w", id, err)
	}

	prepare := data
	prepare.Logger = data.Logger.With("analyzer", id)

	if err := analyzer.Prepare(ctx, prepare); err != nil {
		return nil, fmt.Errorf("failed to prepare analyzer %s: %w", id, err)
	}

	rn := runner.New(id, analyzer, opts.QueueSize, r.logger, runner.WithTracer(opts.Tracer))
	if err := rn.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start runner %s: %w", id, err)
	}

	r.logger.DebugContext(ctx, "Analyzer ready", "analyzer", id, "requires_local_file", analyzer.RequiresLocalFile())

	return rn, nil
}

// Runners returns the started runners in registration order.
func (r *Registry) Runners() []*runner.Runner {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.runners)
}

// Runner returns the runner hosting the analyzer with the given id.
func (r *Registry) Runner(id string) (*runner.Runner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rn := range r.runners {
		if rn.ID() == id {
			return rn, true
		}
	}

	return nil, false
}

// Stop stops every runner in reverse registration order. Each runner drains
// its queue before the next one is stopped.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.RLock()
	runners := slices.Clone(r.runners)
	r.mu.RUnlock()

	err := stopAll(ctx, runners)
	if err == nil {
		r.logger.InfoContext(ctx, "Analyzers stopped", "count", len(runners))
	}

	return err
}

func stopAll(ctx context.Context, runners []*runner.Runner) error {
	var result *multierror.Error

	for _, rn := range slices.Backward(runners) {
		if err := rn.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

func (r *Registry) validateVersion(factory protocol.AnalyzerFactory) error {
	vc, ok := factory.(protocol.VersionConstrained)
	if !ok || vc.Requires() == "" {
		return nil
	}

	hostVer, err := semver.NewVersion(r.hostVersion)
	if err != nil {
		return fmt.Errorf("invalid host version %s: %w", r.hostVersion, err)
	}

	constraint, err := semver.NewConstraint(vc.Requires())
	if err != nil {
		return fmt.Errorf("invalid version constraint %s: %w", vc.Requires(), err)
	}

	if !constraint.Check(hostVer) {
		return fmt.Errorf("%w: requires %s, running %s", ErrIncompatible, vc.Requires(), r.hostVersion)
	}

	return nil
}

func loadPlugin[T any](logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, "analyzers")

	if _, err := os.Stat(rootPath); errors.Is(err, fs.ErrNotExist) {
		logger.Debug("No plugin directory", "path", rootPath)

		return nil, nil
	}

	var pluginPathList []string

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && filepath.Ext(path) == ".so" {
			pluginPathList = append(pluginPathList, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", rootPath, err)
	}

	l := logger.With(slog.String("path", pluginsPath), slog.String("type", symbolName))
	l.Info("Loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", p, err)
		}

		castV, ok := v.(T)
		if !ok {
			// Exported variables are looked up as pointers.
			ptr, isPtr := v.(*T)
			if !isPtr {
				return nil, fmt.Errorf("plugin %s: symbol %s has type %T", p, symbolName, v)
			}

			castV = *ptr
		}

		pluginList = append(pluginList, castV)

		l.Info("Loaded analyzer plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
