package registry_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/registry"
	"github.com/dukex/graphproperty/pkg/runner"
	"github.com/dukex/graphproperty/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type versionedFactory struct {
	testutil.FakeFactory

	requires string
}

func (f *versionedFactory) Requires() string {
	return f.requires
}

func TestRegistry_RegisterAnalyzer(t *testing.T) {
	t.Parallel()

	t.Run("duplicate id is rejected", func(t *testing.T) {
		t.Parallel()

		reg := registry.NewRegistry(testLogger(), "1.0.0")
		require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "a"}))

		err := reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "a"})
		require.ErrorIs(t, err, registry.ErrAlreadyRegistered)
	})

	tests := []struct {
		name     string
		requires string
		wantErr  error
	}{
		{name: "no constraint", requires: ""},
		{name: "compatible", requires: ">= 0.9, < 2"},
		{name: "incompatible", requires: ">= 2.0.0", wantErr: registry.ErrIncompatible},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := registry.NewRegistry(testLogger(), "1.0.0")
			err := reg.RegisterAnalyzer(&versionedFactory{
				FakeFactory: testutil.FakeFactory{FactoryID: "plugin"},
				requires:    tt.requires,
			})

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, reg.Factories())

				return
			}

			require.NoError(t, err)
			assert.Len(t, reg.Factories(), 1)
		})
	}

	t.Run("invalid constraint", func(t *testing.T) {
		t.Parallel()

		reg := registry.NewRegistry(testLogger(), "1.0.0")
		err := reg.RegisterAnalyzer(&versionedFactory{
			FakeFactory: testutil.FakeFactory{FactoryID: "plugin"},
			requires:    "not-a-constraint!",
		})
		require.Error(t, err)
	})
}

func TestRegistry_StartPreparesAndStartsRunners(t *testing.T) {
	t.Parallel()

	first := &testutil.FakeAnalyzer{}
	second := &testutil.FakeAnalyzer{LocalFile: true}
	firstFactory := &testutil.FakeFactory{FactoryID: "first", Analyzer: first}
	secondFactory := &testutil.FakeFactory{FactoryID: "second", Analyzer: second}

	reg := registry.NewRegistry(testLogger(), "1.0.0")
	require.NoError(t, reg.RegisterAnalyzer(firstFactory))
	require.NoError(t, reg.RegisterAnalyzer(secondFactory))

	config := map[string]any{"user": "analyst", "custom": 42}
	err := reg.Start(context.Background(), protocol.PrepareData{Config: config}, registry.StartOptions{
		QueueSize:      4,
		AnalyzerConfig: map[string]map[string]any{"second": {"depth": 3}},
	})
	require.NoError(t, err)

	runners := reg.Runners()
	require.Len(t, runners, 2)
	assert.Equal(t, "first", runners[0].ID())
	assert.Equal(t, "second", runners[1].ID())

	for _, analyzer := range []*testutil.FakeAnalyzer{first, second} {
		prepared := analyzer.Prepared()
		require.NotNil(t, prepared)
		assert.Equal(t, 42, prepared.Config["custom"])
		assert.NotNil(t, prepared.Logger)
	}

	require.Len(t, secondFactory.Configs, 1)
	assert.Equal(t, map[string]any{"depth": 3}, secondFactory.Configs[0])
	assert.Nil(t, firstFactory.Configs[0])

	rn, ok := reg.Runner("second")
	require.True(t, ok)
	assert.True(t, rn.Analyzer().RequiresLocalFile())

	_, ok = reg.Runner("missing")
	assert.False(t, ok)

	require.ErrorIs(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "late"}), registry.ErrRegistryStarted)
	require.ErrorIs(t, reg.Start(context.Background(), protocol.PrepareData{}, registry.StartOptions{}), registry.ErrRegistryStarted)

	require.NoError(t, reg.Stop(context.Background()))

	for _, rn := range runners {
		assert.Equal(t, runner.StatusStopped, rn.Status())
	}
}

func TestRegistry_StartFailureStopsStartedRunners(t *testing.T) {
	t.Parallel()

	boom := errors.New("model file missing")

	reg := registry.NewRegistry(testLogger(), "1.0.0")
	require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "ok", Analyzer: &testutil.FakeAnalyzer{}}))
	require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "broken", Analyzer: &testutil.FakeAnalyzer{PrepareErr: boom}}))

	err := reg.Start(context.Background(), protocol.PrepareData{}, registry.StartOptions{})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "broken")
	assert.Empty(t, reg.Runners())
}

func TestRegistry_CreateFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("bad option")

	reg := registry.NewRegistry(testLogger(), "1.0.0")
	require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "bad", CreateErr: boom}))

	err := reg.Start(context.Background(), protocol.PrepareData{}, registry.StartOptions{})
	require.ErrorIs(t, err, boom)
}

func TestRegistry_LoadAnalyzerPlugins(t *testing.T) {
	t.Parallel()

	reg := registry.NewRegistry(testLogger(), "1.0.0")

	t.Run("missing directory", func(t *testing.T) {
		t.Parallel()

		factories, err := reg.LoadAnalyzerPlugins(filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.Empty(t, factories)
	})

	t.Run("directory without plugins", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "analyzers", "linecount"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "analyzers", "linecount", "README"), []byte("x"), 0o600))

		factories, err := reg.LoadAnalyzerPlugins(dir)
		require.NoError(t, err)
		assert.Empty(t, factories)
	})

	t.Run("invalid plugin file", func(t *testing.T) {
		t.Parallel()

		dir := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "analyzers"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "analyzers", "broken.so"), []byte("not elf"), 0o600))

		_, err := reg.LoadAnalyzerPlugins(dir)
		require.Error(t, err)
	})
}
