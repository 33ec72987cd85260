package web_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/graphproperty/pkg/graph/memory"
	"github.com/dukex/graphproperty/pkg/metrics"
	"github.com/dukex/graphproperty/pkg/protocol"
	"github.com/dukex/graphproperty/pkg/registry"
	"github.com/dukex/graphproperty/pkg/runner"
	"github.com/dukex/graphproperty/pkg/testutil"
	"github.com/dukex/graphproperty/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T, checks ...web.ReadinessCheck) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewRegistry(logger, "1.0.0")
	require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "mimetype", Analyzer: &testutil.FakeAnalyzer{}}))
	require.NoError(t, reg.RegisterAnalyzer(&testutil.FakeFactory{FactoryID: "archive", Analyzer: &testutil.FakeAnalyzer{LocalFile: true}}))
	require.NoError(t, reg.Start(context.Background(), protocol.PrepareData{Graph: memory.NewGraph()}, registry.StartOptions{QueueSize: 1}))

	t.Cleanup(func() {
		_ = reg.Stop(context.Background())
	})

	promRegistry := prometheus.NewRegistry()
	_, err := metrics.New("test", promRegistry)
	require.NoError(t, err)

	return web.NewAdminHandlers(logger, reg, promRegistry, checks...).App()
}

func do(t *testing.T, app *fiber.App, path string) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, body
}

func TestAdminHandlers_Probes(t *testing.T) {
	t.Parallel()

	healthy := func(context.Context) error { return nil }
	failing := func(context.Context) error { return errors.New("graph unreachable") }

	tests := []struct {
		name       string
		path       string
		checks     []web.ReadinessCheck
		wantStatus int
	}{
		{name: "liveness", path: "/livez", wantStatus: http.StatusOK},
		{name: "ready without checks", path: "/readyz", wantStatus: http.StatusOK},
		{name: "ready", path: "/readyz", checks: []web.ReadinessCheck{healthy}, wantStatus: http.StatusOK},
		{name: "not ready", path: "/readyz", checks: []web.ReadinessCheck{healthy, failing}, wantStatus: http.StatusServiceUnavailable},
		{name: "liveness ignores readiness", path: "/livez", checks: []web.ReadinessCheck{failing}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resp, _ := do(t, setupTestApp(t, tt.checks...), tt.path)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestAdminHandlers_Metrics(t *testing.T) {
	t.Parallel()

	resp, body := do(t, setupTestApp(t), "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_total_processed")
	assert.Contains(t, string(body), "test_processing_time_seconds")
}

func TestAdminHandlers_GetAnalyzers(t *testing.T) {
	t.Parallel()

	resp, body := do(t, setupTestApp(t), "/analyzers")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got web.AnalyzersResponse
	require.NoError(t, json.Unmarshal(body, &got))

	require.Equal(t, 2, got.TotalCount)
	assert.Equal(t, "mimetype", got.Analyzers[0].ID)
	assert.Equal(t, "archive", got.Analyzers[1].ID)
	assert.True(t, got.Analyzers[1].RequiresLocalFile)
	require.NotNil(t, got.Analyzers[0].Runner)
	assert.Equal(t, runner.StatusRunning, got.Analyzers[0].Runner.Status)
}

func TestAdminHandlers_GetAnalyzer(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	resp, body := do(t, app, "/analyzers/archive")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got web.AnalyzerResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "archive", got.ID)
	assert.Equal(t, "Fake archive", got.Name)

	resp, body = do(t, app, "/analyzers/ocr")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "not_found", problem["type"])
	assert.Equal(t, "/analyzers/ocr", problem["instance"])
}

func TestAdminHandlers_UnknownRoute(t *testing.T) {
	t.Parallel()

	resp, body := do(t, setupTestApp(t), "/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem map[string]any
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, "not_found", problem["type"])
}
