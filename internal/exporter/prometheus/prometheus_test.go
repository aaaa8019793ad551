// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/intel/xpumanager/config"
	"github.com/intel/xpumanager/internal/device"
	"github.com/intel/xpumanager/internal/policy"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockAPIRegistry mocks the APIRegistry interface
type MockAPIRegistry struct {
	mock.Mock
}

func (m *MockAPIRegistry) Register(endpoint, summary, description string, handler http.Handler) error {
	args := m.Called(endpoint, summary, description, handler)
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExporter_Init(t *testing.T) {
	t.Run("starts successfully", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(nil)

		exporter := NewExporter(mockRegistry, WithLogger(discardLogger()))
		assert.Equal(t, "prometheus", exporter.Name())
		assert.NoError(t, exporter.Init())
		mockRegistry.AssertExpectations(t)
	})

	t.Run("registry returns error", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		expectedErr := errors.New("register error")
		mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).Return(expectedErr)

		exporter := NewExporter(mockRegistry, WithLogger(discardLogger()))
		assert.Equal(t, expectedErr, exporter.Init())
	})

	t.Run("with invalid collector", func(t *testing.T) {
		mockRegistry := &MockAPIRegistry{}
		exporter := NewExporter(mockRegistry,
			WithLogger(discardLogger()),
			WithDebugCollectors([]string{"unknown_collector"}))

		err := exporter.Init()
		assert.ErrorContains(t, err, "unknown collector: unknown_collector")
		mockRegistry.AssertNotCalled(t, "Register")
	})
}

func TestCollectorForName(t *testing.T) {
	for _, name := range []string{"go", "process"} {
		c, err := collectorForName(name)
		require.NoError(t, err)
		assert.NoError(t, prom.NewRegistry().Register(c))
	}

	c, err := collectorForName("unknown")
	assert.Nil(t, c)
	assert.ErrorContains(t, err, "unknown collector: unknown")
}

func TestWithDebugCollectors(t *testing.T) {
	opts := DefaultOpts()
	assert.True(t, opts.debugCollectors["go"])

	WithDebugCollectors([]string{"process"})(&opts)
	assert.False(t, opts.debugCollectors["go"])
	assert.True(t, opts.debugCollectors["process"])
}

func TestCreateCollectors(t *testing.T) {
	backend := device.NewFakeBackend(1, device.WithFakeLogger(discardLogger()))
	m := policy.NewManager(backend, nil, policy.WithLogger(discardLogger()))

	all := CreateCollectors(m, backend, WithLogger(discardLogger()))
	assert.Len(t, all, 3)
	assert.Contains(t, all, "policy")
	assert.Contains(t, all, "gpu")

	policyOnly := CreateCollectors(m, backend, WithMetricsLevel(config.MetricsLevelPolicy))
	assert.Len(t, policyOnly, 2)
	assert.NotContains(t, policyOnly, "gpu")
}

func TestExporter_ServesMetrics(t *testing.T) {
	backend := device.NewFakeBackend(1, device.WithFakeLogger(discardLogger()))
	m := policy.NewManager(backend, nil, policy.WithLogger(discardLogger()))
	require.NoError(t, m.SetPolicy(0, policy.Policy{
		Type:      policy.GPUTemperature,
		Condition: policy.Condition{Type: policy.Greater, Threshold: 90},
	}))

	var handler http.Handler
	mockRegistry := &MockAPIRegistry{}
	mockRegistry.On("Register", "/metrics", "Metrics", "Prometheus metrics", mock.Anything).
		Run(func(args mock.Arguments) { handler = args.Get(3).(http.Handler) }).
		Return(nil)

	exporter := NewExporter(mockRegistry,
		WithLogger(discardLogger()),
		WithDebugCollectors(nil),
		WithCollectors(CreateCollectors(m, backend)))
	require.NoError(t, exporter.Init())
	require.NotNil(t, handler)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "xpum_build_info")
	assert.Contains(t, body, `xpum_policy_active{action="null",condition="greater",device="0",type="gpu_temperature"} 1`)
	assert.Contains(t, body, `xpum_gpu_info{`)
	assert.NotContains(t, body, "go_goroutines")
}
