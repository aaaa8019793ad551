// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/intel/xpumanager/internal/policy"
)

type mockLoopReporter struct {
	mock.Mock
}

func (m *mockLoopReporter) Stats() policy.Stats {
	args := m.Called()
	return args.Get(0).(policy.Stats)
}

// mockAPIService implements APIService for testing
type mockAPIService struct {
	mux *http.ServeMux
	err error
}

func (m *mockAPIService) Name() string {
	return "mock-api"
}

func (m *mockAPIService) Register(endpoint, summary, description string, handler http.Handler) error {
	if m.err != nil {
		return m.err
	}
	if m.mux == nil {
		m.mux = http.NewServeMux()
	}
	m.mux.Handle(endpoint, handler)
	return nil
}

func serveProbe(t *testing.T, stats policy.Stats, method, path string) (int, map[string]string) {
	t.Helper()

	api := &mockAPIService{}
	loop := &mockLoopReporter{}
	loop.On("Stats").Return(stats).Maybe()

	p := NewProbe(api, loop)
	assert.Equal(t, "probe", p.Name())
	assert.NoError(t, p.Init())

	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	api.mux.ServeHTTP(rr, req)

	var response map[string]string
	if rr.Code != http.StatusMethodNotAllowed {
		assert.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response))
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	}
	return rr.Code, response
}

func TestProbe_ReadyzHandler(t *testing.T) {
	tests := []struct {
		name           string
		stats          policy.Stats
		expectedStatus int
		expectedResult string
		expectedReason string
	}{{
		name:           "ready after first cycle",
		stats:          policy.Stats{Running: true, Cycles: 1},
		expectedStatus: http.StatusOK,
		expectedResult: "ok",
	}, {
		name:           "running without a cycle",
		stats:          policy.Stats{Running: true},
		expectedStatus: http.StatusServiceUnavailable,
		expectedResult: "not ready",
		expectedReason: "no policy cycle completed yet",
	}, {
		name:           "stopped",
		stats:          policy.Stats{Cycles: 10},
		expectedStatus: http.StatusServiceUnavailable,
		expectedResult: "not ready",
		expectedReason: "policy loop not running",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveProbe(t, tt.stats, http.MethodGet, "/probe/readyz")
			assert.Equal(t, tt.expectedStatus, code)
			assert.Equal(t, tt.expectedResult, resp["status"])
			assert.Equal(t, tt.expectedReason, resp["reason"])
		})
	}
}

func TestProbe_LivezHandler(t *testing.T) {
	tests := []struct {
		name           string
		stats          policy.Stats
		expectedStatus int
		expectedResult string
	}{{
		name:           "alive before the first cycle",
		stats:          policy.Stats{Running: true},
		expectedStatus: http.StatusOK,
		expectedResult: "alive",
	}, {
		name:           "not alive when stopped",
		stats:          policy.Stats{},
		expectedStatus: http.StatusServiceUnavailable,
		expectedResult: "not alive",
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := serveProbe(t, tt.stats, http.MethodGet, "/probe/livez")
			assert.Equal(t, tt.expectedStatus, code)
			assert.Equal(t, tt.expectedResult, resp["status"])
		})
	}
}

func TestProbe_MethodNotAllowed(t *testing.T) {
	for _, endpoint := range []string{"/probe/readyz", "/probe/livez"} {
		t.Run("POST "+endpoint, func(t *testing.T) {
			code, _ := serveProbe(t, policy.Stats{Running: true, Cycles: 1}, http.MethodPost, endpoint)
			assert.Equal(t, http.StatusMethodNotAllowed, code)
		})
	}
}
