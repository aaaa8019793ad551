// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPprof_Init(t *testing.T) {
	t.Run("registers under the api server", func(t *testing.T) {
		api := NewAPIServer(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
		p := NewPprof(api, slog.New(slog.NewTextHandler(io.Discard, nil)))
		assert.Equal(t, "pprof", p.Name())
		require.NoError(t, p.Init())

		assert.Contains(t, api.endpointDescription, pprofPrefix)
		assert.Contains(t, api.endpointDescription, "Runtime profiles of xpumd")
	})

	t.Run("registration failure", func(t *testing.T) {
		api := &mockAPIService{err: assert.AnError}
		p := NewPprof(api, nil)
		assert.ErrorIs(t, p.Init(), assert.AnError)
	})
}

func TestPprof_Endpoints(t *testing.T) {
	mux := pprofHandlers()

	paths := []string{
		pprofPrefix,
		pprofPrefix + "cmdline",
		pprofPrefix + "symbol",
	}
	for _, name := range profiles {
		paths = append(paths, pprofPrefix+name+"?debug=1")
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}

	t.Run("index lists named profiles", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, pprofPrefix, nil))
		body := rr.Body.String()
		for _, name := range []string{"goroutine", "heap"} {
			assert.True(t, strings.Contains(body, name), "index should link %s", name)
		}
	})

	t.Run("unknown profile", func(t *testing.T) {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, pprofPrefix+"gpu", nil))
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}
