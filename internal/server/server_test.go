// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intel/xpumanager/internal/policy"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewAPIServer(t *testing.T) {
	s := NewAPIServer()
	assert.Equal(t, "api-server", s.Name())
	assert.Equal(t, []string{DefaultListenAddress}, s.listenAddrs)
	assert.Empty(t, s.webConfig)

	s = NewAPIServer(
		WithLogger(quietLogger()),
		WithListenAddress([]string{"127.0.0.1:29999", "[::1]:29999"}),
		WithWebConfig("/etc/xpum/web.yaml"),
	)
	assert.Equal(t, []string{"127.0.0.1:29999", "[::1]:29999"}, s.listenAddrs)
	assert.Equal(t, "/etc/xpum/web.yaml", s.webConfig)
}

func TestAPIServer_InitRequiresAddress(t *testing.T) {
	s := NewAPIServer(WithLogger(quietLogger()), WithListenAddress(nil))
	err := s.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no listening address provided")
}

// landing page of a server carrying the daemon's own endpoints
func TestAPIServer_LandingPage(t *testing.T) {
	s := NewAPIServer(WithLogger(quietLogger()))
	require.NoError(t, s.Init())

	loop := &mockLoopReporter{}
	loop.On("Stats").Return(policy.Stats{Running: true, Cycles: 1}).Maybe()
	require.NoError(t, NewProbe(s, loop).Init())
	require.NoError(t, NewPprof(s, quietLogger()).Init())

	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/html; charset=utf-8", rr.Header().Get("Content-Type"))

	page := rr.Body.String()
	assert.Contains(t, page, "<h1>XPU Manager Daemon</h1>")
	assert.Contains(t, page, `href="/probe/"`)
	assert.Contains(t, page, `href="/debug/pprof/"`)

	rr = httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/probe/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	s.mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/policies", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPIServer_Serve(t *testing.T) {
	addr := freeAddr(t)
	s := NewAPIServer(WithLogger(quietLogger()), WithListenAddress([]string{addr}))
	require.NoError(t, s.Init())
	require.NoError(t, s.Register("/metrics", "Metrics", "Prometheus metrics",
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("xpum_policy_count 0\n"))
		})))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Run(ctx)
	}()

	client := &http.Client{Timeout: 500 * time.Millisecond}
	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = client.Get(fmt.Sprintf("http://%s/metrics", addr))
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "xpum_policy_count 0\n", string(body))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
	assert.NoError(t, s.Shutdown())
}

func TestAPIServer_AddressInUse(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	s := NewAPIServer(WithLogger(quietLogger()), WithListenAddress([]string{l.Addr().String()}))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err = s.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in use")
}

func TestAPIServer_ShutdownBeforeRun(t *testing.T) {
	s := NewAPIServer(WithLogger(quietLogger()))
	assert.NoError(t, s.Shutdown())
}
