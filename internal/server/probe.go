// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"

	"github.com/intel/xpumanager/internal/policy"
	"github.com/intel/xpumanager/internal/service"
)

// LoopReporter reports the state of the policy evaluation loop
type LoopReporter interface {
	Stats() policy.Stats
}

type probe struct {
	api  APIService
	loop LoopReporter
}

var (
	_ service.Service     = (*probe)(nil)
	_ service.Initializer = (*probe)(nil)
)

// NewProbe creates a new probe service that provides health check endpoints
func NewProbe(api APIService, loop LoopReporter) *probe {
	return &probe{
		api:  api,
		loop: loop,
	}
}

func (p *probe) Name() string {
	return "probe"
}

func (p *probe) Init() error {
	return p.api.Register("/probe/", "probe", "Health check endpoints", p.handlers())
}

func (p *probe) handlers() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/probe/readyz", p.readyzHandler)
	mux.HandleFunc("/probe/livez", p.livezHandler)
	return mux
}

// readyzHandler returns 200 once the policy loop has completed a cycle
func (p *probe) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := p.loop.Stats()
	switch {
	case !stats.Running:
		p.respondWithError(w, "not ready", "policy loop not running")
	case stats.Cycles == 0:
		p.respondWithError(w, "not ready", "no policy cycle completed yet")
	default:
		p.respondWithSuccess(w, "ok")
	}
}

// livezHandler returns 200 while the policy loop is running
func (p *probe) livezHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !p.loop.Stats().Running {
		p.respondWithError(w, "not alive", "policy loop not running")
		return
	}
	p.respondWithSuccess(w, "alive")
}

func (p *probe) respondWithSuccess(w http.ResponseWriter, status string) {
	response := map[string]string{
		"status": status,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func (p *probe) respondWithError(w http.ResponseWriter, status, reason string) {
	response := map[string]string{
		"status": status,
		"reason": reason,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}
