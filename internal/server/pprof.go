// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"log/slog"
	"net/http"
	"net/http/pprof"

	"github.com/intel/xpumanager/internal/service"
)

const pprofPrefix = "/debug/pprof/"

// profiles served by name in addition to the pprof index; block and mutex
// stay empty unless the runtime sampling rates are raised
var profiles = []string{"allocs", "block", "goroutine", "heap", "mutex", "threadcreate"}

type pprofService struct {
	api    APIService
	logger *slog.Logger
}

var (
	_ service.Service     = (*pprofService)(nil)
	_ service.Initializer = (*pprofService)(nil)
)

// NewPprof exposes the runtime profiles of the daemon under /debug/pprof/
func NewPprof(api APIService, logger *slog.Logger) *pprofService {
	if logger == nil {
		logger = slog.Default()
	}
	return &pprofService{
		api:    api,
		logger: logger.With("service", "pprof"),
	}
}

func (p *pprofService) Name() string {
	return "pprof"
}

func (p *pprofService) Init() error {
	p.logger.Warn("Profiling endpoints enabled; do not expose them on untrusted networks", "path", pprofPrefix)
	return p.api.Register(pprofPrefix, "pprof", "Runtime profiles of xpumd", pprofHandlers())
}

func pprofHandlers() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(pprofPrefix, pprof.Index)
	mux.HandleFunc(pprofPrefix+"cmdline", pprof.Cmdline)
	mux.HandleFunc(pprofPrefix+"profile", pprof.Profile)
	mux.HandleFunc(pprofPrefix+"symbol", pprof.Symbol)
	mux.HandleFunc(pprofPrefix+"trace", pprof.Trace)
	for _, name := range profiles {
		mux.Handle(pprofPrefix+name, pprof.Handler(name))
	}
	return mux
}
