// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/run"
)

// Init initializes services in order. When one fails, the services that were
// already initialized are shut down in reverse order and the error is returned.
func Init(logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	initialized := make([]Service, 0, len(services))
	var initErr error
	for _, s := range services {
		srv, ok := s.(Initializer)
		if !ok {
			continue
		}

		logger.Info("Initializing service", "service", s.Name())
		if err := srv.Init(); err != nil {
			initErr = fmt.Errorf("failed to initialize service %s: %w", s.Name(), err)
			break
		}
		initialized = append(initialized, s)
	}
	if initErr == nil {
		return nil
	}

	for i := len(initialized) - 1; i >= 0; i-- {
		s := initialized[i]
		srv, ok := s.(Shutdowner)
		if !ok {
			continue
		}
		if err := srv.Shutdown(); err != nil {
			logger.Error("failed to shutdown service", "service", s.Name(), "error", err)
		}
	}
	return initErr
}

// Run runs every Runner in its own actor of a run group. The first Runner to
// return stops the others; each service is shut down once its actor exits.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(outer)
	defer cancel()

	var g run.Group
	for _, s := range services {
		r, ok := s.(Runner)
		if !ok {
			logger.Debug("service does not run in background", "service", s.Name())
			continue
		}

		svc := s
		g.Add(
			func() error {
				logger.Info("Running service", "service", svc.Name())
				return r.Run(ctx)
			},
			func(err error) {
				cancel()
				if err != nil {
					logger.Warn("service terminated", "service", svc.Name(), "reason", err)
				}

				sd, ok := svc.(Shutdowner)
				if !ok {
					return
				}
				logger.Info("shutting down", "service", svc.Name())
				if err := sd.Shutdown(); err != nil {
					logger.Warn("service shutdown failed with error", "service", svc.Name(), "error", err)
				}
			},
		)
	}

	return g.Run()
}
