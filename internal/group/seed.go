// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/intel/xpumanager/internal/service"
)

// Spec describes a group to create at startup
type Spec struct {
	Name    string
	Devices []int
}

// Seeder creates the configured groups once devices are discovered
type Seeder struct {
	logger  *slog.Logger
	manager *Manager
	specs   []Spec
}

var _ service.Initializer = (*Seeder)(nil)

func NewSeeder(m *Manager, specs []Spec, logger *slog.Logger) *Seeder {
	return &Seeder{
		logger:  logger.With("service", "group-seeder"),
		manager: m,
		specs:   specs,
	}
}

func (s *Seeder) Name() string {
	return "group-seeder"
}

// Init creates every group; a device that cannot be added fails startup
func (s *Seeder) Init() error {
	var errs error
	for _, spec := range s.specs {
		id, err := s.manager.Create(spec.Name)
		if err != nil {
			errs = errors.Join(errs, err)
			continue
		}
		for _, d := range spec.Devices {
			if err := s.manager.AddDevice(id, d); err != nil {
				errs = errors.Join(errs, fmt.Errorf("group %s: %w", spec.Name, err))
			}
		}
		s.logger.Info("Group created", "id", id, "name", spec.Name, "devices", spec.Devices)
	}
	return errs
}
