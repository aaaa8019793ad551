// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package group keeps named sets of devices so policies can target several
// GPUs at once.
package group

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/intel/xpumanager/internal/device"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrGroupNameExists = errors.New("group name already exists")
)

// Group is a named set of device ids
type Group struct {
	ID      int
	Name    string
	Devices []int
}

// Manager is an in-memory group registry; group ids start at 1
type Manager struct {
	registry device.Registry

	mu     sync.RWMutex
	nextID int
	groups map[int]*Group
}

func NewManager(registry device.Registry) *Manager {
	return &Manager{
		registry: registry,
		nextID:   1,
		groups:   map[int]*Group{},
	}
}

// Create adds an empty group and returns its id
func (m *Manager) Create(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range m.groups {
		if g.Name == name {
			return 0, fmt.Errorf("%w: %s", ErrGroupNameExists, name)
		}
	}

	id := m.nextID
	m.nextID++
	m.groups[id] = &Group{ID: id, Name: name}
	return id, nil
}

// Destroy removes a group
func (m *Manager) Destroy(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.groups[id]; !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	delete(m.groups, id)
	return nil
}

// AddDevice adds a device to a group; adding a member twice is a no-op
func (m *Manager) AddDevice(id, deviceID int) error {
	if _, ok := m.registry.Device(deviceID); !ok {
		return device.ErrDeviceNotFound{ID: deviceID}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	if !slices.Contains(g.Devices, deviceID) {
		g.Devices = append(g.Devices, deviceID)
	}
	return nil
}

// RemoveDevice removes a device from a group
func (m *Manager) RemoveDevice(id, deviceID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	idx := slices.Index(g.Devices, deviceID)
	if idx < 0 {
		return device.ErrDeviceNotFound{ID: deviceID}
	}
	g.Devices = slices.Delete(g.Devices, idx, idx+1)
	return nil
}

// GroupDevices returns the device ids of a group in insertion order
func (m *Manager) GroupDevices(id int) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	return slices.Clone(g.Devices), nil
}

// Groups returns a copy of every group ordered by id
func (m *Manager) Groups() []Group {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ret := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		ret = append(ret, Group{ID: g.ID, Name: g.Name, Devices: slices.Clone(g.Devices)})
	}
	slices.SortFunc(ret, func(a, b Group) int { return a.ID - b.ID })
	return ret
}
