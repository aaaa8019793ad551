// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy evaluates user defined GPU policies on a fixed period and
// fires their actions and notifications.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/intel/xpumanager/internal/device"
	"github.com/intel/xpumanager/internal/service"
	"k8s.io/utils/clock"
)

// Devices is the part of a GPU backend the engine depends on
type Devices interface {
	device.Registry
	device.MetricsSource
	device.PresenceProbe
	device.ThrottleProbe
	device.FrequencyController
}

// GroupResolver returns the devices of a group
type GroupResolver interface {
	GroupDevices(groupID int) ([]int, error)
}

// Stats describes the evaluation loop
type Stats struct {
	Running           bool
	Cycles            uint64
	LastCycleDuration time.Duration
}

// Manager owns the policy store and the loop evaluating it
type Manager struct {
	logger *slog.Logger
	clock  clock.WithTicker
	groups GroupResolver

	store     *store
	evaluator *evaluator
	actions   *actionDispatcher
	notifier  *notificationDispatcher
	scheduler *scheduler

	cycles    atomic.Uint64
	lastCycle atomic.Int64
}

var (
	_ service.Initializer = (*Manager)(nil)
	_ service.Runner      = (*Manager)(nil)
	_ service.Shutdowner  = (*Manager)(nil)
)

// NewManager creates a Manager evaluating policies against devices
func NewManager(devices Devices, groups GroupResolver, applyOpts ...OptionFn) *Manager {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	logger := opts.logger.With("service", "policy")
	m := &Manager{
		logger: logger,
		clock:  opts.clock,
		groups: groups,
		store:  newStore(devices),
		evaluator: &evaluator{
			logger:   logger,
			metrics:  devices,
			presence: devices,
			throttle: devices,
		},
		actions:  &actionDispatcher{logger: logger, controller: devices},
		notifier: &notificationDispatcher{logger: logger},
	}
	m.scheduler = newScheduler(logger, opts.clock, opts.interval, m.runCycle)
	return m
}

func (m *Manager) Name() string {
	return "policy"
}

func (m *Manager) Init() error {
	if m.scheduler.period <= 0 {
		return fmt.Errorf("invalid policy check interval %v", m.scheduler.period)
	}
	return nil
}

func (m *Manager) Run(ctx context.Context) error {
	m.scheduler.start()
	<-ctx.Done()
	m.scheduler.stop()
	return nil
}

func (m *Manager) Shutdown() error {
	m.scheduler.stop()
	return nil
}

// ResetCheckFrequency changes the evaluation period, restarting the loop if
// it is running
func (m *Manager) ResetCheckFrequency(d time.Duration) error {
	return m.scheduler.reset(d)
}

// SetPolicy adds, replaces or, with IsDelete, removes a policy of a device
func (m *Manager) SetPolicy(deviceID int, p Policy) error {
	return m.store.set([]int{deviceID}, p)
}

// SetPolicyByGroup applies SetPolicy to every device of a group
func (m *Manager) SetPolicyByGroup(groupID int, p Policy) error {
	ids, err := m.groupDevices(groupID)
	if err != nil {
		return err
	}
	return m.store.set(ids, p)
}

// GetPolicy returns a copy of the policies of a device
func (m *Manager) GetPolicy(deviceID int) ([]Policy, error) {
	ids := []int{deviceID}
	if err := m.store.checkDevices(ids); err != nil {
		return nil, err
	}
	return m.store.get(ids), nil
}

// GetPolicyByGroup returns a copy of the policies of every device of a group
func (m *Manager) GetPolicyByGroup(groupID int) ([]Policy, error) {
	ids, err := m.groupDevices(groupID)
	if err != nil {
		return nil, err
	}
	if err := m.store.checkDevices(ids); err != nil {
		return nil, err
	}
	return m.store.get(ids), nil
}

// Policies returns a copy of every stored policy ordered by device
func (m *Manager) Policies() []Policy {
	return m.store.all()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Running:           m.scheduler.running(),
		Cycles:            m.cycles.Load(),
		LastCycleDuration: time.Duration(m.lastCycle.Load()),
	}
}

func (m *Manager) groupDevices(groupID int) ([]int, error) {
	if m.groups == nil {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
	}
	ids, err := m.groups.GroupDevices(groupID)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", ErrGroupNotFound, groupID, err)
	}
	return ids, nil
}

// runCycle evaluates every policy once. Actions and callbacks run without
// the store lock so they may call back into the Manager.
func (m *Manager) runCycle() {
	start := m.clock.Now()

	var fired []trigger
	m.store.update(func(policies map[int][]Policy) {
		fired = m.evaluator.checkPolicy(start, policies)
	})

	for _, t := range fired {
		m.actions.apply(t.policy)
		m.notifier.notify(t.policy, t.notification)
	}

	m.store.update(savePolicyStatus)

	m.cycles.Add(1)
	m.lastCycle.Store(int64(m.clock.Since(start)))
	m.logger.Debug("Policy cycle done", "fired", len(fired), "duration", m.clock.Since(start))
}
