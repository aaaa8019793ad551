// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/intel/xpumanager/internal/device"
)

// store keeps the active policies of every device. The evaluation cycle
// shares its lock.
type store struct {
	registry device.Registry

	mu       sync.RWMutex
	policies map[int][]Policy
}

func newStore(registry device.Registry) *store {
	return &store{
		registry: registry,
		policies: map[int][]Policy{},
	}
}

func (s *store) checkDevices(deviceIDs []int) error {
	for _, id := range deviceIDs {
		if _, ok := s.registry.Device(id); !ok {
			return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
		}
	}
	return nil
}

// set validates p and applies it to every device. A delete request removes
// all policies of p.Type and fails with ErrPolicyNotExist for the devices
// that had none; anything else replaces the (device, type) entry.
func (s *store) set(deviceIDs []int, p Policy) error {
	if err := s.checkDevices(deviceIDs); err != nil {
		return err
	}
	if err := Validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.IsDelete {
		var missing []int
		for _, id := range deviceIDs {
			if s.remove(id, p.Type) == 0 {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s on device(s) %v", ErrPolicyNotExist, p.Type, missing)
		}
		return nil
	}

	for _, id := range deviceIDs {
		s.remove(id, p.Type)
		np := p
		np.DeviceID = id
		np.state = runtimeState{}
		s.policies[id] = append(s.policies[id], np)
	}
	return nil
}

// remove must be called with the lock held
func (s *store) remove(deviceID int, t Type) int {
	before := len(s.policies[deviceID])
	kept := slices.DeleteFunc(s.policies[deviceID], func(p Policy) bool {
		return p.Type == t
	})
	if len(kept) == 0 {
		delete(s.policies, deviceID)
	} else {
		s.policies[deviceID] = kept
	}
	return before - len(kept)
}

// get returns a copy of the policies of the given devices
func (s *store) get(deviceIDs []int) []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ret []Policy
	for _, id := range deviceIDs {
		ret = append(ret, s.policies[id]...)
	}
	return ret
}

// all returns a copy of every stored policy ordered by device
func (s *store) all() []Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ret []Policy
	for _, id := range slices.Sorted(maps.Keys(s.policies)) {
		ret = append(ret, s.policies[id]...)
	}
	return ret
}

// update runs fn with exclusive access to the stored policies
func (s *store) update(fn func(policies map[int][]Policy)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.policies)
}
