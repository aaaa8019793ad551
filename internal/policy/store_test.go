// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"sync"
	"testing"

	"github.com/intel/xpumanager/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempPolicy(threshold int64) Policy {
	return Policy{
		Type:      GPUTemperature,
		Condition: Condition{Type: Greater, Threshold: threshold},
	}
}

func TestStoreSetReplaces(t *testing.T) {
	s := newStore(device.NewFakeBackend(2))

	require.NoError(t, s.set([]int{0}, tempPolicy(80)))
	require.NoError(t, s.set([]int{0}, tempPolicy(90)))
	require.NoError(t, s.set([]int{0}, Policy{Type: GPUMissing, Condition: Condition{Type: WhenOccur}}))

	got := s.get([]int{0})
	require.Len(t, got, 2)
	assert.Equal(t, GPUTemperature, got[0].Type)
	assert.Equal(t, int64(90), got[0].Condition.Threshold)
	assert.Equal(t, 0, got[0].DeviceID)
	assert.Equal(t, GPUMissing, got[1].Type)

	// a replaced entry moves to the end of the device list
	require.NoError(t, s.set([]int{0}, tempPolicy(95)))
	got = s.get([]int{0})
	require.Len(t, got, 2)
	assert.Equal(t, GPUMissing, got[0].Type)
	assert.Equal(t, GPUTemperature, got[1].Type)
	assert.Equal(t, int64(95), got[1].Condition.Threshold)

	assert.Empty(t, s.get([]int{1}))
}

func TestStoreSetMultipleDevices(t *testing.T) {
	s := newStore(device.NewFakeBackend(3))

	p := tempPolicy(80)
	p.DeviceID = 7 // overwritten per device
	require.NoError(t, s.set([]int{0, 2}, p))

	got := s.get([]int{0, 1, 2})
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].DeviceID)
	assert.Equal(t, 2, got[1].DeviceID)
}

func TestStoreSetUnknownDevice(t *testing.T) {
	s := newStore(device.NewFakeBackend(2))

	err := s.set([]int{0, 5}, tempPolicy(80))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Empty(t, s.all(), "a failed call must not touch any device")
}

func TestStoreSetInvalidPolicy(t *testing.T) {
	s := newStore(device.NewFakeBackend(1))

	err := s.set([]int{0}, Policy{Type: GPUPower, Condition: Condition{Type: WhenOccur}})
	assert.ErrorIs(t, err, ErrPolicyTypeConditionNotSupport)
	assert.Empty(t, s.all())
}

func TestStoreDelete(t *testing.T) {
	s := newStore(device.NewFakeBackend(2))
	del := Policy{Type: GPUTemperature, IsDelete: true}

	err := s.set([]int{0}, del)
	assert.ErrorIs(t, err, ErrPolicyNotExist)

	require.NoError(t, s.set([]int{0, 1}, tempPolicy(80)))
	require.NoError(t, s.set([]int{0}, Policy{Type: GPUPower, Condition: Condition{Type: Less, Threshold: 10}}))

	require.NoError(t, s.set([]int{0}, del))
	got := s.get([]int{0})
	require.Len(t, got, 1)
	assert.Equal(t, GPUPower, got[0].Type)
	assert.Len(t, s.get([]int{1}), 1, "other devices keep their policies")

	err = s.set([]int{0, 1}, del)
	assert.ErrorIs(t, err, ErrPolicyNotExist)
	assert.Empty(t, s.get([]int{1}), "matching devices are still cleaned up")
}

func TestStoreGetReturnsCopies(t *testing.T) {
	s := newStore(device.NewFakeBackend(1))
	require.NoError(t, s.set([]int{0}, tempPolicy(80)))

	got := s.get([]int{0})
	got[0].Condition.Threshold = 1
	got[0].state.prevValue = 99

	again := s.get([]int{0})
	assert.Equal(t, int64(80), again[0].Condition.Threshold)
	assert.Equal(t, int64(0), again[0].state.prevValue)
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := newStore(device.NewFakeBackend(4))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				assert.NoError(t, s.set([]int{id}, tempPolicy(int64(j))))
				_ = s.get([]int{0, 1, 2, 3})
				s.update(savePolicyStatus)
			}
		}(i)
	}
	wg.Wait()

	got := s.all()
	require.Len(t, got, 4)
	for i, p := range got {
		assert.Equal(t, i, p.DeviceID)
		assert.Equal(t, int64(99), p.Condition.Threshold)
	}
}
