// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"io"
	"log/slog"
	"testing"

	"github.com/intel/xpumanager/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeeder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("creates groups", func(t *testing.T) {
		m := NewManager(device.NewFakeBackend(3))
		s := NewSeeder(m, []Spec{
			{Name: "rack-a", Devices: []int{0, 1}},
			{Name: "rack-b", Devices: []int{2}},
		}, logger)
		assert.Equal(t, "group-seeder", s.Name())
		require.NoError(t, s.Init())

		assert.Equal(t, []Group{
			{ID: 1, Name: "rack-a", Devices: []int{0, 1}},
			{ID: 2, Name: "rack-b", Devices: []int{2}},
		}, m.Groups())
	})

	t.Run("reports unknown devices", func(t *testing.T) {
		m := NewManager(device.NewFakeBackend(1))
		s := NewSeeder(m, []Spec{
			{Name: "rack-a", Devices: []int{0, 5}},
			{Name: "rack-a"},
		}, logger)

		err := s.Init()
		require.Error(t, err)
		assert.ErrorAs(t, err, &device.ErrDeviceNotFound{})
		assert.ErrorIs(t, err, ErrGroupNameExists)

		devices, gerr := m.GroupDevices(1)
		require.NoError(t, gerr)
		assert.Equal(t, []int{0}, devices)
	})
}
