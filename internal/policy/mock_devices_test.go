// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"io"
	"log/slog"
	"time"

	"github.com/intel/xpumanager/internal/device"
	"github.com/stretchr/testify/mock"
	testingclock "k8s.io/utils/clock/testing"
)

type mockDevices struct {
	mock.Mock
}

var _ Devices = (*mockDevices)(nil)

func (m *mockDevices) Device(id int) (device.Info, bool) {
	args := m.Called(id)
	return args.Get(0).(device.Info), args.Bool(1)
}

func (m *mockDevices) Devices() []device.Info {
	args := m.Called()
	ret, _ := args.Get(0).([]device.Info)
	return ret
}

func (m *mockDevices) LatestMetrics(id int) ([]device.DeviceMetrics, error) {
	args := m.Called(id)
	if fn, ok := args.Get(0).(func(int) []device.DeviceMetrics); ok {
		return fn(id), args.Error(1)
	}
	ret, _ := args.Get(0).([]device.DeviceMetrics)
	return ret, args.Error(1)
}

func (m *mockDevices) Present(id int) (bool, error) {
	args := m.Called(id)
	return args.Bool(0), args.Error(1)
}

func (m *mockDevices) ThrottleReason(id int) (string, error) {
	args := m.Called(id)
	return args.String(0), args.Error(1)
}

func (m *mockDevices) SetFrequencyRangeForAll(id int, r device.FrequencyRange) error {
	args := m.Called(id, r)
	return args.Error(0)
}

type mockGroups struct {
	mock.Mock
}

func (m *mockGroups) GroupDevices(id int) ([]int, error) {
	args := m.Called(id)
	ret, _ := args.Get(0).([]int)
	return ret, args.Error(1)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEpoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newFakeManager returns a Manager over n fake GPUs whose values never drift
func newFakeManager(n int) (*Manager, *device.FakeBackend, *testingclock.FakeClock) {
	fc := testingclock.NewFakeClock(testEpoch)
	backend := device.NewFakeBackend(n,
		device.WithFakeClock(fc),
		device.WithFakeJitter(0),
		device.WithFakeLogger(discardLogger()))
	m := NewManager(backend, nil,
		WithClock(fc),
		WithLogger(discardLogger()),
		WithInterval(time.Second))
	return m, backend, fc
}

// step advances the clock by one period and runs a cycle
func step(m *Manager, fc *testingclock.FakeClock) {
	fc.Step(time.Second)
	m.runCycle()
}

// recorder collects notifications
type recorder struct {
	got []Notification
}

func (r *recorder) callback(n Notification) {
	r.got = append(r.got, n)
}
