// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	"k8s.io/utils/clock"
)

// NOTE: the fake backend is for development and tests only

const (
	fakeBaseTemperature    = 45 // Celsius
	fakeBaseMemTemperature = 40 // Celsius
	fakeBasePower          = 90 // Watts
	fakeBaseFrequency      = 1600
	fakeScale              = 100
)

type fakeGPU struct {
	info        Info
	present     bool
	throttle    string
	values      map[MetricType]int64 // scaled by fakeScale
	clamps      []FrequencyRange
	failMetrics error
}

// FakeBackend implements Backend with synthetic GPUs
type FakeBackend struct {
	logger *slog.Logger
	clock  clock.PassiveClock
	jitter float64

	mu      sync.Mutex
	devices []*fakeGPU
}

var _ Backend = (*FakeBackend)(nil)

// FakeOptFn configures a FakeBackend
type FakeOptFn func(*FakeBackend)

// WithFakeLogger sets the logger of the fake backend
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(b *FakeBackend) {
		b.logger = l.With("backend", "fake")
	}
}

// WithFakeClock sets the clock used to timestamp samples
func WithFakeClock(c clock.PassiveClock) FakeOptFn {
	return func(b *FakeBackend) {
		b.clock = c
	}
}

// WithFakeJitter sets the relative random walk applied to temperature,
// power and frequency on every read; 0 keeps values fixed
func WithFakeJitter(j float64) FakeOptFn {
	return func(b *FakeBackend) {
		b.jitter = j
	}
}

// NewFakeBackend creates a fake backend exposing count GPUs with ids 0..count-1
func NewFakeBackend(count int, opts ...FakeOptFn) *FakeBackend {
	b := &FakeBackend{
		logger: slog.Default().With("backend", "fake"),
		clock:  clock.RealClock{},
		jitter: 0.05,
	}
	for _, opt := range opts {
		opt(b)
	}

	for i := 0; i < count; i++ {
		b.devices = append(b.devices, &fakeGPU{
			info: Info{
				ID:         i,
				Name:       "Intel(R) Data Center GPU Max 1550 (fake)",
				PCIAddress: fmt.Sprintf("0000:%02x:00.0", 0x29+i),
				VendorID:   "8086",
				DeviceID:   "0bd5",
				Tiles:      2,
			},
			present: true,
			values: map[MetricType]int64{
				MetricGPUCoreTemperature: fakeBaseTemperature * fakeScale,
				MetricMemoryTemperature:  fakeBaseMemTemperature * fakeScale,
				MetricPower:              fakeBasePower * fakeScale,
				MetricGPUFrequency:       fakeBaseFrequency * fakeScale,

				MetricRASErrorCatReset:                    0,
				MetricRASErrorCatProgrammingErrors:        0,
				MetricRASErrorCatDriverErrors:             0,
				MetricRASErrorCatCacheErrorsCorrectable:   0,
				MetricRASErrorCatCacheErrorsUncorrectable: 0,
			},
		})
	}
	return b
}

func (b *FakeBackend) Name() string {
	return "fake-gpu"
}

func (b *FakeBackend) Init() error {
	b.logger.Warn("Using fake GPU backend; metrics are synthetic", "devices", len(b.devices))
	return nil
}

func (b *FakeBackend) lookup(id int) (*fakeGPU, error) {
	if id < 0 || id >= len(b.devices) {
		return nil, ErrDeviceNotFound{ID: id}
	}
	return b.devices[id], nil
}

func (b *FakeBackend) Device(id int) (Info, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return Info{}, false
	}
	return d.info, true
}

func (b *FakeBackend) Devices() []Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	ret := make([]Info, len(b.devices))
	for i, d := range b.devices {
		ret[i] = d.info
	}
	return ret
}

// LatestMetrics returns one device level entry; values drift by the configured jitter
func (b *FakeBackend) LatestMetrics(id int) ([]DeviceMetrics, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return nil, err
	}
	if d.failMetrics != nil {
		return nil, d.failMetrics
	}
	if !d.present {
		return nil, fmt.Errorf("device %d is not present", id)
	}

	now := b.clock.Now()
	m := DeviceMetrics{DeviceID: id}
	for t := MetricGPUCoreTemperature; t <= MetricRASErrorCatCacheErrorsUncorrectable; t++ {
		v := d.values[t]
		if t <= MetricGPUFrequency && b.jitter > 0 {
			v += int64((rand.Float64()*2 - 1) * b.jitter * float64(v))
		}
		m.Data = append(m.Data, DataPoint{Type: t, Value: v, Scale: fakeScale, Timestamp: now})
	}
	return []DeviceMetrics{m}, nil
}

func (b *FakeBackend) Present(id int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return false, err
	}
	return d.present, nil
}

func (b *FakeBackend) ThrottleReason(id int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return "", err
	}
	return d.throttle, nil
}

func (b *FakeBackend) SetFrequencyRangeForAll(id int, r FrequencyRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return err
	}
	d.clamps = append(d.clamps, r)

	freq := d.values[MetricGPUFrequency] / fakeScale
	switch {
	case float64(freq) > r.Max:
		d.values[MetricGPUFrequency] = int64(r.Max * fakeScale)
	case float64(freq) < r.Min:
		d.values[MetricGPUFrequency] = int64(r.Min * fakeScale)
	}
	b.logger.Info("frequency range set", "device", id, "min", r.Min, "max", r.Max)
	return nil
}

// SetValue sets the physical value of a metric on a device
func (b *FakeBackend) SetValue(id int, t MetricType, v float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return err
	}
	d.values[t] = int64(v * fakeScale)
	return nil
}

// SetPresent marks a device as present on or missing from the bus
func (b *FakeBackend) SetPresent(id int, present bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return err
	}
	d.present = present
	return nil
}

// SetThrottleReason sets the reason reported by ThrottleReason
func (b *FakeBackend) SetThrottleReason(id int, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return err
	}
	d.throttle = reason
	return nil
}

// FailMetrics makes LatestMetrics fail for a device until called with nil
func (b *FakeBackend) FailMetrics(id int, err error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, lerr := b.lookup(id)
	if lerr != nil {
		return lerr
	}
	d.failMetrics = err
	return nil
}

// FrequencyClamps returns every range applied to a device, oldest first
func (b *FakeBackend) FrequencyClamps(id int) []FrequencyRange {
	b.mu.Lock()
	defer b.mu.Unlock()

	d, err := b.lookup(id)
	if err != nil {
		return nil
	}
	return append([]FrequencyRange(nil), d.clamps...)
}
