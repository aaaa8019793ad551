// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"

	"github.com/intel/xpumanager/internal/service"
)

// MetricType identifies a per-device statistic reported by a backend
type MetricType int

const (
	MetricGPUCoreTemperature MetricType = iota
	MetricMemoryTemperature
	MetricPower
	MetricGPUFrequency
	MetricRASErrorCatReset
	MetricRASErrorCatProgrammingErrors
	MetricRASErrorCatDriverErrors
	MetricRASErrorCatCacheErrorsCorrectable
	MetricRASErrorCatCacheErrorsUncorrectable
)

var metricNames = map[MetricType]string{
	MetricGPUCoreTemperature:                  "gpu_core_temperature",
	MetricMemoryTemperature:                   "memory_temperature",
	MetricPower:                               "power",
	MetricGPUFrequency:                        "gpu_frequency",
	MetricRASErrorCatReset:                    "ras_error_cat_reset",
	MetricRASErrorCatProgrammingErrors:        "ras_error_cat_programming_errors",
	MetricRASErrorCatDriverErrors:             "ras_error_cat_driver_errors",
	MetricRASErrorCatCacheErrorsCorrectable:   "ras_error_cat_cache_errors_correctable",
	MetricRASErrorCatCacheErrorsUncorrectable: "ras_error_cat_cache_errors_uncorrectable",
}

func (t MetricType) String() string {
	if name, ok := metricNames[t]; ok {
		return name
	}
	return fmt.Sprintf("metric(%d)", int(t))
}

// DataPoint is a single sample. The physical value is Value / Scale.
type DataPoint struct {
	Type      MetricType
	Value     int64
	Scale     uint32
	Timestamp time.Time
}

// Unscaled returns Value / Scale using integer division; a zero scale is treated as 1
func (d DataPoint) Unscaled() int64 {
	if d.Scale == 0 {
		return d.Value
	}
	return d.Value / int64(d.Scale)
}

// DeviceMetrics holds the latest samples of a device, or of one of its tiles
// when IsTileData is set.
type DeviceMetrics struct {
	DeviceID   int
	IsTileData bool
	TileID     int
	Data       []DataPoint
}

// Find returns the data point of the given type, if present
func (m DeviceMetrics) Find(t MetricType) (DataPoint, bool) {
	for _, d := range m.Data {
		if d.Type == t {
			return d, true
		}
	}
	return DataPoint{}, false
}

// Info describes a discovered GPU
type Info struct {
	ID         int
	Name       string
	PCIAddress string
	VendorID   string
	DeviceID   string
	Tiles      int
}

// FrequencyRange is a GPU frequency range in MHz
type FrequencyRange struct {
	Min float64
	Max float64
}

// ErrDeviceNotFound is returned when a device id does not resolve to a GPU
type ErrDeviceNotFound struct {
	ID int
}

func (e ErrDeviceNotFound) Error() string {
	return fmt.Sprintf("GPU device not found: id %d", e.ID)
}

// ErrNotSupported is returned when a backend cannot serve a request for a device
type ErrNotSupported struct {
	ID        int
	Operation string
}

func (e ErrNotSupported) Error() string {
	return fmt.Sprintf("%s not supported on device %d", e.Operation, e.ID)
}

// MetricsSource supplies the latest metric snapshot of a device
type MetricsSource interface {
	LatestMetrics(deviceID int) ([]DeviceMetrics, error)
}

// MetricsViewer is implemented by sources whose samples depend on the
// previous read of the same consumer
type MetricsViewer interface {
	MetricsView(name string) MetricsSource
}

// MetricsFor returns the named view of src when it has one, src otherwise
func MetricsFor(src MetricsSource, name string) MetricsSource {
	if v, ok := src.(MetricsViewer); ok {
		return v.MetricsView(name)
	}
	return src
}

// Registry resolves device ids to live devices
type Registry interface {
	Device(deviceID int) (Info, bool)
	Devices() []Info
}

// PresenceProbe reports whether a device is still on the PCIe bus
type PresenceProbe interface {
	Present(deviceID int) (bool, error)
}

// ThrottleProbe reports why the device frequency is being throttled.
// An empty reason means the device is not throttled.
type ThrottleProbe interface {
	ThrottleReason(deviceID int) (string, error)
}

// FrequencyController clamps the frequency range of every tile of a device
type FrequencyController interface {
	SetFrequencyRangeForAll(deviceID int, r FrequencyRange) error
}

// Backend is a GPU driver binding providing every collaborator the policy
// engine needs
type Backend interface {
	service.Initializer
	Registry
	MetricsSource
	PresenceProbe
	ThrottleProbe
	FrequencyController
}
