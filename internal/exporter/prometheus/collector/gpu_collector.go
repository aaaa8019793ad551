// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"
	"strings"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/intel/xpumanager/internal/device"
)

// DeviceSource lists GPUs and their latest samples
type DeviceSource interface {
	device.Registry
	device.MetricsSource
}

// GPUCollector exports device information and the latest telemetry of every GPU
type GPUCollector struct {
	sync.Mutex

	devices DeviceSource
	metrics device.MetricsSource // own power window, independent of the policy loop
	logger  *slog.Logger

	infoDesc        *prom.Desc
	temperatureDesc *prom.Desc
	powerDesc       *prom.Desc
	frequencyDesc   *prom.Desc
	rasDesc         *prom.Desc
}

func NewGPUCollector(devices DeviceSource, logger *slog.Logger) *GPUCollector {
	const subsystem = "gpu"
	return &GPUCollector{
		devices: devices,
		metrics: device.MetricsFor(devices, "exporter"),
		logger:  logger.With("collector", "gpu"),

		infoDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "info"),
			"GPU device information",
			[]string{"device", "name", "pci_address", "vendor_id", "device_id", "tiles"}, nil),
		temperatureDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "temperature_celsius"),
			"GPU temperature in degrees Celsius",
			[]string{"device", "tile", "sensor"}, nil),
		powerDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "power_watts"),
			"GPU power in watts",
			[]string{"device", "tile"}, nil),
		frequencyDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "frequency_mhz"),
			"Actual GPU frequency in MHz",
			[]string{"device", "tile"}, nil),
		rasDesc: prom.NewDesc(
			prom.BuildFQName(xpumNS, subsystem, "ras_errors_total"),
			"RAS error counters by category",
			[]string{"device", "tile", "category"}, nil),
	}
}

func (c *GPUCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.infoDesc
	ch <- c.temperatureDesc
	ch <- c.powerDesc
	ch <- c.frequencyDesc
	ch <- c.rasDesc
}

func (c *GPUCollector) Collect(ch chan<- prom.Metric) {
	c.Lock()
	defer c.Unlock()

	for _, info := range c.devices.Devices() {
		id := strconv.Itoa(info.ID)
		ch <- prom.MustNewConstMetric(c.infoDesc, prom.GaugeValue, 1,
			id, info.Name, info.PCIAddress, info.VendorID, info.DeviceID, strconv.Itoa(info.Tiles))

		metrics, err := c.metrics.LatestMetrics(info.ID)
		if err != nil {
			c.logger.Debug("Failed to read GPU metrics", "device", info.ID, "error", err)
			continue
		}
		for _, m := range metrics {
			c.collectMetrics(ch, id, m)
		}
	}
}

func (c *GPUCollector) collectMetrics(ch chan<- prom.Metric, id string, m device.DeviceMetrics) {
	tile := ""
	if m.IsTileData {
		tile = strconv.Itoa(m.TileID)
	}

	for _, dp := range m.Data {
		v := physical(dp)
		switch dp.Type {
		case device.MetricGPUCoreTemperature:
			ch <- prom.MustNewConstMetric(c.temperatureDesc, prom.GaugeValue, v, id, tile, "core")
		case device.MetricMemoryTemperature:
			ch <- prom.MustNewConstMetric(c.temperatureDesc, prom.GaugeValue, v, id, tile, "memory")
		case device.MetricPower:
			ch <- prom.MustNewConstMetric(c.powerDesc, prom.GaugeValue, v, id, tile)
		case device.MetricGPUFrequency:
			ch <- prom.MustNewConstMetric(c.frequencyDesc, prom.GaugeValue, v, id, tile)
		default:
			if category, ok := strings.CutPrefix(dp.Type.String(), "ras_error_cat_"); ok {
				ch <- prom.MustNewConstMetric(c.rasDesc, prom.CounterValue, v, id, tile, category)
			}
		}
	}
}

func physical(dp device.DataPoint) float64 {
	if dp.Scale == 0 {
		return float64(dp.Value)
	}
	return float64(dp.Value) / float64(dp.Scale)
}
