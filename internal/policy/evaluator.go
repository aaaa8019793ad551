// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/intel/xpumanager/internal/device"
)

// metricOf maps policy types to the metric they are evaluated against.
// GPUThrottle is evaluated by the throttle probe; its metric is only reported.
var metricOf = map[Type]device.MetricType{
	GPUTemperature:                      device.MetricGPUCoreTemperature,
	GPUMemoryTemperature:                device.MetricMemoryTemperature,
	GPUPower:                            device.MetricPower,
	RASErrorCatReset:                    device.MetricRASErrorCatReset,
	RASErrorCatProgrammingErrors:        device.MetricRASErrorCatProgrammingErrors,
	RASErrorCatDriverErrors:             device.MetricRASErrorCatDriverErrors,
	RASErrorCatCacheErrorsCorrectable:   device.MetricRASErrorCatCacheErrorsCorrectable,
	RASErrorCatCacheErrorsUncorrectable: device.MetricRASErrorCatCacheErrorsUncorrectable,
	GPUThrottle:                         device.MetricGPUFrequency,
}

// trigger is a fired policy waiting for its action and notification
type trigger struct {
	policy       Policy
	notification Notification
}

type evaluator struct {
	logger   *slog.Logger
	metrics  device.MetricsSource
	presence device.PresenceProbe
	throttle device.ThrottleProbe
}

// checkPolicy samples every policy and returns the ones whose condition is
// met. Must be called with the store lock held.
func (e *evaluator) checkPolicy(now time.Time, policies map[int][]Policy) []trigger {
	var fired []trigger

	for _, id := range slices.Sorted(maps.Keys(policies)) {
		list := policies[id]

		var snapshot []device.DeviceMetrics
		if needsMetrics(list) {
			var err error
			snapshot, err = e.metrics.LatestMetrics(id)
			switch {
			case err != nil:
				e.logger.Warn("Failed to get device metrics; skipping metric policies", "device", id, "error", err)
			case len(snapshot) == 0:
				e.logger.Debug("No metrics available for device", "device", id)
			}
		}

		for i := range list {
			p := &list[i]
			p.state.sampled = false
			p.state.triggered = false

			var met bool
			switch p.Type {
			case GPUMissing:
				met = e.checkMissing(now, p)
			case GPUThrottle:
				met = e.checkThrottle(now, p, snapshot)
			default:
				met = e.checkMetric(p, snapshot)
			}
			if !met {
				continue
			}

			p.state.triggered = true
			p.state.triggers++
			fired = append(fired, trigger{policy: *p, notification: notificationFor(p)})
		}
	}
	return fired
}

func needsMetrics(list []Policy) bool {
	for _, p := range list {
		if p.Type != GPUMissing {
			return true
		}
	}
	return false
}

// checkMissing fires on the present to missing edge only
func (e *evaluator) checkMissing(now time.Time, p *Policy) bool {
	present, err := e.presence.Present(p.DeviceID)
	if err != nil {
		e.logger.Warn("GPU presence probe failed", "device", p.DeviceID, "error", err)
		return false
	}

	var cur int64
	if !present {
		cur = 1
	}
	s := &p.state
	s.curValue = cur
	s.curTimestamp = now
	s.sampled = true
	s.isTileData = false
	s.description = ""

	if s.prevValue == 0 && cur == 1 {
		s.description = "GPU is missing from the PCIe bus"
		return true
	}
	return false
}

// checkThrottle fires on every cycle the device reports a throttle reason
func (e *evaluator) checkThrottle(now time.Time, p *Policy, snapshot []device.DeviceMetrics) bool {
	reason, err := e.throttle.ThrottleReason(p.DeviceID)
	if err != nil {
		e.logger.Warn("GPU throttle probe failed", "device", p.DeviceID, "error", err)
		return false
	}

	s := &p.state
	s.curValue = 0
	s.curTimestamp = now
	s.isTileData = false
	s.tileID = 0
	if m, dp, ok := findDataPoint(snapshot, metricOf[GPUThrottle]); ok {
		s.curValue = dp.Unscaled()
		s.curTimestamp = dp.Timestamp
		s.isTileData = m.IsTileData
		s.tileID = m.TileID
	}
	s.sampled = true
	s.description = reason

	return reason != ""
}

// checkMetric compares the newest sample of the policy's metric with its
// condition. Samples not newer than the previous cycle are ignored.
func (e *evaluator) checkMetric(p *Policy, snapshot []device.DeviceMetrics) bool {
	m, dp, ok := findDataPoint(snapshot, metricOf[p.Type])
	if !ok {
		return false
	}

	s := &p.state
	if s.hasPrev && !dp.Timestamp.After(s.prevTimestamp) {
		e.logger.Debug("Stale sample; skipping", "device", p.DeviceID, "type", p.Type, "timestamp", dp.Timestamp)
		return false
	}

	cur := dp.Unscaled()
	s.curValue = cur
	s.curTimestamp = dp.Timestamp
	s.isTileData = m.IsTileData
	s.tileID = m.TileID
	s.sampled = true

	threshold := p.Condition.Threshold
	switch p.Condition.Type {
	case Greater:
		if cur > threshold {
			s.description = fmt.Sprintf("%s %d is greater than threshold %d", p.Type, cur, threshold)
			return true
		}
	case Less:
		if cur < threshold {
			s.description = fmt.Sprintf("%s %d is less than threshold %d", p.Type, cur, threshold)
			return true
		}
	case WhenOccur:
		if s.hasPrev && cur > s.prevValue {
			s.description = fmt.Sprintf("%s increased from %d to %d", p.Type, s.prevValue, cur)
			return true
		}
	}
	return false
}

// findDataPoint looks in device level entries first, then tiles in order
func findDataPoint(snapshot []device.DeviceMetrics, t device.MetricType) (device.DeviceMetrics, device.DataPoint, bool) {
	for _, tiles := range []bool{false, true} {
		for _, m := range snapshot {
			if m.IsTileData != tiles {
				continue
			}
			if dp, ok := m.Find(t); ok {
				return m, dp, true
			}
		}
	}
	return device.DeviceMetrics{}, device.DataPoint{}, false
}

func notificationFor(p *Policy) Notification {
	return Notification{
		Type:         p.Type,
		Condition:    p.Condition,
		Action:       p.Action,
		DeviceID:     p.DeviceID,
		Timestamp:    p.state.curTimestamp,
		CurrentValue: p.state.curValue,
		IsTileData:   p.state.isTileData,
		TileID:       p.state.tileID,
		CallbackURL:  p.CallbackURL,
		Description:  p.state.description,
	}
}

// savePolicyStatus rotates the samples of the finished cycle into the
// previous value. Must be called with the store lock held.
func savePolicyStatus(policies map[int][]Policy) {
	for _, list := range policies {
		for i := range list {
			s := &list[i].state
			if !s.sampled {
				continue
			}
			s.prevValue = s.curValue
			s.prevTimestamp = s.curTimestamp
			s.hasPrev = true
			s.sampled = false
		}
	}
}
