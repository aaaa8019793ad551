// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"log/slog"

	"github.com/intel/xpumanager/internal/device"
)

type actionDispatcher struct {
	logger     *slog.Logger
	controller device.FrequencyController
}

// apply runs the action of a fired policy. Failures are logged and never
// retried. It reports whether the device should be reset, which no action
// currently requests.
func (a *actionDispatcher) apply(p Policy) bool {
	switch p.Action.Type {
	case ThrottleDevice:
		r := device.FrequencyRange{Min: p.Action.MinFrequency, Max: p.Action.MaxFrequency}
		if err := a.controller.SetFrequencyRangeForAll(p.DeviceID, r); err != nil {
			a.logger.Error("Failed to throttle device",
				"device", p.DeviceID, "min", r.Min, "max", r.Max, "error", err)
			return false
		}
		a.logger.Info("Device throttled", "device", p.DeviceID, "min", r.Min, "max", r.Max)
	case NullAction:
	}
	return false
}
