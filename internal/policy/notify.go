// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"log/slog"
)

type notificationDispatcher struct {
	logger *slog.Logger
}

// notify logs the trigger and hands it to the policy callback, if any.
// A panicking callback is logged and does not abort the cycle.
func (n *notificationDispatcher) notify(p Policy, msg Notification) {
	n.logger.Info("Policy triggered",
		"device", msg.DeviceID,
		"type", msg.Type,
		"condition", msg.Condition.Type,
		"threshold", msg.Condition.Threshold,
		"action", msg.Action.Type,
		"value", msg.CurrentValue,
		"tile", msg.TileID,
		"is_tile", msg.IsTileData,
		"description", msg.Description)

	if p.Notify == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("Policy callback panicked", "device", p.DeviceID, "type", p.Type, "panic", r)
		}
	}()
	p.Notify(msg)
}
