// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"time"
)

// Type is the kind of device condition a policy watches
type Type int

const (
	GPUTemperature Type = iota
	GPUMemoryTemperature
	GPUPower
	RASErrorCatReset
	RASErrorCatProgrammingErrors
	RASErrorCatDriverErrors
	RASErrorCatCacheErrorsCorrectable
	RASErrorCatCacheErrorsUncorrectable
	GPUMissing
	GPUThrottle
)

var typeNames = map[Type]string{
	GPUTemperature:                      "gpu_temperature",
	GPUMemoryTemperature:                "gpu_memory_temperature",
	GPUPower:                            "gpu_power",
	RASErrorCatReset:                    "ras_error_cat_reset",
	RASErrorCatProgrammingErrors:        "ras_error_cat_programming_errors",
	RASErrorCatDriverErrors:             "ras_error_cat_driver_errors",
	RASErrorCatCacheErrorsCorrectable:   "ras_error_cat_cache_errors_correctable",
	RASErrorCatCacheErrorsUncorrectable: "ras_error_cat_cache_errors_uncorrectable",
	GPUMissing:                          "gpu_missing",
	GPUThrottle:                         "gpu_throttle",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", int(t))
}

func (t Type) valid() bool {
	_, ok := typeNames[t]
	return ok
}

// ParseType returns the Type named s
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrPolicyTypeInvalid, s)
}

// Types returns every policy type in declaration order
func Types() []Type {
	ret := make([]Type, 0, len(typeNames))
	for t := GPUTemperature; t <= GPUThrottle; t++ {
		ret = append(ret, t)
	}
	return ret
}

// ConditionType decides how a sample is compared
type ConditionType int

const (
	// Greater fires when the current value is above the threshold
	Greater ConditionType = iota
	// Less fires when the current value is below the threshold
	Less
	// WhenOccur fires when the current value rose since the previous cycle
	WhenOccur
)

var conditionNames = map[ConditionType]string{
	Greater:   "greater",
	Less:      "less",
	WhenOccur: "when_occur",
}

func (c ConditionType) String() string {
	if name, ok := conditionNames[c]; ok {
		return name
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

func (c ConditionType) valid() bool {
	_, ok := conditionNames[c]
	return ok
}

// ParseConditionType returns the ConditionType named s
func ParseConditionType(s string) (ConditionType, error) {
	for c, name := range conditionNames {
		if name == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrPolicyConditionTypeInvalid, s)
}

// ActionType is what the engine does to a device when its policy fires
type ActionType int

const (
	NullAction ActionType = iota
	ThrottleDevice
)

var actionNames = map[ActionType]string{
	NullAction:     "null",
	ThrottleDevice: "throttle_device",
}

func (a ActionType) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

func (a ActionType) valid() bool {
	_, ok := actionNames[a]
	return ok
}

// ParseActionType returns the ActionType named s
func ParseActionType(s string) (ActionType, error) {
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrPolicyActionTypeInvalid, s)
}

type Condition struct {
	Type      ConditionType
	Threshold int64
}

// Action holds the frequency range in MHz applied by ThrottleDevice
type Action struct {
	Type         ActionType
	MinFrequency float64
	MaxFrequency float64
}

// Callback receives a notification every time a policy fires. It runs
// synchronously inside the evaluation cycle.
type Callback func(Notification)

// Policy binds a device to a condition, an action and an optional callback
type Policy struct {
	Type      Type
	Condition Condition
	Action    Action
	DeviceID  int

	Notify      Callback
	CallbackURL string

	// IsDelete removes every policy of Type from the target devices
	IsDelete bool

	state runtimeState
}

func (p Policy) String() string {
	return fmt.Sprintf("device %d %s %s %d -> %s", p.DeviceID, p.Type, p.Condition.Type, p.Condition.Threshold, p.Action.Type)
}

// Status is the evaluation state of a stored policy
type Status struct {
	// Sampled is false until the policy saw its first completed cycle
	Sampled   bool
	Value     int64
	Timestamp time.Time
	Triggered bool
	Triggers  uint64
}

// Status returns what the last completed cycle observed for this policy
func (p Policy) Status() Status {
	return Status{
		Sampled:   p.state.hasPrev,
		Value:     p.state.prevValue,
		Timestamp: p.state.prevTimestamp,
		Triggered: p.state.triggered,
		Triggers:  p.state.triggers,
	}
}

// runtimeState lives exactly as long as its policy. prev* always reflect the
// last completed cycle; cur* are only meaningful while a cycle is running.
type runtimeState struct {
	prevValue     int64
	prevTimestamp time.Time
	hasPrev       bool

	curValue     int64
	curTimestamp time.Time
	sampled      bool

	isTileData  bool
	tileID      int
	description string

	triggered bool
	triggers  uint64
}

// Notification is the payload handed to a Callback
type Notification struct {
	Type         Type
	Condition    Condition
	Action       Action
	DeviceID     int
	Timestamp    time.Time
	CurrentValue int64
	IsTileData   bool
	TileID       int
	CallbackURL  string
	Description  string
}
