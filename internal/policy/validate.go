// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"slices"
)

type rule struct {
	conditions []ConditionType
	actions    []ActionType
}

var (
	thresholdConditions = []ConditionType{Greater, Less}
	anyCondition        = []ConditionType{Greater, Less, WhenOccur}
	nullOnly            = []ActionType{NullAction}
)

// rules is the set of condition and action combinations each policy type accepts
var rules = map[Type]rule{
	GPUTemperature:                      {thresholdConditions, []ActionType{NullAction, ThrottleDevice}},
	GPUMemoryTemperature:                {thresholdConditions, nullOnly},
	GPUPower:                            {thresholdConditions, nullOnly},
	GPUMissing:                          {[]ConditionType{WhenOccur}, nullOnly},
	GPUThrottle:                         {[]ConditionType{WhenOccur}, nullOnly},
	RASErrorCatReset:                    {anyCondition, nullOnly},
	RASErrorCatProgrammingErrors:        {anyCondition, nullOnly},
	RASErrorCatDriverErrors:             {anyCondition, nullOnly},
	RASErrorCatCacheErrorsCorrectable:   {anyCondition, nullOnly},
	RASErrorCatCacheErrorsUncorrectable: {anyCondition, nullOnly},
}

// Validate checks p against the combinations its type supports. Delete
// requests only need a valid type.
func Validate(p Policy) error {
	if !p.Type.valid() {
		return fmt.Errorf("%w: %d", ErrPolicyTypeInvalid, int(p.Type))
	}
	if p.IsDelete {
		return nil
	}
	if !p.Condition.Type.valid() {
		return fmt.Errorf("%w: %d", ErrPolicyConditionTypeInvalid, int(p.Condition.Type))
	}
	if !p.Action.Type.valid() {
		return fmt.Errorf("%w: %d", ErrPolicyActionTypeInvalid, int(p.Action.Type))
	}

	r := rules[p.Type]
	if !slices.Contains(r.conditions, p.Condition.Type) {
		return fmt.Errorf("%w: %s does not accept %s", ErrPolicyTypeConditionNotSupport, p.Type, p.Condition.Type)
	}
	if !slices.Contains(r.actions, p.Action.Type) {
		return fmt.Errorf("%w: %s does not accept %s", ErrPolicyTypeActionNotSupport, p.Type, p.Action.Type)
	}

	if p.Condition.Type != WhenOccur && p.Condition.Threshold < 0 {
		return fmt.Errorf("%w: %d", ErrPolicyInvalidThreshold, p.Condition.Threshold)
	}

	if p.Action.Type == ThrottleDevice {
		minF, maxF := p.Action.MinFrequency, p.Action.MaxFrequency
		if minF < 0 || maxF <= 0 || minF > maxF {
			return fmt.Errorf("%w: [%g, %g]", ErrPolicyInvalidFrequency, minF, maxF)
		}
	}
	return nil
}
