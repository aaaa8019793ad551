// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import "errors"

var (
	ErrDeviceNotFound                = errors.New("device not found")
	ErrGroupNotFound                 = errors.New("group not found")
	ErrPolicyTypeInvalid             = errors.New("policy type invalid")
	ErrPolicyConditionTypeInvalid    = errors.New("policy condition type invalid")
	ErrPolicyActionTypeInvalid       = errors.New("policy action type invalid")
	ErrPolicyTypeConditionNotSupport = errors.New("policy condition not supported for this policy type")
	ErrPolicyTypeActionNotSupport    = errors.New("policy action not supported for this policy type")
	ErrPolicyInvalidThreshold        = errors.New("policy threshold invalid")
	ErrPolicyInvalidFrequency        = errors.New("policy frequency range invalid")
	ErrPolicyNotExist                = errors.New("policy does not exist")
)
