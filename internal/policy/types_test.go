// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNames(t *testing.T) {
	for _, typ := range Types() {
		got, err := ParseType(typ.String())
		require.NoError(t, err)
		assert.Equal(t, typ, got)
	}
	assert.Len(t, Types(), 10)

	_, err := ParseType("gpu_fan")
	assert.ErrorIs(t, err, ErrPolicyTypeInvalid)
	assert.Equal(t, "type(99)", Type(99).String())

	c, err := ParseConditionType("when_occur")
	require.NoError(t, err)
	assert.Equal(t, WhenOccur, c)
	_, err = ParseConditionType("between")
	assert.ErrorIs(t, err, ErrPolicyConditionTypeInvalid)

	a, err := ParseActionType("throttle_device")
	require.NoError(t, err)
	assert.Equal(t, ThrottleDevice, a)
	_, err = ParseActionType("reset_device")
	assert.ErrorIs(t, err, ErrPolicyActionTypeInvalid)
}

func TestMetricTable(t *testing.T) {
	assert.Len(t, metricOf, 9)
	_, ok := metricOf[GPUMissing]
	assert.False(t, ok, "GPU missing is probed, not read from metrics")
}
