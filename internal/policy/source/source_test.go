// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/intel/xpumanager/internal/device"
	"github.com/intel/xpumanager/internal/group"
	"github.com/intel/xpumanager/internal/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingTarget counts the calls reaching the policy manager
type recordingTarget struct {
	*policy.Manager

	mu    sync.Mutex
	calls []string
}

func (r *recordingTarget) SetPolicy(id int, p policy.Policy) error {
	r.record("device", p)
	return r.Manager.SetPolicy(id, p)
}

func (r *recordingTarget) SetPolicyByGroup(id int, p policy.Policy) error {
	r.record("group", p)
	return r.Manager.SetPolicyByGroup(id, p)
}

func (r *recordingTarget) record(kind string, p policy.Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := "set"
	if p.IsDelete {
		op = "delete"
	}
	r.calls = append(r.calls, op+" "+kind+" "+p.Type.String())
}

func (r *recordingTarget) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ret := r.calls
	r.calls = nil
	return ret
}

type fakeNotifier struct {
	urls []string
}

func (f *fakeNotifier) Callback(url string) policy.Callback {
	f.urls = append(f.urls, url)
	return func(policy.Notification) {}
}

func setup(t *testing.T) (*recordingTarget, *group.Manager) {
	t.Helper()
	backend := device.NewFakeBackend(3, device.WithFakeLogger(discardLogger()))
	groups := group.NewManager(backend)
	id, err := groups.Create("pair")
	require.NoError(t, err)
	require.NoError(t, groups.AddDevice(id, 1))
	require.NoError(t, groups.AddDevice(id, 2))

	m := policy.NewManager(backend, groups, policy.WithLogger(discardLogger()))
	return &recordingTarget{Manager: m}, groups
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

const initialPolicies = `
policies:
  - device: 0
    type: gpu_temperature
    condition: {type: greater, threshold: 80}
    action: {type: throttle_device, minFrequency: 300, maxFrequency: 1200}
    callbackURL: http://alerts.local/xpum
  - group: 1
    type: gpu_missing
    condition: {type: when_occur}
  - device: 0
    type: ras_error_cat_reset
    condition: {type: when_occur}
`

func TestApply(t *testing.T) {
	target, groups := setup(t)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, initialPolicies)

	notifier := &fakeNotifier{}
	src := NewSource(path, target, groups, WithLogger(discardLogger()), WithNotifier(notifier))
	assert.Equal(t, "policy-source", src.Name())
	require.NoError(t, src.Init())

	assert.Equal(t, []string{
		"set device gpu_temperature",
		"set group gpu_missing",
		"set device ras_error_cat_reset",
	}, target.Calls())
	assert.Equal(t, []string{"http://alerts.local/xpum"}, notifier.urls)

	all := target.Policies()
	require.Len(t, all, 4)
	assert.Equal(t, policy.GPUTemperature, all[0].Type)
	assert.NotNil(t, all[0].Notify)
	assert.Equal(t, policy.ThrottleDevice, all[0].Action.Type)
	assert.Nil(t, all[1].Notify)
	assert.Equal(t, 1, all[2].DeviceID)
	assert.Equal(t, 2, all[3].DeviceID)

	// unchanged file: nothing is touched
	require.NoError(t, src.Apply())
	assert.Empty(t, target.Calls())

	writeFile(t, path, `
policies:
  - device: 0
    type: gpu_temperature
    condition: {type: greater, threshold: 90}
  - group: 1
    type: gpu_missing
    condition: {type: when_occur}
`)
	require.NoError(t, src.Apply())
	assert.Equal(t, []string{
		"set device gpu_temperature",
		"delete device ras_error_cat_reset",
	}, target.Calls())

	got, err := target.GetPolicy(0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(90), got[0].Condition.Threshold)
	assert.Nil(t, got[0].Notify)
}

func TestApplyReportsBadEntries(t *testing.T) {
	target, groups := setup(t)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, `
policies:
  - device: 7
    type: gpu_power
    condition: {type: greater, threshold: 300}
  - group: 9
    type: gpu_power
    condition: {type: greater, threshold: 300}
  - device: 1
    type: gpu_power
    condition: {type: less, threshold: 10}
`)

	src := NewSource(path, target, groups, WithLogger(discardLogger()))
	err := src.Apply()
	assert.ErrorIs(t, err, policy.ErrDeviceNotFound)
	assert.ErrorIs(t, err, policy.ErrGroupNotFound)

	got, err := target.GetPolicy(1)
	require.NoError(t, err)
	assert.Len(t, got, 1, "valid entries are applied")
}

func TestApplyOverlappingEntriesAreStable(t *testing.T) {
	target, groups := setup(t)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, `
policies:
  - group: 1
    type: gpu_power
    condition: {type: greater, threshold: 300}
  - device: 1
    type: gpu_power
    condition: {type: greater, threshold: 200}
`)

	src := NewSource(path, target, groups, WithLogger(discardLogger()))
	err := src.Apply()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already set by an earlier entry")
	assert.Equal(t, []string{"set group gpu_power"}, target.Calls())

	for range 2 {
		err = src.Apply()
		require.Error(t, err)
		assert.Empty(t, target.Calls(), "an unchanged file must not touch the manager")

		got, err := target.GetPolicy(1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(300), got[0].Condition.Threshold)
	}
}

func TestApplyMissingFile(t *testing.T) {
	target, groups := setup(t)
	src := NewSource(filepath.Join(t.TempDir(), "nope.yaml"), target, groups, WithLogger(discardLogger()))
	assert.Error(t, src.Init())
}

func TestParse(t *testing.T) {
	tt := []struct {
		name string
		doc  string
		err  error
		msg  string
	}{
		{name: "empty", doc: ""},
		{name: "no policies", doc: "policies: []"},
		{name: "unknown key", doc: "policies:\n  - device: 0\n    type: gpu_power\n    treshold: 1\n", msg: "treshold"},
		{name: "no target", doc: "policies:\n  - type: gpu_power\n    condition: {type: greater}\n", msg: "exactly one of device or group"},
		{name: "both targets", doc: "policies:\n  - device: 0\n    group: 1\n    type: gpu_power\n", msg: "exactly one of device or group"},
		{name: "bad type", doc: "policies:\n  - device: 0\n    type: gpu_fan\n", err: policy.ErrPolicyTypeInvalid},
		{name: "bad condition", doc: "policies:\n  - device: 0\n    type: gpu_power\n    condition: {type: between}\n", err: policy.ErrPolicyConditionTypeInvalid},
		{name: "duplicate device target", doc: "policies:\n  - device: 0\n    type: gpu_temperature\n    condition: {type: greater, threshold: 80}\n  - device: 0\n    type: gpu_temperature\n    condition: {type: greater, threshold: 90}\n", msg: "already set by policy 0"},
		{name: "duplicate group target", doc: "policies:\n  - group: 1\n    type: gpu_missing\n    condition: {type: when_occur}\n  - group: 1\n    type: gpu_missing\n    condition: {type: when_occur}\n", msg: "group 1 gpu_missing"},
		{name: "same device other type", doc: "policies:\n  - device: 0\n    type: gpu_temperature\n    condition: {type: greater, threshold: 80}\n  - device: 0\n    type: gpu_power\n    condition: {type: greater, threshold: 300}\n"},
		{name: "unsupported action", doc: "policies:\n  - device: 0\n    type: gpu_power\n    condition: {type: greater}\n    action: {type: throttle_device, maxFrequency: 100}\n", err: policy.ErrPolicyTypeActionNotSupport},
	}
	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			switch {
			case tc.err != nil:
				assert.ErrorIs(t, err, tc.err)
			case tc.msg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.msg)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	target, groups := setup(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "policies.yaml")
	writeFile(t, path, initialPolicies)

	src := NewSource(path, target, groups,
		WithLogger(discardLogger()),
		WithWatch(true),
		WithDebounce(20*time.Millisecond))
	require.NoError(t, src.Init())
	require.Len(t, target.Policies(), 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	// unrelated files in the same directory are ignored
	writeFile(t, filepath.Join(dir, "other.yaml"), "policies: []")

	// keep editing until the watcher, which registers asynchronously, sees it
	assert.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("policies: []\n"), 0o644)
		return len(target.Policies()) == 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestRunWithoutWatch(t *testing.T) {
	target, groups := setup(t)
	path := filepath.Join(t.TempDir(), "policies.yaml")
	writeFile(t, path, "policies: []")
	src := NewSource(path, target, groups, WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, src.Run(ctx))
}
