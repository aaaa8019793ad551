// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/intel/xpumanager/internal/policy"
	"gopkg.in/yaml.v3"
)

// File is a declarative list of policies
//
//	policies:
//	  - device: 0
//	    type: gpu_temperature
//	    condition: {type: greater, threshold: 80}
//	    action: {type: throttle_device, minFrequency: 300, maxFrequency: 1200}
//	    callbackURL: http://alerts.local/xpum
//	  - group: 1
//	    type: gpu_missing
//	    condition: {type: when_occur}
type File struct {
	Policies []Entry `yaml:"policies"`
}

// Entry targets either a device or a group
type Entry struct {
	Device      *int      `yaml:"device,omitempty"`
	Group       *int      `yaml:"group,omitempty"`
	Type        string    `yaml:"type"`
	Condition   Condition `yaml:"condition"`
	Action      Action    `yaml:"action"`
	CallbackURL string    `yaml:"callbackURL,omitempty"`
}

type Condition struct {
	Type      string `yaml:"type"`
	Threshold int64  `yaml:"threshold"`
}

type Action struct {
	Type         string  `yaml:"type"`
	MinFrequency float64 `yaml:"minFrequency"`
	MaxFrequency float64 `yaml:"maxFrequency"`
}

// ReadFile parses the policy file at path
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %q: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy file %q: %w", path, err)
	}
	return f, nil
}

// Parse decodes a policy document; unknown keys are rejected
func Parse(data []byte) (*File, error) {
	f := &File{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(f); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	targets := map[string]int{}
	for i, e := range f.Policies {
		if (e.Device == nil) == (e.Group == nil) {
			return nil, fmt.Errorf("policy %d: exactly one of device or group must be set", i)
		}
		p, err := e.Policy()
		if err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
		t := e.target() + " " + p.Type.String()
		if prev, ok := targets[t]; ok {
			return nil, fmt.Errorf("policy %d: %s already set by policy %d", i, t, prev)
		}
		targets[t] = i
	}
	return f, nil
}

func (e Entry) target() string {
	if e.Device != nil {
		return fmt.Sprintf("device %d", *e.Device)
	}
	return fmt.Sprintf("group %d", *e.Group)
}

// Policy converts the entry to a policy without a target or callback
func (e Entry) Policy() (policy.Policy, error) {
	t, err := policy.ParseType(e.Type)
	if err != nil {
		return policy.Policy{}, err
	}

	c, err := policy.ParseConditionType(e.Condition.Type)
	if err != nil {
		return policy.Policy{}, err
	}

	action := e.Action.Type
	if action == "" {
		action = policy.NullAction.String()
	}
	a, err := policy.ParseActionType(action)
	if err != nil {
		return policy.Policy{}, err
	}

	p := policy.Policy{
		Type:      t,
		Condition: policy.Condition{Type: c, Threshold: e.Condition.Threshold},
		Action: policy.Action{
			Type:         a,
			MinFrequency: e.Action.MinFrequency,
			MaxFrequency: e.Action.MaxFrequency,
		},
		CallbackURL: e.CallbackURL,
	}
	if err := policy.Validate(p); err != nil {
		return policy.Policy{}, err
	}
	return p, nil
}
