// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
)

// Level selects which metric families the Prometheus exporter serves
type Level uint32

const (
	MetricsLevelPolicy Level = 1 << iota // 1
	MetricsLevelGPU                      // 2

	// MetricsLevelAll represents all metric levels combined
	MetricsLevelAll = MetricsLevelPolicy | MetricsLevelGPU
)

func (l Level) names() []string {
	var levels []string
	if l.IsPolicyEnabled() {
		levels = append(levels, "policy")
	}
	if l.IsGPUEnabled() {
		levels = append(levels, "gpu")
	}
	return levels
}

// String returns the string representation of the level
func (l Level) String() string {
	return strings.Join(l.names(), ",")
}

// IsPolicyEnabled checks if policy engine metrics are enabled
func (l Level) IsPolicyEnabled() bool {
	return l&MetricsLevelPolicy != 0
}

// IsGPUEnabled checks if GPU telemetry metrics are enabled
func (l Level) IsGPUEnabled() bool {
	return l&MetricsLevelGPU != 0
}

// ParseLevel parses a slice of strings into a Level
func ParseLevel(levels []string) (Level, error) {
	if len(levels) == 0 {
		return MetricsLevelAll, nil
	}

	var result Level
	for _, level := range levels {
		switch strings.ToLower(strings.TrimSpace(level)) {
		case "policy":
			result |= MetricsLevelPolicy
		case "gpu":
			result |= MetricsLevelGPU
		default:
			return 0, fmt.Errorf("unknown metrics level: %s", level)
		}
	}

	return result, nil
}

// ValidLevels returns the list of valid metrics levels
func ValidLevels() []string {
	return []string{"policy", "gpu"}
}

// MarshalYAML implements yaml.Marshaler interface
func (l Level) MarshalYAML() (interface{}, error) {
	levels := l.names()
	// Return as slice for multiple levels, single string for one level
	if len(levels) == 1 {
		return levels[0], nil
	}
	return levels, nil
}

// UnmarshalYAML implements yaml.Unmarshaler interface
func (l *Level) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		parsed, parseErr := ParseLevel([]string{single})
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	var multiple []string
	if err := unmarshal(&multiple); err == nil {
		parsed, parseErr := ParseLevel(multiple)
		if parseErr != nil {
			return parseErr
		}
		*l = parsed
		return nil
	}

	return fmt.Errorf("cannot unmarshal metrics level: must be a string or array of strings")
}
