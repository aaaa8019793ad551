// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// DropInDirSuffix is appended to the config file path to find its drop-in directory
const DropInDirSuffix = ".d"

type overlayDoc struct {
	name string
	data []byte
}

// Overlay merges YAML documents onto a base configuration in the order they
// were added. Fields a document leaves unset keep the value below it.
type Overlay struct {
	base *Config
	docs []overlayDoc
}

// NewOverlay starts an overlay on base; a nil base means DefaultConfig
func NewOverlay(base *Config) *Overlay {
	if base == nil {
		base = DefaultConfig()
	}
	return &Overlay{base: base}
}

// Add queues a YAML document; name only appears in errors
func (o *Overlay) Add(name string, data []byte) *Overlay {
	o.docs = append(o.docs, overlayDoc{name: name, data: data})
	return o
}

// AddDir queues every *.yaml and *.yml file of dir in lexical order.
// A missing directory adds nothing.
func (o *Overlay) AddDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read drop-in directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, n := range names {
		path := filepath.Join(dir, n)
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read drop-in %q: %w", path, err)
		}
		o.Add(path, data)
	}
	return nil
}

// Apply merges the queued documents onto the base and returns it. Every
// broken document is reported; the base is not returned on error.
func (o *Overlay) Apply() (*Config, error) {
	var errs error
	for _, d := range o.docs {
		layer := &Config{}
		if err := yaml.Unmarshal(d.data, layer); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to parse %s: %w", d.name, err))
			continue
		}
		if err := mergo.Merge(o.base, layer, mergo.WithOverride, mergo.WithTransformers(boolPtrTransformer{})); err != nil {
			errs = errors.Join(errs, fmt.Errorf("failed to merge %s: %w", d.name, err))
		}
	}
	if errs != nil {
		return nil, errs
	}
	return o.base, nil
}

// boolPtrTransformer lets an explicit false override true
type boolPtrTransformer struct{}

func (boolPtrTransformer) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	if typ != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}
