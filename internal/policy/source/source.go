// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package source keeps the policy manager in sync with a policy file.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/intel/xpumanager/internal/policy"
	"github.com/intel/xpumanager/internal/service"
	"k8s.io/utils/clock"
)

// Target receives the policies read from the file
type Target interface {
	SetPolicy(deviceID int, p policy.Policy) error
	SetPolicyByGroup(groupID int, p policy.Policy) error
}

// GroupResolver returns the devices of a group
type GroupResolver interface {
	GroupDevices(groupID int) ([]int, error)
}

// Notifier builds the callback of policies that carry a callback URL
type Notifier interface {
	Callback(url string) policy.Callback
}

type key struct {
	device int
	typ    policy.Type
}

// fingerprint is what makes two applications of the same (device, type) equal
type fingerprint struct {
	condition   policy.Condition
	action      policy.Action
	callbackURL string
}

// Source applies a policy file to a Target and, optionally, reapplies it
// whenever the file changes
type Source struct {
	logger   *slog.Logger
	path     string
	target   Target
	groups   GroupResolver
	notifier Notifier
	watch    bool
	debounce time.Duration
	clock    clock.Clock

	mu      sync.Mutex
	applied map[key]fingerprint
}

var (
	_ service.Initializer = (*Source)(nil)
	_ service.Runner      = (*Source)(nil)
)

// NewSource creates a Source for the policy file at path
func NewSource(path string, target Target, groups GroupResolver, applyOpts ...OptionFn) *Source {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Source{
		logger:   opts.logger.With("service", "policy-source"),
		path:     path,
		target:   target,
		groups:   groups,
		notifier: opts.notifier,
		watch:    opts.watch,
		debounce: opts.debounce,
		clock:    opts.clock,
		applied:  map[key]fingerprint{},
	}
}

func (s *Source) Name() string {
	return "policy-source"
}

// Init applies the file once; a broken file fails startup
func (s *Source) Init() error {
	return s.Apply()
}

func (s *Source) Run(ctx context.Context) error {
	if !s.watch {
		<-ctx.Done()
		return nil
	}
	return s.watchFile(ctx)
}

// Apply reads the file and reconciles the target with it. Policies that
// disappeared from the file since the last Apply are deleted; unchanged
// policies are left alone so their evaluation state survives a reload.
// When entries overlap on a (device, type) pair the first one wins.
func (s *Source) Apply() error {
	f, err := ReadFile(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	seen := map[key]fingerprint{}

	for i, e := range f.Policies {
		p, err := e.Policy()
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %d: %w", i, err))
			continue
		}
		if p.CallbackURL != "" {
			if s.notifier != nil {
				p.Notify = s.notifier.Callback(p.CallbackURL)
			} else {
				s.logger.Warn("No notifier configured; callbackURL ignored", "policy", i, "url", p.CallbackURL)
			}
		}

		devices, err := s.targetDevices(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %d: %w", i, err))
			continue
		}

		if d, ok := claimed(seen, devices, p.Type); ok {
			errs = append(errs, fmt.Errorf("policy %d: %s on device %d already set by an earlier entry", i, p.Type, d))
			continue
		}

		fp := fingerprint{condition: p.Condition, action: p.Action, callbackURL: p.CallbackURL}
		if s.unchanged(devices, p.Type, fp) {
			for _, d := range devices {
				seen[key{d, p.Type}] = fp
			}
			continue
		}

		if e.Group != nil {
			err = s.target.SetPolicyByGroup(*e.Group, p)
		} else {
			err = s.target.SetPolicy(*e.Device, p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %d: %w", i, err))
			continue
		}
		for _, d := range devices {
			seen[key{d, p.Type}] = fp
		}
	}

	for k := range s.applied {
		if _, ok := seen[k]; ok {
			continue
		}
		err := s.target.SetPolicy(k.device, policy.Policy{Type: k.typ, IsDelete: true})
		if err != nil && !errors.Is(err, policy.ErrPolicyNotExist) {
			errs = append(errs, fmt.Errorf("delete %s on device %d: %w", k.typ, k.device, err))
			seen[k] = s.applied[k]
		}
	}
	s.applied = seen

	s.logger.Info("Policy file applied", "path", s.path, "policies", len(f.Policies), "active", len(seen), "errors", len(errs))
	return errors.Join(errs...)
}

func (s *Source) targetDevices(e Entry) ([]int, error) {
	if e.Device != nil {
		return []int{*e.Device}, nil
	}
	if s.groups == nil {
		return nil, fmt.Errorf("%w: %d", policy.ErrGroupNotFound, *e.Group)
	}
	ids, err := s.groups.GroupDevices(*e.Group)
	if err != nil {
		return nil, fmt.Errorf("%w: %d: %w", policy.ErrGroupNotFound, *e.Group, err)
	}
	return ids, nil
}

// claimed returns a device whose (device, type) pair an earlier entry of the
// same pass already owns
func claimed(seen map[key]fingerprint, devices []int, t policy.Type) (int, bool) {
	for _, d := range devices {
		if _, ok := seen[key{d, t}]; ok {
			return d, true
		}
	}
	return 0, false
}

func (s *Source) unchanged(devices []int, t policy.Type, fp fingerprint) bool {
	if len(devices) == 0 {
		return false
	}
	for _, d := range devices {
		if prev, ok := s.applied[key{d, t}]; !ok || prev != fp {
			return false
		}
	}
	return true
}

// watchFile reapplies the file after it changed and stayed quiet for the
// debounce period. The parent directory is watched so that editors
// replacing the file are noticed.
func (s *Source) watchFile(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		if err := w.Close(); err != nil {
			s.logger.Warn("Failed to close file watcher", "error", err)
		}
	}()

	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("failed to watch %q: %w", s.path, err)
	}
	s.logger.Info("Watching policy file", "path", s.path, "debounce", s.debounce)

	var pending clock.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			if !s.relevant(ev) {
				continue
			}
			s.logger.Debug("Policy file event", "path", ev.Name, "op", ev.Op.String())
			if pending != nil {
				pending.Stop()
			}
			pending = s.clock.NewTimer(s.debounce)
			fire = pending.C()

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			s.logger.Error("File watcher error", "error", err)

		case <-fire:
			pending, fire = nil, nil
			if err := s.Apply(); err != nil {
				s.logger.Error("Policy file reload failed", "error", err)
			}
		}
	}
}

func (s *Source) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}
