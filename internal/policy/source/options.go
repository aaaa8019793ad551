// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package source

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

type Opts struct {
	logger   *slog.Logger
	notifier Notifier
	watch    bool
	debounce time.Duration
	clock    clock.Clock
}

// DefaultOpts returns the options used when none are given
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		debounce: 250 * time.Millisecond,
		clock:    clock.RealClock{},
	}
}

// OptionFn sets one or more options in Opts
type OptionFn func(*Opts)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithNotifier sets the notifier used for entries with a callbackURL
func WithNotifier(n Notifier) OptionFn {
	return func(o *Opts) {
		o.notifier = n
	}
}

// WithWatch enables reloading the file when it changes
func WithWatch(watch bool) OptionFn {
	return func(o *Opts) {
		o.watch = watch
	}
}

// WithDebounce sets how long the file must stay quiet before a reload
func WithDebounce(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.debounce = d
	}
}

// WithClock sets the clock used for debouncing
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}
