// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

// Package service defines the lifecycle contract shared by every long lived
// component of xpumd and the helpers that drive it.
package service

import "context"

// Service is implemented by every component managed by the daemon
type Service interface {
	Name() string
}

// Initializer is a service that must be prepared before anything runs
type Initializer interface {
	Service
	Init() error
}

// Runner is a service that works in the background until ctx is cancelled.
// Run is expected to block.
type Runner interface {
	Service
	Run(ctx context.Context) error
}

// Shutdowner is a service that releases resources on exit
type Shutdowner interface {
	Service
	Shutdown() error
}
