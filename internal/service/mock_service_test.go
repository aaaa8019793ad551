// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

type fakeService struct {
	name string

	initFn     func() error
	runFn      func(ctx context.Context) error
	shutdownFn func() error

	mu            sync.Mutex
	initCount     int
	runCount      int
	shutdownCount int
}

func (f *fakeService) Name() string { return f.name }

func (f *fakeService) Init() error {
	f.mu.Lock()
	f.initCount++
	f.mu.Unlock()
	if f.initFn != nil {
		return f.initFn()
	}
	return nil
}

func (f *fakeService) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runCount++
	f.mu.Unlock()
	if f.runFn != nil {
		return f.runFn(ctx)
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeService) Shutdown() error {
	f.mu.Lock()
	f.shutdownCount++
	f.mu.Unlock()
	if f.shutdownFn != nil {
		return f.shutdownFn()
	}
	return nil
}

func (f *fakeService) counts() (int, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initCount, f.runCount, f.shutdownCount
}

// nameOnly implements only Service
type nameOnly string

func (n nameOnly) Name() string { return string(n) }

func slogDiscard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
