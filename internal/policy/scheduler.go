// SPDX-FileCopyrightText: 2025 The XPU Manager Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// scheduler runs cycle on every wall clock multiple of its period. Only one
// cycle runs at a time; a cycle that overruns pushes the next one to the
// following boundary.
type scheduler struct {
	logger *slog.Logger
	clock  clock.WithTicker
	cycle  func()

	mu     sync.Mutex
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

func newScheduler(logger *slog.Logger, c clock.WithTicker, period time.Duration, cycle func()) *scheduler {
	return &scheduler{
		logger: logger,
		clock:  c,
		period: period,
		cycle:  cycle,
	}
}

// nextDelay returns the time left until the next multiple of period
func nextDelay(now time.Time, period time.Duration) time.Duration {
	return period - time.Duration(now.UnixNano()%int64(period))
}

func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked()
}

func (s *scheduler) startLocked() {
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.period, s.done)
	s.logger.Info("Policy scheduler started", "period", s.period)
}

// stop cancels the loop and waits for a running cycle to finish
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *scheduler) stopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("Policy scheduler stopped")
}

// reset restarts the loop with a new period. It must not be called from
// within a cycle.
func (s *scheduler) reset(period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("invalid check period %v", period)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	running := s.cancel != nil
	s.stopLocked()
	s.period = period
	if running {
		s.startLocked()
	}
	return nil
}

func (s *scheduler) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *scheduler) loop(ctx context.Context, period time.Duration, done chan struct{}) {
	defer close(done)

	for {
		timer := s.clock.NewTimer(nextDelay(s.clock.Now(), period))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C():
			s.cycle()
		}
	}
}
