// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package scheduler provides cancellable delayed and repeating tasks over an
// injectable clock. Managers never touch time.AfterFunc directly: reconnect
// backoff, health checks, and split timers all go through a Scheduler so
// tests can drive time with a FakeClock instead of sleeping.
package scheduler

import (
	"sync"
	"time"
)

// Stopper is the cancellation handle a Clock returns for a pending callback.
type Stopper interface {
	// Stop cancels the callback. Returns false if it already fired or was
	// already stopped.
	Stop() bool
}

// Clock abstracts wall time and delayed callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Stopper
}

// Task is a cancellable scheduled unit. Cancel is idempotent and safe to
// call from the task's own callback.
type Task struct {
	mu       sync.Mutex
	stopper  Stopper
	canceled bool
}

// Cancel stops the task. Subsequent calls are no-ops.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		return
	}
	t.canceled = true
	if t.stopper != nil {
		t.stopper.Stop()
	}
}

// Canceled reports whether Cancel has been called.
func (t *Task) Canceled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.canceled
}

func (t *Task) setStopper(s Stopper) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.canceled {
		s.Stop()
		return false
	}
	t.stopper = s
	return true
}

// Scheduler creates tasks on a Clock.
type Scheduler struct {
	clock Clock
}

// New creates a scheduler. A nil clock means real wall time.
func New(clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{clock: clock}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// After runs f once after d. The returned task cancels the pending run.
func (s *Scheduler) After(d time.Duration, f func()) *Task {
	task := &Task{}
	task.setStopper(s.clock.AfterFunc(d, func() {
		if task.Canceled() {
			return
		}
		f()
	}))
	return task
}

// Every runs f repeatedly with d between runs, starting after the first d.
// Cancel stops future runs; a run in flight completes.
func (s *Scheduler) Every(d time.Duration, f func()) *Task {
	task := &Task{}
	var schedule func()
	schedule = func() {
		task.setStopper(s.clock.AfterFunc(d, func() {
			if task.Canceled() {
				return
			}
			f()
			if !task.Canceled() {
				schedule()
			}
		}))
	}
	schedule()
	return task
}

// RealClock is the production Clock backed by the time package.
type RealClock struct{}

// Now returns time.Now().
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc wraps time.AfterFunc.
func (RealClock) AfterFunc(d time.Duration, f func()) Stopper {
	return realStopper{time.AfterFunc(d, f)}
}

type realStopper struct{ t *time.Timer }

func (r realStopper) Stop() bool { return r.t.Stop() }
