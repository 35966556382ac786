// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlator

import (
	"sync"
	"time"
)

// Restart policy for the capture engine.
const (
	// maxRestartAttempts within the rolling window.
	maxRestartAttempts = 3
	// restartWindow is the rolling window attempts are counted in.
	restartWindow = 60 * time.Second
	// baseRestartDelay doubles per attempt in the window.
	baseRestartDelay = time.Second
	// maxRestartDelay caps the backoff.
	maxRestartDelay = 10 * time.Second
)

// restartLimiter rate-limits engine restarts: at most maxRestartAttempts per
// rolling restartWindow, with exponential delay between attempts. The window
// is strict: an attempt is only forgotten once it is older than the window,
// so a burst can never exceed the budget.
type restartLimiter struct {
	mu       sync.Mutex
	attempts []time.Time
}

// Allow records an attempt if the budget permits and returns the delay to
// wait before restarting. ok is false when the window is exhausted.
func (l *restartLimiter) Allow(now time.Time) (delay time.Duration, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	if len(l.attempts) >= maxRestartAttempts {
		return 0, false
	}
	delay = baseRestartDelay << len(l.attempts)
	if delay > maxRestartDelay {
		delay = maxRestartDelay
	}
	l.attempts = append(l.attempts, now)
	return delay, true
}

// Attempts returns the number of attempts still inside the window.
func (l *restartLimiter) Attempts(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now)
	return len(l.attempts)
}

// Reset forgets all attempts; called when the engine is observed healthy.
func (l *restartLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = nil
}

func (l *restartLimiter) prune(now time.Time) {
	cutoff := now.Add(-restartWindow)
	kept := l.attempts[:0]
	for _, t := range l.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.attempts = kept
}
