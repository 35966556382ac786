// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlator

import (
	"sync"
	"time"

	"github.com/capsulerec/capsule/internal/events"
)

// recentEventLimit bounds the rolling window of observed events.
const recentEventLimit = 100

// State is the merged global view the correlator maintains. It is mutated
// only through the typed apply methods; consumers get value snapshots.
type State struct {
	Engine             events.CaptureEngineState      `json:"engine"`
	Game               events.GameStatus              `json:"game"`
	Recording          events.RecordingStatus         `json:"recording"`
	Stats              events.RecordingStats          `json:"stats"`
	Managers           map[string]events.StatusUpdate `json:"managers"`
	RecentEvents       []events.CapturedEvent         `json:"recentEvents"`
	ManualIntervention bool                           `json:"manualIntervention"`
	RestartAttempts    int                            `json:"restartAttempts"`
	PatternVersion     string                         `json:"patternVersion,omitempty"`
	SessionOpen        bool                           `json:"sessionOpen"`
	SessionPath        string                         `json:"sessionPath,omitempty"`
	UpdatedAt          time.Time                      `json:"updatedAt"`
}

// stateStore wraps State with its lock.
type stateStore struct {
	mu    sync.Mutex
	state State
}

func newStateStore() *stateStore {
	return &stateStore{state: State{
		Engine: events.CaptureEngineState{
			Process:    events.ProcessStopped,
			Connection: events.ConnDisconnected,
			Encoder:    events.EncoderPending,
		},
		Managers: make(map[string]events.StatusUpdate),
	}}
}

// Snapshot returns a deep copy safe to hand to consumers.
func (s *stateStore) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.state
	snap.Managers = make(map[string]events.StatusUpdate, len(s.state.Managers))
	for k, v := range s.state.Managers {
		snap.Managers[k] = v
	}
	snap.RecentEvents = append([]events.CapturedEvent(nil), s.state.RecentEvents...)
	if s.state.Game.Instance != nil {
		inst := *s.state.Game.Instance
		snap.Game.Instance = &inst
	}
	snap.Game.Candidates = append([]events.LogCandidate(nil), s.state.Game.Candidates...)
	return snap
}

// update applies fn under the lock and stamps the update time.
func (s *stateStore) update(now time.Time, fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	s.state.UpdatedAt = now
}

// appendRecent pushes an event into the rolling window, evicting the oldest
// past the limit.
func (s *State) appendRecent(ev events.CapturedEvent) {
	s.RecentEvents = append(s.RecentEvents, ev)
	if len(s.RecentEvents) > recentEventLimit {
		s.RecentEvents = s.RecentEvents[len(s.RecentEvents)-recentEventLimit:]
	}
}
