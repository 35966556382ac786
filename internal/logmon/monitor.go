// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logmon tails the game's log file and classifies lines into domain
// events through the pattern engine. It owns race mode: when several build
// variants have candidate logs, all are tailed simultaneously and the first
// to produce a line is declared the active instance.
package logmon

import (
	"context"
	"sync"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/capsulerec/capsule/internal/scheduler"
)

// ManagerName identifies the log monitor on the bus.
const ManagerName = "logmon"

// Commands accepted by the log monitor.
type (
	// SetLogPathCommand switches single-file monitoring to the given path.
	SetLogPathCommand struct{ Path string }
	// MonitorMultipleCommand starts race mode over the candidates.
	MonitorMultipleCommand struct{ Candidates []events.LogCandidate }
	// StartMonitoringCommand resumes tailing the last known path.
	StartMonitoringCommand struct{}
	// StopMonitoringCommand stops all tails, including an unresolved race.
	StopMonitoringCommand struct{}
	// RefreshPatternsCommand pulls updated pattern definitions.
	RefreshPatternsCommand struct{}
	// ShutdownCommand stops monitoring and the manager.
	ShutdownCommand struct{}
)

// CommandName implements manager.Command.
func (SetLogPathCommand) CommandName() string      { return "set-log-path" }
func (MonitorMultipleCommand) CommandName() string { return "monitor-multiple" }
func (StartMonitoringCommand) CommandName() string { return "start-monitoring" }
func (StopMonitoringCommand) CommandName() string  { return "stop-monitoring" }
func (RefreshPatternsCommand) CommandName() string { return "refresh-patterns" }
func (ShutdownCommand) CommandName() string        { return "shutdown" }

// raceState tracks one monitor-multiple run. won flips exactly once, which
// makes the instance-detected notification idempotent.
type raceState struct {
	mu       sync.Mutex
	won      bool
	winner   TailHandle
	handles  map[string]TailHandle
	cands    []events.LogCandidate
	fallback *scheduler.Task
}

// Monitor is the log monitor manager.
type Monitor struct {
	manager.Base
	cfg       config.GameConfig
	patCfg    config.PatternsConfig
	engine    *Engine
	refresher *Refresher
	newTail   TailFactory

	mu         sync.Mutex
	active     TailHandle
	activePath string
	race       *raceState
}

// New creates the log monitor. A nil factory selects nxadm/tail.
func New(cfg config.GameConfig, patCfg config.PatternsConfig, b *bus.Bus, sched *scheduler.Scheduler, factory TailFactory) *Monitor {
	if factory == nil {
		factory = FileTail
	}
	engine := NewEngine()
	return &Monitor{
		Base:      manager.NewBase(ManagerName, b, sched),
		cfg:       cfg,
		patCfg:    patCfg,
		engine:    engine,
		refresher: NewRefresher(patCfg, engine, nil),
		newTail:   factory,
	}
}

// Engine returns the pattern engine, for status reporting.
func (m *Monitor) Engine() *Engine { return m.engine }

// Refresher returns the remote pattern refresher.
func (m *Monitor) Refresher() *Refresher { return m.refresher }

// ActivePath returns the path currently tailed, or empty.
func (m *Monitor) ActivePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePath
}

// Initialize loads the external pattern set if configured and reacts to game
// status: candidates start race mode, a game exit stops all monitoring.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.SetStatus(events.ManagerStarting, "")

	if m.patCfg.Path != "" {
		if err := m.engine.LoadFile(m.patCfg.Path, m.patCfg.SupportedMajor); err != nil {
			m.Log().Warn().Err(err).Str("path", m.patCfg.Path).
				Msg("pattern set unavailable, built-in detectors stay active")
		}
	}

	statusCh, err := m.Bus().Subscribe(ctx, bus.TopicGameStatus)
	if err != nil {
		m.SetStatus(events.ManagerError, err.Error())
		return err
	}
	go func() {
		for msg := range statusCh {
			var status events.GameStatus
			if err := bus.Decode(msg, &status); err != nil {
				m.Log().Warn().Err(err).Msg("bad game status payload")
				continue
			}
			switch {
			case !status.Running:
				m.StopMonitoring()
			case len(status.Candidates) > 0:
				m.MonitorMultiple(status.Candidates)
			}
		}
	}()

	m.StartHeartbeat()
	m.SetStatus(events.ManagerRunning, "")
	return nil
}

// HandleCommand dispatches the log monitor's command set.
func (m *Monitor) HandleCommand(ctx context.Context, cmd manager.Command) error {
	switch cmd := cmd.(type) {
	case SetLogPathCommand:
		return m.SetLogPath(cmd.Path)
	case MonitorMultipleCommand:
		m.MonitorMultiple(cmd.Candidates)
		return nil
	case StartMonitoringCommand:
		return m.resumeMonitoring()
	case StopMonitoringCommand:
		m.StopMonitoring()
		return nil
	case RefreshPatternsCommand:
		return m.refresher.Refresh(ctx)
	case ShutdownCommand:
		return m.Shutdown()
	default:
		return manager.Unhandled(ManagerName, cmd)
	}
}

// Shutdown stops all tails and the manager.
func (m *Monitor) Shutdown() error {
	m.StopMonitoring()
	m.Terminate()
	return nil
}

// SetLogPath starts single-file monitoring from end-of-file, replacing any
// current tail or race.
func (m *Monitor) SetLogPath(path string) error {
	m.StopMonitoring()

	h, err := m.newTail(path, true)
	if err != nil {
		m.Log().Error().Err(err).Str("path", path).Msg("open log tail")
		return err
	}

	m.mu.Lock()
	m.active = h
	m.activePath = path
	m.mu.Unlock()

	m.Log().Info().Str("path", path).Msg("monitoring log")
	go m.consume(h)
	return nil
}

// resumeMonitoring re-opens the last known path.
func (m *Monitor) resumeMonitoring() error {
	m.mu.Lock()
	path := m.activePath
	active := m.active
	m.mu.Unlock()
	if active != nil || path == "" {
		return nil
	}
	return m.SetLogPath(path)
}

// StopMonitoring stops the active tail and any race in progress.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	active := m.active
	race := m.race
	m.active = nil
	m.race = nil
	m.mu.Unlock()

	if active != nil {
		if err := active.Stop(); err != nil {
			m.Log().Debug().Err(err).Msg("stop active tail")
		}
	}
	if race != nil {
		race.mu.Lock()
		race.won = true // no detection may fire after stop
		if race.fallback != nil {
			race.fallback.Cancel()
		}
		handles := race.handles
		race.handles = nil
		race.mu.Unlock()
		for _, h := range handles {
			if err := h.Stop(); err != nil {
				m.Log().Debug().Err(err).Msg("stop race tail")
			}
		}
	}
}

// MonitorMultiple tails every candidate at once; the first to produce a line
// wins. If none produce output within the race timeout, the most recently
// modified candidate is taken.
func (m *Monitor) MonitorMultiple(cands []events.LogCandidate) {
	m.StopMonitoring()
	if len(cands) == 0 {
		return
	}

	race := &raceState{handles: make(map[string]TailHandle)}
	for _, cand := range cands {
		h, err := m.newTail(cand.Path, true)
		if err != nil {
			m.Log().Warn().Err(err).Str("path", cand.Path).Msg("candidate tail failed")
			continue
		}
		race.handles[cand.Path] = h
		race.cands = append(race.cands, cand)
	}
	if len(race.handles) == 0 {
		m.Log().Error().Msg("no candidate log could be opened")
		return
	}

	m.mu.Lock()
	m.race = race
	m.mu.Unlock()

	m.Log().Info().Int("candidates", len(race.cands)).Msg("race monitoring candidates")

	for _, cand := range race.cands {
		go m.raceConsume(race, cand, race.handles[cand.Path])
	}
	race.mu.Lock()
	race.fallback = m.Scheduler().After(m.cfg.RaceTimeout, func() { m.raceFallback(race) })
	race.mu.Unlock()
}

// raceConsume reads one candidate's lines. The first line wins the race;
// lines from losers are dropped, lines from the winner flow to the parser.
func (m *Monitor) raceConsume(race *raceState, cand events.LogCandidate, h TailHandle) {
	for line := range h.Lines() {
		race.mu.Lock()
		switch {
		case !race.won:
			race.won = true
			race.winner = h
			race.mu.Unlock()
			m.finishRace(race, cand, h)
		case race.winner != h:
			race.mu.Unlock()
			return
		default:
			race.mu.Unlock()
		}
		m.processLine(line)
	}
}

// raceFallback resolves a silent race with the most recently modified
// candidate.
func (m *Monitor) raceFallback(race *raceState) {
	race.mu.Lock()
	if race.won {
		race.mu.Unlock()
		return
	}
	var best events.LogCandidate
	for _, cand := range race.cands {
		if _, ok := race.handles[cand.Path]; !ok {
			continue
		}
		if best.Path == "" || cand.ModTime.After(best.ModTime) {
			best = cand
		}
	}
	h := race.handles[best.Path]
	race.won = true
	race.winner = h
	race.mu.Unlock()

	m.Log().Info().Str("variant", string(best.Variant)).
		Msg("race timed out, falling back to most recently modified candidate")
	m.finishRace(race, best, h)
}

// finishRace stops the losing tails, promotes the winner to the active tail,
// and announces the detected instance. Runs exactly once per race.
func (m *Monitor) finishRace(race *raceState, cand events.LogCandidate, h TailHandle) {
	race.mu.Lock()
	if race.fallback != nil {
		race.fallback.Cancel()
	}
	var losers []TailHandle
	for path, other := range race.handles {
		if other != h {
			losers = append(losers, other)
			delete(race.handles, path)
		}
	}
	race.mu.Unlock()

	for _, loser := range losers {
		if err := loser.Stop(); err != nil {
			m.Log().Debug().Err(err).Msg("stop losing tail")
		}
	}

	m.mu.Lock()
	m.active = h
	m.activePath = cand.Path
	m.race = nil
	m.mu.Unlock()

	m.Log().Info().Str("variant", string(cand.Variant)).Str("path", cand.Path).
		Msg("active instance detected")

	if err := m.Bus().Publish(bus.TopicInstanceDetected, events.InstanceDetected{
		Variant: cand.Variant,
		LogPath: cand.Path,
	}); err != nil {
		m.Log().Error().Err(err).Msg("publish instance detected")
	}
}

// consume feeds a single-file tail through the parser until it stops.
func (m *Monitor) consume(h TailHandle) {
	for line := range h.Lines() {
		m.processLine(line)
	}
}

// processLine classifies one line and publishes the resulting events. Any
// failure is contained to this line; monitoring continues.
func (m *Monitor) processLine(line TailLine) {
	defer func() {
		if r := recover(); r != nil {
			m.Log().Error().Interface("panic", r).Str("line", line.Text).
				Msg("line classification panicked")
		}
	}()

	if line.Err != nil {
		m.Log().Warn().Err(line.Err).Msg("tail error")
		return
	}
	if line.Text == "" {
		return
	}
	metrics.LogLinesProcessed.Inc()

	for _, ev := range m.engine.Match(line.Text) {
		metrics.GameEventsDetected.WithLabelValues(ev.Subtype).Inc()
		if err := m.Bus().Publish(bus.TopicGameEvent, ev); err != nil {
			m.Log().Error().Err(err).Msg("publish game event")
		}
	}
}
