// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gamewatch detects the target game process and resolves which build
// variant's log file is authoritative. It polls the OS process table, scans
// the install path's variant folders for candidate logs, and hands ambiguous
// sets to the log monitor's race mode via the WAITING instance state.
package gamewatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/engineproc"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/capsulerec/capsule/internal/scheduler"
)

// ManagerName identifies the game monitor on the bus.
const ManagerName = "gamewatch"

// Commands accepted by the game monitor.
type (
	// StartMonitoringCommand begins process-table polling.
	StartMonitoringCommand struct{}
	// StopMonitoringCommand pauses polling without touching detected state.
	StopMonitoringCommand struct{}
	// InstanceDetectedCommand finalizes a WAITING instance with the race
	// winner; equivalent to the bus notification, for direct callers.
	InstanceDetectedCommand struct {
		Variant events.BuildVariant
		LogPath string
	}
	// ShutdownCommand stops polling and the manager.
	ShutdownCommand struct{}
)

// CommandName implements manager.Command.
func (StartMonitoringCommand) CommandName() string  { return "start-monitoring" }
func (StopMonitoringCommand) CommandName() string   { return "stop-monitoring" }
func (InstanceDetectedCommand) CommandName() string { return "sc-instance-detected" }
func (ShutdownCommand) CommandName() string         { return "shutdown" }

// Monitor watches the OS process table for the game.
type Monitor struct {
	manager.Base
	cfg   config.GameConfig
	table engineproc.ProcessTable

	mu       sync.Mutex
	instance *events.GameInstance
	poller   *scheduler.Task
}

// New creates the game monitor. A nil table selects the gopsutil-backed one.
func New(cfg config.GameConfig, b *bus.Bus, sched *scheduler.Scheduler, table engineproc.ProcessTable) *Monitor {
	if table == nil {
		table = engineproc.GopsutilTable{}
	}
	return &Monitor{
		Base:  manager.NewBase(ManagerName, b, sched),
		cfg:   cfg,
		table: table,
	}
}

// Initialize performs one immediate poll, then polls on the configured
// interval. It also listens for the race winner to finalize the instance.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.SetStatus(events.ManagerStarting, "")

	detectedCh, err := m.Bus().Subscribe(ctx, bus.TopicInstanceDetected)
	if err != nil {
		m.SetStatus(events.ManagerError, err.Error())
		return err
	}
	go func() {
		for msg := range detectedCh {
			var ev events.InstanceDetected
			if err := bus.Decode(msg, &ev); err != nil {
				m.Log().Warn().Err(err).Msg("bad instance-detected payload")
				continue
			}
			m.resolveInstance(ev)
		}
	}()

	m.StartHeartbeat()
	m.StartMonitoring()
	m.SetStatus(events.ManagerRunning, "")
	return nil
}

// HandleCommand dispatches the game monitor's command set.
func (m *Monitor) HandleCommand(_ context.Context, cmd manager.Command) error {
	switch cmd := cmd.(type) {
	case StartMonitoringCommand:
		m.StartMonitoring()
		return nil
	case StopMonitoringCommand:
		m.StopMonitoring()
		return nil
	case InstanceDetectedCommand:
		m.resolveInstance(events.InstanceDetected{Variant: cmd.Variant, LogPath: cmd.LogPath})
		return nil
	case ShutdownCommand:
		return m.Shutdown()
	default:
		return manager.Unhandled(ManagerName, cmd)
	}
}

// StartMonitoring polls once immediately, then on the configured interval.
// A no-op while already monitoring.
func (m *Monitor) StartMonitoring() {
	m.mu.Lock()
	if m.poller != nil {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.Poll()
	m.mu.Lock()
	if m.poller == nil {
		m.poller = m.Scheduler().Every(m.cfg.PollInterval, m.Poll)
	}
	m.mu.Unlock()
}

// StopMonitoring pauses polling; detected state is left as observed.
func (m *Monitor) StopMonitoring() {
	m.mu.Lock()
	if m.poller != nil {
		m.poller.Cancel()
		m.poller = nil
	}
	m.mu.Unlock()
}

// Shutdown stops polling and the manager.
func (m *Monitor) Shutdown() error {
	m.StopMonitoring()
	m.Terminate()
	return nil
}

// Instance returns a copy of the current instance, or nil when the game is
// not running.
func (m *Monitor) Instance() *events.GameInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instance == nil {
		return nil
	}
	inst := *m.instance
	return &inst
}

// Running reports whether the game process is currently observed.
func (m *Monitor) Running() bool {
	return m.Instance() != nil
}

// Poll checks the process table once and reconciles state.
func (m *Monitor) Poll() {
	procs, err := m.table.FindByName(m.cfg.ProcessName)
	if err != nil {
		m.Log().Warn().Err(err).Msg("process table scan failed")
		return
	}

	m.mu.Lock()
	cur := m.instance
	m.mu.Unlock()

	switch {
	case len(procs) > 0 && cur == nil:
		m.detected(procs[0].PID)
	case len(procs) == 0 && cur != nil:
		m.cleared()
	case len(procs) > 0 && cur != nil && procs[0].PID != cur.PID:
		// The game restarted between polls; rescan for the new identity.
		m.cleared()
		m.detected(procs[0].PID)
	}
}

// detected scans the variant folders and publishes the new instance. Zero
// candidate logs leaves the variant UNKNOWN; one or more enters WAITING and
// delegates the decision to the log monitor's race mode.
func (m *Monitor) detected(pid int32) {
	candidates := m.scanCandidates()

	inst := &events.GameInstance{PID: pid, Variant: events.VariantUnknown}
	if len(candidates) > 0 {
		inst.Variant = events.VariantWaiting
	}

	m.mu.Lock()
	m.instance = inst
	m.mu.Unlock()

	m.Log().Info().
		Int32("pid", pid).
		Str("variant", string(inst.Variant)).
		Int("candidates", len(candidates)).
		Msg("game process detected")

	m.publishStatus(events.GameStatus{
		Running:    true,
		Instance:   inst,
		Candidates: candidates,
	})
}

func (m *Monitor) cleared() {
	m.mu.Lock()
	m.instance = nil
	m.mu.Unlock()

	m.Log().Info().Msg("game process exited")
	m.publishStatus(events.GameStatus{Running: false})
}

// resolveInstance finalizes a WAITING instance with the race winner.
func (m *Monitor) resolveInstance(ev events.InstanceDetected) {
	m.mu.Lock()
	if m.instance == nil || m.instance.Variant != events.VariantWaiting {
		m.mu.Unlock()
		return
	}
	m.instance.Variant = ev.Variant
	m.instance.LogPath = ev.LogPath
	inst := *m.instance
	m.mu.Unlock()

	m.Log().Info().
		Str("variant", string(ev.Variant)).
		Str("log", ev.LogPath).
		Msg("active instance resolved")

	m.publishStatus(events.GameStatus{Running: true, Instance: &inst})
}

// scanCandidates checks each variant folder for the log file, in scan order.
func (m *Monitor) scanCandidates() []events.LogCandidate {
	var candidates []events.LogCandidate
	for _, variant := range events.ScanOrder {
		path := filepath.Join(m.cfg.InstallPath, string(variant), m.cfg.LogFilename)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		candidates = append(candidates, events.LogCandidate{
			Variant: variant,
			Path:    path,
			ModTime: info.ModTime(),
		})
	}
	return candidates
}

func (m *Monitor) publishStatus(status events.GameStatus) {
	metrics.SetBool(metrics.GameProcessUp, status.Running)
	if err := m.Bus().Publish(bus.TopicGameStatus, status); err != nil {
		m.Log().Error().Err(err).Msg("publish game status")
	}
}
