// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package engineproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/scheduler"
)

// ManagerName identifies the process supervisor on the bus.
const ManagerName = "engineproc"

// Errors callers branch on.
var (
	// ErrExecutableNotFound means the configured engine binary is missing.
	ErrExecutableNotFound = errors.New("engine executable not found")
	// ErrStartFailed means the engine did not appear in the process table
	// after the settle delay.
	ErrStartFailed = errors.New("engine start failed")
)

// Commands accepted by the supervisor.
type (
	// StartCommand launches the engine.
	StartCommand struct{}
	// StopCommand stops the engine: graceful, then forceful after the grace
	// period, then a kill-by-name sweep.
	StopCommand struct{}
	// RestartCommand is stop, settle, start.
	RestartCommand struct{}
	// CheckStatusCommand re-verifies the process table and corrects state.
	CheckStatusCommand struct{}
	// ShutdownCommand stops the engine and the manager.
	ShutdownCommand struct{}
)

// CommandName implements manager.Command.
func (StartCommand) CommandName() string       { return "start" }
func (StopCommand) CommandName() string        { return "stop" }
func (RestartCommand) CommandName() string     { return "restart" }
func (CheckStatusCommand) CommandName() string { return "check-status" }
func (ShutdownCommand) CommandName() string    { return "shutdown" }

// Supervisor owns the capture-engine child process.
type Supervisor struct {
	manager.Base
	cfg      config.OBSConfig
	table    ProcessTable
	launcher Launcher

	mu        sync.Mutex
	proc      Proc
	pid       int32
	state     events.ProcessState
	// requested is set immediately before an intentional termination so the
	// exit watcher can distinguish it from a crash.
	requested bool
	exited    chan struct{}
}

// New creates the process supervisor. Nil table/launcher select the gopsutil
// and os/exec production implementations.
func New(cfg config.OBSConfig, b *bus.Bus, sched *scheduler.Scheduler, table ProcessTable, launcher Launcher) *Supervisor {
	if table == nil {
		table = GopsutilTable{}
	}
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	return &Supervisor{
		Base:     manager.NewBase(ManagerName, b, sched),
		cfg:      cfg,
		table:    table,
		launcher: launcher,
		state:    events.ProcessStopped,
	}
}

// Initialize starts the heartbeat and reports readiness. The engine itself
// is only launched on command.
func (s *Supervisor) Initialize(_ context.Context) error {
	s.SetStatus(events.ManagerStarting, "")
	s.StartHeartbeat()
	s.SetStatus(events.ManagerRunning, "")
	return nil
}

// HandleCommand dispatches the supervisor's closed command set.
func (s *Supervisor) HandleCommand(ctx context.Context, cmd manager.Command) error {
	switch cmd.(type) {
	case StartCommand:
		return s.Start(ctx)
	case StopCommand:
		return s.Stop(ctx)
	case RestartCommand:
		return s.Restart(ctx)
	case CheckStatusCommand:
		_, err := s.CheckStatus()
		return err
	case ShutdownCommand:
		return s.Shutdown()
	default:
		return manager.Unhandled(ManagerName, cmd)
	}
}

// Shutdown stops the engine if running and terminates the manager.
func (s *Supervisor) Shutdown() error {
	if err := s.Stop(context.Background()); err != nil {
		s.Log().Error().Err(err).Msg("stop during shutdown")
	}
	s.Terminate()
	return nil
}

// State returns the current process state.
func (s *Supervisor) State() events.ProcessState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether the supervisor believes the engine is running.
func (s *Supervisor) Running() bool {
	return s.State() == events.ProcessRunning
}

// Start launches the engine. A no-op with a logged notice if already running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == events.ProcessRunning {
		s.mu.Unlock()
		s.Log().Info().Msg("engine already running, start is a no-op")
		return nil
	}
	s.mu.Unlock()

	if _, err := os.Stat(s.cfg.ExecutablePath); err != nil {
		s.emitExecutableNotFound()
		return fmt.Errorf("%w: %s", ErrExecutableNotFound, s.cfg.ExecutablePath)
	}

	// A stray engine instance would contend for the RPC port and profile.
	if killed, err := s.table.KillByName(s.cfg.ProcessName); err != nil {
		s.Log().Warn().Err(err).Msg("stray-instance sweep failed")
	} else if killed > 0 {
		s.Log().Warn().Int("killed", killed).Msg("killed stray engine instances before launch")
	}

	spec := LaunchSpec{
		ExecutablePath: s.cfg.ExecutablePath,
		WorkingDir:     s.workingDir(),
		Args: []string{
			"--profile", s.cfg.Profile,
			"--collection", s.cfg.Collection,
			"--disable-shutdown-check",
			"--minimize-to-tray",
		},
	}
	proc, err := s.launcher.Launch(spec)
	if err != nil {
		s.setState(events.ProcessError, 0)
		s.publishError(events.ErrCodeStartFailed, err.Error())
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	if err := s.sleep(ctx, s.cfg.StartSettleDelay); err != nil {
		return err
	}

	// The launch may have "succeeded" and the process died during settle
	// (bad profile, port contention). Trust the process table, not the
	// launcher.
	found, err := s.table.FindByName(s.cfg.ProcessName)
	if err != nil || len(found) == 0 {
		s.setState(events.ProcessError, 0)
		s.publishError(events.ErrCodeStartFailed, "engine not present in process table after settle delay")
		return fmt.Errorf("%w: not in process table after %s", ErrStartFailed, s.cfg.StartSettleDelay)
	}

	s.mu.Lock()
	s.proc = proc
	s.pid = proc.PID()
	s.requested = false
	s.exited = make(chan struct{})
	s.mu.Unlock()
	s.setState(events.ProcessRunning, proc.PID())

	go s.watchExit(proc)

	s.Log().Info().Int32("pid", proc.PID()).Msg("engine started")
	return nil
}

// Stop terminates the engine: graceful first, forceful after the grace
// period, then a kill-by-name sweep so no orphan remains. A no-op if the
// engine is not running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != events.ProcessRunning || s.proc == nil {
		s.mu.Unlock()
		s.Log().Debug().Msg("engine not running, stop is a no-op")
		return nil
	}
	s.requested = true
	proc := s.proc
	exited := s.exited
	s.mu.Unlock()

	if err := proc.Terminate(); err != nil {
		s.Log().Warn().Err(err).Msg("graceful terminate failed, escalating")
	}

	grace := s.cfg.StopGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	graceDone := make(chan struct{})
	task := s.Scheduler().After(grace, func() { close(graceDone) })

	select {
	case <-exited:
		task.Cancel()
	case <-graceDone:
		s.Log().Warn().Dur("grace", grace).Msg("engine did not exit gracefully, killing")
		if err := proc.Kill(); err != nil {
			s.Log().Error().Err(err).Msg("kill failed")
		}
		select {
		case <-exited:
		case <-ctx.Done():
			return ctx.Err()
		}
	case <-ctx.Done():
		task.Cancel()
		return ctx.Err()
	}

	// Belt and braces: no orphan may survive a stop.
	if killed, err := s.table.KillByName(s.cfg.ProcessName); err == nil && killed > 0 {
		s.Log().Warn().Int("killed", killed).Msg("killed orphaned engine instances after stop")
	}

	s.setState(events.ProcessStopped, 0)
	s.Log().Info().Msg("engine stopped")
	return nil
}

// Restart is stop, settle delay, start.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}
	if err := s.sleep(ctx, s.cfg.StartSettleDelay); err != nil {
		return err
	}
	return s.Start(ctx)
}

// CheckStatus re-verifies the process table and corrects drift: a process
// that vanished without an exit event is marked stopped.
func (s *Supervisor) CheckStatus() (events.ProcessState, error) {
	found, err := s.table.FindByName(s.cfg.ProcessName)
	if err != nil {
		return s.State(), fmt.Errorf("process table query: %w", err)
	}
	alive := len(found) > 0

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == events.ProcessRunning && !alive {
		s.Log().Warn().Msg("engine vanished from process table")
		s.setState(events.ProcessStopped, 0)
		return events.ProcessStopped, nil
	}
	return state, nil
}

// watchExit blocks on the child and classifies its exit.
func (s *Supervisor) watchExit(proc Proc) {
	code, err := proc.Wait()
	if err != nil {
		s.Log().Error().Err(err).Msg("wait on engine process")
	}

	s.mu.Lock()
	requested := s.requested
	pid := s.pid
	s.proc = nil
	if s.exited != nil {
		close(s.exited)
		s.exited = nil
	}
	s.mu.Unlock()

	if requested {
		s.Log().Info().Int("code", code).Msg("engine exited on request")
		return
	}

	s.Log().Warn().Int("code", code).Int32("pid", pid).Msg("engine exited unexpectedly")
	s.setState(events.ProcessStopped, 0)
	if err := s.Bus().Publish(bus.TopicUnexpectedExit, events.UnexpectedExit{
		PID:      pid,
		ExitCode: code,
		ExitedAt: s.Scheduler().Now(),
	}); err != nil {
		s.Log().Error().Err(err).Msg("publish unexpected exit")
	}
}

func (s *Supervisor) setState(state events.ProcessState, pid int32) {
	s.mu.Lock()
	if s.state == state && s.pid == pid {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.pid = pid
	s.mu.Unlock()

	if err := s.Bus().Publish(bus.TopicEngineProcess, events.ProcessStateChange{
		State: state,
		PID:   pid,
	}); err != nil {
		s.Log().Error().Err(err).Msg("publish process state")
	}
}

func (s *Supervisor) workingDir() string {
	if s.cfg.WorkingDir != "" {
		return s.cfg.WorkingDir
	}
	return filepath.Dir(s.cfg.ExecutablePath)
}

// emitExecutableNotFound reports the missing binary with directory listings
// so the operator can see what actually exists near the configured path.
func (s *Supervisor) emitExecutableNotFound() {
	dir := filepath.Dir(s.cfg.ExecutablePath)
	listing := listDir(dir)
	parent := listDir(filepath.Dir(dir))

	s.Log().Error().
		Str("path", s.cfg.ExecutablePath).
		Strs("dir_listing", listing).
		Strs("parent_listing", parent).
		Msg("engine executable not found")

	s.publishError(events.ErrCodeExecutableNotFound,
		fmt.Sprintf("engine executable not found at %s", s.cfg.ExecutablePath))
}

func (s *Supervisor) publishError(code, msg string) {
	if err := s.Bus().Publish(bus.TopicError, events.ErrorEvent{
		Source:  ManagerName,
		Code:    code,
		Message: msg,
	}); err != nil {
		s.Log().Error().Err(err).Msg("publish error event")
	}
}

func listDir(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return []string{fmt.Sprintf("<unreadable: %v>", err)}
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// sleep waits through the scheduler so tests can drive time.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	done := make(chan struct{})
	task := s.Scheduler().After(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		task.Cancel()
		return ctx.Err()
	}
}
