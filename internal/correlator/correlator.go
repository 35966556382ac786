// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package correlator is the orchestration hub: it folds every manager's
// events into one global state, correlates game events against the recording
// timeline, owns the recording-session lifecycle, and applies the crash
// recovery and storage retention policies.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/capsulerec/capsule/internal/scheduler"
	"github.com/rs/zerolog"
)

// Health check policy.
const (
	// healthCheckInterval between independent process re-verifications.
	healthCheckInterval = 30 * time.Second
	// forcedReconnectAfter: RPC disconnected this long with the engine
	// process alive means the session is wedged and gets torn down.
	forcedReconnectAfter = 60 * time.Second
)

// Session save retry: one bounded retry after a failed metadata write.
const (
	maxSaveAttempts = 2
	saveRetryDelay  = 5 * time.Second
)

// statsPollInterval is the recording-statistics poll cadence while a session
// is open.
const statsPollInterval = 5 * time.Second

// EngineSupervisor is the process-supervisor surface the correlator drives.
type EngineSupervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Running() bool
	CheckStatus() (events.ProcessState, error)
}

// EngineRPC is the RPC-manager surface the correlator drives.
type EngineRPC interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ForceReconnect()
	Connected() bool
	StartRecording(ctx context.Context) error
	StopRecording(ctx context.Context) error
	SplitRecording(ctx context.Context) error
	RecordingStats(ctx context.Context) (events.RecordingStats, error)
}

// Correlator wires the managers together over the bus.
type Correlator struct {
	cfg    config.Config
	bus    *bus.Bus
	sched  *scheduler.Scheduler
	engine EngineSupervisor
	rpc    EngineRPC
	log    zerolog.Logger

	store     *stateStore
	limiter   *restartLimiter
	retention *retention

	mu                sync.Mutex
	session           *events.RecordingSession
	lastFailed        *events.RecordingSession
	autoStartEnabled  bool
	autoStartArmed    bool
	splitTask         *scheduler.Task
	healthTask        *scheduler.Task
	restartTask       *scheduler.Task
	saveTask          *scheduler.Task
	statsTask         *scheduler.Task
	disconnectedSince time.Time

	// saveMu serializes seal-and-write operations. inflight is the session
	// whose write is active or awaiting its retry; later seals queue behind
	// it in pending so a split during the retry window cannot drop a session.
	saveMu   sync.Mutex
	inflight *events.RecordingSession
	pending  []*events.RecordingSession
}

// New creates the correlator over the given manager surfaces.
func New(cfg config.Config, b *bus.Bus, sched *scheduler.Scheduler, engine EngineSupervisor, rpc EngineRPC) *Correlator {
	return &Correlator{
		cfg:              cfg,
		bus:              b,
		sched:            sched,
		engine:           engine,
		rpc:              rpc,
		log:              logging.Component("correlator"),
		store:            newStateStore(),
		limiter:          &restartLimiter{},
		retention:        newRetention(cfg.Recording),
		autoStartEnabled: cfg.Recording.AutoStart,
		autoStartArmed:   cfg.Recording.AutoStart,
	}
}

// Snapshot returns the current global state.
func (c *Correlator) Snapshot() State {
	return c.store.Snapshot()
}

// Initialize subscribes to every manager topic and starts the periodic
// health check.
func (c *Correlator) Initialize(ctx context.Context) error {
	subs := []struct {
		topic   string
		handler func(*message.Message)
	}{
		{bus.TopicStatus, c.onStatus},
		{bus.TopicRecordingStatus, c.onRecordingStatus},
		{bus.TopicRecordingSplit, c.onRecordingSplit},
		{bus.TopicRecordingStats, c.onRecordingStats},
		{bus.TopicGameEvent, c.onGameEvent},
		{bus.TopicGameStatus, c.onGameStatus},
		{bus.TopicEngineProcess, c.onEngineProcess},
		{bus.TopicEngineConnection, c.onEngineConnection},
		{bus.TopicUnexpectedExit, c.onUnexpectedExit},
		{bus.TopicConnectionFailed, c.onConnectionFailed},
	}
	for _, sub := range subs {
		ch, err := c.bus.Subscribe(ctx, sub.topic)
		if err != nil {
			return err
		}
		go func(ch <-chan *message.Message, handler func(*message.Message)) {
			for msg := range ch {
				handler(msg)
			}
		}(ch, sub.handler)
	}

	c.mu.Lock()
	c.healthTask = c.sched.Every(healthCheckInterval, c.healthCheck)
	c.mu.Unlock()

	c.log.Info().Msg("correlator initialized")
	return nil
}

// Shutdown cancels all timers and seals an open session.
func (c *Correlator) Shutdown() {
	c.mu.Lock()
	for _, task := range []*scheduler.Task{c.splitTask, c.healthTask, c.restartTask, c.saveTask, c.statsTask} {
		if task != nil {
			task.Cancel()
		}
	}
	c.splitTask, c.healthTask, c.restartTask, c.saveTask, c.statsTask = nil, nil, nil, nil, nil
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		now := c.sched.Now()
		session.Append(events.Synthetic(events.TypeRecordingStop, "Recording Stopped",
			now, session.Offset(now), nil))
		if c.beginSave(session) {
			c.writeSession(session, 1)
		}
	}
}

// SetAutoStart toggles automatic recording. Re-enabling re-arms the
// once-per-enablement trigger.
func (c *Correlator) SetAutoStart(enabled bool) {
	c.mu.Lock()
	c.autoStartEnabled = enabled
	if enabled {
		c.autoStartArmed = true
	}
	c.mu.Unlock()
	if enabled {
		c.maybeAutoStart()
	}
}

// StartRecording asks the engine to start recording.
func (c *Correlator) StartRecording(ctx context.Context) error {
	return c.rpc.StartRecording(ctx)
}

// StopRecording asks the engine to stop recording.
func (c *Correlator) StopRecording(ctx context.Context) error {
	return c.rpc.StopRecording(ctx)
}

// SplitRecording asks the engine to rotate the output file.
func (c *Correlator) SplitRecording(ctx context.Context) error {
	return c.rpc.SplitRecording(ctx)
}

// StartEngine launches the capture engine.
func (c *Correlator) StartEngine(ctx context.Context) error {
	return c.engine.Start(ctx)
}

// StopEngine stops the capture engine.
func (c *Correlator) StopEngine(ctx context.Context) error {
	return c.engine.Stop(ctx)
}

// RestartEngine restarts the capture engine on operator request. Manual
// restarts do not count against the automatic restart budget.
func (c *Correlator) RestartEngine(ctx context.Context) error {
	metrics.EngineRestartsTotal.WithLabelValues("manual").Inc()
	return c.engine.Restart(ctx)
}

// --- bus handlers ---

func (c *Correlator) onStatus(msg *message.Message) {
	var update events.StatusUpdate
	if err := bus.Decode(msg, &update); err != nil {
		c.log.Warn().Err(err).Msg("bad status payload")
		return
	}
	c.store.update(c.sched.Now(), func(s *State) {
		s.Managers[update.Manager] = update
	})
	c.publishState()
}

func (c *Correlator) onRecordingStats(msg *message.Message) {
	var stats events.RecordingStats
	if err := bus.Decode(msg, &stats); err != nil {
		c.log.Warn().Err(err).Msg("bad stats payload")
		return
	}
	c.store.update(c.sched.Now(), func(s *State) { s.Stats = stats })
	c.publishState()
}

func (c *Correlator) onGameStatus(msg *message.Message) {
	var status events.GameStatus
	if err := bus.Decode(msg, &status); err != nil {
		c.log.Warn().Err(err).Msg("bad game status payload")
		return
	}
	c.store.update(c.sched.Now(), func(s *State) { s.Game = status })
	c.publishState()
	c.maybeAutoStart()
}

func (c *Correlator) onEngineProcess(msg *message.Message) {
	var change events.ProcessStateChange
	if err := bus.Decode(msg, &change); err != nil {
		c.log.Warn().Err(err).Msg("bad process state payload")
		return
	}
	c.store.update(c.sched.Now(), func(s *State) {
		s.Engine.Process = change.State
		if change.State == events.ProcessRunning {
			// A healthy engine clears the failure bookkeeping.
			s.ManualIntervention = false
			s.RestartAttempts = 0
		}
	})
	metrics.SetBool(metrics.EngineProcessUp, change.State == events.ProcessRunning)
	if change.State == events.ProcessRunning {
		c.limiter.Reset()
		metrics.ManualInterventionRequired.Set(0)
	}
	c.publishState()
	c.maybeAutoStart()
}

func (c *Correlator) onEngineConnection(msg *message.Message) {
	var change events.ConnectionStateChange
	if err := bus.Decode(msg, &change); err != nil {
		c.log.Warn().Err(err).Msg("bad connection state payload")
		return
	}
	now := c.sched.Now()
	c.store.update(now, func(s *State) {
		s.Engine.Connection = change.State
		s.Engine.Encoder = change.Encoder
	})

	c.mu.Lock()
	if change.State == events.ConnConnected {
		c.disconnectedSince = time.Time{}
	} else if c.disconnectedSince.IsZero() {
		c.disconnectedSince = now
	}
	c.mu.Unlock()

	c.publishState()
	c.maybeAutoStart()
}

func (c *Correlator) onUnexpectedExit(msg *message.Message) {
	var exit events.UnexpectedExit
	if err := bus.Decode(msg, &exit); err != nil {
		c.log.Warn().Err(err).Msg("bad unexpected-exit payload")
		return
	}
	c.log.Warn().Int32("pid", exit.PID).Int("exitCode", exit.ExitCode).
		Msg("capture engine exited unexpectedly")
	c.requestRestart("unexpected_exit")
}

func (c *Correlator) onConnectionFailed(msg *message.Message) {
	var failed events.ConnectionFailed
	if err := bus.Decode(msg, &failed); err != nil {
		c.log.Warn().Err(err).Msg("bad connection-failed payload")
		return
	}
	c.log.Warn().Int("failures", failed.Failures).Str("lastError", failed.LastErr).
		Msg("engine connection failed repeatedly")
	c.requestRestart("connection_failure")
}

// --- policies ---

// maybeAutoStart begins recording when the engine process is running, its
// RPC is connected, and the game is up. Fires at most once per enablement.
func (c *Correlator) maybeAutoStart() {
	snap := c.store.Snapshot()

	c.mu.Lock()
	eligible := c.autoStartEnabled && c.autoStartArmed &&
		snap.Engine.Process == events.ProcessRunning &&
		snap.Engine.Connection == events.ConnConnected &&
		snap.Game.Running &&
		!snap.Recording.Active
	if eligible {
		c.autoStartArmed = false
	}
	c.mu.Unlock()

	if !eligible {
		return
	}
	c.log.Info().Msg("auto-starting recording")
	go func() {
		if err := c.rpc.StartRecording(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("auto-start recording failed")
		}
	}()
}

// requestRestart applies the rate-limited engine restart policy.
func (c *Correlator) requestRestart(reason string) {
	if !c.cfg.OBS.AutoRestart {
		c.log.Info().Str("reason", reason).Msg("auto-restart disabled, not restarting engine")
		return
	}

	now := c.sched.Now()
	delay, ok := c.limiter.Allow(now)
	if !ok {
		c.log.Error().Str("reason", reason).
			Msg("restart budget exhausted, manual intervention required")
		c.store.update(now, func(s *State) { s.ManualIntervention = true })
		metrics.ManualInterventionRequired.Set(1)
		c.publishError(events.ErrCodeManualIntervention,
			"capture engine keeps failing; manual intervention required")
		c.publishState()
		return
	}

	metrics.EngineRestartsTotal.WithLabelValues(reason).Inc()
	attempts := c.limiter.Attempts(now)
	c.store.update(now, func(s *State) { s.RestartAttempts = attempts })
	c.publishState()
	c.log.Info().Str("reason", reason).Int("attempt", attempts).Dur("delay", delay).
		Msg("scheduling engine restart")

	c.mu.Lock()
	if c.restartTask != nil {
		c.restartTask.Cancel()
	}
	c.restartTask = c.sched.After(delay, func() {
		c.mu.Lock()
		c.restartTask = nil
		c.mu.Unlock()
		if err := c.engine.Start(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("engine restart failed")
		}
	})
	c.mu.Unlock()
}

// healthCheck re-verifies the engine process independently of exit events
// and frees a wedged RPC session.
func (c *Correlator) healthCheck() {
	prev := c.store.Snapshot().Engine.Process

	state, err := c.engine.CheckStatus()
	if err != nil {
		c.log.Warn().Err(err).Msg("health check failed")
		return
	}
	if prev == events.ProcessRunning && state == events.ProcessStopped {
		c.log.Warn().Msg("engine process vanished without an exit event")
		c.requestRestart("silent_termination")
		return
	}

	if state == events.ProcessRunning && !c.rpc.Connected() {
		c.mu.Lock()
		since := c.disconnectedSince
		c.mu.Unlock()
		if !since.IsZero() && c.sched.Now().Sub(since) > forcedReconnectAfter {
			c.log.Warn().Msg("RPC disconnected too long with engine alive, forcing reconnect")
			c.rpc.ForceReconnect()
		}
	}
}

// --- helpers ---

func (c *Correlator) publishState() {
	if err := c.bus.Publish(bus.TopicState, c.store.Snapshot()); err != nil {
		c.log.Error().Err(err).Msg("publish state snapshot")
	}
}

func (c *Correlator) publishError(code, msg string) {
	if err := c.bus.Publish(bus.TopicError, events.ErrorEvent{
		Source:  "correlator",
		Code:    code,
		Message: msg,
	}); err != nil {
		c.log.Error().Err(err).Msg("publish error event")
	}
}
