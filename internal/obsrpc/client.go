// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package obsrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/config"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/manager"
	"github.com/capsulerec/capsule/internal/metrics"
	"github.com/capsulerec/capsule/internal/scheduler"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ManagerName identifies the RPC manager on the bus.
const ManagerName = "obsrpc"

// Reconnection policy constants.
const (
	// maxAttemptsPerRound bounds one reconnection round.
	maxAttemptsPerRound = 10
	// baseDelay is the first-attempt (and forced-reconnect) delay, and the
	// exponential backoff base.
	baseDelay = time.Second
	// maxDelay caps backoff within a round.
	maxDelay = 30 * time.Second
	// interRoundDelay separates exhausted rounds.
	interRoundDelay = 30 * time.Second
	// maxRounds of exhausted attempts before escalating to the correlator.
	maxRounds = 3
	// escalationCooldown follows a connection-failed escalation.
	escalationCooldown = 60 * time.Second
	// fastRetryWindow: a disconnect this soon after a successful connect is
	// assumed to be an engine restart, so backoff is skipped.
	fastRetryWindow = 60 * time.Second
	// requestTimeout bounds individual RPC calls.
	requestTimeout = 10 * time.Second
)

// Errors callers branch on.
var (
	// ErrNotConnected is returned by recording operations without a session.
	ErrNotConnected = errors.New("not connected to capture engine")
	// ErrNotRecording is returned by split when no recording is active.
	ErrNotRecording = errors.New("no active recording")
	// ErrSplitUnsupportedFormat means the output container cannot be split;
	// the operator must switch formats (e.g. to hybrid MP4 or MKV).
	ErrSplitUnsupportedFormat = errors.New("output format does not support file splitting")
	// ErrSplitUnsupportedVersion means the engine predates SplitRecordFile.
	ErrSplitUnsupportedVersion = errors.New("engine version does not support file splitting")
)

// RequestError is a failed RPC request with the engine's status code.
type RequestError struct {
	RequestType string
	Code        int
	Comment     string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: code %d: %s", e.RequestType, e.Code, e.Comment)
}

// Commands accepted by the RPC manager.
type (
	// ConnectCommand opens the RPC session.
	ConnectCommand struct{}
	// DisconnectCommand closes the session and cancels reconnection.
	DisconnectCommand struct{}
	// StartRecordingCommand starts recording.
	StartRecordingCommand struct{}
	// StopRecordingCommand stops recording.
	StopRecordingCommand struct{}
	// SplitRecordingCommand rotates the active output file.
	SplitRecordingCommand struct{}
	// GetRecordingStatsCommand queries and publishes recording statistics.
	GetRecordingStatsCommand struct{}
	// CheckStatusCommand re-queries recording status.
	CheckStatusCommand struct{}
	// GetAudioDevicesCommand lists the engine's audio inputs.
	GetAudioDevicesCommand struct{}
	// GetApplicationsCommand lists capturable application windows.
	GetApplicationsCommand struct{}
	// RawCommand forwards an arbitrary request to the engine.
	RawCommand struct {
		Type string
		Data map[string]any
	}
	// ShutdownCommand disconnects and stops the manager.
	ShutdownCommand struct{}
)

// CommandName implements manager.Command.
func (ConnectCommand) CommandName() string           { return "connect" }
func (DisconnectCommand) CommandName() string        { return "disconnect" }
func (StartRecordingCommand) CommandName() string    { return "start-recording" }
func (StopRecordingCommand) CommandName() string     { return "stop-recording" }
func (SplitRecordingCommand) CommandName() string    { return "split-recording" }
func (GetRecordingStatsCommand) CommandName() string { return "get-recording-stats" }
func (CheckStatusCommand) CommandName() string       { return "check-status" }
func (GetAudioDevicesCommand) CommandName() string   { return "get-audio-devices" }
func (GetApplicationsCommand) CommandName() string   { return "get-applications" }
func (RawCommand) CommandName() string               { return "command" }
func (ShutdownCommand) CommandName() string          { return "shutdown" }

// AudioDevice is one engine audio input.
type AudioDevice struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Client maintains the RPC session to the capture engine.
type Client struct {
	manager.Base
	cfg    config.OBSConfig
	dialer Dialer

	mu    sync.Mutex
	state events.ConnectionState
	sock  Socket
	// gen invalidates stale read loops after a manual close or forced
	// reconnect; a loop whose generation no longer matches must not trigger
	// disconnect handling.
	gen     int
	pending map[string]chan responseData

	// lastOutputPath is cached from notifications; the status query endpoint
	// does not carry the path.
	lastOutputPath string
	connectedAt    time.Time
	forced         bool
	attempt        int
	failures       int
	reconnect      *scheduler.Task
	lastErr        string
}

// New creates the RPC manager. A nil dialer selects gorilla/websocket.
func New(cfg config.OBSConfig, b *bus.Bus, sched *scheduler.Scheduler, dialer Dialer) *Client {
	if dialer == nil {
		dialer = WSDialer{}
	}
	return &Client{
		Base:    manager.NewBase(ManagerName, b, sched),
		cfg:     cfg,
		dialer:  dialer,
		state:   events.ConnDisconnected,
		pending: make(map[string]chan responseData),
	}
}

// Initialize starts the heartbeat; the session itself opens on command.
func (c *Client) Initialize(_ context.Context) error {
	c.SetStatus(events.ManagerStarting, "")
	c.StartHeartbeat()
	c.SetStatus(events.ManagerRunning, "")
	return nil
}

// HandleCommand dispatches the RPC manager's closed command set.
func (c *Client) HandleCommand(ctx context.Context, cmd manager.Command) error {
	switch cmd := cmd.(type) {
	case ConnectCommand:
		return c.Connect(ctx)
	case DisconnectCommand:
		return c.Disconnect()
	case StartRecordingCommand:
		return c.StartRecording(ctx)
	case StopRecordingCommand:
		return c.StopRecording(ctx)
	case SplitRecordingCommand:
		return c.SplitRecording(ctx)
	case GetRecordingStatsCommand:
		_, err := c.RecordingStats(ctx)
		return err
	case CheckStatusCommand:
		_, err := c.RecordingStats(ctx)
		return err
	case GetAudioDevicesCommand:
		_, err := c.AudioDevices(ctx)
		return err
	case GetApplicationsCommand:
		_, err := c.Applications(ctx)
		return err
	case RawCommand:
		return c.request(ctx, cmd.Type, cmd.Data, nil)
	case ShutdownCommand:
		return c.Shutdown()
	default:
		return manager.Unhandled(ManagerName, cmd)
	}
}

// Shutdown closes the session and stops the manager.
func (c *Client) Shutdown() error {
	if err := c.Disconnect(); err != nil {
		c.Log().Error().Err(err).Msg("disconnect during shutdown")
	}
	c.Terminate()
	return nil
}

// State returns the current connection state.
func (c *Client) State() events.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the session is up.
func (c *Client) Connected() bool {
	return c.State() == events.ConnConnected
}

// LastOutputPath returns the active output path cached from the engine's
// last record-state or file-rotation notification.
func (c *Client) LastOutputPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOutputPath
}

// ReconnectDelay computes the delay before the given attempt within a round.
// The first attempt of a round, or any forced reconnect, waits the base
// delay; later attempts back off exponentially up to the cap.
func ReconnectDelay(attempt int, forced bool) time.Duration {
	if forced || attempt <= 1 {
		return baseDelay
	}
	d := baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Connect opens the RPC session. A no-op if already connected; a pending
// reconnect timer is always superseded.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == events.ConnConnected {
		c.mu.Unlock()
		c.Log().Debug().Msg("already connected, connect is a no-op")
		return nil
	}
	c.cancelReconnectLocked()
	c.state = events.ConnConnecting
	c.mu.Unlock()
	c.publishConn(events.ConnConnecting, "")

	sock, err := c.dialer.Dial(ctx, c.cfg.Host, c.cfg.Port)
	if err != nil {
		return c.connectFailed(err)
	}
	if err := c.handshake(sock); err != nil {
		sock.Close()
		return c.connectFailed(err)
	}

	c.mu.Lock()
	c.sock = sock
	c.gen++
	gen := c.gen
	c.state = events.ConnConnected
	c.connectedAt = c.Scheduler().Now()
	c.attempt = 0
	c.failures = 0
	c.forced = false
	c.lastErr = ""
	c.pending = make(map[string]chan responseData)
	c.mu.Unlock()

	c.publishConn(events.ConnConnected, "")
	c.Log().Info().Str("host", c.cfg.Host).Int("port", c.cfg.Port).Msg("connected to engine")

	go c.readLoop(sock, gen)
	go c.publishInitialStatus()
	return nil
}

// Disconnect closes the session without scheduling a reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.cancelReconnectLocked()
	sock := c.sock
	c.sock = nil
	c.gen++ // invalidate the read loop
	wasConnected := c.state == events.ConnConnected
	c.state = events.ConnDisconnected
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	if wasConnected {
		c.publishConn(events.ConnDisconnected, "disconnect requested")
		c.Log().Info().Msg("disconnected from engine")
	}
	return nil
}

// ForceReconnect tears the session down and retries with the short forced
// delay, resetting the round's attempt counter. The correlator uses this to
// recover a wedged session that never fired a disconnect.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	c.forced = true
	c.attempt = 0
	c.cancelReconnectLocked()
	sock := c.sock
	c.sock = nil
	c.gen++
	c.state = events.ConnDisconnected
	c.mu.Unlock()

	if sock != nil {
		sock.Close()
	}
	c.publishConn(events.ConnDisconnected, "forced reconnect")
	c.Log().Warn().Msg("forcing reconnect")
	c.scheduleReconnect()
}

func (c *Client) connectFailed(err error) error {
	c.mu.Lock()
	c.state = events.ConnDisconnected
	c.lastErr = err.Error()
	c.mu.Unlock()

	c.Log().Warn().Err(err).Msg("connect failed")
	c.publishConn(events.ConnError, err.Error())
	c.scheduleReconnect()
	return fmt.Errorf("connect: %w", err)
}

// scheduleReconnect arms the next reconnection attempt per the round policy.
func (c *Client) scheduleReconnect() {
	escalate := false
	var failures int

	c.mu.Lock()
	if c.reconnect != nil {
		c.mu.Unlock()
		return
	}
	c.attempt++
	var delay time.Duration
	switch {
	case c.attempt > maxAttemptsPerRound:
		c.attempt = 0
		c.failures++
		if c.failures >= maxRounds {
			escalate = true
			failures = c.failures
			c.failures = 0
			delay = escalationCooldown
		} else {
			delay = interRoundDelay
		}
	default:
		delay = ReconnectDelay(c.attempt, c.forced)
		c.forced = false
	}
	lastErr := c.lastErr
	metrics.RPCReconnectAttempts.Inc()
	c.reconnect = c.Scheduler().After(delay, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		if err := c.Connect(context.Background()); err != nil {
			c.Log().Debug().Err(err).Msg("reconnect attempt failed")
		}
	})
	attempt := c.attempt
	c.mu.Unlock()

	c.Log().Debug().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")

	if escalate {
		c.Log().Error().Int("failures", failures).Msg("reconnection rounds exhausted")
		if err := c.Bus().Publish(bus.TopicConnectionFailed, events.ConnectionFailed{
			Failures: failures,
			LastErr:  lastErr,
			At:       c.Scheduler().Now(),
		}); err != nil {
			c.Log().Error().Err(err).Msg("publish connection failed")
		}
	}
}

func (c *Client) cancelReconnectLocked() {
	if c.reconnect != nil {
		c.reconnect.Cancel()
		c.reconnect = nil
	}
}

// handshake performs Hello → Identify → Identified.
func (c *Client) handshake(sock Socket) error {
	data, err := sock.ReadMessage()
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse hello: %w", err)
	}
	if env.Op != opHello {
		return fmt.Errorf("expected hello (op %d), got op %d", opHello, env.Op)
	}
	var hello helloData
	if err := json.Unmarshal(env.D, &hello); err != nil {
		return fmt.Errorf("parse hello data: %w", err)
	}

	identify := identifyData{
		RPCVersion:         rpcVersion,
		EventSubscriptions: eventSubscriptions,
	}
	if hello.Authentication != nil {
		if c.cfg.Password == "" {
			return errors.New("engine requires authentication but no password is configured")
		}
		identify.Authentication = authResponse(c.cfg.Password, *hello.Authentication)
	}
	payload, err := marshalEnvelope(opIdentify, identify)
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(payload); err != nil {
		return fmt.Errorf("write identify: %w", err)
	}

	data, err = sock.ReadMessage()
	if err != nil {
		return fmt.Errorf("read identified: %w", err)
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse identified: %w", err)
	}
	if env.Op != opIdentified {
		return fmt.Errorf("identify rejected: got op %d", env.Op)
	}
	return nil
}

func (c *Client) readLoop(sock Socket, gen int) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			c.handleDisconnect(gen, err)
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.Log().Warn().Err(err).Msg("unparseable message from engine")
			continue
		}
		switch env.Op {
		case opEvent:
			c.handleEvent(env.D)
		case opResponse:
			c.handleResponse(env.D)
		}
	}
}

// handleDisconnect reacts to a read-loop failure. A disconnect shortly after
// a successful connect is treated as an engine restart: the attempt counter
// resets so the retry is fast instead of backing off.
func (c *Client) handleDisconnect(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return // superseded by a manual close or forced reconnect
	}
	c.sock = nil
	c.state = events.ConnDisconnected
	c.lastErr = err.Error()
	if c.forced || c.Scheduler().Now().Sub(c.connectedAt) < fastRetryWindow {
		c.attempt = 0
	}
	c.mu.Unlock()

	c.Log().Warn().Err(err).Msg("engine connection lost")
	c.publishConn(events.ConnDisconnected, err.Error())
	c.scheduleReconnect()
}

func (c *Client) handleEvent(data json.RawMessage) {
	var ev eventPayload
	if err := json.Unmarshal(data, &ev); err != nil {
		c.Log().Warn().Err(err).Msg("unparseable event from engine")
		return
	}

	switch ev.EventType {
	case evRecordStateChanged:
		var rec recordStateChanged
		if err := json.Unmarshal(ev.EventData, &rec); err != nil {
			c.Log().Warn().Err(err).Msg("unparseable record state event")
			return
		}
		// STARTING/STOPPING intermediates carry no lifecycle information the
		// correlator needs.
		if !isTerminalOutputState(rec.OutputState) {
			return
		}
		c.mu.Lock()
		if rec.OutputPath != "" {
			c.lastOutputPath = rec.OutputPath
		}
		path := c.lastOutputPath
		c.mu.Unlock()

		if err := c.Bus().Publish(bus.TopicRecordingStatus, events.RecordingStatus{
			Active:     rec.OutputActive,
			OutputPath: path,
			Timestamp:  c.Scheduler().Now(),
		}); err != nil {
			c.Log().Error().Err(err).Msg("publish recording status")
		}

	case evRecordFileChanged:
		var rot recordFileChanged
		if err := json.Unmarshal(ev.EventData, &rot); err != nil {
			c.Log().Warn().Err(err).Msg("unparseable file rotation event")
			return
		}
		c.mu.Lock()
		c.lastOutputPath = rot.NewOutputPath
		c.mu.Unlock()

		if err := c.Bus().Publish(bus.TopicRecordingSplit, events.RecordingSplit{
			NewPath:   rot.NewOutputPath,
			Timestamp: c.Scheduler().Now(),
		}); err != nil {
			c.Log().Error().Err(err).Msg("publish recording split")
		}
	}
}

// isTerminalOutputState accepts STARTED/STOPPED plus an empty state for
// engines that omit the field.
func isTerminalOutputState(state string) bool {
	switch state {
	case "", "OBS_WEBSOCKET_OUTPUT_STARTED", "OBS_WEBSOCKET_OUTPUT_STOPPED":
		return true
	default:
		return false
	}
}

func (c *Client) handleResponse(data json.RawMessage) {
	var resp responseData
	if err := json.Unmarshal(data, &resp); err != nil {
		c.Log().Warn().Err(err).Msg("unparseable response from engine")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.RequestID]
	delete(c.pending, resp.RequestID)
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// request performs one RPC round-trip. Fails loudly when disconnected.
func (c *Client) request(ctx context.Context, reqType string, reqData any, out any) error {
	start := time.Now()
	err := c.doRequest(ctx, reqType, reqData, out)
	metrics.RecordRPCRequest(reqType, time.Since(start), err)
	return err
}

func (c *Client) doRequest(ctx context.Context, reqType string, reqData any, out any) error {
	c.mu.Lock()
	if c.state != events.ConnConnected || c.sock == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	sock := c.sock
	id := uuid.New().String()
	ch := make(chan responseData, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := marshalEnvelope(opRequest, requestData{
		RequestType: reqType,
		RequestID:   id,
		RequestData: reqData,
	})
	if err != nil {
		return err
	}
	if err := sock.WriteMessage(payload); err != nil {
		return fmt.Errorf("send %s: %w", reqType, err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	select {
	case resp := <-ch:
		if !resp.RequestStatus.Result {
			return &RequestError{
				RequestType: reqType,
				Code:        resp.RequestStatus.Code,
				Comment:     resp.RequestStatus.Comment,
			}
		}
		if out != nil && len(resp.ResponseData) > 0 {
			if err := json.Unmarshal(resp.ResponseData, out); err != nil {
				return fmt.Errorf("decode %s response: %w", reqType, err)
			}
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", reqType, ctx.Err())
	}
}

// StartRecording starts recording.
func (c *Client) StartRecording(ctx context.Context) error {
	return c.request(ctx, reqStartRecord, nil, nil)
}

// StopRecording stops recording.
func (c *Client) StopRecording(ctx context.Context) error {
	return c.request(ctx, reqStopRecord, nil, nil)
}

// SplitRecording rotates the active output file. It verifies a recording is
// active first and classifies the engine's refusals so the operator can act
// on them.
func (c *Client) SplitRecording(ctx context.Context) error {
	var status recordStatusResponse
	if err := c.request(ctx, reqGetRecordStatus, nil, &status); err != nil {
		return err
	}
	if !status.OutputActive {
		return ErrNotRecording
	}

	err := c.request(ctx, reqSplitRecordFile, nil, nil)
	if err == nil {
		return nil
	}
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.Code == codeUnknownRequestType:
			return ErrSplitUnsupportedVersion
		case reqErr.Code == codeOutputNotRunning:
			return ErrNotRecording
		case strings.Contains(strings.ToLower(reqErr.Comment), "format"):
			return ErrSplitUnsupportedFormat
		}
	}
	return err
}

// RecordingStats queries recording statistics and publishes them.
func (c *Client) RecordingStats(ctx context.Context) (events.RecordingStats, error) {
	var status recordStatusResponse
	if err := c.request(ctx, reqGetRecordStatus, nil, &status); err != nil {
		return events.RecordingStats{}, err
	}
	stats := events.RecordingStats{
		Active:      status.OutputActive,
		Paused:      status.OutputPaused,
		Timecode:    status.OutputTimecode,
		DurationSec: status.OutputDuration / 1000,
		Bytes:       status.OutputBytes,
	}
	if err := c.Bus().Publish(bus.TopicRecordingStats, stats); err != nil {
		c.Log().Error().Err(err).Msg("publish recording stats")
	}
	return stats, nil
}

// AudioDevices lists the engine's audio inputs.
func (c *Client) AudioDevices(ctx context.Context) ([]AudioDevice, error) {
	var resp struct {
		Inputs []struct {
			InputName string `json:"inputName"`
			InputKind string `json:"inputKind"`
		} `json:"inputs"`
	}
	if err := c.request(ctx, reqGetInputList, nil, &resp); err != nil {
		return nil, err
	}
	var devices []AudioDevice
	for _, in := range resp.Inputs {
		kind := strings.ToLower(in.InputKind)
		if strings.Contains(kind, "audio") || strings.Contains(kind, "wasapi") ||
			strings.Contains(kind, "pulse") || strings.Contains(kind, "coreaudio") {
			devices = append(devices, AudioDevice{Name: in.InputName, Kind: in.InputKind})
		}
	}
	return devices, nil
}

// Applications lists scene names as capture targets; the GUI uses them to
// populate its source picker.
func (c *Client) Applications(ctx context.Context) ([]string, error) {
	var resp struct {
		Scenes []struct {
			SceneName string `json:"sceneName"`
		} `json:"scenes"`
	}
	if err := c.request(ctx, reqGetSceneList, nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Scenes))
	for _, s := range resp.Scenes {
		names = append(names, s.SceneName)
	}
	return names, nil
}

// publishInitialStatus queries recording state right after connecting so the
// correlator's view is current even if no notification is in flight.
func (c *Client) publishInitialStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var status recordStatusResponse
	if err := c.request(ctx, reqGetRecordStatus, nil, &status); err != nil {
		c.Log().Warn().Err(err).Msg("initial record status query failed")
		return
	}
	c.mu.Lock()
	path := c.lastOutputPath
	c.mu.Unlock()

	if err := c.Bus().Publish(bus.TopicRecordingStatus, events.RecordingStatus{
		Active:     status.OutputActive,
		OutputPath: path,
		Timestamp:  c.Scheduler().Now(),
	}); err != nil {
		c.Log().Error().Err(err).Msg("publish initial recording status")
	}
}

func (c *Client) publishConn(state events.ConnectionState, detail string) {
	metrics.SetConnectionState(string(state))
	encoder := events.EncoderPending
	if state == events.ConnConnected {
		encoder = events.EncoderReady
	}
	if err := c.Bus().Publish(bus.TopicEngineConnection, events.ConnectionStateChange{
		State:   state,
		Encoder: encoder,
		Detail:  detail,
	}); err != nil {
		c.Log().Error().Err(err).Msg("publish connection state")
	}
}
