// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import "time"

// StatusUpdate reports a manager's lifecycle transition.
type StatusUpdate struct {
	Manager string        `json:"manager"`
	Status  ManagerStatus `json:"status"`
	Detail  string        `json:"detail,omitempty"`
}

// RecordingStatus is re-emitted from the engine's record-state notification.
// It is the single source of truth for the active output path.
type RecordingStatus struct {
	Active     bool      `json:"active"`
	OutputPath string    `json:"outputPath,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RecordingSplit is re-emitted from the engine's file-rotation notification.
type RecordingSplit struct {
	NewPath   string    `json:"newPath"`
	Timestamp time.Time `json:"timestamp"`
}

// RecordingStats carries the engine's recording statistics query result.
type RecordingStats struct {
	Active      bool    `json:"active"`
	Paused      bool    `json:"paused"`
	Timecode    string  `json:"timecode,omitempty"`
	DurationSec float64 `json:"durationSec"`
	Bytes       int64   `json:"bytes"`
}

// ProcessStateChange reports a capture-engine process transition.
type ProcessStateChange struct {
	State ProcessState `json:"state"`
	PID   int32        `json:"pid,omitempty"`
}

// ConnectionStateChange reports an RPC session transition, with the encoder
// readiness learned from the handshake.
type ConnectionStateChange struct {
	State   ConnectionState `json:"state"`
	Encoder EncoderState    `json:"encoder"`
	Detail  string          `json:"detail,omitempty"`
}

// UnexpectedExit reports a capture-engine crash or user-initiated close that
// was not requested through the supervisor.
type UnexpectedExit struct {
	PID      int32     `json:"pid"`
	ExitCode int       `json:"exitCode"`
	ExitedAt time.Time `json:"exitedAt"`
}

// ConnectionFailed reports RPC reconnection-round exhaustion; the correlator
// decides whether to restart the engine process.
type ConnectionFailed struct {
	Failures int       `json:"failures"`
	LastErr  string    `json:"lastError,omitempty"`
	At       time.Time `json:"at"`
}

// GameStatus reports the game monitor's view of the target process. Instance
// is nil when the game is not running. Candidates is populated only while the
// instance is in the WAITING variant, for race monitoring.
type GameStatus struct {
	Running    bool           `json:"running"`
	Instance   *GameInstance  `json:"instance,omitempty"`
	Candidates []LogCandidate `json:"candidates,omitempty"`
}

// LogCandidate is one build-variant log file discovered during a scan.
type LogCandidate struct {
	Variant BuildVariant `json:"variant"`
	Path    string       `json:"path"`
	ModTime time.Time    `json:"modTime"`
}

// InstanceDetected fires exactly once when race monitoring resolves which
// candidate log file belongs to the live game instance.
type InstanceDetected struct {
	Variant BuildVariant `json:"instance"`
	LogPath string       `json:"logPath"`
}

// EventsSaved reports the outcome of a session seal-and-write.
type EventsSaved struct {
	Path       string `json:"path"`
	EventCount int    `json:"eventCount"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

// ErrorEvent is a typed operator-visible error surfaced over the bus.
type ErrorEvent struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced to the operator.
const (
	ErrCodeExecutableNotFound = "executable_not_found"
	ErrCodeStartFailed        = "start_failed"
	ErrCodeManualIntervention = "manual_intervention_required"
	ErrCodeSaveFailed         = "save_failed"
)
