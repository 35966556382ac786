// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events defines the event and state types shared by all managers:
// parsed game-log events, recording-relative captured events, recording
// sessions, and the status enums reported over the bus.
package events

import (
	"time"
)

// ManagerStatus is the lifecycle status a manager reports upward.
type ManagerStatus string

// Manager statuses.
const (
	ManagerStopped  ManagerStatus = "stopped"
	ManagerStarting ManagerStatus = "starting"
	ManagerRunning  ManagerStatus = "running"
	ManagerError    ManagerStatus = "error"
)

// ProcessState describes the capture-engine child process.
type ProcessState string

// Process states.
const (
	ProcessStopped ProcessState = "stopped"
	ProcessRunning ProcessState = "running"
	ProcessError   ProcessState = "error"
)

// ConnectionState describes the RPC session to the capture engine.
type ConnectionState string

// Connection states.
const (
	ConnDisconnected ConnectionState = "disconnected"
	ConnConnecting   ConnectionState = "connecting"
	ConnConnected    ConnectionState = "connected"
	ConnError        ConnectionState = "error"
)

// EncoderState describes whether the engine is ready to record.
type EncoderState string

// Encoder states.
const (
	EncoderPending EncoderState = "pending"
	EncoderReady   EncoderState = "ready"
)

// CaptureEngineState is the merged view of the capture engine, mutated only
// by the process supervisor (Process) and the RPC manager (Connection,
// Encoder).
type CaptureEngineState struct {
	Process    ProcessState    `json:"process"`
	Connection ConnectionState `json:"connection"`
	Encoder    EncoderState    `json:"encoder"`
}

// BuildVariant identifies which game build a detected instance belongs to.
type BuildVariant string

// Known build variants, in the order their install folders are scanned.
const (
	VariantLive        BuildVariant = "LIVE"
	VariantPTU         BuildVariant = "PTU"
	VariantEPTU        BuildVariant = "EPTU"
	VariantHotfix      BuildVariant = "HOTFIX"
	VariantTechPreview BuildVariant = "TECH-PREVIEW"
	VariantUnknown     BuildVariant = "UNKNOWN"
	// VariantWaiting is transient while candidate logs are race-monitored.
	VariantWaiting BuildVariant = "WAITING"
)

// ScanOrder is the fixed order in which build-variant folders are checked.
var ScanOrder = []BuildVariant{
	VariantLive, VariantPTU, VariantEPTU, VariantHotfix, VariantTechPreview,
}

// GameInstance describes a detected running game process. A nil *GameInstance
// means the game is not running.
type GameInstance struct {
	Variant BuildVariant `json:"variant"`
	LogPath string       `json:"logPath,omitempty"`
	PID     int32        `json:"pid"`
}

// Severity grades how notable a parsed event is.
type Severity string

// Severities.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// CategoryInfo is the display descriptor for an event category.
type CategoryInfo struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// DomainEvent is the parsed unit emitted by the log monitor. Immutable once
// emitted.
type DomainEvent struct {
	Category     string         `json:"category"`
	Type         string         `json:"type"`
	Subtype      string         `json:"subtype"`
	Name         string         `json:"name"`
	Severity     Severity       `json:"severity"`
	Message      string         `json:"message,omitempty"`
	CategoryInfo CategoryInfo   `json:"categoryInfo"`
	Data         map[string]any `json:"data,omitempty"`
	Raw          string         `json:"raw,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Synthetic event types injected by the correlator around recording
// lifecycle transitions.
const (
	TypeRecordingStart = "recording_start"
	TypeRecordingStop  = "recording_stop"
	TypeRecordingSplit = "recording_split"
)

// CategorySystem is the category of synthetic recording markers.
const CategorySystem = "system"

// SystemCategoryInfo is the descriptor attached to synthetic markers.
var SystemCategoryInfo = CategoryInfo{Name: "System", Icon: "gear"}
