// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// MetadataVersion is the schema version of the sealed session document.
const MetadataVersion = "1.0.0"

// RecorderName identifies the producer in sealed documents.
const RecorderName = "capsule"

// RecordingSession is the bookkeeping object for one continuous recorded
// video segment, from start (or split) to stop (or next split). Owned
// exclusively by the correlator; at most one session is open at a time.
type RecordingSession struct {
	ID         string          `json:"id"`
	OutputPath string          `json:"outputPath"`
	StartTime  time.Time       `json:"startTime"`
	Events     []CapturedEvent `json:"events"`
}

// NewSession opens a session for the given output path.
func NewSession(outputPath string, start time.Time) *RecordingSession {
	return &RecordingSession{
		ID:         uuid.New().String(),
		OutputPath: outputPath,
		StartTime:  start,
		Events:     make([]CapturedEvent, 0, 16),
	}
}

// Append adds a captured event to the session.
func (s *RecordingSession) Append(ev CapturedEvent) {
	s.Events = append(s.Events, ev)
}

// Offset returns the recording-relative offset of the given wall time.
func (s *RecordingSession) Offset(now time.Time) time.Duration {
	return now.Sub(s.StartTime)
}

// MetadataPath returns the JSON sidecar path for the session's video file:
// same directory, same base name, ".json" extension.
func (s *RecordingSession) MetadataPath() string {
	ext := filepath.Ext(s.OutputPath)
	return strings.TrimSuffix(s.OutputPath, ext) + ".json"
}

// CategorySummary aggregates per-category counts inside the metadata block.
type CategorySummary struct {
	Count int            `json:"count"`
	Types map[string]int `json:"types"`
}

// SessionMetadata is the metadata block of a sealed session document.
type SessionMetadata struct {
	Version                string                     `json:"version"`
	Recorder               string                     `json:"recorder"`
	RecordingStartTime     time.Time                  `json:"recordingStartTime"`
	RecordingStartTimecode int64                      `json:"recordingStartTimecode"`
	RecordingDuration      float64                    `json:"recordingDuration"`
	EventCount             int                        `json:"eventCount"`
	Categories             map[string]CategorySummary `json:"categories"`
	SavedAt                time.Time                  `json:"savedAt"`
}

// SessionDocument is the on-disk JSON written next to each video file.
type SessionDocument struct {
	Metadata SessionMetadata `json:"metadata"`
	Events   []CapturedEvent `json:"events"`
}

// Seal builds the session document at the given save time. The recording
// duration is the offset of the last event, which for a closed session is
// the synthetic stop or split marker.
func (s *RecordingSession) Seal(savedAt time.Time) *SessionDocument {
	var duration float64
	if n := len(s.Events); n > 0 {
		duration = s.Events[n-1].VideoOffset
	}

	categories := make(map[string]CategorySummary)
	for _, ev := range s.Events {
		summary, ok := categories[ev.Category]
		if !ok {
			summary = CategorySummary{Types: make(map[string]int)}
		}
		summary.Count++
		summary.Types[ev.Subtype]++
		categories[ev.Category] = summary
	}

	return &SessionDocument{
		Metadata: SessionMetadata{
			Version:                MetadataVersion,
			Recorder:               RecorderName,
			RecordingStartTime:     s.StartTime,
			RecordingStartTimecode: s.StartTime.UnixMilli(),
			RecordingDuration:      duration,
			EventCount:             len(s.Events),
			Categories:             categories,
		},
		Events: s.Events,
	}
}

// WriteAtomic serializes the document and writes it via temp-file-then-rename
// so the final path is never observed half-written.
func (d *SessionDocument) WriteAtomic(path string, savedAt time.Time) error {
	d.Metadata.SavedAt = savedAt

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session document: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
