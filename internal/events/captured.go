// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CapturedEvent is a DomainEvent enriched with recording-relative timing.
// Created the moment a domain event (or synthetic marker) reaches the
// correlator; never mutated afterwards except to attach a thumbnail.
type CapturedEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	VideoOffset   float64        `json:"videoOffset"`
	VideoTimecode string         `json:"videoTimecode"`
	Type          string         `json:"type"`
	Subtype       string         `json:"subtype"`
	Name          string         `json:"name"`
	Message       string         `json:"message,omitempty"`
	Severity      Severity       `json:"severity"`
	Category      string         `json:"category"`
	CategoryInfo  CategoryInfo   `json:"categoryInfo"`
	Data          map[string]any `json:"data,omitempty"`
	Raw           string         `json:"raw,omitempty"`
	Thumbnail     string         `json:"thumbnail,omitempty"`
}

// Capture converts a domain event into a captured event at the given wall
// time. offset is the elapsed time since recording start; callers pass 0 when
// no recording is active.
func Capture(ev DomainEvent, now time.Time, offset time.Duration) CapturedEvent {
	if offset < 0 {
		offset = 0
	}
	return CapturedEvent{
		ID:            uuid.New().String(),
		Timestamp:     now,
		VideoOffset:   offset.Seconds(),
		VideoTimecode: Timecode(offset),
		Type:          ev.Type,
		Subtype:       ev.Subtype,
		Name:          ev.Name,
		Message:       ev.Message,
		Severity:      ev.Severity,
		Category:      ev.Category,
		CategoryInfo:  ev.CategoryInfo,
		Data:          ev.Data,
		Raw:           ev.Raw,
	}
}

// Synthetic builds a captured system marker (recording_start, recording_stop,
// recording_split) at the given offset.
func Synthetic(eventType, name string, now time.Time, offset time.Duration, data map[string]any) CapturedEvent {
	return Capture(DomainEvent{
		Category:     CategorySystem,
		Type:         eventType,
		Subtype:      "recording",
		Name:         name,
		Severity:     SeverityLow,
		CategoryInfo: SystemCategoryInfo,
		Data:         data,
		Timestamp:    now,
	}, now, offset)
}

// Timecode formats an offset as HH:MM:SS.mmm.
func Timecode(offset time.Duration) string {
	if offset < 0 {
		offset = 0
	}
	h := int(offset.Hours())
	m := int(offset.Minutes()) % 60
	s := int(offset.Seconds()) % 60
	ms := int(offset.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
