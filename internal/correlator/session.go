// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package correlator

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/capsulerec/capsule/internal/bus"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/metrics"
)

// ErrNoOpenSession is returned for manual events and re-saves without an
// active recording session.
var ErrNoOpenSession = errors.New("no recording session open")

// ErrSaveInProgress is returned when a re-save overlaps an in-flight write.
var ErrSaveInProgress = errors.New("session save already in progress")

func (c *Correlator) onRecordingStatus(msg *message.Message) {
	var status events.RecordingStatus
	if err := bus.Decode(msg, &status); err != nil {
		c.log.Warn().Err(err).Msg("bad recording status payload")
		return
	}
	c.store.update(c.sched.Now(), func(s *State) { s.Recording = status })
	metrics.SetBool(metrics.RecordingActive, status.Active)
	c.publishState()

	switch {
	case status.Active && status.OutputPath != "":
		c.openSession(status.OutputPath)
	case !status.Active:
		c.closeSession()
	}
}

func (c *Correlator) onRecordingSplit(msg *message.Message) {
	var split events.RecordingSplit
	if err := bus.Decode(msg, &split); err != nil {
		c.log.Warn().Err(err).Msg("bad recording split payload")
		return
	}
	c.splitSession(split.NewPath)
}

// onGameEvent correlates a parsed event against the recording timeline.
// Without an open session the event is still forwarded for live display,
// just never persisted.
func (c *Correlator) onGameEvent(msg *message.Message) {
	var ev events.DomainEvent
	if err := bus.Decode(msg, &ev); err != nil {
		c.log.Warn().Err(err).Msg("bad game event payload")
		return
	}
	c.captureEvent(ev)
}

// ManualEvent accepts a caller-supplied event. Unlike log-sourced events it
// is rejected outright when no session is open.
func (c *Correlator) ManualEvent(ev events.DomainEvent) error {
	c.mu.Lock()
	open := c.session != nil
	c.mu.Unlock()
	if !open {
		c.log.Warn().Str("name", ev.Name).Msg("manual event rejected, no session open")
		return ErrNoOpenSession
	}
	c.captureEvent(ev)
	return nil
}

func (c *Correlator) captureEvent(ev events.DomainEvent) {
	now := c.sched.Now()

	c.mu.Lock()
	var captured events.CapturedEvent
	if c.session != nil {
		captured = events.Capture(ev, now, c.session.Offset(now))
		c.session.Append(captured)
	} else {
		captured = events.Capture(ev, now, 0)
	}
	c.mu.Unlock()

	c.store.update(now, func(s *State) { s.appendRecent(captured) })

	if err := c.bus.Publish(bus.TopicCaptured, captured); err != nil {
		c.log.Error().Err(err).Msg("publish captured event")
	}
	c.publishState()
}

// openSession starts session bookkeeping for a newly active recording. A
// duplicate active notification for an already open session is a no-op.
func (c *Correlator) openSession(outputPath string) {
	now := c.sched.Now()

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return
	}
	session := events.NewSession(outputPath, now)
	session.Append(events.Synthetic(events.TypeRecordingStart, "Recording Started", now, 0, nil))
	c.session = session
	c.mu.Unlock()

	c.store.update(now, func(s *State) {
		s.SessionOpen = true
		s.SessionPath = outputPath
	})
	metrics.SessionsOpened.Inc()
	c.publishState()
	c.log.Info().Str("path", outputPath).Msg("recording session opened")

	c.armSplitTimer()
	c.armStatsPoll()
	if c.cfg.Recording.ShadowPlay {
		go c.runRetention()
	}
}

// splitSession seals the current session and opens the next one. The old
// session's last event is a split marker pointing forward; the new session's
// first event is a split marker pointing back at the previous file.
func (c *Correlator) splitSession(newPath string) {
	now := c.sched.Now()

	c.mu.Lock()
	old := c.session
	if old == nil {
		c.mu.Unlock()
		// A rotation without an open session behaves like a start.
		c.openSession(newPath)
		return
	}
	old.Append(events.Synthetic(events.TypeRecordingSplit, "Recording Split",
		now, old.Offset(now), map[string]any{"nextPath": newPath}))

	next := events.NewSession(newPath, now)
	next.Append(events.Synthetic(events.TypeRecordingSplit, "Recording Split",
		now, 0, map[string]any{"previousPath": old.OutputPath}))
	c.session = next
	c.mu.Unlock()

	c.store.update(now, func(s *State) { s.SessionPath = newPath })
	c.publishState()
	c.log.Info().Str("from", old.OutputPath).Str("to", newPath).Msg("recording split")

	c.saveSession(old)
	c.armSplitTimer()
	if c.cfg.Recording.ShadowPlay {
		go c.runRetention()
	}
}

// closeSession appends the stop marker and seals the session. Duplicate stop
// notifications find no session and no-op.
func (c *Correlator) closeSession() {
	now := c.sched.Now()

	c.mu.Lock()
	session := c.session
	c.session = nil
	if c.splitTask != nil {
		c.splitTask.Cancel()
		c.splitTask = nil
	}
	if c.statsTask != nil {
		c.statsTask.Cancel()
		c.statsTask = nil
	}
	c.mu.Unlock()
	if session == nil {
		return
	}

	session.Append(events.Synthetic(events.TypeRecordingStop, "Recording Stopped",
		now, session.Offset(now), nil))

	c.store.update(now, func(s *State) {
		s.SessionOpen = false
		s.SessionPath = ""
	})
	c.publishState()
	c.log.Info().Str("path", session.OutputPath).
		Int("events", len(session.Events)).Msg("recording session closed")

	c.saveSession(session)
}

// saveSession seals and writes asynchronously. Only a duplicate seal of the
// same session is dropped; a different session arriving while a write is in
// flight queues behind it.
func (c *Correlator) saveSession(session *events.RecordingSession) {
	if c.beginSave(session) {
		go c.writeSession(session, 1)
	}
}

// beginSave claims the writer slot for the session. It reports whether the
// caller should start the write; otherwise the seal was queued behind the
// in-flight write, or dropped as a duplicate of one already claimed.
func (c *Correlator) beginSave(session *events.RecordingSession) bool {
	c.mu.Lock()
	if c.inflight == session {
		c.mu.Unlock()
		c.log.Warn().Str("path", session.OutputPath).Msg("save already in progress, skipping duplicate")
		return false
	}
	for _, queued := range c.pending {
		if queued == session {
			c.mu.Unlock()
			c.log.Warn().Str("path", session.OutputPath).Msg("save already queued, skipping duplicate")
			return false
		}
	}
	if c.inflight != nil {
		c.pending = append(c.pending, session)
		c.mu.Unlock()
		c.log.Info().Str("path", session.OutputPath).Msg("save queued behind in-flight write")
		return false
	}
	c.inflight = session
	c.mu.Unlock()
	return true
}

// finishSave releases the writer slot after a terminal write outcome and
// starts the next queued seal, if any. A failed session is retained for a
// manual re-save; a successful one clears its own retained failure only.
func (c *Correlator) finishSave(session *events.RecordingSession, ok bool) {
	c.mu.Lock()
	c.inflight = nil
	if ok {
		if c.lastFailed == session {
			c.lastFailed = nil
		}
	} else {
		c.lastFailed = session
	}
	var next *events.RecordingSession
	if len(c.pending) > 0 {
		next = c.pending[0]
		c.pending = c.pending[1:]
		c.inflight = next
	}
	c.mu.Unlock()

	if next != nil {
		go c.writeSession(next, 1)
	}
}

// writeSession performs the atomic metadata write with one bounded retry.
// On final failure the session is retained for a manual re-save.
func (c *Correlator) writeSession(session *events.RecordingSession, attempt int) {
	now := c.sched.Now()
	path := session.MetadataPath()

	c.saveMu.Lock()
	err := session.Seal(now).WriteAtomic(path, now)
	c.saveMu.Unlock()

	if err == nil {
		c.finishSave(session, true)
		metrics.RecordSessionSealed(len(session.Events), true)
		c.log.Info().Str("path", path).Int("events", len(session.Events)).Msg("session metadata saved")
		c.publishSaved(events.EventsSaved{Path: path, EventCount: len(session.Events), OK: true})
		return
	}

	if attempt < maxSaveAttempts {
		metrics.SessionSaves.WithLabelValues("retried").Inc()
		c.log.Warn().Err(err).Str("path", path).Int("attempt", attempt).
			Msg("session save failed, retrying")
		c.mu.Lock()
		c.saveTask = c.sched.After(saveRetryDelay, func() {
			c.writeSession(session, attempt+1)
		})
		c.mu.Unlock()
		return
	}

	c.finishSave(session, false)
	metrics.RecordSessionSealed(len(session.Events), false)
	c.log.Error().Err(err).Str("path", path).Msg("session save failed permanently")
	c.publishSaved(events.EventsSaved{
		Path:       path,
		EventCount: len(session.Events),
		OK:         false,
		Error:      err.Error(),
	})
	c.publishError(events.ErrCodeSaveFailed, "recording metadata could not be written: "+err.Error())
}

// ResaveLast retries the last permanently failed session write on demand.
func (c *Correlator) ResaveLast() error {
	c.mu.Lock()
	session := c.lastFailed
	if session == nil {
		c.mu.Unlock()
		return ErrNoOpenSession
	}
	if c.inflight != nil {
		c.mu.Unlock()
		return ErrSaveInProgress
	}
	c.inflight = session
	c.mu.Unlock()

	go c.writeSession(session, maxSaveAttempts)
	return nil
}

// armSplitTimer schedules the rolling-buffer split while a session is open.
func (c *Correlator) armSplitTimer() {
	if !c.cfg.Recording.ShadowPlay || c.cfg.Recording.SplitDuration <= 0 {
		return
	}
	c.mu.Lock()
	if c.splitTask != nil {
		c.splitTask.Cancel()
	}
	c.splitTask = c.sched.After(c.cfg.Recording.SplitDuration, func() {
		c.mu.Lock()
		c.splitTask = nil
		open := c.session != nil
		c.mu.Unlock()
		if !open {
			return
		}
		if err := c.rpc.SplitRecording(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("scheduled split failed")
		}
	})
	c.mu.Unlock()
}

// armStatsPoll polls recording statistics while a session is open so the GUI
// sees live duration and output size. The RPC manager publishes the results
// on the bus. Idempotent while a poll is armed.
func (c *Correlator) armStatsPoll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.statsTask != nil {
		return
	}
	c.statsTask = c.sched.Every(statsPollInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), statsPollInterval)
		defer cancel()
		if _, err := c.rpc.RecordingStats(ctx); err != nil {
			c.log.Debug().Err(err).Msg("recording stats poll failed")
		}
	})
}

// runRetention performs a storage cleanup pass.
func (c *Correlator) runRetention() {
	result, err := c.retention.Cleanup()
	if err != nil {
		c.log.Warn().Err(err).Msg("retention cleanup failed")
		return
	}
	metrics.RecordRetention(result.Deleted, result.FreedBytes)
	if result.Deleted > 0 {
		c.log.Info().Int("deleted", result.Deleted).Int64("freedBytes", result.FreedBytes).
			Msg("retention cleanup done")
	}
}

func (c *Correlator) publishSaved(saved events.EventsSaved) {
	if err := c.bus.Publish(bus.TopicEventsSaved, saved); err != nil {
		c.log.Error().Err(err).Msg("publish events-saved")
	}
}
