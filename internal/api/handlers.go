// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker/v2"

	"github.com/capsulerec/capsule/internal/correlator"
	"github.com/capsulerec/capsule/internal/events"
	"github.com/capsulerec/capsule/internal/logging"
	"github.com/capsulerec/capsule/internal/logmon"
	"github.com/capsulerec/capsule/internal/obsrpc"
	ws "github.com/capsulerec/capsule/internal/websocket"
)

// HealthLive reports process liveness.
func (router *Router) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady reports whether the engine pipeline is usable.
func (router *Router) HealthReady(w http.ResponseWriter, r *http.Request) {
	snap := router.controller.Snapshot()
	ready := snap.Engine.Process == events.ProcessRunning &&
		snap.Engine.Connection == events.ConnConnected
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeSuccess(w, r, status, map[string]any{
		"ready":      ready,
		"process":    snap.Engine.Process,
		"connection": snap.Engine.Connection,
	})
}

// Status returns the full correlated state snapshot.
func (router *Router) Status(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, router.controller.Snapshot())
}

// RecentEvents returns the rolling window of captured events.
func (router *Router) RecentEvents(w http.ResponseWriter, r *http.Request) {
	snap := router.controller.Snapshot()
	evs := snap.RecentEvents
	if evs == nil {
		evs = []events.CapturedEvent{}
	}
	writeSuccess(w, r, http.StatusOK, evs)
}

// manualEventRequest is the body of POST /events.
type manualEventRequest struct {
	Name     string         `json:"name"`
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data"`
}

// ManualEvent records a caller-supplied bookmark on the active session.
func (router *Router) ManualEvent(w http.ResponseWriter, r *http.Request) {
	var req manualEventRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, "event name is required")
		return
	}
	if req.Category == "" {
		req.Category = "manual"
	}
	severity := events.Severity(req.Severity)
	if severity == "" {
		severity = events.SeverityMedium
	}

	err := router.controller.ManualEvent(events.DomainEvent{
		Category: req.Category,
		Type:     "manual",
		Subtype:  "bookmark",
		Name:     req.Name,
		Message:  req.Message,
		Severity: severity,
		Data:     req.Data,
	})
	if err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, nil)
}

// StartRecording asks the engine to begin recording.
func (router *Router) StartRecording(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.StartRecording)
}

// StopRecording asks the engine to stop recording.
func (router *Router) StopRecording(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.StopRecording)
}

// SplitRecording rotates the current output file.
func (router *Router) SplitRecording(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.SplitRecording)
}

// StartEngine launches the capture engine process.
func (router *Router) StartEngine(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.StartEngine)
}

// StopEngine stops the capture engine process.
func (router *Router) StopEngine(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.StopEngine)
}

// RestartEngine restarts the capture engine process.
func (router *Router) RestartEngine(w http.ResponseWriter, r *http.Request) {
	router.command(w, r, router.controller.RestartEngine)
}

func (router *Router) command(w http.ResponseWriter, r *http.Request, op func(ctx context.Context) error) {
	if err := op(r.Context()); err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, nil)
}

// RecordingStats returns live output statistics from the engine.
func (router *Router) RecordingStats(w http.ResponseWriter, r *http.Request) {
	stats, err := router.inventory.RecordingStats(r.Context())
	if err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, stats)
}

// autoStartRequest is the body of PUT /recording/autostart.
type autoStartRequest struct {
	Enabled bool `json:"enabled"`
}

// SetAutoStart toggles automatic recording on game launch.
func (router *Router) SetAutoStart(w http.ResponseWriter, r *http.Request) {
	var req autoStartRequest
	if !decodeBody(w, r, &req) {
		return
	}
	router.controller.SetAutoStart(req.Enabled)
	writeSuccess(w, r, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

// Resave retries the last failed session metadata write.
func (router *Router) Resave(w http.ResponseWriter, r *http.Request) {
	if err := router.controller.ResaveLast(); err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusAccepted, nil)
}

// AudioDevices lists the engine's audio inputs.
func (router *Router) AudioDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := router.inventory.AudioDevices(r.Context())
	if err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	if devices == nil {
		devices = []obsrpc.AudioDevice{}
	}
	writeSuccess(w, r, http.StatusOK, devices)
}

// Applications lists the engine's capturable scenes.
func (router *Router) Applications(w http.ResponseWriter, r *http.Request) {
	apps, err := router.inventory.Applications(r.Context())
	if err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	if apps == nil {
		apps = []string{}
	}
	writeSuccess(w, r, http.StatusOK, apps)
}

// Patterns reports the active pattern set.
func (router *Router) Patterns(w http.ResponseWriter, r *http.Request) {
	engine := router.patterns.Engine()
	writeSuccess(w, r, http.StatusOK, map[string]any{
		"version": engine.Version(),
		"builtin": engine.Builtin(),
	})
}

// RefreshPatterns fetches and applies the remote pattern set.
func (router *Router) RefreshPatterns(w http.ResponseWriter, r *http.Request) {
	if err := router.patterns.Refresher().Refresh(r.Context()); err != nil {
		router.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, map[string]string{
		"version": router.patterns.Engine().Version(),
	})
}

// upgrader accepts the GUI's localhost origins only.
func (router *Router) upgrader() websocket.Upgrader {
	allowed := router.cfg.CORSOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if origin == a {
					return true
				}
			}
			return false
		},
	}
}

// WebSocket upgrades the connection and attaches it to the hub.
func (router *Router) WebSocket(w http.ResponseWriter, r *http.Request) {
	up := router.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := ws.NewClient(router.hub, conn)
	router.hub.Register <- client
	client.Start()
}

// writeDomainError maps domain errors onto HTTP responses.
func (router *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, obsrpc.ErrNotConnected):
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeEngineUnavailable, err.Error())
	case errors.Is(err, obsrpc.ErrNotRecording):
		writeError(w, r, http.StatusConflict, ErrCodeNotRecording, err.Error())
	case errors.Is(err, obsrpc.ErrSplitUnsupportedFormat),
		errors.Is(err, obsrpc.ErrSplitUnsupportedVersion):
		writeError(w, r, http.StatusNotImplemented, ErrCodeUnsupported, err.Error())
	case errors.Is(err, correlator.ErrNoOpenSession):
		writeError(w, r, http.StatusConflict, ErrCodeNoSession, err.Error())
	case errors.Is(err, correlator.ErrSaveInProgress):
		writeError(w, r, http.StatusConflict, ErrCodeSaveInProgress, err.Error())
	case errors.Is(err, logmon.ErrNoRemoteSource):
		writeError(w, r, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	case errors.Is(err, logmon.ErrUnsupportedPatternVersion):
		writeError(w, r, http.StatusUnprocessableEntity, ErrCodeUnsupported, err.Error())
	case errors.Is(err, gobreaker.ErrOpenState):
		writeError(w, r, http.StatusServiceUnavailable, ErrCodeEngineUnavailable, err.Error())
	default:
		logging.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}
