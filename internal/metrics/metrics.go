// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Capture engine process metrics.
	EngineRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_engine_restarts_total",
			Help: "Total number of capture engine restart attempts",
		},
		[]string{"reason"}, // "unexpected_exit", "silent_termination", "connection_failure", "manual"
	)

	EngineProcessUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_engine_process_up",
			Help: "Whether the capture engine process is running (1) or not (0)",
		},
	)

	ManualInterventionRequired = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_manual_intervention_required",
			Help: "Whether crash recovery has given up and needs the operator (1) or not (0)",
		},
	)

	// RPC session metrics.
	RPCConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_rpc_connection_state",
			Help: "Engine RPC connection state (0=disconnected, 1=connecting, 2=connected)",
		},
	)

	RPCReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_rpc_reconnect_attempts_total",
			Help: "Total number of engine RPC reconnect attempts",
		},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsule_rpc_request_duration_seconds",
			Help:    "Duration of engine RPC requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	RPCRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_rpc_request_errors_total",
			Help: "Total number of failed engine RPC requests",
		},
		[]string{"request_type"},
	)

	// Game monitoring metrics.
	GameProcessUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_game_process_up",
			Help: "Whether the game process is running (1) or not (0)",
		},
	)

	GameEventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_game_events_detected_total",
			Help: "Total number of game events detected in the log stream",
		},
		[]string{"subtype"},
	)

	LogLinesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_log_lines_processed_total",
			Help: "Total number of game log lines processed",
		},
	)

	PatternRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_pattern_refreshes_total",
			Help: "Total number of pattern definition refresh attempts",
		},
		[]string{"result"}, // "applied", "rejected", "fetch_failed"
	)

	// Recording session metrics.
	SessionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_sessions_opened_total",
			Help: "Total number of recording sessions opened",
		},
	)

	SessionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_sessions_closed_total",
			Help: "Total number of recording sessions closed and sealed",
		},
	)

	SessionEventCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "capsule_session_event_count",
			Help:    "Number of events captured per sealed session",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	SessionSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_session_saves_total",
			Help: "Total number of session metadata save attempts",
		},
		[]string{"result"}, // "ok", "retried", "failed"
	)

	RecordingActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_recording_active",
			Help: "Whether a recording is active (1) or not (0)",
		},
	)

	// Retention metrics.
	RetentionDeletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_retention_deletions_total",
			Help: "Total number of recordings deleted by retention cleanup",
		},
	)

	RetentionFreedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_retention_freed_bytes_total",
			Help: "Total bytes freed by retention cleanup",
		},
	)

	// GUI surface metrics.
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "capsule_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "capsule_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"method", "endpoint"},
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_websocket_connections",
			Help: "Current number of connected GUI clients",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent to GUI clients",
		},
	)

	WSMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "capsule_websocket_messages_dropped_total",
			Help: "Total number of WebSocket messages dropped on slow clients",
		},
	)

	// System metrics.
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "capsule_app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "capsule_app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records one served API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRPCRequest records one engine RPC round trip.
func RecordRPCRequest(requestType string, duration time.Duration, err error) {
	RPCRequestDuration.WithLabelValues(requestType).Observe(duration.Seconds())
	if err != nil {
		RPCRequestErrors.WithLabelValues(requestType).Inc()
	}
}

// RecordSessionSealed records a closed session and its save outcome.
func RecordSessionSealed(eventCount int, saved bool) {
	SessionsClosed.Inc()
	SessionEventCount.Observe(float64(eventCount))
	if saved {
		SessionSaves.WithLabelValues("ok").Inc()
	} else {
		SessionSaves.WithLabelValues("failed").Inc()
	}
}

// RecordRetention records a retention cleanup pass.
func RecordRetention(deleted int, freedBytes int64) {
	RetentionDeletions.Add(float64(deleted))
	RetentionFreedBytes.Add(float64(freedBytes))
}

// SetConnectionState maps an RPC connection state name onto the gauge.
func SetConnectionState(state string) {
	switch state {
	case "connected":
		RPCConnectionState.Set(2)
	case "connecting", "reconnecting":
		RPCConnectionState.Set(1)
	default:
		RPCConnectionState.Set(0)
	}
}

// SetBool sets a 0/1 gauge from a bool.
func SetBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
	} else {
		g.Set(0)
	}
}
