// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package metrics provides Prometheus instrumentation for Capsule.

Metrics cover the capture engine process (restarts, liveness), the engine
RPC session (connection state, reconnects, request latency), game and log
monitoring (events detected, lines processed, pattern refreshes), recording
sessions (opened, closed, events per session, save outcomes), storage
retention, and the localhost GUI surface (API requests, WebSocket clients).

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:3857/metrics

Example PromQL queries:

	# Game events per minute by subtype
	rate(capsule_game_events_detected_total[1m]) * 60

	# Engine restart rate
	rate(capsule_engine_restarts_total[5m])

	# API p95 latency
	histogram_quantile(0.95, rate(capsule_api_request_duration_seconds_bucket[5m]))

All recording functions are safe for concurrent use; the Prometheus client
library synchronizes internally.
*/
package metrics
