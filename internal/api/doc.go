// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package api serves the localhost GUI surface over HTTP with a Chi router.

Endpoints under /api/v1 expose the correlated state snapshot, recording and
engine controls, manual event bookmarks, pattern management, and the
WebSocket upgrade for live updates. /metrics serves Prometheus text format.

All endpoints are rate limited per client IP and instrumented; responses use
a uniform envelope with a request ID for tracing:

	{"success": true, "data": {...}, "meta": {"request_id": "...", "timestamp": "..."}}

Commands return 202 Accepted: the actual state change arrives asynchronously
over the WebSocket once the engine confirms it.
*/
package api
