// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package middleware provides HTTP middleware for the localhost GUI API:
// request ID propagation and Prometheus request instrumentation. Rate
// limiting and CORS come from go-chi's httprate and cors packages and are
// wired in the api router.
package middleware
