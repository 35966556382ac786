// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package supervisor builds the suture v4 tree that keeps Capsule's long-lived
components running.

The root supervisor owns three child supervisors so a restart storm in one
layer cannot take down the others:

	capsule
	├── engine-layer    capture engine process + RPC client
	├── pipeline-layer  game watcher, log monitor, correlator, WebSocket hub
	└── api-layer       GUI HTTP server

Services implement suture.Service (Serve(ctx) error, String() string).
Managers built on the manager package are adapted with manager.AsService.
Supervision events are logged through sutureslog into the application's
structured logger.
*/
package supervisor
