// Capsule - Star Citizen gameplay recording companion
// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package websocket pushes live updates to connected GUI clients.

It implements a hub-and-spoke pattern over gorilla/websocket: the Hub owns
the client set and fans out messages, each Client runs a read pump (handles
application pings) and a write pump (messages plus protocol pings).

The hub bridges the in-process event bus to the wire via AttachBus: captured
events, recording status, connection changes, errors, and save outcomes are
forwarded as typed messages; full state snapshots are rate limited so a busy
bus cannot swamp slow clients. Clients whose send buffer fills are dropped
rather than allowed to stall the fan-out.

Message frames are JSON objects of the form:

	{"type": "event", "data": {...}}

with types state, event, recording, connection, error, events_saved, and the
ping/pong pair.
*/
package websocket
