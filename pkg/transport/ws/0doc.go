// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package ws provides a WebSocket transport between two parties, for setups
// where the only way in is an HTTP reverse proxy. A Listener upgrades HTTP
// connections and dispatches the received frames into a channel Registry; a
// Client dials a peer's Listener and implements channel.Transport towards
// it. Every frame travels in one binary WebSocket message.
package ws

// DefaultPath is the URL path a party conventionally mounts its Listener
// under; dialers derived from discovery announcements assume it.
const DefaultPath = "/link"
