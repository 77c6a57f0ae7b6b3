// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package quic provides a QUIC transport between two parties. A Listener
// accepts connections and dispatches the received frames into a channel
// Registry; a Client dials a peer's Listener and implements
// channel.Transport towards it. Every frame travels on a stream of its own,
// so transmissions never head-of-line block each other.
//
// The listener runs on a generated self-signed certificate and dialers skip
// verification. This shields against off-path readers, not against an
// impersonating peer; parties needing authentication front the listener with
// their own PKI.
package quic
