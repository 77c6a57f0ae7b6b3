// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package channel provides the reliable point-to-point message channel
// between two parties of a secure-computation session.
//
// A ReliableChannel transmits keyed byte payloads through an injected
// Transport and consumes the inbound callbacks the peer's transport invokes.
// Unread messages wait in a pending store until Recv picks them up, and
// messages a transport fragmented are rebuilt by a ChunkAssembler. Every
// delivered message is acknowledged so the sender's throttle window can
// advance. WaitLinkTaskFinish winds a channel down in four phases without
// losing in-flight messages.
//
// Transports find the channel for their inbound traffic through a Registry,
// which binds each peer rank to exactly one Listener.
package channel

import "time"

const (
	// KeyAck is the reserved key of acknowledgment messages. The trailing
	// control bytes keep it from colliding with application keys.
	KeyAck = "ACK\x01\x00"

	// KeyFin is the reserved key of the fin message that closes a sending
	// direction, carrying the sender's final sent-message count.
	KeyFin = "FIN\x01\x00"

	// finLength is the payload length of a fin message, one big-endian
	// 64 bit unsigned integer.
	finLength = 8

	// DefaultRecvTimeout bounds every blocking wait of a ReliableChannel
	// unless SetRecvTimeout configured another value.
	DefaultRecvTimeout = 3 * time.Minute

	// DefaultChunkThreshold is the payload size in bytes above which Send
	// and SendAsync switch to the transport's chunked transmission.
	DefaultChunkThreshold = 1 << 20

	// DuplicateExcessLimit caps how far the received and acknowledged
	// counters may overshoot the expected totals before the shutdown
	// phases treat redelivery as a protocol violation instead of an
	// anomaly.
	DuplicateExcessLimit = 1024
)
