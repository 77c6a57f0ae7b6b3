// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import "context"

// Transport is the outbound capability a ReliableChannel drives. An
// implementation connects one local channel to its peer. It attempts every
// transmission at least once, gives no ordering guarantee between distinct
// transmissions and may deliver a transmission more than once after a
// reconnect.
type Transport interface {
	// Transmit sends value under key as one unit, blocking until the
	// transport accepted the bytes for delivery.
	Transmit(key string, value []byte) error

	// TransmitAsync queues value for delivery under key and returns
	// without waiting for acceptance.
	TransmitAsync(key string, value []byte) error

	// TransmitChunked splits value into transport-sized fragments and
	// sends them as numbered chunks of key, blocking until every fragment
	// was accepted.
	TransmitChunked(key string, value []byte) error

	// Flush blocks until every transmission queued by TransmitAsync has
	// been handed off, or until ctx is done.
	Flush(ctx context.Context) error
}

// Listener is the inbound half wired into a transport's receive path. It is
// implemented by ReliableChannel. Transports may invoke the callbacks
// concurrently, repeatedly and in any channel state.
type Listener interface {
	// OnMessage delivers a complete message.
	OnMessage(key string, value []byte) error

	// OnChunkedMessage delivers fragment index of total for key.
	OnChunkedMessage(key string, value []byte, index, total int) error
}
