// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import "github.com/quic-go/quic-go"

const (
	// LocalError designates errors that happen on this machine, like failing
	// to marshal a frame.
	LocalError quic.ApplicationErrorCode = 1
	// ApplicationShutdown is sent when a party shuts down and terminates its
	// connections.
	ApplicationShutdown quic.ApplicationErrorCode = 2

	DataMarshalError        quic.StreamErrorCode = 1
	StreamTransmissionError quic.StreamErrorCode = 2
)
