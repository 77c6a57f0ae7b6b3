// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package tcp provides a minimal TCP transport between two parties. A Server
// accepts connections from any number of peers and dispatches the received
// frames into a channel Registry; a Client dials one peer and implements
// channel.Transport towards it.
//
// On the wire every frame is preceded by a CBOR byte string header carrying
// the frame's encoded length. A header announcing zero bytes is a keepalive
// probe and carries no frame.
package tcp
