// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import "fmt"

// Protocol enumerates the frame-carrying transport protocols a party can
// serve.
type Protocol uint64

const (
	ProtocolTCP Protocol = iota
	ProtocolWebSocket
	ProtocolQUIC
)

// CheckValid returns an error for Protocol values outside the enumeration,
// e.g. from a decoded announcement.
func (protocol Protocol) CheckValid() error {
	switch protocol {
	case ProtocolTCP, ProtocolWebSocket, ProtocolQUIC:
		return nil
	default:
		return fmt.Errorf("unknown protocol %d", uint64(protocol))
	}
}

func (protocol Protocol) String() string {
	switch protocol {
	case ProtocolTCP:
		return "tcp"
	case ProtocolWebSocket:
		return "ws"
	case ProtocolQUIC:
		return "quic"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(protocol))
	}
}

// ParseProtocol maps the configuration names tcp, ws and quic to their
// Protocol.
func ParseProtocol(name string) (Protocol, error) {
	switch name {
	case "tcp":
		return ProtocolTCP, nil
	case "ws":
		return ProtocolWebSocket, nil
	case "quic":
		return ProtocolQUIC, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", name)
	}
}
