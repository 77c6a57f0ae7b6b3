// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux
// +build !linux

package tcp

import (
	"net"
	"time"
)

// On platforms without the tcp(7) socket options the dialer falls back to
// Go's portable keepalive; the Linux build tightens the kernel knobs
// further.

// dial a new TCP connection with a connect timeout and keepalive probing.
func dial(address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   time.Second,
		KeepAlive: 5 * time.Second,
	}
	return dialer.Dial("tcp", address)
}
