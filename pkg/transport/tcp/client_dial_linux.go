// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux
// +build linux

package tcp

import (
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Parties exchange long bursts with silent stretches in between, and a
// receive timeout of minutes means a silently vanished peer would otherwise
// stall a whole link task. On Linux the dialer therefore tightens the
// kernel's keepalive knobs, see tcp(7): probe after five idle seconds,
// give up after three unanswered probes five seconds apart, and cap the
// time transmitted data may stay unacknowledged at twenty seconds.

type socketOption struct {
	name  string
	level int
	opt   int
	value int
}

var dialSocketOptions = []socketOption{
	{"TCP_KEEPCNT", unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3},
	{"TCP_KEEPIDLE", unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 5},
	{"TCP_KEEPINTVL", unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 5},
	{"TCP_USER_TIMEOUT", unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, 20000},
}

// dialControl is the net.Dialer's Control function applying
// dialSocketOptions to the raw socket.
func dialControl(_, _ string, rawConn syscall.RawConn) error {
	var optErr error

	controlErr := rawConn.Control(func(fd uintptr) {
		for _, so := range dialSocketOptions {
			if err := unix.SetsockoptInt(int(fd), so.level, so.opt, so.value); err != nil {
				optErr = fmt.Errorf("setting %s to %d: %w", so.name, so.value, err)
				return
			}
		}
	})

	if controlErr != nil {
		return controlErr
	}
	return optErr
}

// dial a new TCP connection with the keepalive socket options set.
func dial(address string) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout: time.Second,
		Control: dialControl,
	}
	return dialer.Dial("tcp", address)
}
