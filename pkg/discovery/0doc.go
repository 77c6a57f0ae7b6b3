// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery finds the other parties of a link task on the local
// network through UDP multicast packages, so small lab setups run without a
// static peer list.
package discovery

const (
	// address4 is the default multicast IPv4 address used for discovery.
	address4 = "224.23.23.42"

	// address6 is the default multicast IPv6 address used for discovery.
	address6 = "ff02::42"

	// port is the default multicast UDP port used for discovery.
	port = 35042
)
