// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mpclink/mpclink-go/pkg/session"
)

// benchKey names the i-th benchmark message from one rank to another.
func benchKey(i, from, to int) string {
	return session.P2PKey(fmt.Sprintf("bench-%d", i), from, to)
}

// bench floods a peer with asynchronous sends while draining the peer's
// flood, then reports the achieved throughput. Both parties run bench with
// the same count and size, so the throttle window is exercised in both
// directions.
func bench(args []string) {
	if len(args) != 4 {
		printUsage()
	}

	ses, closer, err := parseSession(args[0])
	if err != nil {
		printFatal(err, "Parsing configuration errored")
	}
	defer closer()

	peer, err := strconv.Atoi(args[1])
	if err != nil {
		printFatal(err, "Parsing peer rank errored")
	}
	count, err := strconv.Atoi(args[2])
	if err != nil {
		printFatal(err, "Parsing message count errored")
	}
	size, err := strconv.Atoi(args[3])
	if err != nil {
		printFatal(err, "Parsing message size errored")
	}
	if count < 1 || size < 1 {
		printFatal(fmt.Errorf("count %d and size %d must be positive", count, size), "Checking benchmark parameters errored")
	}

	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	rank := ses.Rank()
	recvErr := make(chan error, 1)

	start := time.Now()

	go func() {
		for i := 0; i < count; i++ {
			data, err := ses.Recv(peer, benchKey(i, peer, rank))
			if err != nil {
				recvErr <- fmt.Errorf("receiving message %d: %w", i, err)
				return
			}
			if len(data) != size {
				recvErr <- fmt.Errorf("message %d arrived with %d bytes instead of %d", i, len(data), size)
				return
			}
		}
		recvErr <- nil
	}()

	for i := 0; i < count; i++ {
		if err := ses.SendAsync(peer, benchKey(i, rank, peer), payload); err != nil {
			printFatal(err, "Sending benchmark message errored")
		}
	}

	if err := <-recvErr; err != nil {
		printFatal(err, "Receiving benchmark messages errored")
	}

	ch, err := ses.Channel(peer)
	if err != nil {
		printFatal(err, "Looking up the peer channel errored")
	}
	if err := ch.WaitLinkTaskFinish(); err != nil {
		printFatal(err, "Graceful link shutdown errored")
	}

	elapsed := time.Since(start)
	stats := ch.Stats()

	log.WithFields(log.Fields{
		"messages":  count,
		"size":      size,
		"elapsed":   elapsed,
		"msg_per_s": float64(count) / elapsed.Seconds(),
		"mib_per_s": float64(int64(count)*int64(size)) / elapsed.Seconds() / (1 << 20),
		"sent":      stats.Sent,
		"acked":     stats.Acked,
		"received":  stats.Received,
	}).Info("Benchmark finished")
}
