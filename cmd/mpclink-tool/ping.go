// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mpclink/mpclink-go/pkg/session"
)

// pinger sends probe messages to one peer and answers the peer's probes.
// Both parties run ping against each other, so each sees its own round-trip
// times while echoing the other's.
type pinger struct {
	session *session.Session
	peer    int
	count   int

	closeChan chan os.Signal
	respDone  chan struct{}
}

// probeKey names the seq-th probe sent from one rank to another. The echo
// travels back under echoKey with the ranks swapped.
func probeKey(seq, from, to int) string {
	return session.P2PKey(fmt.Sprintf("ping-%d", seq), from, to)
}

func echoKey(seq, from, to int) string {
	return session.P2PKey(fmt.Sprintf("pong-%d", seq), from, to)
}

// respond echoes the peer's probe payloads back, once per expected probe.
func (p *pinger) respond() {
	defer close(p.respDone)

	rank := p.session.Rank()
	for seq := 0; seq < p.count; seq++ {
		payload, err := p.session.Recv(p.peer, probeKey(seq, p.peer, rank))
		if err != nil {
			log.WithError(err).WithField("seq", seq).Error("Receiving probe errored")
			return
		}

		if err := p.session.Send(p.peer, echoKey(seq, rank, p.peer), payload); err != nil {
			log.WithError(err).WithField("seq", seq).Error("Echoing probe errored")
			return
		}
	}
}

// probe sends count probes, one per second, and reports each round-trip.
func (p *pinger) probe() {
	rank := p.session.Rank()

	var min, max, total time.Duration
	received := 0

	for seq := 0; seq < p.count; seq++ {
		if seq > 0 {
			time.Sleep(time.Second)
		}

		payload := make([]byte, 8)
		binary.BigEndian.PutUint64(payload, uint64(time.Now().UnixNano()))

		start := time.Now()
		if err := p.session.Send(p.peer, probeKey(seq, rank, p.peer), payload); err != nil {
			log.WithError(err).WithField("seq", seq).Error("Sending probe errored")
			return
		}

		echo, err := p.session.Recv(p.peer, echoKey(seq, p.peer, rank))
		if err != nil {
			log.WithError(err).WithField("seq", seq).Error("Receiving echo errored")
			return
		}
		rtt := time.Since(start)

		if !bytes.Equal(echo, payload) {
			log.WithField("seq", seq).Warn("Echo payload differs from the probe")
			continue
		}

		log.WithFields(log.Fields{
			"seq": seq,
			"rtt": rtt,
		}).Info("Echo received")

		if received == 0 || rtt < min {
			min = rtt
		}
		if rtt > max {
			max = rtt
		}
		total += rtt
		received++
	}

	if received > 0 {
		log.WithFields(log.Fields{
			"sent":     p.count,
			"received": received,
			"min":      min,
			"avg":      total / time.Duration(received),
			"max":      max,
		}).Info("Ping statistics")
	}
}

// ping another party of the link task.
func ping(args []string) {
	if len(args) != 3 {
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
		printFatal(err, "Parsing probe count errored")
	}
	if count < 1 {
		printFatal(fmt.Errorf("count must be positive, not %d", count), "Checking probe count errored")
	}

	p := &pinger{
		session:   ses,
		peer:      peer,
		count:     count,
		closeChan: make(chan os.Signal),
		respDone:  make(chan struct{}),
	}

	signal.Notify(p.closeChan, os.Interrupt)
	go func() {
		<-p.closeChan
		log.Info("Received interrupt signal")
		os.Exit(1)
	}()

	go p.respond()
	p.probe()
	<-p.respDone

	ch, err := ses.Channel(p.peer)
	if err != nil {
		printFatal(err, "Looking up the peer channel errored")
	}
	if err := ch.WaitLinkTaskFinish(); err != nil {
		log.WithError(err).Warn("Graceful link shutdown errored")
	} else {
		log.Info("Link task finished")
	}
}
