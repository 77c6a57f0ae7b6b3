// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"bufio"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Server accepts frames from multiple connections and dispatches them into
// the given Registry.
type Server struct {
	listenAddress string
	registry      *channel.Registry

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewServer creates a Server for the given listen address, delivering into
// registry. It starts listening after Start.
func NewServer(listenAddress string, registry *channel.Registry) *Server {
	return &Server{
		listenAddress: listenAddress,
		registry:      registry,
		stopSyn:       make(chan struct{}),
		stopAck:       make(chan struct{}),
	}
}

func (serv *Server) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", serv.listenAddress)
	if err != nil {
		return err
	}

	ln, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return err
	}

	go func(ln *net.TCPListener) {
		for {
			select {
			case <-serv.stopSyn:
				_ = ln.Close()
				close(serv.stopAck)

				return

			default:
				if err := ln.SetDeadline(time.Now().Add(50 * time.Millisecond)); err != nil {
					log.WithFields(log.Fields{
						"server": serv,
						"error":  err,
					}).Warn("TCP server failed to set deadline on its socket")

					_ = serv.Close()
				} else if conn, err := ln.Accept(); err == nil {
					go serv.handleConnection(conn)
				}
			}
		}
	}(ln)

	return nil
}

func (serv *Server) handleConnection(conn net.Conn) {
	defer func() {
		_ = conn.Close()

		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"server": serv,
				"conn":   conn,
				"error":  r,
			}).Warn("TCP server's connection handler failed")
		}
	}()

	log.WithFields(log.Fields{
		"server": serv,
		"conn":   conn,
	}).Debug("TCP server accepted a connection")

	connReader := bufio.NewReader(conn)
	for {
		if n, err := cboring.ReadByteStringLen(connReader); err != nil {
			log.WithFields(log.Fields{
				"server": serv,
				"conn":   conn,
				"error":  err,
			}).Debug("TCP server connection was closed")

			return
		} else if n == 0 {
			// Keepalive probe, nothing follows.
			continue
		}

		frame := new(transport.Frame)
		if err := cboring.Unmarshal(frame, connReader); err != nil {
			log.WithFields(log.Fields{
				"server": serv,
				"conn":   conn,
				"error":  err,
			}).Warn("TCP server connection failed to read a frame")

			return
		} else if err := transport.Dispatch(serv.registry, frame); err != nil {
			// A rejected frame does not invalidate the connection.
			log.WithFields(log.Fields{
				"server": serv,
				"conn":   conn,
				"frame":  frame,
				"error":  err,
			}).Warn("TCP server rejected a frame")
		}
	}
}

// Close stops the accept loop. Connections already handed off to their
// reader close on their peer's hangup.
func (serv *Server) Close() error {
	close(serv.stopSyn)
	<-serv.stopAck

	return nil
}

func (serv *Server) String() string {
	return fmt.Sprintf("tcp://%s", serv.listenAddress)
}
