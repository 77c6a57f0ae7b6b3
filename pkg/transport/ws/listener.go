// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ws

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"
	"github.com/gorilla/websocket"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Listener accepts WebSocket connections and dispatches the received frames
// into the given Registry.
//
// This type implements http.Handler; mounting it on an http.Server is up to
// the caller.
type Listener struct {
	registry *channel.Registry
	upgrader websocket.Upgrader
}

// NewListener creates a Listener delivering into registry.
func NewListener(registry *channel.Registry) *Listener {
	return &Listener{
		registry: registry,
		upgrader: websocket.Upgrader{},
	}
}

// ServeHTTP upgrades an HTTP connection to a WebSocket connection and reads
// frames from it.
func (listener *Listener) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if conn, err := listener.upgrader.Upgrade(writer, request, nil); err != nil {
		log.WithError(err).Warn("WebSocket listener failed to upgrade a connection")
	} else {
		go listener.handleConnection(conn)
	}
}

func (listener *Listener) handleConnection(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	remote := conn.RemoteAddr()

	log.WithField("conn", remote).Debug("WebSocket listener accepted a connection")

	for {
		mt, r, err := conn.NextReader()
		if err != nil {
			log.WithFields(log.Fields{
				"conn":  remote,
				"error": err,
			}).Debug("WebSocket connection was closed")

			return
		} else if mt != websocket.BinaryMessage {
			log.WithFields(log.Fields{
				"conn": remote,
				"type": mt,
			}).Warn("WebSocket connection carried a non-binary message")

			return
		}

		frame := new(transport.Frame)
		if err := cboring.Unmarshal(frame, r); err != nil {
			log.WithFields(log.Fields{
				"conn":  remote,
				"error": err,
			}).Warn("WebSocket connection failed to read a frame")

			return
		} else if err := transport.Dispatch(listener.registry, frame); err != nil {
			// A rejected frame does not invalidate the connection.
			log.WithFields(log.Fields{
				"conn":  remote,
				"frame": frame,
				"error": err,
			}).Warn("WebSocket listener rejected a frame")
		}
	}
}
