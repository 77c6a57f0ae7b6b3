// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quic

import (
	"bufio"
	"context"
	"errors"
	"net"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"
	"github.com/quic-go/quic-go"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport"
	"github.com/mpclink/mpclink-go/pkg/transport/quic/internal"
)

// Listener accepts QUIC connections and dispatches the received frames into
// the given Registry.
type Listener struct {
	listenAddress string
	registry      *channel.Registry
	listener      *quic.Listener
}

// NewListener creates a Listener for the given listen address, delivering
// into registry. It starts listening after Start.
func NewListener(listenAddress string, registry *channel.Registry) *Listener {
	return &Listener{
		listenAddress: listenAddress,
		registry:      registry,
	}
}

func (listener *Listener) Start() error {
	log.WithField("address", listener.listenAddress).Info("Starting QUIC listener")

	lst, err := quic.ListenAddr(listener.listenAddress,
		internal.GenerateListenerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		return err
	}

	listener.listener = lst
	go listener.handle()

	return nil
}

func (listener *Listener) handle() {
	for {
		connection, err := listener.listener.Accept(context.Background())
		if err != nil {
			if err.Error() == "quic: Server closed" {
				log.WithField("address", listener.listenAddress).Debug("QUIC listener was closed")
				return
			}

			log.WithFields(log.Fields{
				"address": listener.listenAddress,
				"error":   err,
			}).Error("QUIC listener failed to accept a connection")

			return
		}

		log.WithFields(log.Fields{
			"address": listener.listenAddress,
			"peer":    connection.RemoteAddr(),
		}).Debug("QUIC listener accepted a connection")

		go listener.handleConnection(connection)
	}
}

func (listener *Listener) handleConnection(connection quic.Connection) {
	for {
		stream, err := connection.AcceptStream(context.Background())
		if err != nil {
			var netErr net.Error
			var appErr *quic.ApplicationError

			switch {
			case errors.As(err, &netErr) && netErr.Timeout():
				log.WithFields(log.Fields{
					"conn":  connection.RemoteAddr(),
					"error": netErr,
				}).Debug("QUIC peer timed out")

			case errors.As(err, &appErr):
				log.WithFields(log.Fields{
					"conn":   connection.RemoteAddr(),
					"remote": appErr.Remote,
					"code":   appErr.ErrorCode,
				}).Debug("QUIC connection was closed")

			default:
				log.WithFields(log.Fields{
					"conn":  connection.RemoteAddr(),
					"error": err,
				}).Error("QUIC listener failed to accept a stream")
			}

			return
		}

		go listener.handleStream(connection, stream)
	}
}

// handleStream reads the stream's single frame.
func (listener *Listener) handleStream(connection quic.Connection, stream quic.Stream) {
	reader := bufio.NewReader(stream)

	frame := new(transport.Frame)
	if err := cboring.Unmarshal(frame, reader); err != nil {
		log.WithFields(log.Fields{
			"conn":  connection.RemoteAddr(),
			"error": err,
		}).Warn("QUIC stream failed to read a frame")

		stream.CancelRead(internal.StreamTransmissionError)

		return
	}

	if err := transport.Dispatch(listener.registry, frame); err != nil {
		// A rejected frame does not invalidate the connection.
		log.WithFields(log.Fields{
			"conn":  connection.RemoteAddr(),
			"frame": frame,
			"error": err,
		}).Warn("QUIC listener rejected a frame")
	}
}

// Close stops accepting connections. Open connections run into their idle
// timeout unless their peer hangs up first.
func (listener *Listener) Close() error {
	log.WithField("address", listener.listenAddress).Info("QUIC listener shutting down")
	return listener.listener.Close()
}

func (listener *Listener) String() string {
	return "quic://" + listener.listenAddress
}
