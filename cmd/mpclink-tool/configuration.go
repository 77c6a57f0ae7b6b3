// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/discovery"
	"github.com/mpclink/mpclink-go/pkg/session"
	"github.com/mpclink/mpclink-go/pkg/status"
	"github.com/mpclink/mpclink-go/pkg/transport"
	"github.com/mpclink/mpclink-go/pkg/transport/quic"
	"github.com/mpclink/mpclink-go/pkg/transport/tcp"
	"github.com/mpclink/mpclink-go/pkg/transport/ws"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Party     partyConf
	Peer      []peerConf
	Channel   channelConf
	Logging   logConf
	Status    statusConf
	Discovery discoveryConf
}

// partyConf describes this party's place in the link task and its listen
// endpoint.
type partyConf struct {
	SessionID string `toml:"session-id"`
	Rank      int
	World     int
	Protocol  string
	Listen    string
}

// peerConf describes one remote party to dial, used for the "peer" list.
type peerConf struct {
	Rank     int
	Protocol string
	Address  string
}

// channelConf tunes the reliable channels towards all peers.
type channelConf struct {
	Window         uint64
	RecvTimeout    string `toml:"recv-timeout"`
	ChunkThreshold int    `toml:"chunk-threshold"`
	FragmentSize   int    `toml:"fragment-size"`
	CompressBound  int    `toml:"compress-bound"`
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// statusConf describes the status HTTP endpoint.
type statusConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// configureLogging applies the Logging block to logrus.
func configureLogging(conf logConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	_, portStr, err = net.SplitHostPort(endpoint)
	if err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseListener starts the listening side of this party's endpoint and
// returns a function closing it again.
func parseListener(conf partyConf, proto transport.Protocol, registry *channel.Registry) (func() error, error) {
	switch proto {
	case transport.ProtocolTCP:
		serv := tcp.NewServer(conf.Listen, registry)
		if err := serv.Start(); err != nil {
			return nil, err
		}
		return serv.Close, nil

	case transport.ProtocolWebSocket:
		httpMux := http.NewServeMux()
		httpMux.Handle(ws.DefaultPath, ws.NewListener(registry))

		httpServer := &http.Server{Addr: conf.Listen, Handler: httpMux}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("WebSocket HTTP server failed")
			}
		}()
		return httpServer.Close, nil

	case transport.ProtocolQUIC:
		listener := quic.NewListener(conf.Listen, registry)
		if err := listener.Start(); err != nil {
			return nil, err
		}
		return listener.Close, nil

	default:
		return nil, fmt.Errorf("unknown party.protocol %q", conf.Protocol)
	}
}

// parsePeer creates the dialing transport towards one remote party. A
// WebSocket address without a scheme is expanded to the conventional URL.
func parsePeer(conv peerConf, sender int, chans channelConf) (discovery.Dialable, error) {
	proto, err := transport.ParseProtocol(conv.Protocol)
	if err != nil {
		return nil, err
	}

	switch proto {
	case transport.ProtocolTCP:
		return tcp.NewClient(conv.Address, sender, chans.FragmentSize, chans.CompressBound), nil

	case transport.ProtocolWebSocket:
		address := conv.Address
		if !strings.Contains(address, "://") {
			address = "ws://" + address + ws.DefaultPath
		}
		return ws.NewClient(address, sender, chans.FragmentSize, chans.CompressBound), nil

	case transport.ProtocolQUIC:
		return quic.NewClient(conv.Address, sender, chans.FragmentSize, chans.CompressBound), nil

	default:
		return nil, fmt.Errorf("unknown peer.protocol %q", conv.Protocol)
	}
}

// dialPeer starts the transport, retrying with backoff because the peer's
// listener might not be up yet when all parties start simultaneously.
func dialPeer(dialable discovery.Dialable) (err error) {
	for i := 0; i < 5; i++ {
		if err = dialable.Start(); err == nil {
			return nil
		}

		log.WithError(err).WithField("peer", dialable).Warn("Dialing peer errored, retrying..")
		time.Sleep(time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond)
	}

	return
}

// parseSession builds this party's session from the TOML configuration: it
// applies the logging settings, starts the listener, dials the static peers
// and optionally serves the status API and joins peer discovery. The
// returned function shuts all of it down again.
func parseSession(filename string) (ses *session.Session, closer func(), err error) {
	var conf tomlConfig
	if _, err = toml.DecodeFile(filename, &conf); err != nil {
		return
	}

	configureLogging(conf.Logging)

	ses, err = session.New(conf.Party.SessionID, conf.Party.Rank, conf.Party.World, conf.Channel.Window)
	if err != nil {
		return
	}

	var closers []func() error
	closer = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.WithError(err).Warn("Closing errored")
			}
		}
	}

	proto, protoErr := transport.ParseProtocol(conf.Party.Protocol)
	if protoErr != nil {
		err = protoErr
		return
	}

	closeListener, listenErr := parseListener(conf.Party, proto, ses.Registry())
	if listenErr != nil {
		err = listenErr
		return
	}
	closers = append(closers, closeListener)

	for _, conv := range conf.Peer {
		dialable, peerErr := parsePeer(conv, ses.Rank(), conf.Channel)
		if peerErr != nil {
			closer()
			err = peerErr
			return
		}

		if err = dialPeer(dialable); err != nil {
			closer()
			return
		}
		closers = append(closers, dialable.Close)

		if err = ses.AddPeer(conv.Rank, dialable); err != nil {
			closer()
			return
		}
	}

	if conf.Channel.RecvTimeout != "" {
		timeout, timeoutErr := time.ParseDuration(conf.Channel.RecvTimeout)
		if timeoutErr != nil {
			closer()
			err = timeoutErr
			return
		}
		ses.SetRecvTimeout(timeout)
	}
	if conf.Channel.ChunkThreshold > 0 {
		ses.SetChunkThreshold(conf.Channel.ChunkThreshold)
	}

	if conf.Status.Listen != "" {
		router := mux.NewRouter()
		status.NewAPI(router.PathPrefix("/status").Subrouter(), ses)

		statusServer := &http.Server{Addr: conf.Status.Listen, Handler: router}
		go func() {
			if err := statusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Status HTTP server failed")
			}
		}()
		closers = append(closers, statusServer.Close)
	}

	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		if conf.Party.SessionID == "" {
			closer()
			err = fmt.Errorf("discovery requires an explicit party.session-id")
			return
		}
		if conf.Discovery.Interval == 0 {
			conf.Discovery.Interval = 10
		}

		port, portErr := parseListenPort(conf.Party.Listen)
		if portErr != nil {
			closer()
			err = portErr
			return
		}

		announcements := []discovery.Announcement{{
			SessionID: ses.ID(),
			Rank:      uint64(ses.Rank()),
			Protocol:  proto,
			Port:      uint(port),
		}}

		registerFunc := func(rank int, dialable discovery.Dialable) {
			if err := dialPeer(dialable); err != nil {
				log.WithFields(log.Fields{
					"rank":  rank,
					"error": err,
				}).Warn("Dialing discovered peer errored")
				return
			}

			if err := ses.AddPeer(rank, dialable); err != nil {
				_ = dialable.Close()
				log.WithFields(log.Fields{
					"rank":  rank,
					"error": err,
				}).Debug("Skipping discovered peer; likely already connected")
			}
		}

		manager, managerErr := discovery.NewManager(
			ses.ID(), ses.Rank(), registerFunc,
			announcements, time.Duration(conf.Discovery.Interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if managerErr != nil {
			closer()
			err = managerErr
			return
		}
		closers = append(closers, func() error {
			manager.Close()
			return nil
		})
	}

	log.WithFields(log.Fields{
		"session": ses.ID(),
		"rank":    ses.Rank(),
		"world":   ses.World(),
	}).Info("Configured party")

	return
}
