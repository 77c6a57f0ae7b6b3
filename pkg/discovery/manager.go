// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/schollz/peerdiscovery"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport"
	"github.com/mpclink/mpclink-go/pkg/transport/quic"
	"github.com/mpclink/mpclink-go/pkg/transport/tcp"
	"github.com/mpclink/mpclink-go/pkg/transport/ws"
)

// Dialable is an outbound transport client: a channel.Transport that dials
// its peer on Start. The Manager builds Dialables from received
// Announcements and leaves starting them to its RegisterFunc.
type Dialable interface {
	channel.Transport

	Start() error
	Close() error
}

// Manager publishes this party's Announcements over UDP multicast and turns
// the announcements of others into Dialables.
type Manager struct {
	SessionID    string
	Rank         int
	RegisterFunc func(rank int, transport Dialable)

	stopChan4 chan struct{}
	stopChan6 chan struct{}
}

// NewManager starts announcing the given Announcements every interval and
// listening for those of other parties. Peers of the same session id are
// turned into Dialables and handed to registerFunc; filtering ranks that
// are already wired is the receiver's job.
func NewManager(
	sessionID string, rank int, registerFunc func(int, Dialable),
	announcements []Announcement, announcementInterval time.Duration,
	ipv4, ipv6 bool) (*Manager, error) {

	manager := &Manager{
		SessionID:    sessionID,
		Rank:         rank,
		RegisterFunc: registerFunc,
	}

	log.WithFields(log.Fields{
		"interval":      announcementInterval,
		"IPv4":          ipv4,
		"IPv6":          ipv6,
		"announcements": announcements,
	}).Info("Starting discovery manager")

	payload, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	settings := peerdiscovery.Settings{
		Limit:     -1,
		Port:      fmt.Sprintf("%d", port),
		Payload:   payload,
		Delay:     announcementInterval,
		TimeLimit: -1,
		AllowSelf: true,
	}

	if ipv4 {
		manager.stopChan4 = make(chan struct{})

		settings4 := settings
		settings4.MulticastAddress = address4
		settings4.IPVersion = peerdiscovery.IPv4
		settings4.StopChan = manager.stopChan4
		settings4.Notify = manager.notify

		if err := startDiscovery(settings4); err != nil {
			return nil, err
		}
	}

	if ipv6 {
		manager.stopChan6 = make(chan struct{})

		settings6 := settings
		settings6.MulticastAddress = address6
		settings6.IPVersion = peerdiscovery.IPv6
		settings6.StopChan = manager.stopChan6
		settings6.Notify = manager.notify6

		if err := startDiscovery(settings6); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// startDiscovery launches one multicast loop and reports a failure that
// surfaces right at startup, e.g. a host without a multicast route.
func startDiscovery(settings peerdiscovery.Settings) error {
	errChan := make(chan error)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		errChan <- err
	}()

	select {
	case err := <-errChan:
		return err

	case <-time.After(time.Second):
		return nil
	}
}

// notify6 wraps a received IPv6 address in brackets before handing over, so
// the address concatenates with a port like its IPv4 counterpart.
func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"discovery": manager,
			"peer":      discovered.Address,
		}).Warn("Discovery failed to parse an announcement package")

		return
	}

	for _, announcement := range announcements {
		go manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	log.WithFields(log.Fields{
		"discovery": manager,
		"peer":      addr,
		"message":   announcement,
	}).Debug("Discovery received an announcement")

	if announcement.SessionID != manager.SessionID {
		// Another link task on the same network.
		return
	}
	if int(announcement.Rank) == manager.Rank {
		return
	}

	var dialable Dialable
	switch announcement.Protocol {
	case transport.ProtocolTCP:
		dialable = tcp.NewClient(fmt.Sprintf("%s:%d", addr, announcement.Port), manager.Rank, 0, 0)

	case transport.ProtocolWebSocket:
		dialable = ws.NewClient(fmt.Sprintf("ws://%s:%d%s", addr, announcement.Port, ws.DefaultPath), manager.Rank, 0, 0)

	case transport.ProtocolQUIC:
		dialable = quic.NewClient(fmt.Sprintf("%s:%d", addr, announcement.Port), manager.Rank, 0, 0)

	default:
		log.WithFields(log.Fields{
			"discovery": manager,
			"peer":      addr,
			"protocol":  announcement.Protocol,
		}).Warn("Announcement's protocol is unknown or unsupported")
		return
	}

	manager.RegisterFunc(int(announcement.Rank), dialable)
}

func (manager *Manager) String() string {
	return fmt.Sprintf("discovery(session %s, rank %d)", manager.SessionID, manager.Rank)
}

// Close stops the announcement loops.
func (manager *Manager) Close() {
	if manager.stopChan4 != nil {
		manager.stopChan4 <- struct{}{}
	}
	if manager.stopChan6 != nil {
		manager.stopChan6 <- struct{}{}
	}
}
