// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package session assembles reliable channels into one party's view of a
// multi-party link task: one ReliableChannel per remote rank, addressed by
// rank instead of by transport. The collective operations of
// pkg/collective run on top of a Session.
package session

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport/mem"
)

// Session is one party's endpoint of a link task between world parties,
// holding a ReliableChannel towards every other rank. The channels of a
// Session share its inbound Registry; transports deliver received frames
// through it.
//
// A Session is wired once, by AddPeer calls during setup, and is not safe
// for concurrent wiring. The message operations afterwards are safe for
// concurrent use.
type Session struct {
	id    string
	rank  int
	world int

	window uint64

	registry *channel.Registry
	channels map[int]*channel.ReliableChannel
}

// New creates a Session for the party with the given rank out of world
// parties. An empty id is replaced by a generated one; all parties of a link
// task must share the same id. The window is handed to every channel, see
// NewReliableChannel.
func New(id string, rank, world int, window uint64) (*Session, error) {
	if world < 1 {
		return nil, fmt.Errorf("world size %d is not positive", world)
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d is outside the world of %d parties", rank, world)
	}

	if id == "" {
		id = uuid.New().String()
	}

	log.WithFields(log.Fields{
		"session": id,
		"rank":    rank,
		"world":   world,
	}).Info("Created session")

	return &Session{
		id:       id,
		rank:     rank,
		world:    world,
		window:   window,
		registry: channel.NewRegistry(),
		channels: make(map[int]*channel.ReliableChannel),
	}, nil
}

// AddPeer wires the transport towards peer into a new ReliableChannel and
// registers it for inbound traffic.
func (session *Session) AddPeer(peer int, transport channel.Transport) error {
	if peer == session.rank {
		return fmt.Errorf("rank %d cannot peer with itself", peer)
	}
	if peer < 0 || peer >= session.world {
		return fmt.Errorf("rank %d is outside the world of %d parties", peer, session.world)
	}

	ch := channel.NewReliableChannel(peer, transport, session.window)
	if err := session.registry.AddListener(peer, ch); err != nil {
		return err
	}
	session.channels[peer] = ch

	log.WithFields(log.Fields{
		"session":   session.id,
		"rank":      session.rank,
		"peer":      peer,
		"transport": fmt.Sprintf("%v", transport),
	}).Debug("Session wired a peer")

	return nil
}

// ID returns the link task's shared identifier.
func (session *Session) ID() string {
	return session.id
}

// Rank returns the own party's rank.
func (session *Session) Rank() int {
	return session.rank
}

// World returns the number of parties.
func (session *Session) World() int {
	return session.world
}

// Registry returns the inbound Registry, to be handed to the transport
// serving this party.
func (session *Session) Registry() *channel.Registry {
	return session.registry
}

// Channel returns the ReliableChannel towards rank.
func (session *Session) Channel(rank int) (*channel.ReliableChannel, error) {
	ch, ok := session.channels[rank]
	if !ok {
		return nil, fmt.Errorf("no channel towards rank %d", rank)
	}

	return ch, nil
}

// Send transmits value under key to rank, blocking like the channel's Send.
func (session *Session) Send(to int, key string, value []byte) error {
	ch, err := session.Channel(to)
	if err != nil {
		return err
	}

	return ch.Send(key, value)
}

// SendAsync queues value under key towards rank.
func (session *Session) SendAsync(to int, key string, value []byte) error {
	ch, err := session.Channel(to)
	if err != nil {
		return err
	}

	return ch.SendAsync(key, value)
}

// Recv consumes the message stored under key from rank, waiting for it to
// arrive if necessary.
func (session *Session) Recv(from int, key string) ([]byte, error) {
	ch, err := session.Channel(from)
	if err != nil {
		return nil, err
	}

	return ch.Recv(key)
}

// SetRecvTimeout bounds the blocking waits of every channel.
func (session *Session) SetRecvTimeout(timeout time.Duration) {
	for _, ch := range session.channels {
		ch.SetRecvTimeout(timeout)
	}
}

// SetChunkThreshold sets the payload size from which every channel sends
// chunked.
func (session *Session) SetChunkThreshold(threshold int) {
	for _, ch := range session.channels {
		ch.SetChunkThreshold(threshold)
	}
}

// WaitLinkTaskFinish runs the shutdown handshake of every channel in
// parallel and collects their failures. All parties must enter it for any
// party to leave it.
func (session *Session) WaitLinkTaskFinish() (errs error) {
	results := make(chan error, len(session.channels))
	for _, ch := range session.channels {
		go func(ch *channel.ReliableChannel) {
			results <- ch.WaitLinkTaskFinish()
		}(ch)
	}

	for range session.channels {
		if err := <-results; err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	log.WithFields(log.Fields{
		"session": session.id,
		"rank":    session.rank,
	}).Info("Session finished its link task")

	return
}

// Stats snapshots every channel, ordered by rank.
func (session *Session) Stats() []channel.Stats {
	stats := make([]channel.Stats, 0, len(session.channels))
	for rank := 0; rank < session.world; rank++ {
		if ch, ok := session.channels[rank]; ok {
			stats = append(stats, ch.Stats())
		}
	}

	return stats
}

func (session *Session) String() string {
	return fmt.Sprintf("session(%s, rank %d of %d)", session.id, session.rank, session.world)
}

// P2PKey derives the message key of one exchange of the logical operation
// tag from src to dst. Distinct tags keep concurrent operations over the
// same channel apart.
func P2PKey(tag string, src, dst int) string {
	return fmt.Sprintf("%s:%d->%d", tag, src, dst)
}

// NewLocal builds a complete in-process world of the given size over a
// fresh mem.Hub, one Session per rank, all sharing a generated id.
func NewLocal(parties int, window uint64) ([]*Session, error) {
	hub := mem.NewHub(false)
	id := uuid.New().String()

	sessions := make([]*Session, parties)
	for rank := 0; rank < parties; rank++ {
		ses, err := New(id, rank, parties, window)
		if err != nil {
			return nil, err
		}
		if err := hub.Attach(rank, ses.Registry()); err != nil {
			return nil, err
		}
		sessions[rank] = ses
	}

	for rank := 0; rank < parties; rank++ {
		for peer := 0; peer < parties; peer++ {
			if peer == rank {
				continue
			}
			if err := sessions[rank].AddPeer(peer, hub.Endpoint(rank, peer, 0)); err != nil {
				return nil, err
			}
		}
	}

	return sessions, nil
}
