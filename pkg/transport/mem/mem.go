// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package mem provides an in-process transport connecting the parties of a
// local session. Asynchronous transmissions run on their own goroutines, so
// cross-send ordering is as undefined as on a networked substrate, and the
// hub can optionally redeliver every message once to mimic transport-level
// retries.
package mem

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Hub links the in-process parties. Every party attaches its inbound
// Registry under its rank; Endpoints deliver into the registries of their
// peers.
type Hub struct {
	redeliver bool

	mutex      sync.Mutex
	registries map[int]*channel.Registry
}

// NewHub creates a Hub. With redeliver set, every transmission is delivered
// a second time right after the first, like an immediate transport retry.
func NewHub(redeliver bool) *Hub {
	return &Hub{
		redeliver:  redeliver,
		registries: make(map[int]*channel.Registry),
	}
}

// Attach registers the inbound registry of the party with the given rank.
func (hub *Hub) Attach(rank int, registry *channel.Registry) error {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if _, ok := hub.registries[rank]; ok {
		return fmt.Errorf("rank %d is already attached", rank)
	}
	hub.registries[rank] = registry

	return nil
}

// Endpoint creates the channel.Transport carrying traffic from the party
// self towards peer. fragmentSize bounds the payload bytes per fragment of
// chunked transmissions; values below one select the transport default.
func (hub *Hub) Endpoint(self, peer, fragmentSize int) *Endpoint {
	if fragmentSize < 1 {
		fragmentSize = transport.DefaultFragmentSize
	}

	return &Endpoint{
		hub:          hub,
		self:         self,
		peer:         peer,
		fragmentSize: fragmentSize,
	}
}

// deliver dispatches one frame into the peer's registry, honoring the hub's
// redelivery setting.
func (hub *Hub) deliver(peer int, frame *transport.Frame) error {
	hub.mutex.Lock()
	registry, ok := hub.registries[peer]
	hub.mutex.Unlock()

	if !ok {
		return fmt.Errorf("rank %d is not attached to the hub", peer)
	}

	err := transport.Dispatch(registry, frame)

	if hub.redeliver {
		if dupErr := transport.Dispatch(registry, frame); dupErr != nil {
			log.WithFields(log.Fields{
				"frame": frame,
				"error": dupErr,
			}).Warn("Hub redelivery was rejected")
		}
	}

	return err
}

// Endpoint is one directed link of a Hub, implementing channel.Transport.
type Endpoint struct {
	hub          *Hub
	self         int
	peer         int
	fragmentSize int

	wg sync.WaitGroup
}

// Transmit delivers value under key as one unit before returning.
func (endpoint *Endpoint) Transmit(key string, value []byte) error {
	frame, err := transport.NewFrame(endpoint.self, key, value, 0, 1, 0)
	if err != nil {
		return err
	}

	return endpoint.hub.deliver(endpoint.peer, frame)
}

// TransmitAsync queues value for delivery under key on its own goroutine.
func (endpoint *Endpoint) TransmitAsync(key string, value []byte) error {
	frame, err := transport.NewFrame(endpoint.self, key, value, 0, 1, 0)
	if err != nil {
		return err
	}

	endpoint.wg.Add(1)
	go func() {
		defer endpoint.wg.Done()

		if err := endpoint.hub.deliver(endpoint.peer, frame); err != nil {
			log.WithFields(log.Fields{
				"frame": frame,
				"error": err,
			}).Warn("Endpoint failed an asynchronous delivery")
		}
	}()

	return nil
}

// TransmitChunked fragments value and delivers each fragment on its own
// goroutine, so fragments arrive in arbitrary order.
func (endpoint *Endpoint) TransmitChunked(key string, value []byte) error {
	frames, err := transport.Split(endpoint.self, key, value, endpoint.fragmentSize, 0)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		frame := frame

		endpoint.wg.Add(1)
		go func() {
			defer endpoint.wg.Done()

			if err := endpoint.hub.deliver(endpoint.peer, frame); err != nil {
				log.WithFields(log.Fields{
					"frame": frame,
					"error": err,
				}).Warn("Endpoint failed a fragment delivery")
			}
		}()
	}

	return nil
}

// Flush waits for the deliveries queued by this endpoint.
func (endpoint *Endpoint) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		endpoint.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (endpoint *Endpoint) String() string {
	return fmt.Sprintf("mem://%d->%d", endpoint.self, endpoint.peer)
}
