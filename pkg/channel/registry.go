// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Registry maps peer ranks to the Listener consuming their inbound
// messages. Transports dispatch each decoded frame through the sender's
// rank. Ranks are bound exactly once for the lifetime of a session.
type Registry struct {
	listeners sync.Map // rank (int) to Listener
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddListener binds the inbound messages of rank to listener. Binding an
// already registered rank is a configuration defect and fails.
func (registry *Registry) AddListener(rank int, listener Listener) error {
	if _, loaded := registry.listeners.LoadOrStore(rank, listener); loaded {
		return fmt.Errorf("rank %d has a registered listener already", rank)
	}

	log.WithField("rank", rank).Debug("Registry bound a listener")

	return nil
}

// Listener returns the listener bound to rank.
func (registry *Registry) Listener(rank int) (Listener, error) {
	listener, ok := registry.listeners.Load(rank)
	if !ok {
		return nil, fmt.Errorf("rank %d has no registered listener", rank)
	}

	return listener.(Listener), nil
}
