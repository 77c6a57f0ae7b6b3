// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"fmt"

	"github.com/mpclink/mpclink-go/pkg/channel"
)

// Dispatch hands one decoded frame to the listener registered for the
// frame's sender. Frames with a fragment count above one arrive as chunked
// messages, everything else as a complete message.
func Dispatch(registry *channel.Registry, frame *Frame) error {
	listener, err := registry.Listener(int(frame.Sender))
	if err != nil {
		return fmt.Errorf("dispatching %v: %w", frame, err)
	}

	payload, err := frame.MessagePayload()
	if err != nil {
		return fmt.Errorf("dispatching %v: %w", frame, err)
	}

	if frame.Total > 1 {
		return listener.OnChunkedMessage(frame.Key, payload, int(frame.Index), int(frame.Total))
	}

	return listener.OnMessage(frame.Key, payload)
}
