// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package ws

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"
	"github.com/gorilla/websocket"

	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Client connects to a peer's Listener and transmits frames stamped with the
// local party's rank. This struct implements channel.Transport.
type Client struct {
	address string
	sender  int

	fragmentSize  int
	compressBound int

	mutex sync.Mutex
	conn  *websocket.Conn

	wg sync.WaitGroup
}

// NewClient creates a Client towards the ws:// address, sending as the party
// with the given rank. fragmentSize and compressBound parametrize chunking
// and compression like their TCP counterparts; values below one select the
// transport defaults.
func NewClient(address string, sender, fragmentSize, compressBound int) *Client {
	if fragmentSize < 1 {
		fragmentSize = transport.DefaultFragmentSize
	}
	if compressBound < 1 {
		compressBound = transport.DefaultCompressBound
	}

	return &Client{
		address:       address,
		sender:        sender,
		fragmentSize:  fragmentSize,
		compressBound: compressBound,
	}
}

// Start dials the peer. Transmissions are possible afterwards.
func (client *Client) Start() error {
	conn, _, err := websocket.DefaultDialer.Dial(client.address, nil)
	if err != nil {
		return err
	}

	client.conn = conn

	log.WithField("client", client).Debug("WebSocket client dialed successfully")

	return nil
}

// transmit writes one frame as one binary message.
func (client *Client) transmit(frame *transport.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil && err == nil {
			err = fmt.Errorf("transmitting %v: %v", frame, r)
		}
	}()

	client.mutex.Lock()
	defer client.mutex.Unlock()

	wc, wcErr := client.conn.NextWriter(websocket.BinaryMessage)
	if wcErr != nil {
		err = wcErr
		return
	}

	if cborErr := cboring.Marshal(frame, wc); cborErr != nil {
		_ = wc.Close()
		err = cborErr
		return
	}

	err = wc.Close()
	return
}

// Transmit delivers value under key as one unit before returning.
func (client *Client) Transmit(key string, value []byte) error {
	frame, err := transport.NewFrame(client.sender, key, value, 0, 1, client.compressBound)
	if err != nil {
		return err
	}

	return client.transmit(frame)
}

// TransmitAsync queues value for transmission under key on its own
// goroutine. Failed transmissions are logged, not returned.
func (client *Client) TransmitAsync(key string, value []byte) error {
	frame, err := transport.NewFrame(client.sender, key, value, 0, 1, client.compressBound)
	if err != nil {
		return err
	}

	client.wg.Add(1)
	go func() {
		defer client.wg.Done()

		if err := client.transmit(frame); err != nil {
			log.WithFields(log.Fields{
				"client": client,
				"frame":  frame,
				"error":  err,
			}).Warn("WebSocket client failed an asynchronous transmission")
		}
	}()

	return nil
}

// TransmitChunked fragments value and writes every fragment before
// returning.
func (client *Client) TransmitChunked(key string, value []byte) error {
	frames, err := transport.Split(client.sender, key, value, client.fragmentSize, client.compressBound)
	if err != nil {
		return err
	}

	for _, frame := range frames {
		if err := client.transmit(frame); err != nil {
			return fmt.Errorf("transmitting fragment %d of %d: %w",
				frame.Index+1, frame.Total, err)
		}
	}

	return nil
}

// Flush waits for the asynchronous transmissions queued so far.
func (client *Client) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		client.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close hangs up.
func (client *Client) Close() error {
	client.mutex.Lock()
	defer client.mutex.Unlock()

	return client.conn.Close()
}

func (client *Client) String() string {
	return client.address
}
