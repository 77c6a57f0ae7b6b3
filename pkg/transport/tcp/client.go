// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"

	"github.com/mpclink/mpclink-go/pkg/transport"
)

// Client connects to a peer's Server and transmits frames stamped with the
// local party's rank. This struct implements channel.Transport.
type Client struct {
	address string
	sender  int

	fragmentSize  int
	compressBound int

	mutex sync.Mutex
	conn  net.Conn

	wg sync.WaitGroup

	stopSyn chan struct{}
	stopAck chan struct{}
}

// NewClient creates a Client towards address, sending as the party with the
// given rank. fragmentSize bounds the payload bytes per fragment of chunked
// transmissions, compressBound is the payload size from which frames are
// compressed; values below one select the transport defaults.
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
	conn, err := dial(client.address)
	if err != nil {
		return err
	}

	client.conn = conn
	client.stopSyn = make(chan struct{})
	client.stopAck = make(chan struct{})

	go client.keepalive()

	return nil
}

// keepalive probes the connection every five seconds, so a vanished peer
// surfaces between transmissions.
func (client *Client) keepalive() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-client.stopSyn:
			client.mutex.Lock()
			defer client.mutex.Unlock()

			_ = client.conn.Close()

			close(client.stopAck)

			return

		case <-ticker.C:
			client.mutex.Lock()
			err := cboring.WriteByteStringLen(0, client.conn)
			client.mutex.Unlock()

			if err != nil {
				log.WithFields(log.Fields{
					"client": client,
					"error":  err,
				}).Warn("TCP client's keepalive errored")
			}
		}
	}
}

// transmit writes one frame, prefixed by its encoded length.
func (client *Client) transmit(frame *transport.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil && err == nil {
			err = fmt.Errorf("transmitting %v: %v", frame, r)
		}
	}()

	client.mutex.Lock()
	defer client.mutex.Unlock()

	connWriter := bufio.NewWriter(client.conn)

	buff := new(bytes.Buffer)
	if cborErr := cboring.Marshal(frame, buff); cborErr != nil {
		err = cborErr
		return
	}

	if bsErr := cboring.WriteByteStringLen(uint64(buff.Len()), connWriter); bsErr != nil {
		err = bsErr
		return
	}

	if _, plErr := buff.WriteTo(connWriter); plErr != nil {
		err = plErr
		return
	}

	if flushErr := connWriter.Flush(); flushErr != nil {
		err = flushErr
		return
	}

	// Check if the connection is still alive with an empty, unbuffered packet
	if probeErr := cboring.WriteByteStringLen(0, client.conn); probeErr != nil {
		err = probeErr
		return
	}

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
			}).Warn("TCP client failed an asynchronous transmission")
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

// Close stops the keepalive loop and hangs up.
func (client *Client) Close() error {
	close(client.stopSyn)
	<-client.stopAck

	return nil
}

func (client *Client) String() string {
	if client.conn != nil {
		return fmt.Sprintf("tcp://%v", client.conn.RemoteAddr())
	} else {
		return fmt.Sprintf("tcp://%s", client.address)
	}
}
