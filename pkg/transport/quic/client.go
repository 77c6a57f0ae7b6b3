// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quic

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/cboring"
	"github.com/quic-go/quic-go"

	"github.com/mpclink/mpclink-go/pkg/transport"
	"github.com/mpclink/mpclink-go/pkg/transport/quic/internal"
)

// Client connects to a peer's Listener and transmits frames stamped with the
// local party's rank, one stream per frame. This struct implements
// channel.Transport.
type Client struct {
	address string
	sender  int

	fragmentSize  int
	compressBound int

	connection quic.Connection

	wg sync.WaitGroup
}

// NewClient creates a Client towards address, sending as the party with the
// given rank. fragmentSize and compressBound parametrize chunking and
// compression like their TCP counterparts; values below one select the
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
	connection, err := quic.DialAddr(context.Background(), client.address,
		internal.GenerateDialerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		return err
	}

	client.connection = connection

	log.WithField("client", client).Debug("QUIC client dialed successfully")

	return nil
}

// transmit writes one frame onto a stream of its own.
func (client *Client) transmit(frame *transport.Frame) error {
	stream, err := client.connection.OpenStream()
	if err != nil {
		return err
	}

	buff := new(bytes.Buffer)
	if err := cboring.Marshal(frame, buff); err != nil {
		stream.CancelWrite(internal.DataMarshalError)
		_ = stream.Close()
		return err
	}

	writer := bufio.NewWriter(stream)
	if _, err := buff.WriteTo(writer); err != nil {
		stream.CancelWrite(internal.StreamTransmissionError)
		_ = stream.Close()
		return err
	}

	if err := writer.Flush(); err != nil {
		stream.CancelWrite(internal.StreamTransmissionError)
		_ = stream.Close()
		return err
	}

	return stream.Close()
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
			}).Warn("QUIC client failed an asynchronous transmission")
		}
	}()

	return nil
}

// TransmitChunked fragments value and writes every fragment before
// returning. The fragments ride on parallel streams.
func (client *Client) TransmitChunked(key string, value []byte) error {
	frames, err := transport.Split(client.sender, key, value, client.fragmentSize, client.compressBound)
	if err != nil {
		return err
	}

	errCh := make(chan error, len(frames))
	for _, frame := range frames {
		frame := frame

		go func() {
			errCh <- client.transmit(frame)
		}()
	}

	for range frames {
		if err := <-errCh; err != nil {
			return fmt.Errorf("transmitting a fragment of %q: %w", key, err)
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

// Close terminates the connection.
func (client *Client) Close() error {
	return client.connection.CloseWithError(internal.ApplicationShutdown, "party shutting down")
}

func (client *Client) String() string {
	return "quic://" + client.address
}
