// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport defines the wire frame shared by the TCP, WebSocket and
// QUIC transports, next to the dispatch of decoded frames into a channel
// Registry. A Frame carries one transmission or one fragment of a chunked
// transmission; its payload may be xz-compressed, which each frame flags for
// itself so receivers decode fragments independently.
package transport

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
	"github.com/howeyc/crc16"
	"github.com/ulikunitz/xz"
)

// FrameFlags annotate a Frame's payload encoding.
type FrameFlags uint64

const (
	// FlagCompressed marks an xz-compressed payload.
	FlagCompressed FrameFlags = 1 << 0
)

const (
	// DefaultFragmentSize is the fragment payload size of the networked
	// transports unless configured otherwise.
	DefaultFragmentSize = 1 << 16

	// DefaultCompressBound is the payload size from which the networked
	// transports compress, unless configured otherwise. Zero disables
	// compression.
	DefaultCompressBound = 1 << 12
)

var crcTable = crc16.MakeTable(crc16.CCITT)

// Frame is the single wire unit exchanged between parties: sender rank,
// message key, fragment index and count, payload flags and the payload
// itself, closed by a CRC-CCITT checksum over the payload. Frames of
// unfragmented transmissions carry a fragment count of one.
type Frame struct {
	Sender  uint64
	Key     string
	Index   uint64
	Total   uint64
	Flags   FrameFlags
	Payload []byte
}

// NewFrame builds the frame transmitting payload under key from sender as
// fragment index of total. Payloads of at least compressBound bytes are
// xz-compressed; a compressBound below one disables compression.
func NewFrame(sender int, key string, payload []byte, index, total, compressBound int) (*Frame, error) {
	frame := &Frame{
		Sender:  uint64(sender),
		Key:     key,
		Index:   uint64(index),
		Total:   uint64(total),
		Payload: payload,
	}

	if compressBound > 0 && len(payload) >= compressBound {
		compressed, err := compress(payload)
		if err != nil {
			return nil, fmt.Errorf("compressing frame payload: %w", err)
		}

		frame.Flags |= FlagCompressed
		frame.Payload = compressed
	}

	return frame, nil
}

// Split fragments payload into frames of at most fragmentSize payload bytes
// each. A payload short enough for a single fragment yields one frame with
// a total of one, which receivers treat as an unfragmented message.
func Split(sender int, key string, payload []byte, fragmentSize, compressBound int) ([]*Frame, error) {
	if fragmentSize < 1 {
		return nil, fmt.Errorf("fragment size %d is not positive", fragmentSize)
	}

	total := (len(payload) + fragmentSize - 1) / fragmentSize
	if total < 1 {
		total = 1
	}

	frames := make([]*Frame, 0, total)
	for index := 0; index < total; index++ {
		low := index * fragmentSize
		high := low + fragmentSize
		if high > len(payload) {
			high = len(payload)
		}

		frame, err := NewFrame(sender, key, payload[low:high], index, total, compressBound)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}

	return frames, nil
}

// MessagePayload returns the payload as handed to NewFrame, reversing the
// compression if this frame carries one.
func (frame *Frame) MessagePayload() ([]byte, error) {
	if frame.Flags&FlagCompressed == 0 {
		return frame.Payload, nil
	}

	return decompress(frame.Payload)
}

// MarshalCbor writes the frame as a CBOR array of seven elements.
func (frame *Frame) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(7, w); err != nil {
		return err
	}

	if err := cboring.WriteUInt(frame.Sender, w); err != nil {
		return err
	}
	if err := cboring.WriteByteString([]byte(frame.Key), w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(frame.Index, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(frame.Total, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(uint64(frame.Flags), w); err != nil {
		return err
	}
	if err := cboring.WriteByteString(frame.Payload, w); err != nil {
		return err
	}

	return cboring.WriteUInt(uint64(crc16.Checksum(frame.Payload, crcTable)), w)
}

// UnmarshalCbor reads a frame and verifies its payload checksum.
func (frame *Frame) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 7 {
		return fmt.Errorf("wrong array length: %d instead of 7", l)
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		frame.Sender = n
	}
	if key, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		frame.Key = string(key)
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		frame.Index = n
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		frame.Total = n
	}
	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else {
		frame.Flags = FrameFlags(n)
	}
	if payload, err := cboring.ReadByteString(r); err != nil {
		return err
	} else {
		frame.Payload = payload
	}

	if n, err := cboring.ReadUInt(r); err != nil {
		return err
	} else if checksum := uint64(crc16.Checksum(frame.Payload, crcTable)); n != checksum {
		return fmt.Errorf("frame checksum mismatch: read %#x, calculated %#x", n, checksum)
	}

	return nil
}

func (frame Frame) String() string {
	return fmt.Sprintf("frame(sender=%d, key=%q, fragment=%d/%d, flags=%#x, %d bytes)",
		frame.Sender, frame.Key, frame.Index, frame.Total, uint64(frame.Flags), len(frame.Payload))
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	xzW, err := xz.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := xzW.Write(data); err != nil {
		return nil, err
	}
	if err := xzW.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	xzR, err := xz.NewReader(bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}

	return io.ReadAll(xzR)
}
