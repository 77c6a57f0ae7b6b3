// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"sync"
	"testing"

	"github.com/mpclink/mpclink-go/pkg/channel"
)

func TestFrameCbor(t *testing.T) {
	frame, err := NewFrame(3, "some-key\x01", []byte("payload bytes"), 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := frame.MarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}

	read := new(Frame)
	if err := read.UnmarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}

	if read.Sender != 3 || read.Key != "some-key\x01" || read.Total != 1 {
		t.Fatalf("frame fields mangled: %v", read)
	}
	if payload, err := read.MessagePayload(); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(payload, []byte("payload bytes")) {
		t.Fatalf("payload mangled: %q", payload)
	}
}

func TestFrameChecksum(t *testing.T) {
	frame, err := NewFrame(0, "k", []byte("checksummed"), 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := frame.MarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}

	// Flip one payload byte behind the CBOR headers.
	raw := buf.Bytes()
	raw[len(raw)-5] ^= 0xff

	if err := new(Frame).UnmarshalCbor(bytes.NewBuffer(raw)); err == nil {
		t.Fatal("corrupted frame passed the checksum")
	}
}

func TestFrameCompression(t *testing.T) {
	payload := bytes.Repeat([]byte("squeeze me, "), 512)

	frame, err := NewFrame(1, "pressed", payload, 0, 1, 64)
	if err != nil {
		t.Fatal(err)
	}

	if frame.Flags&FlagCompressed == 0 {
		t.Fatal("large payload was not compressed")
	}
	if len(frame.Payload) >= len(payload) {
		t.Fatalf("compression grew the payload from %d to %d bytes", len(payload), len(frame.Payload))
	}

	var buf bytes.Buffer
	if err := frame.MarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}

	read := new(Frame)
	if err := read.UnmarshalCbor(&buf); err != nil {
		t.Fatal(err)
	}
	if restored, err := read.MessagePayload(); err != nil {
		t.Fatal(err)
	} else if !bytes.Equal(restored, payload) {
		t.Fatal("payload differs after compression round trip")
	}
}

func TestSplit(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	frames, err := Split(2, "split", payload, 32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 4 {
		t.Fatalf("split into %d frames, expected 4", len(frames))
	}

	var joined []byte
	for i, frame := range frames {
		if frame.Index != uint64(i) || frame.Total != 4 {
			t.Fatalf("frame %d carries fragment %d/%d", i, frame.Index, frame.Total)
		}
		joined = append(joined, frame.Payload...)
	}
	if !bytes.Equal(joined, payload) {
		t.Fatal("fragments do not join back to the payload")
	}
}

// captureListener records dispatched messages.
type captureListener struct {
	mutex   sync.Mutex
	normal  int
	chunked int
	last    []byte
}

func (listener *captureListener) OnMessage(key string, value []byte) error {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()

	listener.normal++
	listener.last = value
	return nil
}

func (listener *captureListener) OnChunkedMessage(key string, value []byte, index, total int) error {
	listener.mutex.Lock()
	defer listener.mutex.Unlock()

	listener.chunked++
	return nil
}

func TestDispatch(t *testing.T) {
	registry := channel.NewRegistry()
	listener := &captureListener{}
	if err := registry.AddListener(4, listener); err != nil {
		t.Fatal(err)
	}

	single, err := NewFrame(4, "a", []byte("whole"), 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Dispatch(registry, single); err != nil {
		t.Fatal(err)
	}

	fragment, err := NewFrame(4, "b", []byte("piece"), 1, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Dispatch(registry, fragment); err != nil {
		t.Fatal(err)
	}

	if listener.normal != 1 || listener.chunked != 1 {
		t.Fatalf("dispatch counted %d normal and %d chunked messages", listener.normal, listener.chunked)
	}
	if !bytes.Equal(listener.last, []byte("whole")) {
		t.Fatalf("dispatched payload is %q", listener.last)
	}

	stranger, err := NewFrame(9, "c", nil, 0, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := Dispatch(registry, stranger); err == nil {
		t.Fatal("dispatch for an unregistered sender succeeded")
	}
}
