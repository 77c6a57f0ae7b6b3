// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// loopTransport connects a channel to its peer within the process. Every
// asynchronous transmission runs on its own goroutine, so cross-send
// ordering is as undefined as on a real substrate.
type loopTransport struct {
	peer         Listener
	fragmentSize int
	wg           sync.WaitGroup
}

func (transport *loopTransport) Transmit(key string, value []byte) error {
	return transport.peer.OnMessage(key, value)
}

func (transport *loopTransport) TransmitAsync(key string, value []byte) error {
	transport.wg.Add(1)
	go func() {
		defer transport.wg.Done()
		_ = transport.peer.OnMessage(key, value)
	}()
	return nil
}

func (transport *loopTransport) TransmitChunked(key string, value []byte) error {
	size := transport.fragmentSize
	if size < 1 {
		size = 16
	}

	total := (len(value) + size - 1) / size
	if total < 1 {
		total = 1
	}

	for index := 0; index < total; index++ {
		low := index * size
		high := low + size
		if high > len(value) {
			high = len(value)
		}

		transport.wg.Add(1)
		go func(index int, fragment []byte) {
			defer transport.wg.Done()
			_ = transport.peer.OnChunkedMessage(key, fragment, index, total)
		}(index, value[low:high])
	}

	return nil
}

func (transport *loopTransport) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		transport.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// newChannelPair wires two channels against each other through
// loopTransports.
func newChannelPair(window uint64) (a, b *ReliableChannel) {
	ta := &loopTransport{fragmentSize: 16}
	tb := &loopTransport{fragmentSize: 16}

	a = NewReliableChannel(1, ta, window)
	b = NewReliableChannel(0, tb, window)

	ta.peer = b
	tb.peer = a

	return a, b
}

// recordTransport swallows transmissions and counts them, for tests driving
// the inbound callbacks directly.
type recordTransport struct {
	mutex sync.Mutex
	acks  int
	keys  []string
}

func (transport *recordTransport) record(key string) {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	if key == KeyAck {
		transport.acks++
	}
	transport.keys = append(transport.keys, key)
}

func (transport *recordTransport) ackCount() int {
	transport.mutex.Lock()
	defer transport.mutex.Unlock()

	return transport.acks
}

func (transport *recordTransport) Transmit(key string, value []byte) error {
	transport.record(key)
	return nil
}

func (transport *recordTransport) TransmitAsync(key string, value []byte) error {
	transport.record(key)
	return nil
}

func (transport *recordTransport) TransmitChunked(key string, value []byte) error {
	transport.record(key)
	return nil
}

func (transport *recordTransport) Flush(ctx context.Context) error {
	return nil
}

func TestChannelRoundTrip(t *testing.T) {
	a, b := newChannelPair(0)

	payload := []byte("attention, this is a payload")
	if err := a.Send("round-trip", payload); err != nil {
		t.Fatal(err)
	}

	received, err := b.Recv("round-trip")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("received %q, sent %q", received, payload)
	}
}

func TestChannelRoundTripAsync(t *testing.T) {
	a, b := newChannelPair(0)

	const messages = 64
	for i := 0; i < messages; i++ {
		if err := a.SendAsync(fmt.Sprintf("msg-%d", i), []byte(fmt.Sprintf("payload %d", i))); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < messages; i++ {
		received, err := b.Recv(fmt.Sprintf("msg-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if expected := fmt.Sprintf("payload %d", i); string(received) != expected {
			t.Fatalf("received %q, expected %q", received, expected)
		}
	}
}

func TestChannelRoundTripChunked(t *testing.T) {
	a, b := newChannelPair(0)
	a.SetChunkThreshold(8)

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	if err := a.Send("chunky", payload); err != nil {
		t.Fatal(err)
	}

	received, err := b.Recv("chunky")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatal("chunked payload differs after reassembly")
	}
}

func TestChannelReservedKeys(t *testing.T) {
	a, _ := newChannelPair(0)

	for _, key := range []string{KeyAck, KeyFin} {
		if err := a.Send(key, nil); !errors.Is(err, ErrReservedKey) {
			t.Fatalf("Send(%q) returned %v", key, err)
		}
		if err := a.SendAsync(key, nil); !errors.Is(err, ErrReservedKey) {
			t.Fatalf("SendAsync(%q) returned %v", key, err)
		}
		if _, err := a.Recv(key); !errors.Is(err, ErrReservedKey) {
			t.Fatalf("Recv(%q) returned %v", key, err)
		}
	}
}

func TestChannelRecvTimeout(t *testing.T) {
	_, b := newChannelPair(0)
	b.SetRecvTimeout(50 * time.Millisecond)

	_, err := b.Recv("never-sent")
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected a TimeoutError, got %v", err)
	}
	if !timeoutErr.Timeout() {
		t.Fatal("TimeoutError does not report Timeout()")
	}
	if timeoutErr.Key != "never-sent" {
		t.Fatalf("timeout names key %q", timeoutErr.Key)
	}
}

func TestChannelDuplicateDelivery(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(7, transport, 0)

	if err := channel.OnMessage("dup", []byte("original")); err != nil {
		t.Fatal(err)
	}
	if err := channel.OnMessage("dup", []byte("impostor")); err != nil {
		t.Fatal(err)
	}

	// Only the duplicate is acknowledged before Recv consumes the entry.
	if acks := transport.ackCount(); acks != 1 {
		t.Fatalf("%d acks after duplicate delivery, expected 1", acks)
	}

	value, err := channel.Recv("dup")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(value, []byte("original")) {
		t.Fatalf("duplicate overwrote the stored payload: %q", value)
	}
	if acks := transport.ackCount(); acks != 2 {
		t.Fatalf("%d acks after Recv, expected 2", acks)
	}

	// The payload is out; a second Recv must run into its timeout.
	channel.SetRecvTimeout(50 * time.Millisecond)
	if _, err := channel.Recv("dup"); err == nil {
		t.Fatal("second Recv for a consumed key succeeded")
	}

	if stats := channel.Stats(); stats.Received != 2 {
		t.Fatalf("received counter is %d, expected 2", stats.Received)
	}
}

func TestChannelThrottleWindow(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(2, transport, 3)

	// A window of three lets two sends through unhindered; the third one
	// fills the window and parks until an ack arrives.
	for i := 0; i < 2; i++ {
		if err := channel.Send(fmt.Sprintf("w-%d", i), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}

	blocked := make(chan error, 1)
	go func() {
		blocked <- channel.Send("w-2", []byte("x"))
	}()

	select {
	case err := <-blocked:
		t.Fatalf("third send passed a full window: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// The blocked call has handed its bytes off already; backpressure
	// only delays its return.
	transport.mutex.Lock()
	transmitted := len(transport.keys)
	transport.mutex.Unlock()
	if transmitted != 3 {
		t.Fatalf("%d transmissions while blocked, expected 3", transmitted)
	}

	if err := channel.OnMessage(KeyAck, nil); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-blocked:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("third send still blocked after an ack")
	}
}

func TestChannelThrottleWindowDisabled(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(2, transport, 0)

	for i := 0; i < 128; i++ {
		if err := channel.SendAsync(fmt.Sprintf("free-%d", i), []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
}

func TestChannelThrottleWindowTimeout(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(2, transport, 1)
	channel.SetRecvTimeout(50 * time.Millisecond)

	// A window of one makes every send wait for its own ack, which no one
	// emits here.
	err := channel.Send("t-0", []byte("x"))
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected a TimeoutError, got %v", err)
	}
}

func TestChannelWaitLinkTaskFinish(t *testing.T) {
	a, b := newChannelPair(4)

	const messages = 16
	errCh := make(chan error, messages)
	go func() {
		for i := 0; i < messages; i++ {
			errCh <- a.Send(fmt.Sprintf("task-%d", i), []byte("payload"))
		}
	}()

	for i := 0; i < messages; i++ {
		if _, err := b.Recv(fmt.Sprintf("task-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < messages; i++ {
		if err := <-errCh; err != nil {
			t.Fatal(err)
		}
	}

	finish := make(chan error, 2)
	go func() { finish <- a.WaitLinkTaskFinish() }()
	go func() { finish <- b.WaitLinkTaskFinish() }()

	for i := 0; i < 2; i++ {
		if err := <-finish; err != nil {
			t.Fatal(err)
		}
	}
}

func TestChannelWaitLinkTaskFinishUnread(t *testing.T) {
	a, b := newChannelPair(0)

	const messages = 8
	for i := 0; i < messages; i++ {
		if err := a.Send(fmt.Sprintf("unread-%d", i), []byte("never consumed")); err != nil {
			t.Fatal(err)
		}
	}

	finish := make(chan error, 2)
	go func() { finish <- a.WaitLinkTaskFinish() }()
	go func() { finish <- b.WaitLinkTaskFinish() }()

	for i := 0; i < 2; i++ {
		if err := <-finish; err != nil {
			t.Fatal(err)
		}
	}

	if stats := b.Stats(); stats.Unread != 0 {
		t.Fatalf("%d messages left unread after the drain", stats.Unread)
	}
}

func TestChannelDrainAutoAck(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(3, transport, 0)

	if err := channel.OnMessage("early", []byte("unread")); err != nil {
		t.Fatal(err)
	}

	fin := make([]byte, finLength)
	binary.BigEndian.PutUint64(fin, 3)
	if err := channel.OnMessage(KeyFin, fin); err != nil {
		t.Fatal(err)
	}

	finish := make(chan error, 1)
	go func() { finish <- channel.WaitLinkTaskFinish() }()

	// The fin wait holds until all three announced messages arrived. The
	// two late ones hit a draining channel and are acked without storage.
	for i := 0; i < 2; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := channel.OnMessage(fmt.Sprintf("late-%d", i), []byte("dropped")); err != nil {
			t.Fatal(err)
		}
	}

	if err := <-finish; err != nil {
		t.Fatal(err)
	}

	if stats := channel.Stats(); stats.Unread != 0 {
		t.Fatalf("%d unread messages survived the drain", stats.Unread)
	}
	if acks := transport.ackCount(); acks != 3 {
		t.Fatalf("%d acks emitted, expected 3", acks)
	}
}

func TestChannelRacingFinalFragment(t *testing.T) {
	parts := [][]byte{[]byte("aa"), []byte("bb"), []byte("cc"), []byte("dd"), []byte("ee")}

	for round := 0; round < 100; round++ {
		transport := &recordTransport{}
		channel := NewReliableChannel(4, transport, 0)

		for i := 0; i < len(parts)-1; i++ {
			if err := channel.OnChunkedMessage("race", parts[i], i, len(parts)); err != nil {
				t.Fatal(err)
			}
		}

		var start, done sync.WaitGroup
		start.Add(1)
		errCh := make(chan error, 2)
		for g := 0; g < 2; g++ {
			done.Add(1)
			go func() {
				defer done.Done()
				start.Wait()
				errCh <- channel.OnChunkedMessage("race", parts[len(parts)-1], len(parts)-1, len(parts))
			}()
		}
		start.Done()
		done.Wait()

		for g := 0; g < 2; g++ {
			if err := <-errCh; err != nil {
				t.Fatal(err)
			}
		}

		stats := channel.Stats()
		if stats.Received != 1 {
			t.Fatalf("round %d published %d messages, expected exactly 1", round, stats.Received)
		}
		if stats.Assembling != 0 {
			t.Fatalf("round %d left %d assemblers in the table", round, stats.Assembling)
		}

		value, err := channel.Recv("race")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(value, []byte("aabbccddee")) {
			t.Fatalf("round %d reassembled %q", round, value)
		}
	}
}

func TestChannelChunkedArrivalOrder(t *testing.T) {
	parts := [][]byte{[]byte("11"), []byte("22"), []byte("33"), []byte("44"), []byte("55")}

	for _, perm := range permutations(len(parts)) {
		transport := &recordTransport{}
		channel := NewReliableChannel(5, transport, 0)

		for _, index := range perm {
			if err := channel.OnChunkedMessage("ordered", parts[index], index, len(parts)); err != nil {
				t.Fatal(err)
			}
		}

		value, err := channel.Recv("ordered")
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(value, []byte("1122334455")) {
			t.Fatalf("order %v reassembled %q", perm, value)
		}
	}
}

func TestChannelFinPayloadSize(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(6, transport, 0)

	if err := channel.OnMessage(KeyFin, []byte("short")); err == nil {
		t.Fatal("undersized fin payload was accepted")
	}

	fin := make([]byte, finLength)
	binary.BigEndian.PutUint64(fin, 42)
	if err := channel.OnMessage(KeyFin, fin); err != nil {
		t.Fatal(err)
	}

	stats := channel.Stats()
	if !stats.ReceivedFin || stats.PeerSent != 42 {
		t.Fatalf("fin not recorded: %+v", stats)
	}
}

func TestChannelCounterOvershoot(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(8, transport, 0)
	channel.SetRecvTimeout(time.Second)

	fin := make([]byte, finLength)
	if err := channel.OnMessage(KeyFin, fin); err != nil {
		t.Fatal(err)
	}

	// Stay within the tolerance: surplus acks are logged, not fatal.
	for i := 0; i < DuplicateExcessLimit; i++ {
		if err := channel.OnMessage(KeyAck, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := channel.WaitLinkTaskFinish(); err != nil {
		t.Fatal(err)
	}
}

func TestChannelCounterOvershootBeyondLimit(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(9, transport, 0)
	channel.SetRecvTimeout(time.Second)

	fin := make([]byte, finLength)
	if err := channel.OnMessage(KeyFin, fin); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < DuplicateExcessLimit+1; i++ {
		if err := channel.OnMessage(KeyAck, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := channel.WaitLinkTaskFinish(); err == nil {
		t.Fatal("overshoot beyond the tolerance did not fail the shutdown")
	}
}

func TestChannelChunkedReservedKey(t *testing.T) {
	transport := &recordTransport{}
	channel := NewReliableChannel(10, transport, 0)

	if err := channel.OnChunkedMessage(KeyAck, nil, 0, 2); !errors.Is(err, ErrReservedKey) {
		t.Fatalf("chunked reserved key returned %v", err)
	}
	if err := channel.OnChunkedMessage("fine", nil, 2, 2); err == nil {
		t.Fatal("out-of-range fragment index was accepted")
	}
}
