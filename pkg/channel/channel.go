// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// ReliableChannel is one end of the message link between this party and a
// single peer. It keeps every inbound message until Recv consumes it,
// acknowledges deliveries, throttles senders against the unacknowledged
// backlog and performs the shutdown handshake of WaitLinkTaskFinish.
//
// Application goroutines call Send, SendAsync and Recv. The transport's
// receive goroutines call OnMessage and OnChunkedMessage. All of them may
// run concurrently.
type ReliableChannel struct {
	peer      int
	transport Transport

	// msgMutex guards the pending store, the counters and both
	// signallers.
	msgMutex  sync.Mutex
	pending   map[string][]byte
	msgSig    *signaller
	ackFinSig *signaller

	sentCount     uint64
	ackCount      uint64
	receivedCount uint64
	peerSentCount uint64
	receivedFin   bool
	draining      bool

	recvTimeout    time.Duration
	chunkThreshold int
	window         uint64

	// chunkMutex guards the assembler table. It is never held together
	// with msgMutex.
	chunkMutex sync.Mutex
	assemblers map[string]*ChunkAssembler
}

// NewReliableChannel creates the channel towards peer, transmitting through
// transport. window bounds the number of sent but not yet acknowledged
// messages before Send and SendAsync block; 0 leaves senders unthrottled.
func NewReliableChannel(peer int, transport Transport, window uint64) *ReliableChannel {
	return &ReliableChannel{
		peer:           peer,
		transport:      transport,
		pending:        make(map[string][]byte),
		msgSig:         newSignaller(),
		ackFinSig:      newSignaller(),
		recvTimeout:    DefaultRecvTimeout,
		chunkThreshold: DefaultChunkThreshold,
		window:         window,
		assemblers:     make(map[string]*ChunkAssembler),
	}
}

// Peer returns the rank of the remote side.
func (channel *ReliableChannel) Peer() int {
	return channel.peer
}

func (channel *ReliableChannel) String() string {
	return fmt.Sprintf("channel(peer %d)", channel.peer)
}

// SetRecvTimeout bounds every blocking wait of the channel, Recv as well as
// the throttle window and each shutdown phase. The timeout must be positive.
func (channel *ReliableChannel) SetRecvTimeout(timeout time.Duration) {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	channel.recvTimeout = timeout
}

// RecvTimeout returns the current bound for blocking waits.
func (channel *ReliableChannel) RecvTimeout() time.Duration {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	return channel.recvTimeout
}

// SetChunkThreshold sets the payload size in bytes above which Send and
// SendAsync use the transport's chunked transmission. Values below one
// disable chunked sends.
func (channel *ReliableChannel) SetChunkThreshold(bytes int) {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	channel.chunkThreshold = bytes
}

// Send transmits value under key, blocking until the transport accepted the
// bytes and the throttle window cleared. Acceptance does not imply the peer
// acknowledged the message yet.
func (channel *ReliableChannel) Send(key string, value []byte) error {
	if err := checkApplicationKey(key); err != nil {
		return err
	}

	var err error
	if channel.sendsChunked(value) {
		err = channel.transport.TransmitChunked(key, value)
	} else {
		err = channel.transport.Transmit(key, value)
	}
	if err != nil {
		return err
	}

	return channel.throttleWindowWait(key)
}

// SendAsync hands value under key to the transport without waiting for
// acceptance, then waits for throttle-window clearance. Payloads above the
// chunk threshold leave as a blocking chunked transmission like in Send.
func (channel *ReliableChannel) SendAsync(key string, value []byte) error {
	if err := checkApplicationKey(key); err != nil {
		return err
	}

	var err error
	if channel.sendsChunked(value) {
		err = channel.transport.TransmitChunked(key, value)
	} else {
		err = channel.transport.TransmitAsync(key, value)
	}
	if err != nil {
		return err
	}

	return channel.throttleWindowWait(key)
}

// Recv blocks until a message for key arrived, removes it from the pending
// store and acknowledges the delivery towards the sender. Without a matching
// message within the receive timeout it fails with a TimeoutError.
func (channel *ReliableChannel) Recv(key string) ([]byte, error) {
	if err := checkApplicationKey(key); err != nil {
		return nil, err
	}

	channel.msgMutex.Lock()
	err := channel.awaitLocked(channel.msgSig, "recv", key, func() bool {
		_, ok := channel.pending[key]
		return ok
	})
	if err != nil {
		channel.msgMutex.Unlock()
		return nil, err
	}

	value := channel.pending[key]
	delete(channel.pending, key)
	channel.msgMutex.Unlock()

	channel.ack(key)

	return value, nil
}

// OnMessage is the transport's inbound entry point for complete messages.
// It dispatches the control keys and stores application payloads for Recv.
func (channel *ReliableChannel) OnMessage(key string, value []byte) error {
	switch key {
	case KeyAck:
		channel.onAck()
		return nil

	case KeyFin:
		return channel.onFin(value)

	default:
		channel.onNormal(key, value)
		return nil
	}
}

// OnChunkedMessage is the transport's inbound entry point for one fragment
// of a chunked message. Once the final fragment arrived, exactly one caller
// publishes the reassembled payload: removing the assembler from the table
// decides the race between concurrent deliveries.
func (channel *ReliableChannel) OnChunkedMessage(key string, value []byte, index, total int) error {
	if key == KeyAck || key == KeyFin {
		return fmt.Errorf("%q: %w", key, ErrReservedKey)
	}
	if total < 1 || index < 0 || index >= total {
		return fmt.Errorf("fragment %d of %d for key %q is out of range", index, total, key)
	}

	channel.chunkMutex.Lock()
	assembler, ok := channel.assemblers[key]
	if !ok {
		assembler = NewChunkAssembler(total)
		channel.assemblers[key] = assembler
	}
	channel.chunkMutex.Unlock()

	if err := assembler.AddFragment(index, value); err != nil {
		return fmt.Errorf("key %q: %w", key, err)
	}
	if !assembler.IsComplete() {
		return nil
	}

	channel.chunkMutex.Lock()
	if _, present := channel.assemblers[key]; !present {
		// Another delivery won the removal race and publishes.
		channel.chunkMutex.Unlock()
		return nil
	}
	delete(channel.assemblers, key)
	channel.chunkMutex.Unlock()

	channel.onNormal(key, assembler.Reassemble())

	return nil
}

// WaitLinkTaskFinish winds the channel down: drain unread messages while
// acknowledging them, exchange fin messages and await the peer's complete
// traffic, flush asynchronous transmissions, await the acknowledgment of
// everything sent. After it returns the underlying connection can be torn
// down without the peer observing a delivery failure.
//
// Each phase honors the receive timeout. Counter overshoot caused by
// transport-level redelivery is tolerated and logged, up to
// DuplicateExcessLimit surplus messages.
func (channel *ReliableChannel) WaitLinkTaskFinish() error {
	log.WithField("channel", channel).Debug("ReliableChannel starts the link task shutdown")

	channel.drainUnread()

	if err := channel.exchangeFin(); err != nil {
		return err
	}
	if err := channel.flushAsyncSends(); err != nil {
		return err
	}
	if err := channel.awaitFinalAcks(); err != nil {
		return err
	}

	log.WithField("channel", channel).Info("ReliableChannel finished the link task")

	return nil
}

// Stats is a point-in-time snapshot of a channel's protocol state.
type Stats struct {
	Peer        int    `json:"peer"`
	Sent        uint64 `json:"sent"`
	Acked       uint64 `json:"acked"`
	Received    uint64 `json:"received"`
	PeerSent    uint64 `json:"peer_sent"`
	ReceivedFin bool   `json:"received_fin"`
	Draining    bool   `json:"draining"`
	Unread      int    `json:"unread"`
	Assembling  int    `json:"assembling"`
}

// Stats returns a snapshot of the channel's counters and buffer sizes.
func (channel *ReliableChannel) Stats() Stats {
	channel.chunkMutex.Lock()
	assembling := len(channel.assemblers)
	channel.chunkMutex.Unlock()

	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	return Stats{
		Peer:        channel.peer,
		Sent:        channel.sentCount,
		Acked:       channel.ackCount,
		Received:    channel.receivedCount,
		PeerSent:    channel.peerSentCount,
		ReceivedFin: channel.receivedFin,
		Draining:    channel.draining,
		Unread:      len(channel.pending),
		Assembling:  assembling,
	}
}

// sendsChunked decides whether value leaves as a chunked transmission.
func (channel *ReliableChannel) sendsChunked(value []byte) bool {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	return channel.chunkThreshold > 0 && len(value) > channel.chunkThreshold
}

// throttleWindowWait counts one sent message and blocks until the ack
// backlog lets it through the throttle window. With a window of w the wait
// clears once ackCount+w exceeds this message's send sequence, keeping at
// most w messages unacknowledged.
func (channel *ReliableChannel) throttleWindowWait(key string) error {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	channel.sentCount++
	if channel.window == 0 {
		return nil
	}

	seq := channel.sentCount
	return channel.awaitLocked(channel.ackFinSig, "throttle window", key, func() bool {
		return channel.ackCount+channel.window > seq
	})
}

// ack emits one acknowledgment. Control messages bypass the throttle window
// and the sent counter.
func (channel *ReliableChannel) ack(key string) {
	if err := channel.transport.TransmitAsync(KeyAck, nil); err != nil {
		log.WithFields(log.Fields{
			"channel": channel,
			"key":     key,
			"error":   err,
		}).Warn("ReliableChannel failed to transmit an acknowledgment")
	}
}

func (channel *ReliableChannel) onAck() {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	channel.ackCount++
	channel.ackFinSig.broadcast()
}

func (channel *ReliableChannel) onFin(value []byte) error {
	if len(value) != finLength {
		return fmt.Errorf("fin payload has %d bytes, expected %d", len(value), finLength)
	}

	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	if channel.receivedFin {
		log.WithField("channel", channel).Warn("ReliableChannel received a duplicate fin")
		return nil
	}

	channel.receivedFin = true
	channel.peerSentCount = binary.BigEndian.Uint64(value)
	channel.ackFinSig.broadcast()

	log.WithFields(log.Fields{
		"channel":   channel,
		"peer_sent": channel.peerSentCount,
	}).Debug("ReliableChannel received the peer's fin")

	return nil
}

// onNormal counts and stores an application message. The first arrival for a
// key is kept for Recv; duplicates and messages arriving after the drain
// phase started are acknowledged right away and dropped.
func (channel *ReliableChannel) onNormal(key string, value []byte) {
	ackNow := false
	anomaly := ""

	channel.msgMutex.Lock()
	channel.receivedCount++

	if channel.draining {
		ackNow = true
		anomaly = "ReliableChannel received a message while draining"
	} else if _, dup := channel.pending[key]; dup {
		ackNow = true
		anomaly = "ReliableChannel received a duplicate message"
	} else {
		channel.pending[key] = value
	}

	channel.msgSig.broadcast()
	channel.ackFinSig.broadcast()
	channel.msgMutex.Unlock()

	if anomaly != "" {
		log.WithFields(log.Fields{
			"channel": channel,
			"key":     key,
		}).Warn(anomaly)
	}
	if ackNow {
		channel.ack(key)
	}
}

// drainUnread marks the channel as draining and acknowledges every message
// still unread; the peer is owed one ack per delivery regardless of
// consumption.
func (channel *ReliableChannel) drainUnread() {
	channel.msgMutex.Lock()
	channel.draining = true
	keys := make([]string, 0, len(channel.pending))
	for key := range channel.pending {
		keys = append(keys, key)
	}
	channel.pending = make(map[string][]byte)
	channel.msgMutex.Unlock()

	if len(keys) > 0 {
		log.WithFields(log.Fields{
			"channel": channel,
			"count":   len(keys),
		}).Warn("ReliableChannel drained unread messages")
	}

	for _, key := range keys {
		channel.ack(key)
	}
}

// exchangeFin announces this side's final sent count and waits until the
// peer's fin arrived and every message the peer sent was received.
func (channel *ReliableChannel) exchangeFin() error {
	fin := make([]byte, finLength)

	channel.msgMutex.Lock()
	binary.BigEndian.PutUint64(fin, channel.sentCount)
	channel.msgMutex.Unlock()

	if err := channel.transport.TransmitAsync(KeyFin, fin); err != nil {
		return fmt.Errorf("fin transmission: %w", err)
	}

	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	err := channel.awaitLocked(channel.ackFinSig, "fin wait", "", func() bool {
		return channel.receivedFin && channel.receivedCount >= channel.peerSentCount
	})
	if err != nil {
		return err
	}

	return channel.checkOvershootLocked("received", channel.receivedCount, channel.peerSentCount)
}

// flushAsyncSends waits until the transport handed off every asynchronous
// transmission, which includes the fin and all outstanding acknowledgments.
func (channel *ReliableChannel) flushAsyncSends() error {
	timeout := channel.RecvTimeout()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := channel.transport.Flush(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Op: "async send flush", Wait: timeout}
		}
		return fmt.Errorf("async send flush: %w", err)
	}

	return nil
}

// awaitFinalAcks blocks until every sent message was acknowledged.
func (channel *ReliableChannel) awaitFinalAcks() error {
	channel.msgMutex.Lock()
	defer channel.msgMutex.Unlock()

	err := channel.awaitLocked(channel.ackFinSig, "final ack wait", "", func() bool {
		return channel.ackCount >= channel.sentCount
	})
	if err != nil {
		return err
	}

	return channel.checkOvershootLocked("ack", channel.ackCount, channel.sentCount)
}

// awaitLocked blocks until cond holds or the receive timeout expires.
// msgMutex must be held on entry; it is released while sleeping and held
// again when awaitLocked returns. sig must be one of the two signallers
// guarded by msgMutex.
func (channel *ReliableChannel) awaitLocked(sig *signaller, op, key string, cond func() bool) error {
	timeout := channel.recvTimeout
	deadline := time.Now().Add(timeout)

	for !cond() {
		watch := sig.watch()
		channel.msgMutex.Unlock()

		select {
		case <-watch:
			channel.msgMutex.Lock()

		case <-time.After(time.Until(deadline)):
			channel.msgMutex.Lock()
			if cond() {
				return nil
			}
			return &TimeoutError{Op: op, Key: key, Wait: timeout}
		}
	}

	return nil
}

// checkOvershootLocked classifies a counter running past its expected total.
// Redelivery surplus is logged; surplus beyond DuplicateExcessLimit means
// the link miscounted and fails the shutdown.
func (channel *ReliableChannel) checkOvershootLocked(counter string, have, want uint64) error {
	if have <= want {
		return nil
	}

	if excess := have - want; excess > DuplicateExcessLimit {
		return fmt.Errorf("%s count %d overshoots the expected %d by %d, more than the duplicate tolerance %d",
			counter, have, want, excess, DuplicateExcessLimit)
	}

	log.WithFields(log.Fields{
		"channel": channel,
		"counter": counter,
		"have":    have,
		"want":    want,
	}).Warn("ReliableChannel tolerates counter overshoot from redelivery")

	return nil
}
