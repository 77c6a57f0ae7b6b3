// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package session

import (
	"bytes"
	"testing"
	"time"
)

func TestSessionNew(t *testing.T) {
	if _, err := New("", 0, 0, 0); err == nil {
		t.Fatal("a world of zero parties should be rejected")
	}
	if _, err := New("", 3, 3, 0); err == nil {
		t.Fatal("a rank outside the world should be rejected")
	}

	ses, err := New("", 0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ses.ID() == "" {
		t.Fatal("an empty id should have been generated")
	}

	other, err := New("", 0, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ses.ID() == other.ID() {
		t.Fatal("generated ids should differ")
	}
}

func TestSessionAddPeer(t *testing.T) {
	sessions, err := NewLocal(2, 0)
	if err != nil {
		t.Fatal(err)
	}

	ses := sessions[0]
	if err := ses.AddPeer(0, nil); err == nil {
		t.Fatal("peering with itself should be rejected")
	}
	if err := ses.AddPeer(2, nil); err == nil {
		t.Fatal("peering outside the world should be rejected")
	}
	if err := ses.AddPeer(1, nil); err == nil {
		t.Fatal("peering with rank 1 twice should be rejected")
	}

	if _, err := ses.Channel(1); err != nil {
		t.Fatal(err)
	}
	if _, err := ses.Channel(7); err == nil {
		t.Fatal("there should be no channel towards rank 7")
	}
}

func TestSessionLocalRoundTrip(t *testing.T) {
	const parties = 3

	sessions, err := NewLocal(parties, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, ses := range sessions {
		ses.SetRecvTimeout(10 * time.Second)
	}

	for src, ses := range sessions {
		for dst := 0; dst < parties; dst++ {
			if dst == src {
				continue
			}

			key := P2PKey("round", src, dst)
			if err := ses.Send(dst, key, []byte(key)); err != nil {
				t.Fatal(err)
			}
		}
	}

	for dst, ses := range sessions {
		for src := 0; src < parties; src++ {
			if src == dst {
				continue
			}

			key := P2PKey("round", src, dst)
			if value, err := ses.Recv(src, key); err != nil {
				t.Fatal(err)
			} else if !bytes.Equal(value, []byte(key)) {
				t.Fatalf("%s carried %q", key, value)
			}
		}
	}

	finish := make(chan error, parties)
	for _, ses := range sessions {
		go func(ses *Session) { finish <- ses.WaitLinkTaskFinish() }(ses)
	}
	for i := 0; i < parties; i++ {
		if err := <-finish; err != nil {
			t.Fatal(err)
		}
	}

	for _, ses := range sessions {
		stats := ses.Stats()
		if len(stats) != parties-1 {
			t.Fatalf("rank %d reports %d channels", ses.Rank(), len(stats))
		}
		for _, s := range stats {
			if s.Sent != 1 || s.Received != 1 {
				t.Fatalf("rank %d towards %d: %+v", ses.Rank(), s.Peer, s)
			}
		}
	}
}

func TestSessionP2PKey(t *testing.T) {
	if key := P2PKey("mul", 2, 0); key != "mul:2->0" {
		t.Fatalf("derived %q", key)
	}
}

func TestSessionUnknownRank(t *testing.T) {
	sessions, err := NewLocal(2, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := sessions[0].Send(5, "x", nil); err == nil {
		t.Fatal("sending to an unwired rank should fail")
	}
	if _, err := sessions[0].Recv(5, "x"); err == nil {
		t.Fatal("receiving from an unwired rank should fail")
	}

	var found bool
	for _, s := range sessions[1].Stats() {
		if s.Peer == 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("rank 1 should report its channel towards rank 0")
	}
}
