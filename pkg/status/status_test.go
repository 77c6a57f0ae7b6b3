// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package status

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/mpclink/mpclink-go/pkg/session"
)

func randomPort(t *testing.T) int {
	addr, err := net.ResolveTCPAddr("tcp", "localhost:0")
	if err != nil {
		t.Error(err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

func getJSON(t *testing.T, url string, into interface{}) {
	var resp *http.Response
	var err error

	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatal(err)
	}
}

func TestStatusAPI(t *testing.T) {
	sessions, err := session.NewLocal(2, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, ses := range sessions {
		ses.SetRecvTimeout(10 * time.Second)
	}

	if err := sessions[0].Send(1, "probe", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := sessions[1].Recv(0, "probe"); err != nil {
		t.Fatal(err)
	}

	addr := fmt.Sprintf("localhost:%d", randomPort(t))

	r := mux.NewRouter()
	statusRouter := r.PathPrefix("/status").Subrouter()
	NewAPI(statusRouter, sessions[1])

	httpServer := &http.Server{
		Addr:    addr,
		Handler: r,
	}
	go func() { _ = httpServer.ListenAndServe() }()
	defer func() { _ = httpServer.Close() }()

	var sessionResponse SessionResponse
	getJSON(t, fmt.Sprintf("http://%s/status/v1/session", addr), &sessionResponse)

	if sessionResponse.ID != sessions[1].ID() {
		t.Fatalf("session id is %q", sessionResponse.ID)
	}
	if sessionResponse.Rank != 1 || sessionResponse.World != 2 {
		t.Fatalf("session is %+v", sessionResponse)
	}

	var channelsResponse ChannelsResponse
	getJSON(t, fmt.Sprintf("http://%s/status/v1/channels", addr), &channelsResponse)

	if len(channelsResponse.Channels) != 1 {
		t.Fatalf("expected one channel, got %d", len(channelsResponse.Channels))
	}
	stats := channelsResponse.Channels[0]
	if stats.Peer != 0 || stats.Received != 1 || stats.Acked != 0 {
		t.Fatalf("channel snapshot is %+v", stats)
	}
}
