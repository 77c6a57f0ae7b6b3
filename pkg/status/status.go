// SPDX-FileCopyrightText: 2023 The mpclink-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package status exposes a read-only HTTP introspection API over a party's
// session: which link task it serves and where every channel's counters
// stand. It snapshots, it never intervenes.
package status

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/mpclink/mpclink-go/pkg/channel"
	"github.com/mpclink/mpclink-go/pkg/session"
)

// SessionResponse describes the party's place in its link task.
type SessionResponse struct {
	ID    string `json:"id"`
	Rank  int    `json:"rank"`
	World int    `json:"world"`
}

// ChannelsResponse wraps the per-rank channel snapshots.
type ChannelsResponse struct {
	Channels []channel.Stats `json:"channels"`
}

// API is the read-only introspection handler of one Session.
type API struct {
	router  *mux.Router
	session *session.Session
}

// NewAPI creates an API for the given session on the given router.
func NewAPI(router *mux.Router, ses *session.Session) (api *API) {
	api = &API{
		router:  router,
		session: ses,
	}

	api.router.HandleFunc("/v1/session", api.handleSession).Methods(http.MethodGet)
	api.router.HandleFunc("/v1/channels", api.handleChannels).Methods(http.MethodGet)

	return api
}

// ServeHTTP is a http.Handler to be bound to a HTTP endpoint, e.g., /status.
func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

// handleSession processes /v1/session GET requests.
func (api *API) handleSession(w http.ResponseWriter, _ *http.Request) {
	response := SessionResponse{
		ID:    api.session.ID(),
		Rank:  api.session.Rank(),
		World: api.session.World(),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Warn("Failed to write session response")
	}
}

// handleChannels processes /v1/channels GET requests.
func (api *API) handleChannels(w http.ResponseWriter, _ *http.Request) {
	response := ChannelsResponse{Channels: api.session.Stats()}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.WithError(err).Warn("Failed to write channels response")
	}
}
