/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package service

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/justinas/alice"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmmedia/service"
	"stash.kopano.io/kwm/kwmmedia/service/odata"
	"stash.kopano.io/kwm/kwmmedia/service/sessions"
)

const (
	URIPrefix = "/api/kwm/v0"
)

// HTTPService binds the HTTP router with handlers for kwm API v0.
type HTTPService struct {
	logger   logrus.FieldLogger
	services *service.Services
}

// NewHTTPService creates a new HTTPService with the provided options.
func NewHTTPService(ctx context.Context, logger logrus.FieldLogger, services *service.Services) *HTTPService {
	return &HTTPService{
		logger:   logger,
		services: services,
	}
}

// AddRoutes configures the services HTTP end point routing on the provided
// context and router.
func (h *HTTPService) AddRoutes(ctx context.Context, router *mux.Router, chain alice.Chain) http.Handler {
	v0 := router.PathPrefix(URIPrefix).Subrouter()
	chain = chain.Append(odata.WithOData)

	if sm, ok := h.services.SessionsManager.(*sessions.Manager); ok {
		r := v0.PathPrefix("/media").Subrouter()

		// /api/kwm/v0/media/clients
		// /api/kwm/v0/media/clients/:client
		// /api/kwm/v0/media/clients/:client/session
		// /api/kwm/v0/media/clients/:client/session/bridgechannel
		// /api/kwm/v0/media/clients/:client/session/connections
		// /api/kwm/v0/media/clients/:client/session/connections/:connection
		// /api/kwm/v0/media/clients/:client/session/connections/:connection/tracks
		r.Handle("/clients", chain.ThenFunc(sm.HTTPClientsHandler))
		r.Handle("/clients/{clientID}", chain.ThenFunc(sm.HTTPClientsHandler))
		r.Handle("/clients/{clientID}/session", chain.ThenFunc(sm.HTTPClientSessionHandler))
		r.Handle("/clients/{clientID}/session/bridgechannel", chain.ThenFunc(sm.HTTPClientBridgeChannelHandler))
		r.Handle("/clients/{clientID}/session/connections", chain.ThenFunc(sm.HTTPClientConnectionsHandler))
		r.Handle("/clients/{clientID}/session/connections/{connectionID}", chain.ThenFunc(sm.HTTPClientConnectionsHandler))
		r.Handle("/clients/{clientID}/session/connections/{connectionID}/tracks", chain.ThenFunc(sm.HTTPClientConnectionTracksHandler))
	}

	return router
}

// NumActive returns the number of the currently active connections at the
// accociated HTTPService.
func (h *HTTPService) NumActive() (active uint64) {
	for _, service := range h.services.Services() {
		active += service.NumActive()
	}

	return active
}
