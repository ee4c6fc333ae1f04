/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sessions

import (
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	api "stash.kopano.io/kwm/kwmmedia/service/api-v0"

	"stash.kopano.io/kwm/kwmmedia/internal/jitterbuffer"
	"stash.kopano.io/kwm/kwmmedia/internal/mediaclient"
	"stash.kopano.io/kwm/kwmmedia/internal/rtc"
)

func (m *Manager) HTTPClientsHandler(rw http.ResponseWriter, req *http.Request) {
	clientID, _ := api.GetRequestVar(req, "clientID")

	var resource interface{}
	if clientID == "" {
		clients := make([]interface{}, 0)

		for _, client := range m.clients {
			clients = append(clients, NewClientResource(client))
		}

		resource = api.NewCollectionResource(clients, req, nil)
	} else {
		client := m.getClientOrWriteError(clientID, rw)
		if client == nil {
			return
		}
		resource = api.NewItemResource(NewClientResource(client), req)
	}

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) getClientOrWriteError(clientID string, rw http.ResponseWriter) *mediaclient.Client {
	client := func() *mediaclient.Client {
		for _, c := range m.clients {
			if c.ID() == clientID {
				return c
			}
		}
		return nil
	}()
	if client == nil {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageClientNotfound",
			"The specified client was not found",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return nil
	}
	return client
}

func (m *Manager) HTTPClientSessionHandler(rw http.ResponseWriter, req *http.Request) {
	clientID, _ := api.GetRequestVar(req, "clientID")

	client := m.getClientOrWriteError(clientID, rw)
	if client == nil {
		return
	}
	r := client.RTC()

	resource := &SessionResource{
		Session:      client.Session(),
		Endpoint:     r.EndpointID(),
		Connected:    client.Connected(),
		When:         client.When(),
		Participants: r.ParticipantCount(),

		ConnectionsCount: uint64(len(r.Connections())),
		LocalTracksCount: uint64(len(r.LocalTracks())),

		BridgeChannel: NewBridgeChannelResource(r.BridgeChannel()),
	}

	if writeErr := api.WriteResourceAsItemResourceResponseJSON(rw, req, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) HTTPClientBridgeChannelHandler(rw http.ResponseWriter, req *http.Request) {
	clientID, _ := api.GetRequestVar(req, "clientID")

	client := m.getClientOrWriteError(clientID, rw)
	if client == nil {
		return
	}

	channel := client.RTC().BridgeChannel()
	if channel == nil {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageNoBridgeChannel",
			"The specified client has no bridge channel",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return
	}

	if writeErr := api.WriteResourceAsItemResourceResponseJSON(rw, req, NewBridgeChannelResource(channel)); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) HTTPClientConnectionsHandler(rw http.ResponseWriter, req *http.Request) {
	clientID, _ := api.GetRequestVar(req, "clientID")

	client := m.getClientOrWriteError(clientID, rw)
	if client == nil {
		return
	}
	r := client.RTC()

	var resource interface{}

	connectionID, _ := api.GetRequestVar(req, "connectionID")
	if connectionID == "" {
		connections := make([]*ConnectionResource, 0)
		for _, pc := range r.Connections() {
			connections = append(connections, NewConnectionResource(pc))
		}
		resource = api.NewCollectionResource(connections, req, nil)
	} else {
		pc := m.getConnectionOrWriteError(r, connectionID, rw)
		if pc == nil {
			return
		}
		resource = api.NewItemResource(NewConnectionResource(pc), req)
	}

	if writeErr := api.WriteResourceAsJSON(rw, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

func (m *Manager) getConnectionOrWriteError(r *rtc.RTC, connectionID string, rw http.ResponseWriter) *rtc.PeerConnection {
	pc, found := r.Connection(connectionID)
	if !found {
		if writeErr := api.WriteErrorAsJSON(rw, api.NewErrorWithCodeAndMessage(
			"ErrorMessageConnectionNotfound",
			"The specified connection was not found",
			api.ErrNotFound,
		)); writeErr != nil {
			m.logger.WithError(writeErr).Errorln("failed to write json error")
		}
		return nil
	}
	return pc
}

func (m *Manager) HTTPClientConnectionTracksHandler(rw http.ResponseWriter, req *http.Request) {
	clientID, _ := api.GetRequestVar(req, "clientID")

	client := m.getClientOrWriteError(clientID, rw)
	if client == nil {
		return
	}

	connectionID, _ := api.GetRequestVar(req, "connectionID")
	pc := m.getConnectionOrWriteError(client.RTC(), connectionID, rw)
	if pc == nil {
		return
	}

	resource := &ConnectionTracksResource{
		Local:  make([]*LocalTrackResource, 0),
		Remote: make([]*RemoteTrackResource, 0),
	}
	for _, track := range pc.LocalTracks() {
		resource.Local = append(resource.Local, NewLocalTrackResource(track))
	}
	for _, remote := range pc.RemoteTracks() {
		resource.Remote = append(resource.Remote, NewRemoteTrackResource(remote))
	}

	if writeErr := api.WriteResourceAsItemResourceResponseJSON(rw, req, resource); writeErr != nil {
		m.logger.WithError(writeErr).Errorln("failed to write json response")
	}
}

type ClientResource struct {
	client *mediaclient.Client

	ID        string    `json:"id"`
	URI       string    `json:"uri"`
	Endpoint  string    `json:"endpoint"`
	Connected bool      `json:"connected"`
	Session   string    `json:"session,omitempty"`
	When      time.Time `json:"when"`
}

func NewClientResource(client *mediaclient.Client) *ClientResource {
	if client == nil {
		return nil
	}

	return &ClientResource{
		client: client,

		ID:        client.ID(),
		URI:       client.URI(),
		Endpoint:  client.RTC().EndpointID(),
		Connected: client.Connected(),
		Session:   client.Session(),
		When:      client.When(),
	}
}

type SessionResource struct {
	Session      string    `json:"session,omitempty"`
	Endpoint     string    `json:"endpoint"`
	Connected    bool      `json:"connected"`
	When         time.Time `json:"when"`
	Participants int       `json:"participants"`

	ConnectionsCount uint64 `json:"connectionsCount"`
	LocalTracksCount uint64 `json:"localTracksCount"`

	BridgeChannel *BridgeChannelResource `json:"bridgeChannel"`
}

type BridgeChannelResource struct {
	State     string `json:"state"`
	Transport string `json:"transport"`
	URL       string `json:"url,omitempty"`
	IsOpen    bool   `json:"isOpen"`
}

func NewBridgeChannelResource(channel *rtc.BridgeChannel) *BridgeChannelResource {
	if channel == nil {
		return nil
	}

	return &BridgeChannelResource{
		State:     channel.State(),
		Transport: channel.Transport(),
		URL:       channel.URL(),
		IsOpen:    channel.IsOpen(),
	}
}

type ConnectionResource struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Direct bool   `json:"direct"`

	LocalDescription  *webrtc.SessionDescription `json:"localDescription"`
	RemoteDescription *webrtc.SessionDescription `json:"remoteDescription"`

	LocalTracksCount  uint64 `json:"localTracksCount"`
	RemoteTracksCount uint64 `json:"remoteTracksCount"`

	JitterBuffer *JitterBufferResource `json:"jitterBuffer"`
}

func NewConnectionResource(pc *rtc.PeerConnection) *ConnectionResource {
	if pc == nil {
		return nil
	}

	return &ConnectionResource{
		ID:     pc.ID(),
		State:  pc.State(),
		Direct: pc.Direct(),

		LocalDescription:  pc.LocalDescription(),
		RemoteDescription: pc.RemoteDescription(),

		LocalTracksCount:  uint64(len(pc.LocalTracks())),
		RemoteTracksCount: uint64(len(pc.RemoteTracks())),

		JitterBuffer: NewJitterBufferResource(pc.JitterBuffer()),
	}
}

type ConnectionTracksResource struct {
	Local  []*LocalTrackResource  `json:"local"`
	Remote []*RemoteTrackResource `json:"remote"`
}

type LocalTrackResource struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	SourceName string `json:"sourceName"`
	VideoType  string `json:"videoType,omitempty"`
	Mid        string `json:"mid,omitempty"`
	SSRC       uint32 `json:"ssrc"`
	Muted      bool   `json:"muted"`
}

func NewLocalTrackResource(track *rtc.LocalTrack) *LocalTrackResource {
	if track == nil {
		return nil
	}

	return &LocalTrackResource{
		ID:         track.ID(),
		Kind:       track.Kind(),
		SourceName: track.SourceName(),
		VideoType:  track.VideoType(),
		Mid:        track.Mid(),
		SSRC:       track.SSRC(),
		Muted:      track.Muted(),
	}
}

type RemoteTrackResource struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Owner      string `json:"owner"`
	SourceName string `json:"sourceName"`
	VideoType  string `json:"videoType,omitempty"`
	Mid        string `json:"mid,omitempty"`
	SSRC       uint32 `json:"ssrc"`
	RTX        uint32 `json:"rtx,omitempty"`
	Muted      bool   `json:"muted"`
	Packets    uint64 `json:"packets"`
	Bytes      uint64 `json:"bytes"`
}

func NewRemoteTrackResource(remote *rtc.RemoteTrack) *RemoteTrackResource {
	if remote == nil {
		return nil
	}

	packets, bytes := remote.Stats()

	return &RemoteTrackResource{
		ID:         remote.ID(),
		Kind:       remote.Kind(),
		Owner:      remote.Owner(),
		SourceName: remote.SourceName(),
		VideoType:  remote.VideoType(),
		Mid:        remote.Mid(),
		SSRC:       remote.SSRC(),
		RTX:        remote.RTX(),
		Muted:      remote.Muted(),
		Packets:    packets,
		Bytes:      bytes,
	}
}

type JitterBufferResource struct {
	ID      string                                 `json:"id"`
	Buffers map[uint32]*JitterBufferBufferResource `json:"buffers"`
}

func NewJitterBufferResource(jitterBuffer *jitterbuffer.JitterBuffer) *JitterBufferResource {
	if jitterBuffer == nil {
		return nil
	}

	buffers := make(map[uint32]*JitterBufferBufferResource)
	for ssrc, b := range jitterBuffer.GetBuffers() {
		lostRate, byteRate := b.GetCurrentRates()
		buffers[ssrc] = &JitterBufferBufferResource{
			IsVideo:     b.IsVideo(),
			PayloadType: b.GetPayloadType(),

			LostRate:  float64(lostRate) / 100,
			Bandwidth: byteRate * 8 / 1000, // Kbps
		}
	}

	return &JitterBufferResource{
		ID:      jitterBuffer.ID(),
		Buffers: buffers,
	}
}

type JitterBufferBufferResource struct {
	IsVideo     bool  `json:"isVideo"`
	PayloadType uint8 `json:"payloadType"`

	LostRate  float64 `json:"lostRate"`
	Bandwidth uint64  `json:"bandwidth"`
}
