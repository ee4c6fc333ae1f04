/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package mediaclient

import (
	"encoding/json"
)

// WebRTCPayloadVersion is the protocol version announced in the hello
// message and carried in every signaling envelope.
const WebRTCPayloadVersion = 20180703

// Message types of the media session protocol.
const (
	typeNameHello        = "hello"
	typeNameWelcome      = "welcome"
	typeNameWebRTC       = "webrtc"
	typeNameParticipants = "participants"
	typeNameBye          = "bye"
	typeNameError        = "error"
)

// sessionMessage is the container for all media session websocket
// messages, in both directions.
type sessionMessage struct {
	Type    string `json:"type"`
	Version int    `json:"v,omitempty"`
	Session string `json:"session,omitempty"`
	Source  string `json:"source,omitempty"`
	Target  string `json:"target,omitempty"`
	Pcid    string `json:"pcid,omitempty"`

	Data json.RawMessage `json:"data,omitempty"`
}

// welcomeData is the payload of the welcome message which assigns the
// session and advertises where the bridge channel lives. An empty URL
// means the channel is negotiated as data channel with the given label.
type welcomeData struct {
	BridgeURL   string `json:"bridgeUrl,omitempty"`
	BridgeLabel string `json:"bridgeLabel,omitempty"`

	Participants int `json:"participants"`
}

// participantsData is the payload of participant count updates.
type participantsData struct {
	Count int `json:"count"`
}

// errorData is the payload of error messages received from the server.
type errorData struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"msg,omitempty"`
}

// WebRTCSignal is the payload of webrtc envelopes. Either a flag, a
// candidate or a description is set.
type WebRTCSignal struct {
	Renegotiate bool `json:"renegotiate,omitempty"`
	Noop        bool `json:"noop,omitempty"`

	Type      json.RawMessage `json:"type,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
