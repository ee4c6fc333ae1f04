/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package colibri defines the typed JSON messages spoken on the bridge
// channel. Every message carries a colibriClass discriminator, outbound
// messages are plain structs with the class preset by their constructors,
// inbound data is decoded into a closed set of event types with a generic
// fallback for classes this implementation does not know.
package colibri

import (
	"encoding/json"
)

// Known colibriClass values.
const (
	ClassAudioSourcesMap               = "AudioSourcesMap"
	ClassConnectionStats               = "ConnectionStats"
	ClassDominantSpeakerEndpointChange = "DominantSpeakerEndpointChangeEvent"
	ClassEndpointConnectivityStatus    = "EndpointConnectivityStatusChangeEvent"
	ClassEndpointMessage               = "EndpointMessage"
	ClassEndpointStats                 = "EndpointStats"
	ClassForwardedSources              = "ForwardedSources"
	ClassLastNChanged                  = "LastNChangedEvent"
	ClassReceiverAudioSubscription     = "ReceiverAudioSubscription"
	ClassReceiverVideoConstraints      = "ReceiverVideoConstraints"
	ClassSenderSourceConstraints       = "SenderSourceConstraints"
	ClassServerHello                   = "ServerHello"
	ClassSourceVideoType               = "SourceVideoTypeMessage"
	ClassVideoSourcesMap               = "VideoSourcesMap"
)

// Audio subscription modes for ReceiverAudioSubscriptionMessage.
const (
	AudioSubscriptionAll     = "ALL"
	AudioSubscriptionNone    = "NONE"
	AudioSubscriptionInclude = "INCLUDE"
	AudioSubscriptionExclude = "EXCLUDE"
)

// LastNChangedMessage announces how many video streams the receiver wants
// forwarded at most.
type LastNChangedMessage struct {
	ColibriClass string `json:"colibriClass"`
	LastN        int    `json:"lastN"`
}

func NewLastNChangedMessage(lastN int) *LastNChangedMessage {
	return &LastNChangedMessage{
		ColibriClass: ClassLastNChanged,
		LastN:        lastN,
	}
}

// EndpointMessage transports an application payload to one other endpoint,
// or to all of them when To is empty.
type EndpointMessage struct {
	ColibriClass string          `json:"colibriClass"`
	To           string          `json:"to"`
	MsgPayload   json.RawMessage `json:"msgPayload"`
}

func NewEndpointMessage(to string, payload json.RawMessage) *EndpointMessage {
	return &EndpointMessage{
		ColibriClass: ClassEndpointMessage,
		To:           to,
		MsgPayload:   payload,
	}
}

// EndpointStatsMessage transports endpoint statistics. The stats fields are
// flattened into the message next to the class discriminator.
type EndpointStatsMessage struct {
	Stats map[string]interface{}
}

func NewEndpointStatsMessage(stats map[string]interface{}) *EndpointStatsMessage {
	return &EndpointStatsMessage{
		Stats: stats,
	}
}

func (message *EndpointStatsMessage) MarshalJSON() ([]byte, error) {
	payload := make(map[string]interface{}, len(message.Stats)+1)
	for name, value := range message.Stats {
		payload[name] = value
	}
	payload["colibriClass"] = ClassEndpointStats
	return json.Marshal(payload)
}

// SourceConstraint is a per source receive constraint.
type SourceConstraint struct {
	MaxHeight int `json:"maxHeight"`
}

// ReceiverVideoConstraintsMessage announces the full set of video receive
// constraints of this endpoint.
type ReceiverVideoConstraintsMessage struct {
	ColibriClass       string                      `json:"colibriClass"`
	LastN              *int                        `json:"lastN,omitempty"`
	SelectedSources    []string                    `json:"selectedSources,omitempty"`
	OnStageSources     []string                    `json:"onStageSources,omitempty"`
	DefaultConstraints *SourceConstraint           `json:"defaultConstraints,omitempty"`
	Constraints        map[string]SourceConstraint `json:"constraints,omitempty"`
}

func NewReceiverVideoConstraintsMessage() *ReceiverVideoConstraintsMessage {
	return &ReceiverVideoConstraintsMessage{
		ColibriClass: ClassReceiverVideoConstraints,
	}
}

// ReceiverAudioSubscriptionMessage announces which audio sources the
// receiver wants to get.
type ReceiverAudioSubscriptionMessage struct {
	ColibriClass string   `json:"colibriClass"`
	Mode         string   `json:"mode"`
	List         []string `json:"list,omitempty"`
}

func NewReceiverAudioSubscriptionMessage(mode string, list []string) *ReceiverAudioSubscriptionMessage {
	return &ReceiverAudioSubscriptionMessage{
		ColibriClass: ClassReceiverAudioSubscription,
		Mode:         mode,
		List:         list,
	}
}

// SourceVideoTypeMessage announces a video type change of a local source.
type SourceVideoTypeMessage struct {
	ColibriClass string `json:"colibriClass"`
	SourceName   string `json:"sourceName"`
	VideoType    string `json:"videoType"`
}

func NewSourceVideoTypeMessage(sourceName, videoType string) *SourceVideoTypeMessage {
	return &SourceVideoTypeMessage{
		ColibriClass: ClassSourceVideoType,
		SourceName:   sourceName,
		VideoType:    videoType,
	}
}
