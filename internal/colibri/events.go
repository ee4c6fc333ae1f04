/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package colibri

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidMessage is returned by Decode for messages which carry a known
// class but fail its validation. Such messages are to be dropped.
var ErrInvalidMessage = errors.New("invalid colibri message")

// Event is a decoded inbound bridge channel message.
type Event interface {
	Class() string
}

// ConnectionStatsEvent carries bandwidth estimations from the bridge.
type ConnectionStatsEvent struct {
	EstimatedDownlinkBandwidth float64 `json:"estimatedDownlinkBandwidth"`
}

func (*ConnectionStatsEvent) Class() string { return ClassConnectionStats }

// DominantSpeakerEvent announces the current dominant speaker.
type DominantSpeakerEvent struct {
	DominantSpeakerEndpoint string   `json:"dominantSpeakerEndpoint"`
	PreviousSpeakers        []string `json:"previousSpeakers,omitempty"`
}

func (*DominantSpeakerEvent) Class() string { return ClassDominantSpeakerEndpointChange }

// EndpointConnectivityEvent announces a connectivity change of another
// endpoint. Active is a string on the wire.
type EndpointConnectivityEvent struct {
	Endpoint string `json:"endpoint"`
	Active   string `json:"active"`
}

func (*EndpointConnectivityEvent) Class() string { return ClassEndpointConnectivityStatus }

// IsActive reports whether the endpoint became active.
func (event *EndpointConnectivityEvent) IsActive() bool {
	return event.Active == "true"
}

// EndpointMessageEvent carries an application payload from another endpoint.
type EndpointMessageEvent struct {
	From       string          `json:"from"`
	MsgPayload json.RawMessage `json:"msgPayload"`
}

func (*EndpointMessageEvent) Class() string { return ClassEndpointMessage }

// EndpointStatsEvent carries statistics of another endpoint. The raw message
// is kept since the stats fields are flattened into the envelope.
type EndpointStatsEvent struct {
	From  string
	Stats json.RawMessage
}

func (*EndpointStatsEvent) Class() string { return ClassEndpointStats }

// ForwardedSourcesEvent announces the set of video sources currently
// forwarded by the bridge.
type ForwardedSourcesEvent struct {
	ForwardedSources []string `json:"forwardedSources"`
}

func (*ForwardedSourcesEvent) Class() string { return ClassForwardedSources }

// SenderSourceConstraintsEvent asks the sender to cap a video source.
type SenderSourceConstraintsEvent struct {
	SourceName string `json:"sourceName"`
	MaxHeight  int    `json:"maxHeight"`
}

func (*SenderSourceConstraintsEvent) Class() string { return ClassSenderSourceConstraints }

// ServerHelloEvent is the first message of the bridge after connect.
type ServerHelloEvent struct {
	Version string `json:"version,omitempty"`
}

func (*ServerHelloEvent) Class() string { return ClassServerHello }

// MappedSource maps a signaled source name onto the synchronization sources
// it is currently sent with.
type MappedSource struct {
	Source string `json:"source"`
	Owner  string `json:"owner"`
	SSRC   uint32 `json:"ssrc"`
	RTX    uint32 `json:"rtx,omitempty"`
}

// VideoSourcesMapEvent announces the current video source mappings.
type VideoSourcesMapEvent struct {
	MappedSources []MappedSource `json:"mappedSources"`
}

func (*VideoSourcesMapEvent) Class() string { return ClassVideoSourcesMap }

// AudioSourcesMapEvent announces the current audio source mappings.
type AudioSourcesMapEvent struct {
	MappedSources []MappedSource `json:"mappedSources"`
}

func (*AudioSourcesMapEvent) Class() string { return ClassAudioSourcesMap }

// GenericEvent carries a message of a class this implementation does not
// handle specifically.
type GenericEvent struct {
	ColibriClass string
	Payload      json.RawMessage
}

func (event *GenericEvent) Class() string { return event.ColibriClass }

// Decode parses an inbound bridge channel message into its event type.
// Unknown classes decode into GenericEvent, known classes which fail
// validation return an error wrapping ErrInvalidMessage.
func Decode(data []byte) (Event, error) {
	var envelope struct {
		ColibriClass string `json:"colibriClass"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse colibri message: %w", err)
	}
	if envelope.ColibriClass == "" {
		return nil, fmt.Errorf("%w: missing colibriClass", ErrInvalidMessage)
	}

	switch envelope.ColibriClass {
	case ClassConnectionStats:
		return decodeInto(data, &ConnectionStatsEvent{})

	case ClassDominantSpeakerEndpointChange:
		return decodeInto(data, &DominantSpeakerEvent{})

	case ClassEndpointConnectivityStatus:
		event := &EndpointConnectivityEvent{}
		if err := json.Unmarshal(data, event); err != nil {
			return nil, fmt.Errorf("failed to parse colibri message: %w", err)
		}
		if event.Endpoint == "" || (event.Active != "true" && event.Active != "false") {
			return nil, fmt.Errorf("%w: bad connectivity status", ErrInvalidMessage)
		}
		return event, nil

	case ClassEndpointMessage:
		return decodeInto(data, &EndpointMessageEvent{})

	case ClassEndpointStats:
		var aux struct {
			From string `json:"from"`
		}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, fmt.Errorf("failed to parse colibri message: %w", err)
		}
		return &EndpointStatsEvent{
			From:  aux.From,
			Stats: copyRaw(data),
		}, nil

	case ClassForwardedSources:
		return decodeInto(data, &ForwardedSourcesEvent{})

	case ClassSenderSourceConstraints:
		var aux struct {
			SourceName *string `json:"sourceName"`
			MaxHeight  *int    `json:"maxHeight"`
		}
		if err := json.Unmarshal(data, &aux); err != nil {
			return nil, fmt.Errorf("failed to parse colibri message: %w", err)
		}
		if aux.SourceName == nil || *aux.SourceName == "" || aux.MaxHeight == nil {
			return nil, fmt.Errorf("%w: sender source constraints need sourceName and maxHeight", ErrInvalidMessage)
		}
		return &SenderSourceConstraintsEvent{
			SourceName: *aux.SourceName,
			MaxHeight:  *aux.MaxHeight,
		}, nil

	case ClassServerHello:
		return decodeInto(data, &ServerHelloEvent{})

	case ClassVideoSourcesMap:
		return decodeInto(data, &VideoSourcesMapEvent{})

	case ClassAudioSourcesMap:
		return decodeInto(data, &AudioSourcesMapEvent{})

	default:
		return &GenericEvent{
			ColibriClass: envelope.ColibriClass,
			Payload:      copyRaw(data),
		}, nil
	}
}

func decodeInto(data []byte, event Event) (Event, error) {
	if err := json.Unmarshal(data, event); err != nil {
		return nil, fmt.Errorf("failed to parse colibri message: %w", err)
	}
	return event, nil
}

// copyRaw detaches a raw payload from the read buffer it arrived in, the
// buffers are pooled and recycled once the handler returns.
func copyRaw(data []byte) json.RawMessage {
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return raw
}
