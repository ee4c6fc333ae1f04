/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package colibri

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastNChangedMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(NewLastNChangedMessage(5))
	require.NoError(t, err)

	assert.Equal(t, `{"colibriClass":"LastNChangedEvent","lastN":5}`, string(data))
}

func TestReceiverVideoConstraintsMessageOmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(NewReceiverVideoConstraintsMessage())
	require.NoError(t, err)
	assert.Equal(t, `{"colibriClass":"ReceiverVideoConstraints"}`, string(data))

	message := NewReceiverVideoConstraintsMessage()
	lastN := 3
	message.LastN = &lastN
	message.DefaultConstraints = &SourceConstraint{MaxHeight: 360}
	message.Constraints = map[string]SourceConstraint{
		"epA-v0": {MaxHeight: 1080},
	}
	data, err = json.Marshal(message)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ClassReceiverVideoConstraints, decoded["colibriClass"])
	assert.Equal(t, float64(3), decoded["lastN"])
	assert.NotContains(t, decoded, "selectedSources")
	assert.NotContains(t, decoded, "onStageSources")
}

func TestEndpointStatsMessageFlattensStats(t *testing.T) {
	data, err := json.Marshal(NewEndpointStatsMessage(map[string]interface{}{
		"bitrate": 1200,
	}))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ClassEndpointStats, decoded["colibriClass"])
	assert.Equal(t, float64(1200), decoded["bitrate"])
}

func TestReceiverAudioSubscriptionMessage(t *testing.T) {
	data, err := json.Marshal(NewReceiverAudioSubscriptionMessage(AudioSubscriptionExclude, []string{"epB-a0"}))
	require.NoError(t, err)

	assert.JSONEq(t, `{"colibriClass":"ReceiverAudioSubscription","mode":"EXCLUDE","list":["epB-a0"]}`, string(data))
}

func TestDecodeDispatchesByClass(t *testing.T) {
	event, err := Decode([]byte(`{"colibriClass":"ServerHello","version":"2.3"}`))
	require.NoError(t, err)
	hello, ok := event.(*ServerHelloEvent)
	require.True(t, ok)
	assert.Equal(t, "2.3", hello.Version)

	event, err = Decode([]byte(`{"colibriClass":"DominantSpeakerEndpointChangeEvent","dominantSpeakerEndpoint":"epB","previousSpeakers":["epA"]}`))
	require.NoError(t, err)
	speaker, ok := event.(*DominantSpeakerEvent)
	require.True(t, ok)
	assert.Equal(t, "epB", speaker.DominantSpeakerEndpoint)
	assert.Equal(t, []string{"epA"}, speaker.PreviousSpeakers)

	event, err = Decode([]byte(`{"colibriClass":"ForwardedSources","forwardedSources":["epA-v0","epB-v0"]}`))
	require.NoError(t, err)
	forwarded, ok := event.(*ForwardedSourcesEvent)
	require.True(t, ok)
	assert.Equal(t, []string{"epA-v0", "epB-v0"}, forwarded.ForwardedSources)

	event, err = Decode([]byte(`{"colibriClass":"ConnectionStats","estimatedDownlinkBandwidth":2500000}`))
	require.NoError(t, err)
	stats, ok := event.(*ConnectionStatsEvent)
	require.True(t, ok)
	assert.Equal(t, float64(2500000), stats.EstimatedDownlinkBandwidth)
}

func TestDecodeVideoSourcesMap(t *testing.T) {
	event, err := Decode([]byte(`{"colibriClass":"VideoSourcesMap","mappedSources":[{"source":"epB-v0","owner":"epB","ssrc":4242,"rtx":4243}]}`))
	require.NoError(t, err)

	mapped, ok := event.(*VideoSourcesMapEvent)
	require.True(t, ok)
	require.Len(t, mapped.MappedSources, 1)
	assert.Equal(t, "epB-v0", mapped.MappedSources[0].Source)
	assert.Equal(t, "epB", mapped.MappedSources[0].Owner)
	assert.Equal(t, uint32(4242), mapped.MappedSources[0].SSRC)
	assert.Equal(t, uint32(4243), mapped.MappedSources[0].RTX)
}

func TestDecodeSenderSourceConstraints(t *testing.T) {
	event, err := Decode([]byte(`{"colibriClass":"SenderSourceConstraints","sourceName":"epA-v0","maxHeight":360}`))
	require.NoError(t, err)
	constraints, ok := event.(*SenderSourceConstraintsEvent)
	require.True(t, ok)
	assert.Equal(t, "epA-v0", constraints.SourceName)
	assert.Equal(t, 360, constraints.MaxHeight)

	_, err = Decode([]byte(`{"colibriClass":"SenderSourceConstraints","sourceName":"epA-v0"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = Decode([]byte(`{"colibriClass":"SenderSourceConstraints","maxHeight":360}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeEndpointConnectivityStatus(t *testing.T) {
	event, err := Decode([]byte(`{"colibriClass":"EndpointConnectivityStatusChangeEvent","endpoint":"epB","active":"false"}`))
	require.NoError(t, err)
	connectivity, ok := event.(*EndpointConnectivityEvent)
	require.True(t, ok)
	assert.False(t, connectivity.IsActive())

	_, err = Decode([]byte(`{"colibriClass":"EndpointConnectivityStatusChangeEvent","endpoint":"epB","active":"maybe"}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeEndpointStatsKeepsRawPayload(t *testing.T) {
	raw := `{"colibriClass":"EndpointStats","from":"epB","bitrate":{"upload":300}}`
	event, err := Decode([]byte(raw))
	require.NoError(t, err)

	stats, ok := event.(*EndpointStatsEvent)
	require.True(t, ok)
	assert.Equal(t, "epB", stats.From)
	assert.JSONEq(t, raw, string(stats.Stats))
}

func TestDecodeUnknownClassYieldsGenericEvent(t *testing.T) {
	raw := `{"colibriClass":"BridgeSelectionChangedEvent","bridge":"b1"}`
	event, err := Decode([]byte(raw))
	require.NoError(t, err)

	generic, ok := event.(*GenericEvent)
	require.True(t, ok)
	assert.Equal(t, "BridgeSelectionChangedEvent", generic.Class())
	assert.JSONEq(t, raw, string(generic.Payload))
}

func TestDecodeRejectsBadEnvelope(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"lastN":5}`))
	assert.ErrorIs(t, err, ErrInvalidMessage)
}
