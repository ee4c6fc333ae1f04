/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package mediaclient

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionMessageWireFormat(t *testing.T) {
	data, err := json.Marshal(&sessionMessage{
		Type:    typeNameHello,
		Version: WebRTCPayloadVersion,
		Source:  "peer1",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello","v":20180703,"source":"peer1"}`, string(data))
}

func TestWebRTCSignalRenegotiateWireFormat(t *testing.T) {
	data, err := json.Marshal(&WebRTCSignal{
		Renegotiate: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"renegotiate":true}`, string(data))
}

func TestWelcomeDataParse(t *testing.T) {
	data := &welcomeData{}
	err := json.Unmarshal([]byte(`{"bridgeUrl":"wss://bridge.kopano.local/colibri-ws/default","participants":3}`), data)
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.kopano.local/colibri-ws/default", data.BridgeURL)
	assert.Empty(t, data.BridgeLabel)
	assert.Equal(t, 3, data.Participants)
}
