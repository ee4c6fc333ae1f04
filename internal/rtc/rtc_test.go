/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmmedia/internal/colibri"
)

func newTestRTC(t *testing.T) *RTC {
	t.Helper()
	return newRTC(&Options{EndpointID: "peer1"}, testLogger())
}

func openTestBridgeChannel(t *testing.T, rtc *RTC, pc *PeerConnection, conn *fakeConnection) *fakeDataChannel {
	t.Helper()
	require.NoError(t, rtc.OpenBridgeChannel(pc, "bridge"))
	dc := conn.lastDataChannel()
	require.NotNil(t, dc)
	dc.open()
	return dc
}

func decodeSent(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	decoded := make(map[string]interface{})
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func TestRTCCreateLocalTrackIndexesPerKind(t *testing.T) {
	rtc := newTestRTC(t)

	video0, err := rtc.CreateLocalTrack(VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	video1, err := rtc.CreateLocalTrack(VideoTypeDesktop, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	audio0, err := rtc.CreateLocalTrack("", webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	})
	require.NoError(t, err)

	assert.Equal(t, "peer1-v0", video0.SourceName())
	assert.Equal(t, "peer1-v1", video1.SourceName())
	assert.Equal(t, "peer1-a0", audio0.SourceName())
	assert.Len(t, rtc.LocalTracks(), 3)
}

func TestRTCConnectionRegistry(t *testing.T) {
	rtc := newTestRTC(t)
	first := &fakeConnection{}
	second := &fakeConnection{}

	pc1 := rtc.createConnection(first, false)
	pc2 := rtc.createConnection(second, true)
	assert.Equal(t, "1", pc1.ID())
	assert.Equal(t, "2", pc2.ID())
	assert.True(t, pc2.Direct())

	found, ok := rtc.Connection("1")
	require.True(t, ok)
	assert.Same(t, pc1, found)
	assert.Len(t, rtc.Connections(), 2)

	require.NoError(t, rtc.CloseConnection(pc1))
	assert.Equal(t, 1, first.closeCalls)
	_, ok = rtc.Connection("1")
	assert.False(t, ok)
}

func TestRTCSetLastNWireFormat(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	require.NoError(t, rtc.SetLastN(5))
	require.Len(t, dc.sent, 1)
	assert.Equal(t, `{"colibriClass":"LastNChangedEvent","lastN":5}`, string(dc.sent[0]))
}

func TestRTCCachesReceiverStateAndReplaysLatest(t *testing.T) {
	rtc := newTestRTC(t)

	// Without a bound channel everything is cached, only the latest value
	// per concern survives until the channel opens.
	require.NoError(t, rtc.SetLastN(3))
	require.NoError(t, rtc.SetLastN(5))
	require.NoError(t, rtc.SetReceiverMaxHeight(360))
	require.NoError(t, rtc.SetSelectedSources([]string{"peer2-v0"}))
	require.NoError(t, rtc.SetReceiverAudioSubscription(colibri.AudioSubscriptionExclude, []string{"peer3-a0"}))

	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	require.Len(t, dc.sent, 3)

	lastN := decodeSent(t, dc.sent[0])
	assert.Equal(t, colibri.ClassLastNChanged, lastN["colibriClass"])
	assert.Equal(t, float64(5), lastN["lastN"])

	constraints := decodeSent(t, dc.sent[1])
	assert.Equal(t, colibri.ClassReceiverVideoConstraints, constraints["colibriClass"])
	assert.Equal(t, float64(5), constraints["lastN"])
	assert.Equal(t, []interface{}{"peer2-v0"}, constraints["selectedSources"])
	assert.Equal(t, map[string]interface{}{"maxHeight": float64(360)}, constraints["defaultConstraints"])

	audio := decodeSent(t, dc.sent[2])
	assert.Equal(t, colibri.ClassReceiverAudioSubscription, audio["colibriClass"])
	assert.Equal(t, colibri.AudioSubscriptionExclude, audio["mode"])
	assert.Equal(t, []interface{}{"peer3-a0"}, audio["list"])
}

func TestRTCReplaySkipsUnsetConcerns(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	// Nothing was ever set, the open replays nothing.
	assert.Empty(t, dc.sent)
}

func TestRTCSetterValidation(t *testing.T) {
	rtc := newTestRTC(t)

	assert.Error(t, rtc.SetLastN(-2))
	assert.NoError(t, rtc.SetLastN(-1))
	assert.Error(t, rtc.SetReceiverMaxHeight(-1))
	assert.Error(t, rtc.SetSourceMaxHeight("peer2-v0", -1))
	assert.Error(t, rtc.SetReceiverAudioSubscription("SOMETIMES", nil))
}

func TestRTCAudioSubscriptionModeDropsListForAll(t *testing.T) {
	rtc := newTestRTC(t)
	require.NoError(t, rtc.SetReceiverAudioSubscription(colibri.AudioSubscriptionAll, []string{"peer2-a0"}))

	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	require.Len(t, dc.sent, 1)
	audio := decodeSent(t, dc.sent[0])
	assert.Equal(t, colibri.AudioSubscriptionAll, audio["mode"])
	_, hasList := audio["list"]
	assert.False(t, hasList)
}

func TestRTCSourcesMapUpdatesResolverAndTracks(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{answerSDP: remoteAnswer}
	pc := rtc.createConnection(conn, false)

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOfferWithSource,
	}))
	conn.fireTrack(&fakeRemoteTrack{
		id:       "peer2-video-0",
		streamID: "peer2-video-0",
		ssrc:     2222,
	})
	require.Len(t, pc.RemoteTracks(), 1)

	var events []colibri.Event
	rtc.OnEvent(func(event colibri.Event) {
		events = append(events, event)
	})

	rtc.handleChannelEvent(&colibri.VideoSourcesMapEvent{
		MappedSources: []colibri.MappedSource{
			{Source: "peer2-v0", Owner: "peer2", SSRC: 5555, RTX: 5556},
		},
	})

	info, ok := rtc.ResolveSource(5555)
	require.True(t, ok)
	assert.Equal(t, "peer2", info.Owner)
	assert.Equal(t, "peer2-v0", info.SourceName)

	remote := pc.RemoteTracks()[0]
	assert.Equal(t, uint32(5555), remote.SSRC())
	assert.Equal(t, uint32(5556), remote.RTX())

	// Internally handled events still reach the application handler.
	require.Len(t, events, 1)
	assert.Equal(t, colibri.ClassVideoSourcesMap, events[0].Class())
}

func TestRTCSenderSourceConstraintsAppliesToTrack(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)

	track, err := rtc.CreateLocalTrack(VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	require.NoError(t, pc.AddTrack(track, true))

	rtc.handleChannelEvent(&colibri.SenderSourceConstraintsEvent{
		SourceName: "peer1-v0",
		MaxHeight:  0,
	})
	for _, encoding := range track.Encodings() {
		assert.False(t, encoding.Active)
	}

	// Constraints for a source nobody owns are ignored.
	rtc.handleChannelEvent(&colibri.SenderSourceConstraintsEvent{
		SourceName: "peer9-v0",
		MaxHeight:  180,
	})
}

func TestRTCBindChannelReplacesPrevious(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)

	first := openTestBridgeChannel(t, rtc, pc, conn)
	require.NoError(t, rtc.OpenBridgeChannel(pc, "bridge"))
	second := conn.lastDataChannel()
	require.NotSame(t, first, second)
	assert.Equal(t, 1, first.closeCalls)

	second.open()
	require.NoError(t, rtc.SetLastN(2))
	assert.Empty(t, first.sent)
	require.Len(t, second.sent, 1)
}

func TestRTCStaleChannelOpenDoesNotReplay(t *testing.T) {
	rtc := newTestRTC(t)
	require.NoError(t, rtc.SetLastN(5))

	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	require.NoError(t, rtc.OpenBridgeChannel(pc, "bridge"))
	first := conn.lastDataChannel()

	require.NoError(t, rtc.OpenBridgeChannel(pc, "bridge"))
	second := conn.lastDataChannel()

	// The replaced channel opening late must not trigger a replay.
	first.open()
	assert.Empty(t, first.sent)

	second.open()
	require.Len(t, second.sent, 1)
}

func TestRTCEndpointMessagesRequireOpenChannel(t *testing.T) {
	rtc := newTestRTC(t)

	err := rtc.SendEndpointMessage("peer2", json.RawMessage(`{"hello":true}`))
	assert.ErrorIs(t, err, ErrNoOpenedChannel)
	err = rtc.SendEndpointStats(map[string]interface{}{"bitrate": 1200})
	assert.ErrorIs(t, err, ErrNoOpenedChannel)

	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	require.NoError(t, rtc.SendEndpointMessage("peer2", json.RawMessage(`{"hello":true}`)))
	require.Len(t, dc.sent, 1)
	message := decodeSent(t, dc.sent[0])
	assert.Equal(t, colibri.ClassEndpointMessage, message["colibriClass"])
	assert.Equal(t, "peer2", message["to"])
}

func TestRTCSendSourceVideoType(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	track, err := rtc.CreateLocalTrack(VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)

	require.NoError(t, rtc.SendSourceVideoType(track, VideoTypeDesktop))
	assert.Equal(t, VideoTypeDesktop, track.VideoType())
	require.Len(t, dc.sent, 1)
	message := decodeSent(t, dc.sent[0])
	assert.Equal(t, colibri.ClassSourceVideoType, message["colibriClass"])
	assert.Equal(t, "peer1-v0", message["sourceName"])
	assert.Equal(t, VideoTypeDesktop, message["videoType"])
}

func TestRTCRemoveLocalTrackDetachesFromConnections(t *testing.T) {
	rtc := newTestRTC(t)
	firstConn := &fakeConnection{}
	secondConn := &fakeConnection{}
	pc1 := rtc.createConnection(firstConn, false)
	pc2 := rtc.createConnection(secondConn, false)

	track, err := rtc.CreateLocalTrack(VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	require.NoError(t, pc1.AddTrack(track, true))
	require.NoError(t, pc2.AddTrack(track, true))

	rtc.RemoveLocalTrack(track)
	assert.Empty(t, rtc.LocalTracks())
	assert.Empty(t, pc1.LocalTracks())
	assert.Empty(t, pc2.LocalTracks())
}

func TestRTCParticipantCount(t *testing.T) {
	rtc := newTestRTC(t)
	assert.Equal(t, 0, rtc.countParticipants())
	rtc.SetParticipantCount(3)
	assert.Equal(t, 3, rtc.countParticipants())
}

func TestRTCClose(t *testing.T) {
	rtc := newTestRTC(t)
	conn := &fakeConnection{}
	pc := rtc.createConnection(conn, false)
	dc := openTestBridgeChannel(t, rtc, pc, conn)

	_, err := rtc.CreateLocalTrack(VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)

	require.NoError(t, rtc.Close())
	assert.Equal(t, 1, dc.closeCalls)
	assert.Equal(t, 1, conn.closeCalls)
	assert.Empty(t, rtc.Connections())
	assert.Empty(t, rtc.LocalTracks())
	assert.Equal(t, stateClosed, pc.State())

	// Close twice is harmless.
	require.NoError(t, rtc.Close())
}
