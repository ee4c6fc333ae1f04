/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stash.kopano.io/kwm/kwmmedia/internal/colibri"
	"stash.kopano.io/kwm/kwmmedia/internal/sdp"
)

type fakeSender struct {
	track webrtc.TrackLocal
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	return s.track
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	return nil
}

func (s *fakeSender) GetParameters() webrtc.RTPSendParameters {
	return webrtc.RTPSendParameters{}
}

type fakeTransceiver struct {
	mid       string
	kind      webrtc.RTPCodecType
	direction webrtc.RTPTransceiverDirection
	sender    *fakeSender
	prefs     []webrtc.RTPCodecParameters
	stopped   bool
}

func (t *fakeTransceiver) Mid() string {
	return t.mid
}

func (t *fakeTransceiver) Kind() webrtc.RTPCodecType {
	return t.kind
}

func (t *fakeTransceiver) Direction() webrtc.RTPTransceiverDirection {
	return t.direction
}

func (t *fakeTransceiver) Sender() engineSender {
	if t.sender == nil {
		return nil
	}
	return t.sender
}

func (t *fakeTransceiver) SetCodecPreferences(codecs []webrtc.RTPCodecParameters) error {
	t.prefs = codecs
	return nil
}

func (t *fakeTransceiver) Stop() error {
	t.stopped = true
	return nil
}

type fakeConnection struct {
	mutex sync.Mutex

	transceivers []*fakeTransceiver
	nextMid      int

	offerSDP  string
	answerSDP string

	localDescription  *webrtc.SessionDescription
	remoteDescription *webrtc.SessionDescription

	onTrack func(engineRemoteTrack)

	dataChannels []*fakeDataChannel

	closeCalls int
}

func (c *fakeConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: c.offerSDP}, nil
}

func (c *fakeConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: c.answerSDP}, nil
}

func (c *fakeConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.localDescription = &description
	return nil
}

func (c *fakeConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.remoteDescription = &description
	return nil
}

func (c *fakeConnection) LocalDescription() *webrtc.SessionDescription {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.localDescription
}

func (c *fakeConnection) RemoteDescription() *webrtc.SessionDescription {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.remoteDescription
}

func (c *fakeConnection) addTransceiver(kind webrtc.RTPCodecType, direction webrtc.RTPTransceiverDirection, track webrtc.TrackLocal) *fakeTransceiver {
	transceiver := &fakeTransceiver{
		mid:       strconv.Itoa(c.nextMid),
		kind:      kind,
		direction: direction,
		sender:    &fakeSender{track: track},
	}
	c.nextMid++
	c.transceivers = append(c.transceivers, transceiver)
	return transceiver
}

func (c *fakeConnection) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	direction := webrtc.RTPTransceiverDirectionSendrecv
	if len(init) > 0 {
		direction = init[0].Direction
	}
	return c.addTransceiver(kind, direction, nil), nil
}

func (c *fakeConnection) AddTransceiverFromTrack(track webrtc.TrackLocal, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	direction := webrtc.RTPTransceiverDirectionSendrecv
	if len(init) > 0 {
		direction = init[0].Direction
	}
	return c.addTransceiver(track.Kind(), direction, track), nil
}

func (c *fakeConnection) AddTrack(track webrtc.TrackLocal) (engineSender, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for _, transceiver := range c.transceivers {
		if transceiver.stopped || transceiver.kind != track.Kind() {
			continue
		}
		if transceiver.sender != nil && transceiver.sender.track == nil {
			transceiver.sender.track = track
			transceiver.direction = webrtc.RTPTransceiverDirectionSendrecv
			return transceiver.sender, nil
		}
	}
	return c.addTransceiver(track.Kind(), webrtc.RTPTransceiverDirectionSendrecv, track).sender, nil
}

func (c *fakeConnection) RemoveTrack(sender engineSender) error {
	fake, ok := sender.(*fakeSender)
	if !ok {
		return fmt.Errorf("unexpected sender type %T", sender)
	}
	fake.track = nil
	return nil
}

func (c *fakeConnection) GetTransceivers() []engineTransceiver {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	transceivers := make([]engineTransceiver, 0, len(c.transceivers))
	for _, transceiver := range c.transceivers {
		transceivers = append(transceivers, transceiver)
	}
	return transceivers
}

func (c *fakeConnection) CreateDataChannel(label string, options *webrtc.DataChannelInit) (engineDataChannel, error) {
	dc := newFakeDataChannel(label)
	c.mutex.Lock()
	c.dataChannels = append(c.dataChannels, dc)
	c.mutex.Unlock()
	return dc, nil
}

func (c *fakeConnection) lastDataChannel() *fakeDataChannel {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if len(c.dataChannels) == 0 {
		return nil
	}
	return c.dataChannels[len(c.dataChannels)-1]
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return nil
}

func (c *fakeConnection) OnTrack(handler func(engineRemoteTrack)) {
	c.onTrack = handler
}

func (c *fakeConnection) OnDataChannel(handler func(engineDataChannel)) {
}

func (c *fakeConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
}

func (c *fakeConnection) OnSignalingStateChange(handler func(webrtc.SignalingState)) {
}

func (c *fakeConnection) OnICEConnectionStateChange(handler func(webrtc.ICEConnectionState)) {
}

func (c *fakeConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
}

func (c *fakeConnection) WriteRTCP(packets []rtcp.Packet) error {
	return nil
}

func (c *fakeConnection) SignalingState() webrtc.SignalingState {
	return webrtc.SignalingStateStable
}

func (c *fakeConnection) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateConnected
}

func (c *fakeConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.closeCalls++
	return nil
}

func (c *fakeConnection) fireTrack(track engineRemoteTrack) {
	c.onTrack(track)
}

type fakeRemoteTrack struct {
	id       string
	rid      string
	streamID string
	ssrc     uint32
}

func (t *fakeRemoteTrack) ID() string {
	return t.id
}

func (t *fakeRemoteTrack) RID() string {
	return t.rid
}

func (t *fakeRemoteTrack) StreamID() string {
	return t.streamID
}

func (t *fakeRemoteTrack) SSRC() webrtc.SSRC {
	return webrtc.SSRC(t.ssrc)
}

func (t *fakeRemoteTrack) Kind() webrtc.RTPCodecType {
	return webrtc.RTPCodecTypeVideo
}

func (t *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{}
}

func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	return nil, io.EOF
}

func videoOfferWithTrack(trackID string) string {
	return fmt.Sprintf(`v=0
o=- 620983217498271524 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:0
a=sendrecv
a=ice-ufrag:f00d
a=rtpmap:96 VP8/90000
a=msid:engine-stream %[1]s
a=ssrc:1111 cname:k3lm9WxQ
a=ssrc:1111 msid:engine-stream %[1]s
`, trackID)
}

const remoteOfferWithSource = `v=0
o=- 620983217498271524 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:0
a=recvonly
a=ice-ufrag:cafe
a=rtpmap:96 VP8/90000
a=ssrc:2222 name:peer2-v0
a=ssrc:2222 videoType:camera
a=ssrc:2222 msid:peer2-video-0 peer2-video-0
`

const remoteAnswer = `v=0
o=- 620983217498271524 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=mid:0
a=recvonly
a=ice-ufrag:cafe
a=rtpmap:96 VP8/90000
`

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestPeerConnection(t *testing.T, settings *Settings) (*PeerConnection, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	pc := newPeerConnection(conn, peerConnectionParams{
		id:         "pc1",
		endpointID: "peer1",
		settings:   settings,
		logger:     testLogger(),
	})
	return pc, conn
}

func newTestVideoTrack(t *testing.T) *LocalTrack {
	t.Helper()
	track, err := NewLocalTrack("peer1", 0, VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	return track
}

func TestPeerConnectionTrackBookkeeping(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)

	require.NoError(t, pc.AddTrack(track, true))
	assert.Len(t, pc.LocalTracks(), 1)

	err := pc.AddTrack(track, true)
	assert.ErrorIs(t, err, ErrDuplicateTrack)
	assert.Len(t, pc.LocalTracks(), 1)

	renegotiate, err := pc.RemoveTrack(track)
	require.NoError(t, err)
	assert.True(t, renegotiate)
	assert.Empty(t, pc.LocalTracks())

	_, err = pc.RemoveTrack(track)
	assert.ErrorIs(t, err, ErrUnknownTrack)
}

func TestPeerConnectionAddTrackSetsDefaultEncodings(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)

	require.NoError(t, pc.AddTrack(track, true))

	encodings := track.Encodings()
	require.Len(t, encodings, 3)
	assert.Equal(t, ridQuarter, encodings[0].RID)
	assert.Equal(t, ridFull, encodings[2].RID)
}

func TestPeerConnectionReplaceTrackReusesPlaceholder(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)

	// A prior remote offer left a receive only transceiver behind.
	conn.addTransceiver(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverDirectionRecvonly, nil)

	renegotiate, err := pc.ReplaceTrack(nil, track, false)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Len(t, conn.GetTransceivers(), 1)
	assert.Len(t, pc.LocalTracks(), 1)
}

func TestPeerConnectionReplaceTrackWithoutPlaceholder(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)

	renegotiate, err := pc.ReplaceTrack(nil, track, false)
	require.NoError(t, err)
	assert.True(t, renegotiate)
	assert.Len(t, conn.GetTransceivers(), 1)
}

func TestPeerConnectionReplaceTrackCarriesSSRC(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)
	oldTrack := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(oldTrack, true))
	oldTrack.setSSRC(1111)

	newTrack, err := NewLocalTrack("peer1", 0, VideoTypeDesktop, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)

	renegotiate, err := pc.ReplaceTrack(oldTrack, newTrack, false)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Equal(t, uint32(1111), newTrack.SSRC())

	tracks := pc.LocalTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, newTrack.ID(), tracks[0].ID())
}

func TestPeerConnectionReplaceTrackMuteKeepsTransceiver(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))

	renegotiate, err := pc.ReplaceTrack(track, nil, true)
	require.NoError(t, err)
	assert.False(t, renegotiate)
	assert.Empty(t, pc.LocalTracks())

	transceivers := conn.GetTransceivers()
	require.Len(t, transceivers, 1)
	assert.Nil(t, transceivers[0].Sender().Track())
}

func TestPeerConnectionCreateOfferExtractsSSRCAndMid(t *testing.T) {
	pc, conn := newTestPeerConnection(t, &Settings{
		DisableSimulcast: true,
		DisableRTX:       true,
	})
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	description, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(1111), track.SSRC())
	assert.Equal(t, "0", track.Mid())
	assert.Equal(t, stateNegotiating, pc.State())

	doc, err := sdp.Parse([]byte(description.SDP))
	require.NoError(t, err)
	video := doc.Section("0")
	require.NotNil(t, video)

	name, ok := video.SSRCAttribute(1111, "name")
	require.True(t, ok)
	assert.Equal(t, "peer1-v0", name)
	msid, ok := video.Msid()
	require.True(t, ok)
	// The stream identifier carries the connection id so concurrent
	// connections of the same endpoint announce distinct streams.
	assert.Equal(t, "peer1-video-0-pc1 "+track.ID(), msid)
}

func TestPeerConnectionOfferWithoutSimulcastHasSingleSource(t *testing.T) {
	pc, conn := newTestPeerConnection(t, &Settings{
		DisableSimulcast: true,
		DisableRTX:       true,
	})
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	description, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	doc, err := sdp.Parse([]byte(description.SDP))
	require.NoError(t, err)
	video := doc.Section("0")
	require.NotNil(t, video)

	assert.Len(t, video.SSRCs(), 1)
	assert.Empty(t, video.FindGroups("SIM"))
}

func TestPeerConnectionOfferWithSimulcastAnnouncesLayers(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	description, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	doc, err := sdp.Parse([]byte(description.SDP))
	require.NoError(t, err)
	video := doc.Section("0")
	require.NotNil(t, video)

	assert.Len(t, video.SSRCs(), 6)
	sims := video.FindGroups("SIM")
	require.Len(t, sims, 1)
	assert.Len(t, sims[0].SSRCs, 3)
	assert.Len(t, video.FindGroups("FID"), 3)
}

func TestPeerConnectionSetLocalDescriptionKeepsEngineOffer(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	description, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(description))

	// The engine only accepts its own unmodified offer while the munged
	// variant is what peers get to see.
	engine := conn.LocalDescription()
	require.NotNil(t, engine)
	assert.Equal(t, conn.offerSDP, engine.SDP)

	signaled := pc.LocalDescription()
	require.NotNil(t, signaled)
	assert.Equal(t, description.SDP, signaled.SDP)
	assert.NotEqual(t, engine.SDP, signaled.SDP)
}

func TestPeerConnectionCreateOfferSetsCodecPreferences(t *testing.T) {
	pc, conn := newTestPeerConnection(t, &Settings{
		PreferredCodecs: []string{webrtc.MimeTypeVP9},
	})
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	_, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	transceivers := conn.transceivers
	require.Len(t, transceivers, 1)
	prefs := transceivers[0].prefs
	require.NotEmpty(t, prefs)
	assert.Equal(t, webrtc.MimeTypeVP9, prefs[0].MimeType)
	assert.Equal(t, webrtc.MimeTypeRTX, prefs[1].MimeType)
	assert.Equal(t, "apt=98", prefs[1].SDPFmtpLine)
}

func TestPeerConnectionUfragChangeNotifies(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)

	var gotPrevious, gotCurrent string
	calls := 0
	pc.OnICEUfragChange(func(previous, current string) {
		gotPrevious = previous
		gotCurrent = current
		calls++
	})

	first := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteAnswer}
	require.NoError(t, pc.SetRemoteDescription(first))
	assert.Equal(t, 0, calls)

	changed := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  strings.Replace(remoteAnswer, "a=ice-ufrag:cafe", "a=ice-ufrag:beef", 1),
	}
	require.NoError(t, pc.SetRemoteDescription(changed))
	assert.Equal(t, 1, calls)
	assert.Equal(t, "cafe", gotPrevious)
	assert.Equal(t, "beef", gotCurrent)
}

func TestPeerConnectionStateSettlesOnAnswer(t *testing.T) {
	pc, conn := newTestPeerConnection(t, &Settings{
		DisableSimulcast: true,
		DisableRTX:       true,
	})
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	conn.offerSDP = videoOfferWithTrack(track.ID())

	assert.Equal(t, stateNew, pc.State())

	_, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	assert.Equal(t, stateNegotiating, pc.State())

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteAnswer}
	require.NoError(t, pc.SetRemoteDescription(answer))
	assert.Equal(t, stateStable, pc.State())
}

func newTestDirectPeerConnection(t *testing.T) (*PeerConnection, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	pc := newPeerConnection(conn, peerConnectionParams{
		id:         "pc1",
		endpointID: "peer1",
		direct:     true,
		logger:     testLogger(),
	})
	return pc, conn
}

func TestPeerConnectionDirectSessionRemoteDirections(t *testing.T) {
	appliedDirection := func(t *testing.T, conn *fakeConnection) sdp.Direction {
		t.Helper()
		applied := conn.RemoteDescription()
		require.NotNil(t, applied)
		doc, err := sdp.Parse([]byte(applied.SDP))
		require.NoError(t, err)
		video := doc.Section("0")
		require.NotNil(t, video)
		return video.Direction()
	}

	// Both sides carry a video source.
	pc, conn := newTestDirectPeerConnection(t)
	track := newTestVideoTrack(t)
	require.NoError(t, pc.AddTrack(track, true))
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOfferWithSource}
	require.NoError(t, pc.SetRemoteDescription(remote))
	assert.Equal(t, sdp.DirectionSendRecv, appliedDirection(t, conn))

	// Only the remote side sends, its description declares sendonly.
	pc, conn = newTestDirectPeerConnection(t)
	require.NoError(t, pc.SetRemoteDescription(remote))
	assert.Equal(t, sdp.DirectionSendOnly, appliedDirection(t, conn))

	// Only we send, the remote can merely receive.
	pc, conn = newTestDirectPeerConnection(t)
	require.NoError(t, pc.AddTrack(track, true))
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: remoteAnswer}
	require.NoError(t, pc.SetRemoteDescription(answer))
	assert.Equal(t, sdp.DirectionRecvOnly, appliedDirection(t, conn))
}

func TestPeerConnectionRemoteTrackLifecycle(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)

	var added []*RemoteTrack
	var removed []*RemoteTrack
	pc.OnRemoteTrack(func(remote *RemoteTrack) {
		added = append(added, remote)
	})
	pc.OnRemoteTrackRemoved(func(remote *RemoteTrack) {
		removed = append(removed, remote)
	})

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOfferWithSource}
	require.NoError(t, pc.SetRemoteDescription(remote))

	track := &fakeRemoteTrack{
		id:       "peer2-video-0",
		streamID: "peer2-video-0",
		ssrc:     2222,
	}
	conn.fireTrack(track)
	require.Len(t, added, 1)
	assert.Equal(t, "peer2", added[0].Owner())
	assert.Equal(t, "peer2-v0", added[0].SourceName())
	assert.Equal(t, "camera", added[0].VideoType())
	assert.Equal(t, "0", added[0].Mid())

	// Diverging events for the same synchronization source are dropped.
	conn.fireTrack(track)
	assert.Len(t, added, 1)
	assert.Len(t, pc.RemoteTracks(), 1)

	pc.RemoveRemoteTrack("peer2-video-0", "peer2-video-0")
	assert.Len(t, removed, 1)
	assert.Empty(t, pc.RemoteTracks())

	// Removing it again must stay a logged no-op.
	pc.RemoveRemoteTrack("peer2-video-0", "peer2-video-0")
	assert.Len(t, removed, 1)
}

func TestPeerConnectionSourceMapRekeysTrack(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOfferWithSource}
	require.NoError(t, pc.SetRemoteDescription(remote))
	conn.fireTrack(&fakeRemoteTrack{
		id:       "peer2-video-0",
		streamID: "peer2-video-0",
		ssrc:     2222,
	})
	require.Len(t, pc.RemoteTracks(), 1)

	pc.applySourceMap([]colibri.MappedSource{
		{Source: "peer2-v0", Owner: "peer2", SSRC: 5555, RTX: 5556},
	})

	tracks := pc.RemoteTracks()
	require.Len(t, tracks, 1)
	assert.Equal(t, uint32(5555), tracks[0].SSRC())
	assert.Equal(t, uint32(5556), tracks[0].RTX())

	// The re-keyed source must absorb follow up track events.
	conn.fireTrack(&fakeRemoteTrack{id: "other", streamID: "other", ssrc: 5555})
	assert.Len(t, pc.RemoteTracks(), 1)
}

func TestPeerConnectionSenderVideoConstraints(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)
	track.SetSourceHeight(720)
	require.NoError(t, pc.AddTrack(track, true))

	require.NoError(t, pc.SetSenderVideoConstraints(720, track, ""))
	for _, encoding := range track.Encodings() {
		assert.True(t, encoding.Active)
	}

	require.NoError(t, pc.SetSenderVideoConstraints(0, track, ""))
	for _, encoding := range track.Encodings() {
		assert.False(t, encoding.Active)
	}
}

func TestPeerConnectionSenderVideoConstraintsValidation(t *testing.T) {
	pc, _ := newTestPeerConnection(t, nil)
	track := newTestVideoTrack(t)

	err := pc.SetSenderVideoConstraints(-1, track, "")
	assert.Error(t, err)

	err = pc.SetSenderVideoConstraints(720, nil, "")
	assert.Error(t, err)

	err = pc.SetSenderVideoConstraints(720, track, "")
	assert.ErrorIs(t, err, ErrUnknownTrack)
}

func TestPeerConnectionCloseIsIdempotent(t *testing.T) {
	pc, conn := newTestPeerConnection(t, nil)

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteOfferWithSource}
	require.NoError(t, pc.SetRemoteDescription(remote))
	conn.fireTrack(&fakeRemoteTrack{id: "peer2-video-0", streamID: "peer2-video-0", ssrc: 2222})

	require.NoError(t, pc.Close())
	assert.Equal(t, stateClosed, pc.State())
	assert.Empty(t, pc.RemoteTracks())
	assert.Equal(t, 1, conn.closeCalls)

	require.NoError(t, pc.Close())
	assert.Equal(t, 1, conn.closeCalls)

	err := pc.AddTrack(newTestVideoTrack(t), true)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = pc.CreateOffer(nil)
	assert.ErrorIs(t, err, ErrClosed)
}
