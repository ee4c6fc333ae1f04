/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package mediaclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmmedia/config"
	"stash.kopano.io/kwm/kwmmedia/internal/rtc"
)

func testLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type acceptedConn struct {
	ws   *websocket.Conn
	path string
}

// testMediaServer accepts media session websockets so tests can script
// the server side of the protocol.
type testMediaServer struct {
	*httptest.Server

	conns chan *acceptedConn
}

func newTestMediaServer(t *testing.T) *testMediaServer {
	t.Helper()
	server := &testMediaServer{
		conns: make(chan *acceptedConn, 1),
	}
	server.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		ws, err := websocket.Accept(rw, req, &websocket.AcceptOptions{
			Subprotocols: []string{"kwmmedia-protocol"},
		})
		if err != nil {
			return
		}
		server.conns <- &acceptedConn{
			ws:   ws,
			path: req.URL.Path,
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (s *testMediaServer) accept(t *testing.T) *acceptedConn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() {
			conn.ws.Close(websocket.StatusNormalClosure, "")
		})
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for media client to connect")
		return nil
	}
}

func readServerMessage(ctx context.Context, t *testing.T, ws *websocket.Conn) *sessionMessage {
	t.Helper()
	mt, data, err := ws.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, websocket.MessageText, mt)
	message := &sessionMessage{}
	require.NoError(t, json.Unmarshal(data, message))
	return message
}

func writeServerMessage(ctx context.Context, t *testing.T, ws *websocket.Conn, message *sessionMessage) {
	t.Helper()
	data, err := json.Marshal(message)
	require.NoError(t, err)
	require.NoError(t, ws.Write(ctx, websocket.MessageText, data))
}

func newTestClient(t *testing.T, server *testMediaServer) *Client {
	t.Helper()
	logger := testLogger()
	c, err := New(server.URL, &Config{
		Config: &config.Config{
			HTTPClient: server.Client(),
			Logger:     logger,
		},

		Logger:     logger,
		HTTPClient: server.Client(),

		EndpointID: "peer1",
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
	})
	return c
}

// connectTestClient starts the client, accepts its websocket and consumes
// the hello message.
func connectTestClient(ctx context.Context, t *testing.T, c *Client, server *testMediaServer) (*websocket.Conn, chan error) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Start(ctx)
	}()
	t.Cleanup(func() {
		c.Close()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
		}
	})

	conn := server.accept(t)
	assert.Equal(t, "/api/kwm/v2/media/websocket", conn.path)

	hello := readServerMessage(ctx, t, conn.ws)
	require.Equal(t, typeNameHello, hello.Type)
	assert.Equal(t, WebRTCPayloadVersion, hello.Version)
	assert.Equal(t, "peer1", hello.Source)
	assert.Empty(t, hello.Session)

	return conn.ws, errCh
}

func sendWelcome(ctx context.Context, t *testing.T, ws *websocket.Conn, session string, participants int) {
	t.Helper()
	data, err := json.Marshal(&welcomeData{
		Participants: participants,
	})
	require.NoError(t, err)
	writeServerMessage(ctx, t, ws, &sessionMessage{
		Type:    typeNameWelcome,
		Session: session,
		Data:    data,
	})
}

func TestClientNewValidatesConfig(t *testing.T) {
	logger := testLogger()

	_, err := New("https://media.kopano.local", nil)
	assert.Error(t, err)

	_, err = New("ftp://media.kopano.local", &Config{
		Config: &config.Config{Logger: logger},
		Logger: logger,
	})
	assert.Error(t, err)
}

func TestClientSessionLifecycle(t *testing.T) {
	server := newTestMediaServer(t)
	c := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, errCh := connectTestClient(ctx, t, c, server)
	sendWelcome(ctx, t, ws, "session-1", 2)

	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "session-1", c.Session())
	assert.Equal(t, 2, c.RTC().ParticipantCount())
	assert.NotNil(t, c.Connection())
	assert.False(t, c.When().IsZero())

	// Without a bridge URL in the welcome the channel rides on a
	// negotiated data channel.
	channel := c.RTC().BridgeChannel()
	require.NotNil(t, channel)
	assert.Equal(t, "datachannel", channel.Transport())

	writeServerMessage(ctx, t, ws, &sessionMessage{
		Type:    typeNameBye,
		Session: "session-1",
	})

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errSessionEnded)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client to stop")
	}

	assert.False(t, c.Connected())
	assert.Empty(t, c.Session())
	assert.Nil(t, c.Connection())
}

func TestClientParticipantsUpdate(t *testing.T) {
	server := newTestMediaServer(t)
	c := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _ := connectTestClient(ctx, t, c, server)
	sendWelcome(ctx, t, ws, "session-2", 1)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	data, err := json.Marshal(&participantsData{Count: 5})
	require.NoError(t, err)
	writeServerMessage(ctx, t, ws, &sessionMessage{
		Type:    typeNameParticipants,
		Session: "session-2",
		Data:    data,
	})

	require.Eventually(t, func() bool {
		return c.RTC().ParticipantCount() == 5
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientQueuesEarlyCandidates(t *testing.T) {
	server := newTestMediaServer(t)
	c := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _ := connectTestClient(ctx, t, c, server)
	sendWelcome(ctx, t, ws, "session-3", 2)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	candidateBytes, err := json.Marshal(&webrtc.ICECandidateInit{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
	})
	require.NoError(t, err)
	signalBytes, err := json.Marshal(&WebRTCSignal{
		Candidate: candidateBytes,
	})
	require.NoError(t, err)
	writeServerMessage(ctx, t, ws, &sessionMessage{
		Type:    typeNameWebRTC,
		Version: WebRTCPayloadVersion,
		Session: "session-3",
		Source:  "bridge-1",
		Target:  "peer1",
		Pcid:    "srv1234",
		Data:    signalBytes,
	})

	// Candidates ahead of the remote description stay queued until it
	// arrives.
	require.Eventually(t, func() bool {
		c.RLock()
		defer c.RUnlock()
		return len(c.pendingCandidates) == 1 && c.rpcid == "srv1234"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClientAnswersRemoteOffer(t *testing.T) {
	server := newTestMediaServer(t)
	c := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	ws, _ := connectTestClient(ctx, t, c, server)
	sendWelcome(ctx, t, ws, "session-4", 2)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	// The initiating side is a plain engine connection offering a data
	// channel.
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() {
		remote.Close()
	})
	_, err = remote.CreateDataChannel("bridge", nil)
	require.NoError(t, err)
	offer, err := remote.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, remote.SetLocalDescription(offer))

	typeBytes, err := json.Marshal(offer.Type)
	require.NoError(t, err)
	sdpBytes, err := json.Marshal(offer.SDP)
	require.NoError(t, err)
	signalBytes, err := json.Marshal(&WebRTCSignal{
		Type: typeBytes,
		SDP:  sdpBytes,
	})
	require.NoError(t, err)
	writeServerMessage(ctx, t, ws, &sessionMessage{
		Type:    typeNameWebRTC,
		Version: WebRTCPayloadVersion,
		Session: "session-4",
		Source:  "bridge-1",
		Target:  "peer1",
		Pcid:    "srv-pc-1",
		Data:    signalBytes,
	})

	// Candidate messages can interleave with the answer, skip them.
	var answer *WebRTCSignal
	var envelope *sessionMessage
	for answer == nil {
		message := readServerMessage(ctx, t, ws)
		require.Equal(t, typeNameWebRTC, message.Type)
		signal := &WebRTCSignal{}
		require.NoError(t, json.Unmarshal(message.Data, signal))
		if len(signal.SDP) == 0 {
			continue
		}
		answer = signal
		envelope = message
	}

	assert.Equal(t, WebRTCPayloadVersion, envelope.Version)
	assert.Equal(t, "session-4", envelope.Session)
	assert.Equal(t, "peer1", envelope.Source)
	assert.NotEmpty(t, envelope.Pcid)

	var sdpType webrtc.SDPType
	require.NoError(t, json.Unmarshal(answer.Type, &sdpType))
	assert.Equal(t, webrtc.SDPTypeAnswer, sdpType)
	var sdpString string
	require.NoError(t, json.Unmarshal(answer.SDP, &sdpString))
	assert.Contains(t, sdpString, "m=application")
}

func TestClientPublishRequestsNegotiation(t *testing.T) {
	server := newTestMediaServer(t)
	c := newTestClient(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws, _ := connectTestClient(ctx, t, c, server)
	sendWelcome(ctx, t, ws, "session-5", 2)
	require.Eventually(t, c.Connected, 5*time.Second, 10*time.Millisecond)

	track, err := c.Publish(rtc.VideoTypeCamera, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: 90000,
	})
	require.NoError(t, err)
	require.Len(t, c.RTC().LocalTracks(), 1)

	message := readServerMessage(ctx, t, ws)
	require.Equal(t, typeNameWebRTC, message.Type)
	assert.Equal(t, WebRTCPayloadVersion, message.Version)
	signal := &WebRTCSignal{}
	require.NoError(t, json.Unmarshal(message.Data, signal))
	assert.True(t, signal.Renegotiate)

	// A change while the request is pending only queues another round.
	require.NoError(t, c.Unpublish(track))
	c.RLock()
	queued := c.queuedNegotiation
	c.RUnlock()
	assert.True(t, queued)
	assert.Empty(t, c.RTC().LocalTracks())
}
