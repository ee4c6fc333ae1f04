/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package mediaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"

	"stash.kopano.io/kwm/kwmmedia/config"
	"stash.kopano.io/kwm/kwmmedia/internal/bpool"
	"stash.kopano.io/kwm/kwmmedia/internal/rtc"
	"stash.kopano.io/kwm/kwmmedia/internal/utils"
)

// defaultBridgeChannelLabel names the negotiated bridge data channel when
// the welcome message does not pick one.
const defaultBridgeChannelLabel = "bridge"

var errSessionEnded = errors.New("session ended by server")

type Config struct {
	Config *config.Config

	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	// EndpointID is the local endpoint identifier announced in the hello
	// message. Empty selects a random one.
	EndpointID string

	Settings *rtc.Settings
}

// Client joins a single media session at a KWM server and relays its
// signaling into an RTC instance. Start blocks until the websocket
// transport dies, restarting is the callers responsibility.
type Client struct {
	deadlock.RWMutex

	uri *url.URL
	tls bool

	baseURI string

	config *Config
	logger logrus.FieldLogger

	rtc *rtc.RTC

	wsCtx    context.Context
	wsCancel context.CancelFunc
	ws       *websocket.Conn

	session string

	connection *rtc.PeerConnection
	pcid       string
	rpcid      string

	pendingCandidates []*webrtc.ICECandidateInit

	needsNegotiation  chan bool
	queuedNegotiation bool
	isNegotiating     bool

	connected bool
	when      time.Time
}

func New(uriString string, cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	uri, err := url.Parse(uriString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URI: %w", err)
	}

	c := &Client{
		config: cfg,
		logger: cfg.Logger,

		needsNegotiation: make(chan bool, 1), // Allow exactly one.
	}
	if err = c.init(uri); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) init(uri *url.URL) error {
	c.uri = uri
	switch uri.Scheme {
	case "https":
		c.tls = true
	case "http":
	default:
		return errors.New("unknown URI scheme")
	}

	c.baseURI = uri.String() + "/api/kwm/v2/media"

	r, err := rtc.NewRTC(&rtc.Options{
		Config: c.config.Config,

		Logger:     c.config.Logger,
		HTTPClient: c.config.HTTPClient,

		EndpointID: c.config.EndpointID,
		Settings:   c.config.Settings,
	})
	if err != nil {
		return fmt.Errorf("failed to create rtc: %w", err)
	}
	c.rtc = r
	c.logger = c.config.Logger.WithField("endpoint", r.EndpointID())

	return nil
}

// ID returns the stable identifier of this client.
func (c *Client) ID() string {
	return c.rtc.ID()
}

// RTC returns the media session state owned by this client.
func (c *Client) RTC() *rtc.RTC {
	return c.rtc
}

// URI returns the configured server base URI.
func (c *Client) URI() string {
	return c.uri.String()
}

// Session returns the session assigned by the welcome message.
func (c *Client) Session() string {
	c.RLock()
	defer c.RUnlock()
	return c.session
}

// Connected reports whether a welcome was received on the current
// transport.
func (c *Client) Connected() bool {
	c.RLock()
	defer c.RUnlock()
	return c.connected
}

// When returns the time the current session was established.
func (c *Client) When() time.Time {
	c.RLock()
	defer c.RUnlock()
	return c.when
}

// Connection returns the session peer connection, nil before welcome.
func (c *Client) Connection() *rtc.PeerConnection {
	c.RLock()
	defer c.RUnlock()
	return c.connection
}

// Start connects the media session websocket and processes messages until
// the transport dies or ctx is cancelled.
func (c *Client) Start(ctx context.Context) error {
	baseURI, err := utils.AsWebsocketURL(c.baseURI)
	if err != nil {
		return fmt.Errorf("failed to parse media base URL: %w", err)
	}
	uri := baseURI + "/websocket"

	c.wsCtx, c.wsCancel = context.WithCancel(ctx)

	options := &websocket.DialOptions{
		HTTPClient:   c.config.HTTPClient,
		Subprotocols: []string{"kwmmedia-protocol"},
	}
	ws, _, err := websocket.Dial(c.wsCtx, uri, options)
	if err != nil {
		return fmt.Errorf("failed to connect media websocket: %w", err)
	}

	c.ws = ws

	if err = c.sendHello(); err != nil {
		c.wsCancel()
		return fmt.Errorf("failed to send hello: %w", err)
	}

	errCh := make(chan error, 1)

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		c.logger.Infoln("media connection established, waiting for welcome")
		readPumpErr := c.readPump()
		if readPumpErr != nil {
			errCh <- readPumpErr
		}
	}()

	select {
	case err = <-errCh:
		// breaks
	}

	c.wsCancel()
	wg.Wait()

	c.reset()

	return err
}

// Close shuts down the transport and the owned media session state.
func (c *Client) Close() error {
	c.RLock()
	wsCancel := c.wsCancel
	c.RUnlock()
	if wsCancel != nil {
		wsCancel()
	}
	return c.rtc.Close()
}

func (c *Client) readPump() error {
	var mt websocket.MessageType
	var reader io.Reader
	var b *bytes.Buffer
	var err error
	for {
		mt, reader, err = c.ws.Reader(c.wsCtx)
		if err != nil {
			c.logger.WithError(err).Errorln("media failed to get reader")
			return err
		}

		b = bpool.Get()
		if _, err = b.ReadFrom(reader); err != nil {
			bpool.Put(b)
			return fmt.Errorf("media reader read error: %w", err)
		}

		switch mt {
		case websocket.MessageText:
		default:
			c.logger.WithField("message_type", mt).Warnln("media received unknown websocket message type")
			continue
		}

		message := &sessionMessage{}
		err = json.Unmarshal(b.Bytes(), message)
		bpool.Put(b)
		if err != nil {
			c.logger.WithError(err).Errorln("media websocket message parse error")
			continue
		}

		switch message.Type {
		case typeNameWelcome:
			err = c.handleWelcomeMessage(message)

		case typeNameWebRTC:
			err = c.handleWebRTCMessage(message)

		case typeNameParticipants:
			err = c.handleParticipantsMessage(message)

		case typeNameBye:
			c.logger.WithField("session", message.Session).Infoln("media session ended by server")
			return errSessionEnded

		case typeNameError:
			errData := &errorData{}
			if parseErr := json.Unmarshal(message.Data, errData); parseErr == nil {
				c.logger.WithFields(logrus.Fields{
					"code": errData.Code,
					"msg":  errData.Message,
				}).Warnln("media received server error")
			}
			continue

		default:
			c.logger.WithField("type", message.Type).Warnln("media received unknown message type")
			continue
		}

		if err != nil {
			c.logger.WithError(err).Errorln("error while processing media websocket message")
			return err
		}
	}
}

func (c *Client) handleWelcomeMessage(message *sessionMessage) error {
	data := &welcomeData{}
	if len(message.Data) > 0 {
		if err := json.Unmarshal(message.Data, data); err != nil {
			return fmt.Errorf("failed to parse welcome data: %w", err)
		}
	}

	c.Lock()
	defer c.maybeNegotiateAndUnlock()

	c.session = message.Session

	pc, err := c.createSessionConnectionLocked()
	if err != nil {
		return err
	}

	if data.BridgeURL != "" {
		if err = c.rtc.OpenBridgeChannelWithURL(c.wsCtx, data.BridgeURL); err != nil {
			return fmt.Errorf("failed to open bridge channel websocket: %w", err)
		}
	} else {
		label := data.BridgeLabel
		if label == "" {
			label = defaultBridgeChannelLabel
		}
		if err = c.rtc.OpenBridgeChannel(pc, label); err != nil {
			return fmt.Errorf("failed to open bridge data channel: %w", err)
		}
	}

	c.rtc.SetParticipantCount(data.Participants)

	// Earlier published tracks move onto the fresh connection, the server
	// picks them up with the next negotiation.
	republished := false
	for _, track := range c.rtc.LocalTracks() {
		if err = pc.AddTrack(track, false); err != nil {
			c.logger.WithError(err).WithField("track_id", track.ID()).Warnln("failed to republish local track")
			continue
		}
		republished = true
	}
	if republished {
		if err = c.negotiationNeeded(); err != nil {
			return err
		}
	}

	c.connected = true
	c.when = time.Now()

	c.logger.WithFields(logrus.Fields{
		"session":      c.session,
		"participants": data.Participants,
	}).Infoln("media session established")

	return nil
}

func (c *Client) handleParticipantsMessage(message *sessionMessage) error {
	data := &participantsData{}
	if err := json.Unmarshal(message.Data, data); err != nil {
		return fmt.Errorf("failed to parse participants data: %w", err)
	}

	c.rtc.SetParticipantCount(data.Count)
	c.logger.WithField("count", data.Count).Debugln("media participants changed")

	return nil
}

func (c *Client) handleWebRTCMessage(message *sessionMessage) error {
	if message.Target != "" && message.Target != c.rtc.EndpointID() {
		return fmt.Errorf("target mismatch, got %v, expected %v", message.Target, c.rtc.EndpointID())
	}

	c.Lock()
	defer c.maybeNegotiateAndUnlock()

	if c.connection == nil {
		c.logger.Warnln("media signal before welcome, ignored")
		return nil
	}

	logger := c.logger.WithField("source", message.Source)

	if message.Pcid != c.rpcid {
		if c.rpcid != "" {
			logger.WithFields(logrus.Fields{
				"rpcid_old": c.rpcid,
				"rpcid":     message.Pcid,
				"pcid":      c.pcid,
			}).Debugln("rpcid has changed, replacing session connection")
			if _, err := c.createSessionConnectionLocked(); err != nil {
				return err
			}
		}
		c.rpcid = message.Pcid
	}
	pc := c.connection

	signal := &WebRTCSignal{}
	if err := json.Unmarshal(message.Data, signal); err != nil {
		return fmt.Errorf("failed to parse signal data: %w", err)
	}

	found := false

	if signal.Renegotiate {
		found = true
		// The server owns the offers of the session connection, it has no
		// business requesting negotiation here.
		logger.Warnln("received renegotiate request without being initiator")
	}

	if signal.Noop {
		return nil
	}

	if len(signal.Candidate) > 0 {
		found = true
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(signal.Candidate, &candidate); err != nil {
			return fmt.Errorf("failed to parse candidate: %w", err)
		}
		if pc.RemoteDescription() != nil {
			if err := pc.AddICECandidate(candidate); err != nil {
				return fmt.Errorf("failed to add ice candidate: %w", err)
			}
		} else {
			c.pendingCandidates = append(c.pendingCandidates, &candidate)
		}
	}

	if len(signal.SDP) > 0 {
		found = true
		var sdpType webrtc.SDPType
		if err := json.Unmarshal(signal.Type, &sdpType); err != nil {
			return fmt.Errorf("failed to parse sdp signal type: %w", err)
		}
		var sdpString string
		if err := json.Unmarshal(signal.SDP, &sdpString); err != nil {
			return fmt.Errorf("failed to parse sdp payload: %w", err)
		}

		if err := pc.SetRemoteDescription(webrtc.SessionDescription{
			Type: sdpType,
			SDP:  sdpString,
		}); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}

		for _, candidate := range c.pendingCandidates {
			if err := pc.AddICECandidate(*candidate); err != nil {
				return fmt.Errorf("failed to add queued ice candidate: %w", err)
			}
		}
		c.pendingCandidates = nil

		if sdpType == webrtc.SDPTypeOffer {
			logger.WithField("pcid", c.pcid).Debugln("offer received from initiator, creating answer")
			if err := c.createAnswerLocked(); err != nil {
				return fmt.Errorf("failed to send answer for offer: %w", err)
			}
		}
	}

	if !found {
		logger.Warnln("unknown webrtc signal, ignored")
	}

	return nil
}

// createSessionConnectionLocked replaces the session peer connection with
// a fresh one and rebinds the candidate relay. The call must hold the
// client lock.
func (c *Client) createSessionConnectionLocked() (*rtc.PeerConnection, error) {
	if previous := c.connection; previous != nil {
		c.connection = nil
		if err := c.rtc.CloseConnection(previous); err != nil {
			c.logger.WithError(err).WithField("pcid", c.pcid).Warnln("error while closing replaced session connection")
		}
		c.pendingCandidates = nil
		close(c.needsNegotiation)
		c.needsNegotiation = make(chan bool, 1)
		c.queuedNegotiation = false
		c.isNegotiating = false
	}

	pc, err := c.rtc.CreateConnection(false)
	if err != nil {
		return nil, fmt.Errorf("failed to create session connection: %w", err)
	}
	pcid := utils.NewRandomString(7)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// ICE complete.
			c.logger.WithField("pcid", pcid).Debugln("ICE complete")
			return
		}
		candidateInit := candidate.ToJSON()
		if sendErr := c.sendCandidate(&candidateInit); sendErr != nil {
			c.logger.WithError(sendErr).Warnln("failed to send candidate")
		}
	})

	c.connection = pc
	c.pcid = pcid
	c.isNegotiating = false

	c.logger.WithFields(logrus.Fields{
		"pcid":          pcid,
		"connection_id": pc.ID(),
	}).Debugln("created new session connection")

	return pc, nil
}

func (c *Client) createAnswerLocked() error {
	pc := c.connection

	sessionDescription, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err = pc.SetLocalDescription(sessionDescription); err != nil {
		return fmt.Errorf("failed to set local answer description: %w", err)
	}
	if err = c.sendDescription(pc.LocalDescription()); err != nil {
		return fmt.Errorf("failed to send answer description: %w", err)
	}

	// Answer applied, the connection is stable again.
	if c.isNegotiating {
		c.isNegotiating = false
		if c.queuedNegotiation {
			c.queuedNegotiation = false
			c.logger.WithField("pcid", c.pcid).Debugln("trigger queued negotiation")
			if err = c.negotiationNeeded(); err != nil {
				return err
			}
		}
	}

	return nil
}

// negotiationNeeded schedules a negotiation request towards the server.
// Scheduling while one is pending is a no-op.
func (c *Client) negotiationNeeded() error {
	select {
	case c.needsNegotiation <- true:
	default:
		// channel is full, so already queued.
		c.logger.WithField("pcid", c.pcid).Debugln("negotiation already needed, will only request once")
		return nil
	}
	c.logger.WithField("pcid", c.pcid).Debugln("negotiation needed")
	return nil
}

func (c *Client) maybeNegotiateAndUnlock() {
	defer c.Unlock()

	select {
	case needsNegotiation := <-c.needsNegotiation:
		if needsNegotiation {
			if err := c.negotiateLocked(); err != nil {
				c.logger.WithError(err).Errorln("failed to trigger negotiation")
			}
		}
	default:
		// No negotiation required.
	}
}

// negotiateLocked asks the server to start a negotiation round. The local
// side never creates offers for the session connection.
func (c *Client) negotiateLocked() error {
	if c.connection == nil {
		return nil
	}

	if c.isNegotiating {
		c.queuedNegotiation = true
		c.logger.Debugln("already requested negotiation from initiator, queueing")
		return nil
	}

	c.logger.WithField("pcid", c.pcid).Debugln("requesting negotiation from initiator")
	renegotiate := &WebRTCSignal{
		Renegotiate: true,
	}
	renegotiateBytes, err := json.MarshalIndent(renegotiate, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal renegotiate data: %w", err)
	}
	if err = c.send(&sessionMessage{
		Type:    typeNameWebRTC,
		Version: WebRTCPayloadVersion,
		Session: c.session,
		Source:  c.rtc.EndpointID(),
		Pcid:    c.pcid,
		Data:    renegotiateBytes,
	}); err != nil {
		return fmt.Errorf("failed to send renegotiate: %w", err)
	}
	c.isNegotiating = true

	return nil
}

// Publish creates a local track and attaches it to the session
// connection, requesting a negotiation round to announce it.
func (c *Client) Publish(videoType string, codec webrtc.RTPCodecCapability) (*rtc.LocalTrack, error) {
	track, err := c.rtc.CreateLocalTrack(videoType, codec)
	if err != nil {
		return nil, err
	}

	c.Lock()
	defer c.maybeNegotiateAndUnlock()

	if pc := c.connection; pc != nil {
		if err = pc.AddTrack(track, false); err != nil {
			c.rtc.RemoveLocalTrack(track)
			return nil, err
		}
		if err = c.negotiationNeeded(); err != nil {
			return nil, err
		}
	}

	return track, nil
}

// Unpublish detaches a local track from the session.
func (c *Client) Unpublish(track *rtc.LocalTrack) error {
	c.Lock()
	defer c.maybeNegotiateAndUnlock()

	if pc := c.connection; pc != nil {
		renegotiate, err := pc.RemoveTrack(track)
		if err != nil && !errors.Is(err, rtc.ErrUnknownTrack) {
			return err
		}
		if renegotiate {
			if err = c.negotiationNeeded(); err != nil {
				return err
			}
		}
	}
	c.rtc.RemoveLocalTrack(track)

	return nil
}

func (c *Client) sendHello() error {
	return c.send(&sessionMessage{
		Type:    typeNameHello,
		Version: WebRTCPayloadVersion,
		Source:  c.rtc.EndpointID(),
	})
}

func (c *Client) sendCandidate(init *webrtc.ICECandidateInit) error {
	candidateBytes, err := json.MarshalIndent(init, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}
	candidateData := &WebRTCSignal{
		Candidate: candidateBytes,
	}
	candidateDataBytes, err := json.MarshalIndent(candidateData, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal candidate data: %w", err)
	}

	c.RLock()
	out := &sessionMessage{
		Type:    typeNameWebRTC,
		Version: WebRTCPayloadVersion,
		Session: c.session,
		Source:  c.rtc.EndpointID(),
		Pcid:    c.pcid,
		Data:    candidateDataBytes,
	}
	c.RUnlock()

	if err = c.send(out); err != nil {
		return fmt.Errorf("failed to send candidate: %w", err)
	}

	return nil
}

func (c *Client) sendDescription(sessionDescription *webrtc.SessionDescription) error {
	sdpBytes, err := json.MarshalIndent(sessionDescription, "", "\t")
	if err != nil {
		return fmt.Errorf("failed to marshal sdp: %w", err)
	}

	out := &sessionMessage{
		Type:    typeNameWebRTC,
		Version: WebRTCPayloadVersion,
		Session: c.session,
		Source:  c.rtc.EndpointID(),
		Pcid:    c.pcid,
		Data:    sdpBytes,
	}

	c.logger.WithField("pcid", c.pcid).Debugln("sending answer")
	return c.send(out)
}

func (c *Client) send(message interface{}) error {
	ws := c.ws
	if ws == nil {
		return errors.New("no websocket connection")
	}

	var writer io.WriteCloser
	writer, err := ws.Writer(c.wsCtx, websocket.MessageText)
	if err != nil {
		return fmt.Errorf("failed to get websocket writer: %w", err)
	}
	defer writer.Close()

	encoder := json.NewEncoder(writer)
	encoder.SetIndent("", "\t")
	if err = encoder.Encode(message); err != nil {
		return fmt.Errorf("failed to marshal websocket message: %w", err)
	}

	return nil
}

// reset clears the per transport session state after the websocket died.
// The rtc instance stays, its receiver state is replayed onto the next
// bridge channel.
func (c *Client) reset() {
	c.Lock()
	defer c.Unlock()

	if previous := c.connection; previous != nil {
		c.connection = nil
		if err := c.rtc.CloseConnection(previous); err != nil {
			c.logger.WithError(err).Warnln("error while closing session connection on reset")
		}
	}
	c.session = ""
	c.pcid = ""
	c.rpcid = ""
	c.pendingCandidates = nil
	close(c.needsNegotiation)
	c.needsNegotiation = make(chan bool, 1)
	c.queuedNegotiation = false
	c.isNegotiating = false
	c.connected = false
	c.ws = nil
}
