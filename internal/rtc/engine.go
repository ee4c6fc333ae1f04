/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"fmt"
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmmedia/config"
)

// engineConnection is the narrow surface of the underlying WebRTC stack
// used by PeerConnection. Production connections come from engine, tests
// provide fakes.
type engineConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription

	AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error)
	AddTransceiverFromTrack(track webrtc.TrackLocal, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error)
	AddTrack(track webrtc.TrackLocal) (engineSender, error)
	RemoveTrack(sender engineSender) error
	GetTransceivers() []engineTransceiver

	CreateDataChannel(label string, options *webrtc.DataChannelInit) (engineDataChannel, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnTrack(handler func(engineRemoteTrack))
	OnDataChannel(handler func(engineDataChannel))
	OnICECandidate(handler func(*webrtc.ICECandidate))
	OnSignalingStateChange(handler func(webrtc.SignalingState))
	OnICEConnectionStateChange(handler func(webrtc.ICEConnectionState))
	OnConnectionStateChange(handler func(webrtc.PeerConnectionState))

	WriteRTCP(packets []rtcp.Packet) error
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

type engineTransceiver interface {
	Mid() string
	Kind() webrtc.RTPCodecType
	Direction() webrtc.RTPTransceiverDirection
	Sender() engineSender
	SetCodecPreferences(codecs []webrtc.RTPCodecParameters) error
	Stop() error
}

type engineSender interface {
	Track() webrtc.TrackLocal
	ReplaceTrack(track webrtc.TrackLocal) error
	GetParameters() webrtc.RTPSendParameters
}

type engineRemoteTrack interface {
	ID() string
	RID() string
	StreamID() string
	SSRC() webrtc.SSRC
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, error)
}

type engineDataChannel interface {
	Label() string
	Send(data []byte) error
	OnOpen(handler func())
	OnClose(handler func())
	OnError(handler func(err error))
	OnMessage(handler func(message webrtc.DataChannelMessage))
	Close() error
}

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: webrtc.TypeRTCPFBGoogREMB},
	{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"},
	{Type: webrtc.TypeRTCPFBNACK},
	{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"},
}

// videoCodecTable holds the registered video codecs with payload type
// assignments matching the common browser defaults, rtx paired per codec.
var videoCodecTable = []webrtc.RTPCodecParameters{
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP8,
			ClockRate:    90000,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 96,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeRTX,
			ClockRate:   90000,
			SDPFmtpLine: "apt=96",
		},
		PayloadType: 97,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeVP9,
			ClockRate:    90000,
			SDPFmtpLine:  "profile-id=0",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 98,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeRTX,
			ClockRate:   90000,
			SDPFmtpLine: "apt=98",
		},
		PayloadType: 99,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeH264,
			ClockRate:    90000,
			SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f",
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 102,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeRTX,
			ClockRate:   90000,
			SDPFmtpLine: "apt=102",
		},
		PayloadType: 103,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:     webrtc.MimeTypeAV1,
			ClockRate:    90000,
			RTCPFeedback: videoRTCPFeedback,
		},
		PayloadType: 45,
	},
	{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeRTX,
			ClockRate:   90000,
			SDPFmtpLine: "apt=45",
		},
		PayloadType: 46,
	},
}

// videoCodecPreferences orders the video codec table so the configured
// codecs come first, each directly followed by its rtx companion.
func videoCodecPreferences(preferred []string) []webrtc.RTPCodecParameters {
	ordered := make([]webrtc.RTPCodecParameters, 0, len(videoCodecTable))
	taken := make(map[webrtc.PayloadType]bool)

	appendWithRTX := func(params webrtc.RTPCodecParameters) {
		if taken[params.PayloadType] {
			return
		}
		taken[params.PayloadType] = true
		ordered = append(ordered, params)
		apt := fmt.Sprintf("apt=%d", params.PayloadType)
		for _, candidate := range videoCodecTable {
			if candidate.MimeType == webrtc.MimeTypeRTX && candidate.SDPFmtpLine == apt && !taken[candidate.PayloadType] {
				taken[candidate.PayloadType] = true
				ordered = append(ordered, candidate)
			}
		}
	}

	for _, name := range preferred {
		for _, params := range videoCodecTable {
			if params.MimeType == webrtc.MimeTypeRTX {
				continue
			}
			if codecName(params.MimeType) == codecName(name) {
				appendWithRTX(params)
			}
		}
	}
	for _, params := range videoCodecTable {
		if params.MimeType == webrtc.MimeTypeRTX {
			continue
		}
		appendWithRTX(params)
	}

	return ordered
}

// withoutFEC filters forward error correction entries from a codec list,
// direct peer sessions do not negotiate those.
func withoutFEC(codecs []webrtc.RTPCodecParameters) []webrtc.RTPCodecParameters {
	filtered := make([]webrtc.RTPCodecParameters, 0, len(codecs))
	for _, params := range codecs {
		switch codecName(params.MimeType) {
		case "red", "ulpfec", "flexfec-03":
			continue
		}
		filtered = append(filtered, params)
	}
	return filtered
}

// engine builds native peer connections from one shared API handle, with
// the codec table, interceptors and ICE settings applied once.
type engine struct {
	api           *webrtc.API
	configuration webrtc.Configuration

	logger logrus.FieldLogger
}

func newEngine(c *config.Config, logger logrus.FieldLogger) (*engine, error) {
	m := &webrtc.MediaEngine{}
	if err := registerCodecs(m); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	s := webrtc.SettingEngine{
		LoggerFactory: &loggerFactory{logger},
	}
	s.SetLite(c.ICELite)

	if len(c.ICEInterfaces) > 0 {
		logger.WithField("interfaces", c.ICEInterfaces).Debugln("enabling ICE interface filter")
		iceInterfaceFilterMap := make(map[string]bool)
		for _, ifName := range c.ICEInterfaces {
			iceInterfaceFilterMap[ifName] = true
		}
		s.SetInterfaceFilter(func(i string) bool {
			return iceInterfaceFilterMap[i]
		})
	}

	if len(c.ICENetworkTypes) > 0 {
		candidateTypes := make([]webrtc.NetworkType, 0)
		for _, networkTypeString := range c.ICENetworkTypes {
			var nt webrtc.NetworkType
			switch strings.ToLower(networkTypeString) {
			case "udp4":
				nt = webrtc.NetworkTypeUDP4
			case "udp6":
				nt = webrtc.NetworkTypeUDP6
			case "tcp4":
				nt = webrtc.NetworkTypeTCP4
			case "tcp6":
				nt = webrtc.NetworkTypeTCP6
			default:
				logger.WithField("type", networkTypeString).Warnln("unsupported network type, skipped")
				continue
			}
			candidateTypes = append(candidateTypes, nt)
		}
		if len(candidateTypes) == 0 {
			logger.Errorln("ICE candidate network type list is empty, continuing anyway")
		}
		logger.WithField("types", candidateTypes).Debugln("enabling limit of ICE candidate network type")
		s.SetNetworkTypes(candidateTypes)
	}

	if c.ICEEphemeralUDPPortRange[1] != 0 {
		logger.WithFields(logrus.Fields{
			"min": c.ICEEphemeralUDPPortRange[0],
			"max": c.ICEEphemeralUDPPortRange[1],
		}).Debugln("limiting ICE ports")
		if err := s.SetEphemeralUDPPortRange(c.ICEEphemeralUDPPortRange[0], c.ICEEphemeralUDPPortRange[1]); err != nil {
			return nil, fmt.Errorf("failed to set ICE port range: %w", err)
		}
	}

	return &engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithSettingEngine(s),
			webrtc.WithInterceptorRegistry(i),
		),
		configuration: webrtc.Configuration{
			ICEServers:   []webrtc.ICEServer{},
			SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
		},

		logger: logger,
	}, nil
}

// registerCodecs installs the codec table with payload type assignments
// matching the common browser defaults, rtx paired per video codec.
func registerCodecs(m *webrtc.MediaEngine) error {
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}

	for _, params := range videoCodecTable {
		if err := m.RegisterCodec(params, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{
		URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level",
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register header extension: %w", err)
	}
	for _, uri := range []string{
		"urn:ietf:params:rtp-hdrext:sdes:mid",
		"urn:ietf:params:rtp-hdrext:sdes:rtp-stream-id",
		"urn:ietf:params:rtp-hdrext:sdes:repaired-rtp-stream-id",
	} {
		if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, webrtc.RTPCodecTypeVideo); err != nil {
			return fmt.Errorf("failed to register header extension: %w", err)
		}
	}

	return nil
}

func (e *engine) newConnection() (engineConnection, error) {
	pc, err := e.api.NewPeerConnection(e.configuration)
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}

	return &pionConnection{pc: pc}, nil
}

// pionConnection adapts *webrtc.PeerConnection onto engineConnection.
type pionConnection struct {
	pc *webrtc.PeerConnection
}

func (c *pionConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateOffer(options)
}

func (c *pionConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return c.pc.CreateAnswer(options)
}

func (c *pionConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return c.pc.SetLocalDescription(description)
}

func (c *pionConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(description)
}

func (c *pionConnection) LocalDescription() *webrtc.SessionDescription {
	return c.pc.LocalDescription()
}

func (c *pionConnection) RemoteDescription() *webrtc.SessionDescription {
	return c.pc.RemoteDescription()
}

func (c *pionConnection) AddTransceiverFromKind(kind webrtc.RTPCodecType, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error) {
	transceiver, err := c.pc.AddTransceiverFromKind(kind, init...)
	if err != nil {
		return nil, err
	}
	return &pionTransceiver{transceiver: transceiver}, nil
}

func (c *pionConnection) AddTransceiverFromTrack(track webrtc.TrackLocal, init ...webrtc.RTPTransceiverInit) (engineTransceiver, error) {
	transceiver, err := c.pc.AddTransceiverFromTrack(track, init...)
	if err != nil {
		return nil, err
	}
	return &pionTransceiver{transceiver: transceiver}, nil
}

func (c *pionConnection) AddTrack(track webrtc.TrackLocal) (engineSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &pionSender{sender: sender}, nil
}

func (c *pionConnection) RemoveTrack(sender engineSender) error {
	pion, ok := sender.(*pionSender)
	if !ok {
		return fmt.Errorf("unexpected sender type %T", sender)
	}
	return c.pc.RemoveTrack(pion.sender)
}

func (c *pionConnection) GetTransceivers() []engineTransceiver {
	transceivers := c.pc.GetTransceivers()
	wrapped := make([]engineTransceiver, 0, len(transceivers))
	for _, transceiver := range transceivers {
		wrapped = append(wrapped, &pionTransceiver{transceiver: transceiver})
	}
	return wrapped
}

func (c *pionConnection) CreateDataChannel(label string, options *webrtc.DataChannelInit) (engineDataChannel, error) {
	dataChannel, err := c.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dataChannel: dataChannel}, nil
}

func (c *pionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

func (c *pionConnection) OnTrack(handler func(engineRemoteTrack)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		handler(&pionRemoteTrack{track: track})
	})
}

func (c *pionConnection) OnDataChannel(handler func(engineDataChannel)) {
	c.pc.OnDataChannel(func(dataChannel *webrtc.DataChannel) {
		handler(&pionDataChannel{dataChannel: dataChannel})
	})
}

func (c *pionConnection) OnICECandidate(handler func(*webrtc.ICECandidate)) {
	c.pc.OnICECandidate(handler)
}

func (c *pionConnection) OnSignalingStateChange(handler func(webrtc.SignalingState)) {
	c.pc.OnSignalingStateChange(handler)
}

func (c *pionConnection) OnICEConnectionStateChange(handler func(webrtc.ICEConnectionState)) {
	c.pc.OnICEConnectionStateChange(handler)
}

func (c *pionConnection) OnConnectionStateChange(handler func(webrtc.PeerConnectionState)) {
	c.pc.OnConnectionStateChange(handler)
}

func (c *pionConnection) WriteRTCP(packets []rtcp.Packet) error {
	return c.pc.WriteRTCP(packets)
}

func (c *pionConnection) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}

func (c *pionConnection) ConnectionState() webrtc.PeerConnectionState {
	return c.pc.ConnectionState()
}

func (c *pionConnection) Close() error {
	return c.pc.Close()
}

type pionTransceiver struct {
	transceiver *webrtc.RTPTransceiver
}

func (t *pionTransceiver) Mid() string {
	return t.transceiver.Mid()
}

func (t *pionTransceiver) Kind() webrtc.RTPCodecType {
	return t.transceiver.Kind()
}

func (t *pionTransceiver) Direction() webrtc.RTPTransceiverDirection {
	return t.transceiver.Direction()
}

func (t *pionTransceiver) Sender() engineSender {
	sender := t.transceiver.Sender()
	if sender == nil {
		return nil
	}
	return &pionSender{sender: sender}
}

func (t *pionTransceiver) SetCodecPreferences(codecs []webrtc.RTPCodecParameters) error {
	return t.transceiver.SetCodecPreferences(codecs)
}

func (t *pionTransceiver) Stop() error {
	return t.transceiver.Stop()
}

type pionSender struct {
	sender *webrtc.RTPSender
}

func (s *pionSender) Track() webrtc.TrackLocal {
	return s.sender.Track()
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.sender.ReplaceTrack(track)
}

func (s *pionSender) GetParameters() webrtc.RTPSendParameters {
	return s.sender.GetParameters()
}

type pionRemoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *pionRemoteTrack) ID() string {
	return t.track.ID()
}

func (t *pionRemoteTrack) RID() string {
	return t.track.RID()
}

func (t *pionRemoteTrack) StreamID() string {
	return t.track.StreamID()
}

func (t *pionRemoteTrack) SSRC() webrtc.SSRC {
	return t.track.SSRC()
}

func (t *pionRemoteTrack) Kind() webrtc.RTPCodecType {
	return t.track.Kind()
}

func (t *pionRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return t.track.Codec()
}

func (t *pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	packet, _, err := t.track.ReadRTP()
	return packet, err
}

type pionDataChannel struct {
	dataChannel *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string {
	return d.dataChannel.Label()
}

func (d *pionDataChannel) Send(data []byte) error {
	return d.dataChannel.Send(data)
}

func (d *pionDataChannel) OnOpen(handler func()) {
	d.dataChannel.OnOpen(handler)
}

func (d *pionDataChannel) OnClose(handler func()) {
	d.dataChannel.OnClose(handler)
}

func (d *pionDataChannel) OnError(handler func(err error)) {
	d.dataChannel.OnError(handler)
}

func (d *pionDataChannel) OnMessage(handler func(message webrtc.DataChannelMessage)) {
	d.dataChannel.OnMessage(handler)
}

func (d *pionDataChannel) Close() error {
	return d.dataChannel.Close()
}
