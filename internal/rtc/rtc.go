/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/orcaman/concurrent-map"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmmedia/internal/colibri"
	"stash.kopano.io/kwm/kwmmedia/internal/utils"
)

// sourceRecord caches the announced mapping of one remote source.
type sourceRecord struct {
	name  string
	owner string
	ssrc  uint32
	rtx   uint32
}

// RTC is the top level media session service. It owns the wrapped peer
// connections, the local track registry and at most one bridge channel,
// and routes bridge events to the right receivers. Receiver side wishes
// like lastN are cached per concern and the latest value is replayed
// whenever the bridge channel opens.
type RTC struct {
	id string

	options  *Options
	settings *Settings
	logger   logrus.FieldLogger

	endpointID string

	engine *engine

	connectionIDCounter uint64

	trackIndexMutex deadlock.Mutex
	trackIndexes    map[string]int

	connections cmap.ConcurrentMap
	tracks      cmap.ConcurrentMap
	sources     cmap.ConcurrentMap

	channelMutex deadlock.RWMutex
	channel      *BridgeChannel

	participants int64

	cacheMutex     deadlock.RWMutex
	lastN          *int
	selected       []string
	onStage        []string
	defaultHeight  *int
	sourceHeights  map[string]int
	constraintsSet bool
	audioMode      string
	audioList      []string
	audioSet       bool

	handlersMutex        deadlock.RWMutex
	onEvent              func(event colibri.Event)
	onRemoteTrack        func(connection *PeerConnection, remote *RemoteTrack)
	onRemoteTrackRemoved func(connection *PeerConnection, remote *RemoteTrack)
}

// NewRTC creates a RTC with a native media engine built from the provided
// options.
func NewRTC(options *Options) (*RTC, error) {
	if options == nil || options.Config == nil {
		return nil, errors.New("options with config cannot be nil")
	}
	logger := options.Logger
	if logger == nil {
		return nil, errors.New("options logger cannot be nil")
	}

	engine, err := newEngine(options.Config, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media engine: %w", err)
	}

	rtc := newRTC(options, logger)
	rtc.engine = engine

	return rtc, nil
}

func newRTC(options *Options, logger logrus.FieldLogger) *RTC {
	if options == nil {
		options = &Options{}
	}
	settings := options.Settings
	if settings == nil {
		settings = DefaultSettings()
	}
	endpointID := options.EndpointID
	if endpointID == "" {
		endpointID = utils.NewRandomString(8)
	}

	return &RTC{
		id: utils.NewRandomGUID(),

		options:  options,
		settings: settings,
		logger:   logger.WithField("endpoint", endpointID),

		endpointID: endpointID,

		trackIndexes: make(map[string]int),

		connections: cmap.New(),
		tracks:      cmap.New(),
		sources:     cmap.New(),

		sourceHeights: make(map[string]int),
		audioMode:     colibri.AudioSubscriptionAll,
	}
}

// ID returns the unique id of this RTC instance.
func (rtc *RTC) ID() string {
	return rtc.id
}

// EndpointID returns the endpoint identity used for all local sources.
func (rtc *RTC) EndpointID() string {
	return rtc.endpointID
}

// OnEvent registers the handler receiving all decoded bridge events after
// internal processing.
func (rtc *RTC) OnEvent(handler func(event colibri.Event)) {
	rtc.handlersMutex.Lock()
	defer rtc.handlersMutex.Unlock()
	rtc.onEvent = handler
}

// OnRemoteTrack registers the handler for new remote tracks on any owned
// connection.
func (rtc *RTC) OnRemoteTrack(handler func(connection *PeerConnection, remote *RemoteTrack)) {
	rtc.handlersMutex.Lock()
	defer rtc.handlersMutex.Unlock()
	rtc.onRemoteTrack = handler
}

// OnRemoteTrackRemoved registers the handler for removed remote tracks.
func (rtc *RTC) OnRemoteTrackRemoved(handler func(connection *PeerConnection, remote *RemoteTrack)) {
	rtc.handlersMutex.Lock()
	defer rtc.handlersMutex.Unlock()
	rtc.onRemoteTrackRemoved = handler
}

// CreateConnection builds and registers a new wrapped peer connection.
func (rtc *RTC) CreateConnection(direct bool) (*PeerConnection, error) {
	if rtc.engine == nil {
		return nil, errors.New("rtc has no media engine")
	}
	conn, err := rtc.engine.newConnection()
	if err != nil {
		return nil, err
	}
	return rtc.createConnection(conn, direct), nil
}

func (rtc *RTC) createConnection(conn engineConnection, direct bool) *PeerConnection {
	id := strconv.FormatUint(atomic.AddUint64(&rtc.connectionIDCounter, 1), 10)

	pc := newPeerConnection(conn, peerConnectionParams{
		id:         id,
		endpointID: rtc.endpointID,
		direct:     direct,
		settings:   rtc.settings,
		resolver:   rtc,
		logger:     rtc.logger,
	})
	pc.OnRemoteTrack(func(remote *RemoteTrack) {
		rtc.handleRemoteTrack(pc, remote)
	})
	pc.OnRemoteTrackRemoved(func(remote *RemoteTrack) {
		rtc.handleRemoteTrackRemoved(pc, remote)
	})

	rtc.connections.Set(id, pc)
	rtc.logger.WithField("pcid", id).Debugln("created peer connection")
	return pc
}

// Connection returns the registered connection with the provided id.
func (rtc *RTC) Connection(id string) (*PeerConnection, bool) {
	value, ok := rtc.connections.Get(id)
	if !ok {
		return nil, false
	}
	return value.(*PeerConnection), true
}

// Connections returns all registered connections.
func (rtc *RTC) Connections() []*PeerConnection {
	connections := make([]*PeerConnection, 0, rtc.connections.Count())
	rtc.connections.IterCb(func(key string, value interface{}) {
		connections = append(connections, value.(*PeerConnection))
	})
	return connections
}

// CloseConnection closes a connection and removes it from the registry.
func (rtc *RTC) CloseConnection(pc *PeerConnection) error {
	rtc.connections.Remove(pc.ID())
	return pc.Close()
}

// CreateLocalTrack mints a local track with the next per kind ordinal and
// registers it.
func (rtc *RTC) CreateLocalTrack(videoType string, codec webrtc.RTPCodecCapability) (*LocalTrack, error) {
	kind := "audio"
	if strings.HasPrefix(strings.ToLower(codec.MimeType), "video/") {
		kind = "video"
	}
	rtc.trackIndexMutex.Lock()
	index := rtc.trackIndexes[kind]
	rtc.trackIndexes[kind]++
	rtc.trackIndexMutex.Unlock()

	track, err := NewLocalTrack(rtc.endpointID, index, videoType, codec)
	if err != nil {
		return nil, err
	}
	rtc.tracks.Set(track.ID(), track)

	rtc.logger.WithFields(logrus.Fields{
		"track_id": track.ID(),
		"source":   track.SourceName(),
	}).Debugln("created local track")
	return track, nil
}

// RemoveLocalTrack removes a track from the registry and detaches it from
// every connection which carries it.
func (rtc *RTC) RemoveLocalTrack(track *LocalTrack) {
	rtc.tracks.Remove(track.ID())
	rtc.connections.IterCb(func(key string, value interface{}) {
		pc := value.(*PeerConnection)
		if _, err := pc.RemoveTrack(track); err != nil {
			if !errors.Is(err, ErrUnknownTrack) && !errors.Is(err, ErrClosed) {
				rtc.logger.WithError(err).WithField("track_id", track.ID()).Warnln("failed to remove local track from connection")
			}
		}
	})
}

// LocalTracks returns all registered local tracks.
func (rtc *RTC) LocalTracks() []*LocalTrack {
	tracks := make([]*LocalTrack, 0, rtc.tracks.Count())
	rtc.tracks.IterCb(func(key string, value interface{}) {
		tracks = append(tracks, value.(*LocalTrack))
	})
	return tracks
}

func (rtc *RTC) localTrackBySourceName(sourceName string) *LocalTrack {
	var found *LocalTrack
	rtc.tracks.IterCb(func(key string, value interface{}) {
		track := value.(*LocalTrack)
		if track.SourceName() == sourceName {
			found = track
		}
	})
	return found
}

// SetParticipantCount updates the known participant count of the session,
// used to decide whether a bridge shutdown ends the session for good.
func (rtc *RTC) SetParticipantCount(count int) {
	atomic.StoreInt64(&rtc.participants, int64(count))
}

func (rtc *RTC) countParticipants() int {
	return int(atomic.LoadInt64(&rtc.participants))
}

// ParticipantCount returns the last announced session participant count.
func (rtc *RTC) ParticipantCount() int {
	return rtc.countParticipants()
}

// OpenBridgeChannel binds the bridge channel to a data channel created on
// the provided connection. A previously bound channel is closed.
func (rtc *RTC) OpenBridgeChannel(pc *PeerConnection, label string) error {
	dataChannel, err := pc.createDataChannel(label, nil)
	if err != nil {
		return fmt.Errorf("failed to create bridge data channel: %w", err)
	}
	channel, err := newBridgeChannel(bridgeChannelOptions{
		dataChannel:      dataChannel,
		participantCount: rtc.countParticipants,
		logger:           rtc.logger.WithField("transport", "datachannel"),
	})
	if err != nil {
		return err
	}
	rtc.bindChannel(channel)
	return nil
}

// OpenBridgeChannelWithURL binds the bridge channel to a dedicated
// websocket. A previously bound channel is closed.
func (rtc *RTC) OpenBridgeChannelWithURL(ctx context.Context, url string) error {
	channel, err := newBridgeChannel(bridgeChannelOptions{
		url:              url,
		httpClient:       rtc.options.HTTPClient,
		participantCount: rtc.countParticipants,
		logger:           rtc.logger.WithField("transport", "websocket"),
	})
	if err != nil {
		return err
	}
	rtc.bindChannel(channel)
	return channel.Connect(ctx)
}

func (rtc *RTC) bindChannel(channel *BridgeChannel) {
	channel.OnOpen(func() {
		rtc.handleChannelOpen(channel)
	})
	channel.OnEvent(rtc.handleChannelEvent)
	channel.OnClosed(func(err error) {
		logger := rtc.logger
		if err != nil {
			logger = logger.WithError(err)
		}
		logger.Warnln("bridge channel closed")
	})

	rtc.channelMutex.Lock()
	previous := rtc.channel
	rtc.channel = channel
	rtc.channelMutex.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			rtc.logger.WithError(err).Warnln("failed to close replaced bridge channel")
		}
	}
}

func (rtc *RTC) getChannel() *BridgeChannel {
	rtc.channelMutex.RLock()
	defer rtc.channelMutex.RUnlock()
	return rtc.channel
}

// BridgeChannel returns the currently bound bridge channel, nil when none
// was opened yet.
func (rtc *RTC) BridgeChannel() *BridgeChannel {
	return rtc.getChannel()
}

// BridgeChannelState returns the state of the bound bridge channel.
func (rtc *RTC) BridgeChannelState() string {
	channel := rtc.getChannel()
	if channel == nil {
		return channelStateNew
	}
	return channel.State()
}

// SetLastN announces how many remote video streams this endpoint wants to
// receive at most, -1 for no limit. The latest value is cached and
// replayed whenever the bridge channel opens.
func (rtc *RTC) SetLastN(lastN int) error {
	if lastN < -1 {
		return fmt.Errorf("invalid lastN %d", lastN)
	}
	rtc.cacheMutex.Lock()
	rtc.lastN = &lastN
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendLastN(lastN)
	})
}

// SetSelectedSources marks sources as selected by the local user, giving
// them receive priority.
func (rtc *RTC) SetSelectedSources(sources []string) error {
	rtc.cacheMutex.Lock()
	rtc.selected = append([]string(nil), sources...)
	rtc.constraintsSet = true
	constraints := rtc.buildReceiverConstraintsLocked()
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendReceiverVideoConstraints(constraints)
	})
}

// SetOnStageSources marks sources as pinned to the stage.
func (rtc *RTC) SetOnStageSources(sources []string) error {
	rtc.cacheMutex.Lock()
	rtc.onStage = append([]string(nil), sources...)
	rtc.constraintsSet = true
	constraints := rtc.buildReceiverConstraintsLocked()
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendReceiverVideoConstraints(constraints)
	})
}

// SetReceiverMaxHeight sets the default maximum height wanted for all
// received video sources.
func (rtc *RTC) SetReceiverMaxHeight(height int) error {
	if height < 0 {
		return fmt.Errorf("invalid max height %d", height)
	}
	rtc.cacheMutex.Lock()
	rtc.defaultHeight = &height
	rtc.constraintsSet = true
	constraints := rtc.buildReceiverConstraintsLocked()
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendReceiverVideoConstraints(constraints)
	})
}

// SetSourceMaxHeight sets the maximum height wanted for one received
// video source, overriding the default.
func (rtc *RTC) SetSourceMaxHeight(sourceName string, height int) error {
	if height < 0 {
		return fmt.Errorf("invalid max height %d", height)
	}
	rtc.cacheMutex.Lock()
	rtc.sourceHeights[sourceName] = height
	rtc.constraintsSet = true
	constraints := rtc.buildReceiverConstraintsLocked()
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendReceiverVideoConstraints(constraints)
	})
}

// SetReceiverAudioSubscription announces which remote audio sources this
// endpoint wants to receive.
func (rtc *RTC) SetReceiverAudioSubscription(mode string, list []string) error {
	switch mode {
	case colibri.AudioSubscriptionAll, colibri.AudioSubscriptionNone:
		list = nil
	case colibri.AudioSubscriptionInclude, colibri.AudioSubscriptionExclude:
	default:
		return fmt.Errorf("invalid audio subscription mode %q", mode)
	}
	rtc.cacheMutex.Lock()
	rtc.audioMode = mode
	rtc.audioList = append([]string(nil), list...)
	rtc.audioSet = true
	rtc.cacheMutex.Unlock()

	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendReceiverAudioSubscription(mode, list)
	})
}

// SendEndpointMessage transports an application payload to another
// endpoint through the bridge channel. Unlike the receiver state setters
// this is not cached, sending without an open channel fails.
func (rtc *RTC) SendEndpointMessage(to string, payload json.RawMessage) error {
	channel := rtc.getChannel()
	if channel == nil {
		return ErrNoOpenedChannel
	}
	return channel.SendEndpointMessage(to, payload)
}

// SendEndpointStats transports endpoint statistics to the bridge.
func (rtc *RTC) SendEndpointStats(stats map[string]interface{}) error {
	channel := rtc.getChannel()
	if channel == nil {
		return ErrNoOpenedChannel
	}
	return channel.SendEndpointStats(stats)
}

// SendSourceVideoType announces that a local source switched between
// camera and desktop sharing.
func (rtc *RTC) SendSourceVideoType(track *LocalTrack, videoType string) error {
	track.SetVideoType(videoType)
	return rtc.sendOrCache(func(channel *BridgeChannel) error {
		return channel.SendSourceVideoType(track.SourceName(), videoType)
	})
}

// sendOrCache delivers an update when the bridge channel is open and
// otherwise leaves it to the replay on the next open.
func (rtc *RTC) sendOrCache(send func(channel *BridgeChannel) error) error {
	channel := rtc.getChannel()
	if channel == nil || !channel.IsOpen() {
		rtc.logger.Debugln("bridge channel not open, cached for replay")
		return nil
	}
	err := send(channel)
	if errors.Is(err, ErrNoOpenedChannel) {
		return nil
	}
	return err
}

// buildReceiverConstraintsLocked assembles the full receiver video
// constraint set from the cache. The cache mutex must be held.
func (rtc *RTC) buildReceiverConstraintsLocked() *colibri.ReceiverVideoConstraintsMessage {
	message := colibri.NewReceiverVideoConstraintsMessage()
	if rtc.lastN != nil {
		lastN := *rtc.lastN
		message.LastN = &lastN
	}
	message.SelectedSources = append([]string(nil), rtc.selected...)
	message.OnStageSources = append([]string(nil), rtc.onStage...)
	if rtc.defaultHeight != nil {
		message.DefaultConstraints = &colibri.SourceConstraint{MaxHeight: *rtc.defaultHeight}
	}
	if len(rtc.sourceHeights) > 0 {
		message.Constraints = make(map[string]colibri.SourceConstraint, len(rtc.sourceHeights))
		for name, height := range rtc.sourceHeights {
			message.Constraints[name] = colibri.SourceConstraint{MaxHeight: height}
		}
	}
	return message
}

// handleChannelOpen replays the latest cached receiver state, one message
// per concern.
func (rtc *RTC) handleChannelOpen(channel *BridgeChannel) {
	if rtc.getChannel() != channel {
		rtc.logger.Debugln("open of replaced bridge channel ignored")
		return
	}

	rtc.cacheMutex.RLock()
	var lastN *int
	if rtc.lastN != nil {
		value := *rtc.lastN
		lastN = &value
	}
	var constraints *colibri.ReceiverVideoConstraintsMessage
	if rtc.constraintsSet {
		constraints = rtc.buildReceiverConstraintsLocked()
	}
	audioSet := rtc.audioSet
	audioMode := rtc.audioMode
	audioList := append([]string(nil), rtc.audioList...)
	rtc.cacheMutex.RUnlock()

	rtc.logger.Infoln("bridge channel open, replaying receiver state")

	if lastN != nil {
		if err := channel.SendLastN(*lastN); err != nil {
			rtc.logger.WithError(err).Warnln("failed to replay lastN")
		}
	}
	if constraints != nil {
		if err := channel.SendReceiverVideoConstraints(constraints); err != nil {
			rtc.logger.WithError(err).Warnln("failed to replay receiver video constraints")
		}
	}
	if audioSet {
		if err := channel.SendReceiverAudioSubscription(audioMode, audioList); err != nil {
			rtc.logger.WithError(err).Warnln("failed to replay receiver audio subscription")
		}
	}
}

func (rtc *RTC) handleChannelEvent(event colibri.Event) {
	switch event := event.(type) {
	case *colibri.ServerHelloEvent:
		rtc.logger.WithField("version", event.Version).Infoln("bridge channel server hello")
	case *colibri.VideoSourcesMapEvent:
		rtc.handleSourcesMap(event.MappedSources)
	case *colibri.AudioSourcesMapEvent:
		rtc.handleSourcesMap(event.MappedSources)
	case *colibri.SenderSourceConstraintsEvent:
		rtc.handleSenderSourceConstraints(event)
	}

	rtc.handlersMutex.RLock()
	handler := rtc.onEvent
	rtc.handlersMutex.RUnlock()
	if handler != nil {
		handler(event)
	}
}

// handleSourcesMap records announced source mappings and re-keys the
// remote tracks of all connections accordingly.
func (rtc *RTC) handleSourcesMap(sources []colibri.MappedSource) {
	for _, source := range sources {
		rtc.sources.Set(ssrcKey(source.SSRC), &sourceRecord{
			name:  source.Source,
			owner: source.Owner,
			ssrc:  source.SSRC,
			rtx:   source.RTX,
		})
	}
	rtc.connections.IterCb(func(key string, value interface{}) {
		value.(*PeerConnection).applySourceMap(sources)
	})
}

// ResolveSource implements SourceResolver with the source maps announced
// by the bridge.
func (rtc *RTC) ResolveSource(ssrc uint32) (*SourceInfo, bool) {
	value, ok := rtc.sources.Get(ssrcKey(ssrc))
	if !ok {
		return nil, false
	}
	record := value.(*sourceRecord)
	return &SourceInfo{
		Owner:      record.owner,
		SourceName: record.name,
	}, true
}

func (rtc *RTC) handleSenderSourceConstraints(event *colibri.SenderSourceConstraintsEvent) {
	track := rtc.localTrackBySourceName(event.SourceName)
	if track == nil {
		rtc.logger.WithField("source", event.SourceName).Debugln("sender source constraints for unknown source ignored")
		return
	}
	rtc.connections.IterCb(func(key string, value interface{}) {
		pc := value.(*PeerConnection)
		if err := pc.SetSenderVideoConstraints(event.MaxHeight, track, ""); err != nil {
			if !errors.Is(err, ErrUnknownTrack) && !errors.Is(err, ErrClosed) {
				rtc.logger.WithError(err).WithField("source", event.SourceName).Warnln("failed to apply sender source constraints")
			}
		}
	})
}

func (rtc *RTC) handleRemoteTrack(pc *PeerConnection, remote *RemoteTrack) {
	rtc.handlersMutex.RLock()
	handler := rtc.onRemoteTrack
	rtc.handlersMutex.RUnlock()
	if handler != nil {
		handler(pc, remote)
	}
}

func (rtc *RTC) handleRemoteTrackRemoved(pc *PeerConnection, remote *RemoteTrack) {
	rtc.handlersMutex.RLock()
	handler := rtc.onRemoteTrackRemoved
	rtc.handlersMutex.RUnlock()
	if handler != nil {
		handler(pc, remote)
	}
}

// Close tears everything down, the bridge channel first, then all peer
// connections, finally the local track registry.
func (rtc *RTC) Close() error {
	rtc.channelMutex.Lock()
	channel := rtc.channel
	rtc.channel = nil
	rtc.channelMutex.Unlock()
	if channel != nil {
		if err := channel.Close(); err != nil {
			rtc.logger.WithError(err).Warnln("failed to close bridge channel")
		}
	}

	for _, item := range rtc.connections.Items() {
		pc := item.(*PeerConnection)
		rtc.connections.Remove(pc.ID())
		if err := pc.Close(); err != nil {
			rtc.logger.WithError(err).WithField("pcid", pc.ID()).Warnln("failed to close peer connection")
		}
	}

	for id := range rtc.tracks.Items() {
		rtc.tracks.Remove(id)
	}

	rtc.logger.Debugln("rtc closed")
	return nil
}

func ssrcKey(ssrc uint32) string {
	return strconv.FormatUint(uint64(ssrc), 10)
}
