/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"context"
	"fmt"
	"strings"

	"github.com/looplab/fsm"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmmedia/internal/colibri"
	"stash.kopano.io/kwm/kwmmedia/internal/jitterbuffer"
	"stash.kopano.io/kwm/kwmmedia/internal/sdp"
)

// Connection states.
const (
	stateNew         = "new"
	stateNegotiating = "negotiating"
	stateStable      = "stable"
	stateClosed      = "closed"
)

const (
	eventNegotiate = "negotiate"
	eventSettle    = "settle"
	eventClose     = "close"
)

// SourceInfo describes the signaled owner of a remote media source.
type SourceInfo struct {
	Owner      string
	SourceName string
	VideoType  string
	Muted      bool
}

// SourceResolver resolves remote synchronization sources to their signaled
// owners. When nil, ownership is parsed from the remote description's ssrc
// attribute lines.
type SourceResolver interface {
	ResolveSource(ssrc uint32) (*SourceInfo, bool)
}

type peerConnectionParams struct {
	id         string
	endpointID string
	direct     bool
	settings   *Settings
	resolver   SourceResolver
	logger     logrus.FieldLogger
}

// PeerConnection wraps one engine connection of a media session. All
// negotiation affecting operations run on a per connection serialized
// chain so a request always waits for the prior one to settle.
type PeerConnection struct {
	deadlock.RWMutex

	logger   logrus.FieldLogger
	settings *Settings

	id         string
	endpointID string
	direct     bool

	ctx    context.Context
	cancel context.CancelFunc

	conn    engineConnection
	machine *fsm.FSM
	ops     *operations
	jitter  *jitterbuffer.JitterBuffer

	localTracks  map[string]*LocalTrack
	remoteTracks map[uint32]*RemoteTrack
	seenSSRCs    map[uint32]bool

	identity  *sdp.LocalMunger
	simulcast *sdp.SimulcastMunger
	rtx       *sdp.RTXModifier

	resolver SourceResolver

	// pendingLocal is the raw engine description of the last create call,
	// signaledLocal the munged variant actually signaled to the peer.
	pendingLocal  *webrtc.SessionDescription
	signaledLocal *webrtc.SessionDescription

	lastLocalUfrag  string
	lastRemoteUfrag string

	onICEUfragChange     func(previous, current string)
	onRemoteTrack        func(remote *RemoteTrack)
	onRemoteTrackRemoved func(remote *RemoteTrack)
}

func newPeerConnection(conn engineConnection, params peerConnectionParams) *PeerConnection {
	settings := params.settings
	if settings == nil {
		settings = DefaultSettings()
	}
	logger := params.logger.WithField("pcid", params.id)
	ctx, cancel := context.WithCancel(context.Background())

	pc := &PeerConnection{
		logger:   logger,
		settings: settings,

		id:         params.id,
		endpointID: params.endpointID,
		direct:     params.direct,

		ctx:    ctx,
		cancel: cancel,

		conn: conn,
		ops:  newOperations(),

		localTracks:  make(map[string]*LocalTrack),
		remoteTracks: make(map[uint32]*RemoteTrack),
		seenSSRCs:    make(map[uint32]bool),

		identity:  sdp.NewLocalMunger(params.endpointID, params.id),
		simulcast: sdp.NewSimulcastMunger(settings.simulcastLayers(), nil),
		rtx:       sdp.NewRTXModifier(nil),

		resolver: params.resolver,
	}

	pc.machine = fsm.NewFSM(
		stateNew,
		fsm.Events{
			{Name: eventNegotiate, Src: []string{stateNew, stateStable}, Dst: stateNegotiating},
			{Name: eventSettle, Src: []string{stateNegotiating}, Dst: stateStable},
			{Name: eventClose, Src: []string{stateNew, stateNegotiating, stateStable}, Dst: stateClosed},
		},
		fsm.Callbacks{},
	)

	pc.jitter = jitterbuffer.New(params.id, &jitterbuffer.Config{
		Logger: logger,

		PLIInterval:  settings.PLIInterval,
		RembInterval: settings.RembInterval,
		Bandwidth:    settings.StartBandwidth,
	})
	if err := pc.jitter.Start(ctx); err != nil {
		logger.WithError(err).Warnln("failed to start receiver feedback loops")
	}
	jitterRtcpCh := pc.jitter.GetRTCPChan()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case pkt := <-jitterRtcpCh:
				switch pkt.(type) {
				case *rtcp.TransportLayerNack, *rtcp.ReceiverEstimatedMaximumBitrate, *rtcp.PictureLossIndication:
					if err := pc.writeRTCP([]rtcp.Packet{pkt}); err != nil {
						logger.WithError(err).Debugln("failed to write receiver feedback rtcp")
					}
				}
			}
		}
	}()

	conn.OnTrack(pc.handleRemoteTrack)
	conn.OnSignalingStateChange(func(signalingState webrtc.SignalingState) {
		logger.Debugln("onSignalingStateChange", signalingState)
		if signalingState == webrtc.SignalingStateStable {
			pc.settle()
		}
	})
	conn.OnICEConnectionStateChange(func(iceState webrtc.ICEConnectionState) {
		logger.Debugln("onICEConnectionStateChange", iceState)
	})
	conn.OnConnectionStateChange(func(connectionState webrtc.PeerConnectionState) {
		logger.Debugln("onConnectionStateChange", connectionState)
	})

	return pc
}

func (pc *PeerConnection) ID() string {
	return pc.id
}

// Direct reports whether this connection belongs to a direct peer session
// rather than a bridged one.
func (pc *PeerConnection) Direct() bool {
	return pc.direct
}

// State returns the current lifecycle state.
func (pc *PeerConnection) State() string {
	return pc.machine.Current()
}

func (pc *PeerConnection) isClosed() bool {
	return pc.machine.Current() == stateClosed
}

// OnICEUfragChange registers the notification for negotiated ICE username
// fragment changes, used by reconnection logic upstream.
func (pc *PeerConnection) OnICEUfragChange(handler func(previous, current string)) {
	pc.Lock()
	defer pc.Unlock()
	pc.onICEUfragChange = handler
}

// OnRemoteTrack registers the handler for newly constructed remote tracks.
func (pc *PeerConnection) OnRemoteTrack(handler func(remote *RemoteTrack)) {
	pc.Lock()
	defer pc.Unlock()
	pc.onRemoteTrack = handler
}

// OnRemoteTrackRemoved registers the handler for disposed remote tracks.
func (pc *PeerConnection) OnRemoteTrackRemoved(handler func(remote *RemoteTrack)) {
	pc.Lock()
	defer pc.Unlock()
	pc.onRemoteTrackRemoved = handler
}

// OnICECandidate passes local candidates through to the signaling relay.
func (pc *PeerConnection) OnICECandidate(handler func(candidate *webrtc.ICECandidate)) {
	pc.conn.OnICECandidate(handler)
}

// AddICECandidate applies a relayed remote candidate.
func (pc *PeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if pc.isClosed() {
		return ErrClosed
	}
	return pc.conn.AddICECandidate(candidate)
}

// LocalDescription returns the signaled local description, falling back
// to the raw engine description before the first SetLocalDescription.
func (pc *PeerConnection) LocalDescription() *webrtc.SessionDescription {
	pc.RLock()
	signaled := pc.signaledLocal
	pc.RUnlock()
	if signaled != nil {
		return signaled
	}
	return pc.conn.LocalDescription()
}

// RemoteDescription returns the currently applied remote description.
func (pc *PeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return pc.conn.RemoteDescription()
}

func (pc *PeerConnection) createDataChannel(label string, options *webrtc.DataChannelInit) (engineDataChannel, error) {
	if pc.isClosed() {
		return nil, ErrClosed
	}
	return pc.conn.CreateDataChannel(label, options)
}

func (pc *PeerConnection) onDataChannel(handler func(channel engineDataChannel)) {
	pc.conn.OnDataChannel(handler)
}

// AddTrack attaches a local track. Initiators get a fresh send/receive
// transceiver with encodings sized for the simulcast configuration,
// otherwise a receive only transceiver from a prior remote offer is
// reused. The negotiated media line identifier is recorded on the track.
func (pc *PeerConnection) AddTrack(track *LocalTrack, isInitiator bool) error {
	return pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.Lock()
		defer pc.Unlock()

		if _, ok := pc.localTracks[track.ID()]; ok {
			return ErrDuplicateTrack
		}

		var transceiver engineTransceiver
		var err error
		if isInitiator {
			transceiver, err = pc.conn.AddTransceiverFromTrack(track.RTP(), webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				return fmt.Errorf("failed to add transceiver for track: %w", err)
			}
		} else {
			if _, err = pc.conn.AddTrack(track.RTP()); err != nil {
				return fmt.Errorf("failed to add track: %w", err)
			}
			transceiver = pc.transceiverForTrackLocked(track)
		}

		if track.Kind() == "video" {
			track.setEncodings(defaultSenderEncodings(pc.settings.simulcastLayers()))
		}
		if transceiver != nil {
			track.setMid(transceiver.Mid())
		}
		pc.localTracks[track.ID()] = track

		pc.logger.WithFields(logrus.Fields{
			"track_id":  track.ID(),
			"kind":      track.Kind(),
			"initiator": isInitiator,
		}).Debugln("added local track")
		return nil
	})
}

// RemoveTrack detaches a local track. The returned flag reports whether a
// renegotiation is required to signal the change.
func (pc *PeerConnection) RemoveTrack(track *LocalTrack) (bool, error) {
	renegotiate := false
	err := pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.Lock()
		defer pc.Unlock()

		if _, ok := pc.localTracks[track.ID()]; !ok {
			return ErrUnknownTrack
		}

		transceiver := pc.transceiverForTrackLocked(track)
		if transceiver != nil && transceiver.Sender() != nil {
			if err := pc.conn.RemoveTrack(transceiver.Sender()); err != nil {
				return fmt.Errorf("failed to remove track: %w", err)
			}
		}
		delete(pc.localTracks, track.ID())
		renegotiate = true

		pc.logger.WithField("track_id", track.ID()).Debugln("removed local track")
		return nil
	})
	return renegotiate, err
}

// ReplaceTrack swaps oldTrack for newTrack on the owning sender without
// renegotiating when a placeholder exists. Either track may be nil: nil
// old adds a brand new source, nil new mutes or removes the old one. The
// synchronization source assignment carries over from old to new. The
// returned flag reports whether a renegotiation is required, true exactly
// when a source was added for which no placeholder transceiver existed.
func (pc *PeerConnection) ReplaceTrack(oldTrack, newTrack *LocalTrack, isMuteOperation bool) (bool, error) {
	renegotiate := false
	err := pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.Lock()
		defer pc.Unlock()

		switch {
		case oldTrack != nil && newTrack != nil:
			if _, ok := pc.localTracks[oldTrack.ID()]; !ok {
				return ErrUnknownTrack
			}
			transceiver := pc.transceiverForTrackLocked(oldTrack)
			if transceiver == nil || transceiver.Sender() == nil {
				return ErrUnknownTrack
			}
			if err := transceiver.Sender().ReplaceTrack(newTrack.RTP()); err != nil {
				return fmt.Errorf("failed to replace track: %w", err)
			}
			newTrack.setSSRC(oldTrack.SSRC())
			newTrack.setMid(oldTrack.Mid())
			newTrack.setEncodings(oldTrack.Encodings())
			delete(pc.localTracks, oldTrack.ID())
			pc.localTracks[newTrack.ID()] = newTrack

		case oldTrack == nil && newTrack != nil:
			if _, ok := pc.localTracks[newTrack.ID()]; ok {
				return ErrDuplicateTrack
			}
			before := len(pc.conn.GetTransceivers())
			if _, err := pc.conn.AddTrack(newTrack.RTP()); err != nil {
				return fmt.Errorf("failed to add track: %w", err)
			}
			// A grown transceiver list means no receive only
			// placeholder could be reused.
			renegotiate = len(pc.conn.GetTransceivers()) > before
			if newTrack.Kind() == "video" {
				newTrack.setEncodings(defaultSenderEncodings(pc.settings.simulcastLayers()))
			}
			if transceiver := pc.transceiverForTrackLocked(newTrack); transceiver != nil {
				newTrack.setMid(transceiver.Mid())
			}
			pc.localTracks[newTrack.ID()] = newTrack

		case oldTrack != nil && newTrack == nil:
			if _, ok := pc.localTracks[oldTrack.ID()]; !ok {
				return ErrUnknownTrack
			}
			transceiver := pc.transceiverForTrackLocked(oldTrack)
			if transceiver == nil || transceiver.Sender() == nil {
				return ErrUnknownTrack
			}
			if isMuteOperation {
				// Keep the transceiver as placeholder, just stop
				// feeding it.
				if err := transceiver.Sender().ReplaceTrack(nil); err != nil {
					return fmt.Errorf("failed to detach track: %w", err)
				}
			} else {
				if err := pc.conn.RemoveTrack(transceiver.Sender()); err != nil {
					return fmt.Errorf("failed to remove track: %w", err)
				}
				renegotiate = true
			}
			delete(pc.localTracks, oldTrack.ID())

		default:
			return fmt.Errorf("replace without tracks")
		}

		return nil
	})
	return renegotiate, err
}

// CreateOffer orders codec preferences, creates the engine offer and runs
// it through the local munger pipeline. The munged description is the one
// to signal, while the raw engine offer is retained for the follow up
// SetLocalDescription call since engines refuse modified descriptions.
func (pc *PeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	var description webrtc.SessionDescription
	err := pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.applyCodecPreferences()

		offer, err := pc.conn.CreateOffer(options)
		if err != nil {
			return err
		}

		munged, err := pc.mungeLocalDescription(offer)
		if err != nil {
			return err
		}
		description = munged

		pc.Lock()
		pc.pendingLocal = &offer
		pc.Unlock()

		pc.negotiate()
		return nil
	})
	return description, err
}

// CreateAnswer is the answering side counterpart of CreateOffer.
func (pc *PeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	var description webrtc.SessionDescription
	err := pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.applyCodecPreferences()

		answer, err := pc.conn.CreateAnswer(options)
		if err != nil {
			return err
		}

		munged, err := pc.mungeLocalDescription(answer)
		if err != nil {
			return err
		}
		description = munged

		pc.Lock()
		pc.pendingLocal = &answer
		pc.Unlock()

		pc.negotiate()
		return nil
	})
	return description, err
}

// SetLocalDescription applies a local description. The description is
// expected to come from CreateOffer or CreateAnswer; the matching raw
// engine description is applied to the engine while the munged one is
// recorded as the signaled local description. A changed ICE username
// fragment emits the change notification after a successful apply.
func (pc *PeerConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		raw := description
		pc.Lock()
		if pending := pc.pendingLocal; pending != nil && pending.Type == description.Type {
			raw = *pending
		}
		pc.pendingLocal = nil
		pc.Unlock()

		if err := pc.conn.SetLocalDescription(raw); err != nil {
			return fmt.Errorf("failed to set local description: %w", err)
		}

		pc.Lock()
		pc.signaledLocal = &description
		pc.Unlock()

		pc.checkUfragChange(&pc.lastLocalUfrag, description.SDP)
		if description.Type == webrtc.SDPTypeAnswer {
			pc.settle()
		}
		return nil
	})
}

// SetRemoteDescription applies a remote description after collapsing
// simulcast groups and, for direct sessions, adjusting media directions.
func (pc *PeerConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		munged, err := pc.mungeRemoteDescription(description)
		if err != nil {
			return err
		}

		if err = pc.conn.SetRemoteDescription(munged); err != nil {
			return fmt.Errorf("failed to set remote description: %w", err)
		}

		pc.checkUfragChange(&pc.lastRemoteUfrag, munged.SDP)
		if description.Type == webrtc.SDPTypeAnswer {
			pc.settle()
		}
		return nil
	})
}

// SetSenderVideoConstraints recomputes the encoding state of a video
// track for the requested send height and issues an update only when a
// field actually changed. Zero height disables every encoding.
func (pc *PeerConnection) SetSenderVideoConstraints(maxHeight int, track *LocalTrack, codec string) error {
	if maxHeight < 0 {
		return fmt.Errorf("invalid max height %d", maxHeight)
	}
	if track == nil || track.Kind() != "video" {
		return fmt.Errorf("sender video constraints need a video track")
	}

	return pc.ops.Execute(func() error {
		if pc.isClosed() {
			return ErrClosed
		}

		pc.RLock()
		_, ok := pc.localTracks[track.ID()]
		pc.RUnlock()
		if !ok {
			return ErrUnknownTrack
		}

		if codec == "" {
			codec = track.Codec().MimeType
		}
		next, changed := computeSenderEncodings(track.Encodings(), encodingRequest{
			maxHeight:      maxHeight,
			sourceHeight:   track.SourceHeight(),
			videoType:      track.VideoType(),
			codec:          codec,
			bitrates:       pc.settings.bitratesForCodec(codec),
			capScreenshare: pc.settings.CapScreenshareBitrate,
		})
		if !changed {
			pc.logger.WithField("track_id", track.ID()).Debugln("sender video constraints unchanged, skipped")
			return nil
		}

		track.setEncodings(next)
		pc.logger.WithFields(logrus.Fields{
			"track_id":   track.ID(),
			"max_height": maxHeight,
			"codec":      codec,
		}).Debugln("updated sender encodings")
		return nil
	})
}

// LocalTracks returns the currently attached local tracks.
func (pc *PeerConnection) LocalTracks() []*LocalTrack {
	pc.RLock()
	defer pc.RUnlock()
	tracks := make([]*LocalTrack, 0, len(pc.localTracks))
	for _, track := range pc.localTracks {
		tracks = append(tracks, track)
	}
	return tracks
}

// RemoteTracks returns the currently owned remote tracks.
func (pc *PeerConnection) RemoteTracks() []*RemoteTrack {
	pc.RLock()
	defer pc.RUnlock()
	tracks := make([]*RemoteTrack, 0, len(pc.remoteTracks))
	for _, track := range pc.remoteTracks {
		tracks = append(tracks, track)
	}
	return tracks
}

// RemoveRemoteTrack disposes the remote track matching the stream and
// track identifier pair. Removal of an unknown track is logged and
// otherwise a no-op.
func (pc *PeerConnection) RemoveRemoteTrack(streamID, trackID string) {
	pc.Lock()
	var found *RemoteTrack
	var key uint32
	for ssrc, remote := range pc.remoteTracks {
		if remote.streamID == streamID && remote.id == trackID {
			found = remote
			key = ssrc
			break
		}
	}
	if found == nil {
		pc.Unlock()
		pc.logger.WithFields(logrus.Fields{
			"stream_id": streamID,
			"track_id":  trackID,
		}).Errorln("removal of unknown remote track ignored")
		return
	}
	delete(pc.remoteTracks, key)
	pc.jitter.RemoveBuffer(key)
	handler := pc.onRemoteTrackRemoved
	pc.Unlock()

	found.dispose()
	if handler != nil {
		handler(found)
	}
}

// Close tears down the engine connection and disposes all owned remote
// tracks. It is idempotent.
func (pc *PeerConnection) Close() error {
	pc.Lock()
	if pc.isClosed() {
		pc.Unlock()
		return nil
	}
	if err := pc.machine.Event(context.Background(), eventClose); err != nil {
		pc.logger.WithError(err).Warnln("close state transition failed")
	}
	remotes := make([]*RemoteTrack, 0, len(pc.remoteTracks))
	for _, remote := range pc.remoteTracks {
		remotes = append(remotes, remote)
	}
	pc.remoteTracks = make(map[uint32]*RemoteTrack)
	pc.localTracks = make(map[string]*LocalTrack)
	pc.Unlock()

	pc.cancel()
	pc.jitter.Stop()
	pc.ops.GracefulClose()
	for _, remote := range remotes {
		remote.dispose()
	}

	if err := pc.conn.Close(); err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}

// applySourceMap re-keys owned remote tracks according to a source map
// announcement. Sources seen for the first time are left to the track
// event handler.
func (pc *PeerConnection) applySourceMap(sources []colibri.MappedSource) {
	pc.Lock()
	defer pc.Unlock()
	for _, source := range sources {
		if existing, ok := pc.remoteTracks[source.SSRC]; ok {
			existing.setSource(source.Owner, source.Source, existing.VideoType(), existing.Muted())
			continue
		}
		for key, remote := range pc.remoteTracks {
			if remote.SourceName() != source.Source {
				continue
			}
			delete(pc.remoteTracks, key)
			pc.jitter.RemoveBuffer(key)
			remote.rekey(source.SSRC, source.RTX)
			remote.setSource(source.Owner, source.Source, remote.VideoType(), remote.Muted())
			pc.remoteTracks[source.SSRC] = remote
			pc.seenSSRCs[source.SSRC] = true
			pc.logger.WithFields(logrus.Fields{
				"source": source.Source,
				"ssrc":   source.SSRC,
			}).Debugln("re-keyed remote track from source map")
			break
		}
	}
}

func (pc *PeerConnection) negotiate() {
	if err := pc.machine.Event(context.Background(), eventNegotiate); err != nil {
		pc.logger.WithError(err).Debugln("negotiate state transition skipped")
	}
}

func (pc *PeerConnection) settle() {
	if err := pc.machine.Event(context.Background(), eventSettle); err != nil {
		pc.logger.WithError(err).Debugln("settle state transition skipped")
	}
}

func (pc *PeerConnection) writeRTCP(packets []rtcp.Packet) error {
	if pc.isClosed() {
		return ErrClosed
	}
	return pc.conn.WriteRTCP(packets)
}

// JitterBuffer exposes the receiver side packet accounting, used by the
// debug resources.
func (pc *PeerConnection) JitterBuffer() *jitterbuffer.JitterBuffer {
	return pc.jitter
}

func (pc *PeerConnection) pushInboundRTP(packet *rtp.Packet, isVideo bool) {
	if pc.isClosed() {
		return
	}
	if err := pc.jitter.PushRTP(packet, isVideo); err != nil {
		pc.logger.WithError(err).Debugln("failed to push inbound rtp")
	}
}

// transceiverForTrackLocked finds the transceiver whose sender currently
// carries the given local track.
func (pc *PeerConnection) transceiverForTrackLocked(track *LocalTrack) engineTransceiver {
	for _, transceiver := range pc.conn.GetTransceivers() {
		sender := transceiver.Sender()
		if sender == nil {
			continue
		}
		if sender.Track() == webrtc.TrackLocal(track.RTP()) {
			return transceiver
		}
	}
	return nil
}

// applyCodecPreferences moves the configured codec list to the front of
// every video transceiver's capability set. Failures are logged, the
// engine default order then applies.
func (pc *PeerConnection) applyCodecPreferences() {
	preferences := videoCodecPreferences(pc.settings.PreferredCodecs)
	if pc.direct {
		preferences = withoutFEC(preferences)
	}
	if len(preferences) == 0 {
		return
	}
	for _, transceiver := range pc.conn.GetTransceivers() {
		if transceiver.Kind() != webrtc.RTPCodecTypeVideo {
			continue
		}
		if err := transceiver.SetCodecPreferences(preferences); err != nil {
			pc.logger.WithError(err).WithField("mid", transceiver.Mid()).Warnln("failed to set codec preferences")
		}
	}
}

func (pc *PeerConnection) mungeLocalDescription(description webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	doc, err := sdp.Parse([]byte(description.SDP))
	if err != nil {
		return description, fmt.Errorf("failed to parse local description: %w", err)
	}

	if !pc.settings.DisableSimulcast {
		pc.simulcast.ApplyLocal(doc)
	}
	if pc.settings.DisableRTX {
		pc.rtx.Strip(doc)
	} else {
		pc.rtx.Apply(doc)
	}

	pc.RLock()
	infos := make([]*sdp.TrackInfo, 0, len(pc.localTracks))
	for _, track := range pc.localTracks {
		infos = append(infos, track.trackInfo())
	}
	pc.RUnlock()
	pc.identity.Apply(doc, infos)

	sdp.ApplyOpusParameters(doc, sdp.OpusParameters{
		Stereo:            pc.settings.Audio.Stereo,
		DTX:               pc.settings.Audio.EnableDTX,
		MaxAverageBitrate: pc.settings.Audio.MaxAverageBitrate,
	})

	pc.updateLocalSSRCs(doc)

	raw, err := doc.Marshal()
	if err != nil {
		return description, fmt.Errorf("failed to serialize local description: %w", err)
	}
	return webrtc.SessionDescription{Type: description.Type, SDP: string(raw)}, nil
}

func (pc *PeerConnection) mungeRemoteDescription(description webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	doc, err := sdp.Parse([]byte(description.SDP))
	if err != nil {
		return description, fmt.Errorf("failed to parse remote description: %w", err)
	}

	pc.simulcast.ApplyRemote(doc)
	if pc.direct {
		pc.adjustRemoteDirections(doc)
	}

	raw, err := doc.Marshal()
	if err != nil {
		return description, fmt.Errorf("failed to serialize remote description: %w", err)
	}
	return webrtc.SessionDescription{Type: description.Type, SDP: string(raw)}, nil
}

// adjustRemoteDirections aligns each media section's direction with the
// actual source situation of a direct session, keeping receive capability
// alive when all local tracks were removed.
func (pc *PeerConnection) adjustRemoteDirections(doc *sdp.Document) {
	pc.RLock()
	defer pc.RUnlock()

	counters := make(map[string]int)
	for _, section := range doc.Sections() {
		kind := section.Kind()
		if kind != "audio" && kind != "video" {
			continue
		}
		index := counters[kind]
		counters[kind]++

		hasRemoteSource := len(section.SSRCs()) > 0
		hasLocalSource := false
		for _, track := range pc.localTracks {
			if track.Kind() == kind && track.Index() == index {
				hasLocalSource = true
				break
			}
		}
		// The description declares directions from the remote peer's
		// point of view, its sending side is our remote source.
		section.SetDirection(sdp.DirectionFor(hasRemoteSource, hasLocalSource))
	}
}

// updateLocalSSRCs extracts the local synchronization source map from a
// munged description and records changed assignments on the tracks.
func (pc *PeerConnection) updateLocalSSRCs(doc *sdp.Document) {
	pc.RLock()
	defer pc.RUnlock()

	for _, section := range doc.Sections() {
		msid, ok := section.Msid()
		if !ok {
			continue
		}
		ssrcs := section.SSRCs()
		if len(ssrcs) == 0 {
			continue
		}
		for _, track := range pc.localTracks {
			if !msidMatchesTrack(msid, track.ID()) {
				continue
			}
			if mid := section.Mid(); mid != "" && track.Mid() != mid {
				track.setMid(mid)
			}
			if track.SSRC() != ssrcs[0] {
				pc.logger.WithFields(logrus.Fields{
					"track_id": track.ID(),
					"ssrc":     ssrcs[0],
				}).Debugln("local track ssrc updated")
				track.setSSRC(ssrcs[0])
			}
			break
		}
	}
}

func (pc *PeerConnection) checkUfragChange(last *string, rawSDP string) {
	doc, err := sdp.Parse([]byte(rawSDP))
	if err != nil {
		return
	}
	ufrag := doc.ICEUfrag()
	if ufrag == "" || ufrag == *last {
		return
	}
	previous := *last
	*last = ufrag
	if previous == "" {
		return
	}

	pc.RLock()
	handler := pc.onICEUfragChange
	pc.RUnlock()
	pc.logger.WithFields(logrus.Fields{
		"previous": previous,
		"current":  ufrag,
	}).Debugln("ICE ufrag changed")
	if handler != nil {
		handler(previous, ufrag)
	}
}

// handleRemoteTrack constructs exactly one RemoteTrack per unique
// synchronization source. Duplicate events for a known source are
// silently ignored.
func (pc *PeerConnection) handleRemoteTrack(track engineRemoteTrack) {
	ssrc := uint32(track.SSRC())
	logger := pc.logger.WithFields(logrus.Fields{
		"track_id":   track.ID(),
		"track_kind": track.Kind(),
		"track_ssrc": ssrc,
	})

	pc.Lock()
	if pc.isClosed() {
		pc.Unlock()
		return
	}
	if _, ok := pc.remoteTracks[ssrc]; ok {
		pc.Unlock()
		logger.Debugln("duplicate remote track event ignored")
		return
	}

	mid, info := pc.resolveRemoteSourceLocked(ssrc, track.StreamID())
	remote := &RemoteTrack{
		logger:     logger,
		connection: pc,
		track:      track,

		id:       track.ID(),
		mid:      mid,
		streamID: track.StreamID(),
		kind:     track.Kind().String(),

		owner:      info.Owner,
		sourceName: info.SourceName,
		videoType:  info.VideoType,
		muted:      info.Muted,

		ssrc: ssrc,
	}
	pc.remoteTracks[ssrc] = remote
	pc.seenSSRCs[ssrc] = true
	handler := pc.onRemoteTrack
	pc.Unlock()

	logger.WithField("owner", info.Owner).Debugln("new remote track")
	go remote.readPump()
	if handler != nil {
		handler(remote)
	}
}

// msidStreamID returns the stream identifier part of a msid value.
func msidStreamID(msid string) string {
	if idx := strings.IndexByte(msid, ' '); idx >= 0 {
		return msid[:idx]
	}
	return msid
}

// msidMatchesTrack reports whether a msid value names the given track.
func msidMatchesTrack(msid, trackID string) bool {
	if idx := strings.IndexByte(msid, ' '); idx >= 0 {
		return msid[idx+1:] == trackID
	}
	return false
}

// resolveRemoteSourceLocked locates the media section of a source in the
// current remote description, matching by synchronization source first and
// stream identifier second, and resolves the signaled ownership.
func (pc *PeerConnection) resolveRemoteSourceLocked(ssrc uint32, streamID string) (string, *SourceInfo) {
	info := &SourceInfo{}
	var mid string

	if description := pc.conn.RemoteDescription(); description != nil {
		if doc, err := sdp.Parse([]byte(description.SDP)); err == nil {
			var section *sdp.MediaSection
			for _, candidate := range doc.Sections() {
				if candidate.HasSSRC(ssrc) {
					section = candidate
					break
				}
			}
			if section == nil && streamID != "" {
				for _, candidate := range doc.Sections() {
					if msid, ok := candidate.Msid(); ok && msidStreamID(msid) == streamID {
						section = candidate
						break
					}
				}
			}
			if section != nil {
				mid = section.Mid()
				if name, ok := section.SSRCAttribute(ssrc, "name"); ok {
					info.SourceName = name
					info.Owner = sdp.OwnerFromSourceName(name)
				}
				if videoType, ok := section.SSRCAttribute(ssrc, "videoType"); ok {
					info.VideoType = videoType
				}
			}
		}
	}

	if pc.resolver != nil {
		if resolved, ok := pc.resolver.ResolveSource(ssrc); ok {
			if resolved.Owner != "" {
				info.Owner = resolved.Owner
			}
			if resolved.SourceName != "" {
				info.SourceName = resolved.SourceName
			}
			if resolved.VideoType != "" {
				info.VideoType = resolved.VideoType
			}
			if resolved.Muted {
				info.Muted = true
			}
		}
	}

	return mid, info
}
