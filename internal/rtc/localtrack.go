/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sasha-s/go-deadlock"

	"stash.kopano.io/kwm/kwmmedia/internal/sdp"
	"stash.kopano.io/kwm/kwmmedia/internal/utils"
)

// Video sub types as used in the videoType ssrc attribute and the source
// video type channel message.
const (
	VideoTypeCamera  = "camera"
	VideoTypeDesktop = "desktop"
)

// LocalTrack is a locally produced media source attached to connections of
// this endpoint. Its stream identifier and source name derive from the
// endpoint id, media kind and per kind index so concurrently active
// sessions never collide.
type LocalTrack struct {
	deadlock.RWMutex

	endpoint  string
	kind      string
	index     int
	videoType string

	rtp *webrtc.TrackLocalStaticRTP

	everActive   bool
	muted        bool
	sourceHeight int

	mid       string
	ssrc      uint32
	encodings []SenderEncoding
}

func NewLocalTrack(endpointID string, index int, videoType string, codec webrtc.RTPCodecCapability) (*LocalTrack, error) {
	kind := "audio"
	if strings.HasPrefix(strings.ToLower(codec.MimeType), "video/") {
		kind = "video"
	}

	rtpTrack, err := webrtc.NewTrackLocalStaticRTP(codec, utils.NewRandomGUID(), sdp.StreamIDForTrack(endpointID, kind, index))
	if err != nil {
		return nil, err
	}

	return &LocalTrack{
		endpoint:  endpointID,
		kind:      kind,
		index:     index,
		videoType: videoType,

		rtp: rtpTrack,
	}, nil
}

func (track *LocalTrack) ID() string {
	return track.rtp.ID()
}

func (track *LocalTrack) StreamID() string {
	return track.rtp.StreamID()
}

func (track *LocalTrack) SourceName() string {
	return sdp.SourceNameForTrack(track.endpoint, track.kind, track.index)
}

func (track *LocalTrack) Kind() string {
	return track.kind
}

func (track *LocalTrack) Index() int {
	return track.index
}

func (track *LocalTrack) Codec() webrtc.RTPCodecCapability {
	return track.rtp.Codec()
}

// RTP exposes the underlying engine track for transceiver attachment.
func (track *LocalTrack) RTP() *webrtc.TrackLocalStaticRTP {
	return track.rtp
}

func (track *LocalTrack) VideoType() string {
	track.RLock()
	defer track.RUnlock()
	return track.videoType
}

func (track *LocalTrack) SetVideoType(videoType string) {
	track.Lock()
	defer track.Unlock()
	track.videoType = videoType
}

// EverActive reports whether the track has carried media at least once.
// Tracks which start muted never did, and their signaling lines must not
// be synthesized.
func (track *LocalTrack) EverActive() bool {
	track.RLock()
	defer track.RUnlock()
	return track.everActive
}

func (track *LocalTrack) Muted() bool {
	track.RLock()
	defer track.RUnlock()
	return track.muted
}

func (track *LocalTrack) SetMuted(muted bool) {
	track.Lock()
	defer track.Unlock()
	track.muted = muted
}

func (track *LocalTrack) SourceHeight() int {
	track.RLock()
	defer track.RUnlock()
	return track.sourceHeight
}

func (track *LocalTrack) SetSourceHeight(height int) {
	track.Lock()
	defer track.Unlock()
	track.sourceHeight = height
}

func (track *LocalTrack) Mid() string {
	track.RLock()
	defer track.RUnlock()
	return track.mid
}

func (track *LocalTrack) setMid(mid string) {
	track.Lock()
	defer track.Unlock()
	track.mid = mid
}

// SSRC returns the primary synchronization source from the most recent
// local description, zero before the first negotiation.
func (track *LocalTrack) SSRC() uint32 {
	track.RLock()
	defer track.RUnlock()
	return track.ssrc
}

func (track *LocalTrack) setSSRC(ssrc uint32) {
	track.Lock()
	defer track.Unlock()
	track.ssrc = ssrc
}

func (track *LocalTrack) Encodings() []SenderEncoding {
	track.RLock()
	defer track.RUnlock()
	encodings := make([]SenderEncoding, len(track.encodings))
	copy(encodings, track.encodings)
	return encodings
}

func (track *LocalTrack) setEncodings(encodings []SenderEncoding) {
	track.Lock()
	defer track.Unlock()
	track.encodings = encodings
}

// WriteRTP forwards a packet to the engine track. Writes while muted are
// dropped silently, the first successful write arms the ever active flag.
func (track *LocalTrack) WriteRTP(packet *rtp.Packet) error {
	track.Lock()
	if track.muted {
		track.Unlock()
		return nil
	}
	if !track.everActive {
		track.everActive = true
	}
	track.Unlock()

	return track.rtp.WriteRTP(packet)
}

func (track *LocalTrack) trackInfo() *sdp.TrackInfo {
	track.RLock()
	defer track.RUnlock()
	return &sdp.TrackInfo{
		TrackID:    track.rtp.ID(),
		Kind:       track.kind,
		Index:      track.index,
		VideoType:  track.videoType,
		EverActive: track.everActive,
	}
}
