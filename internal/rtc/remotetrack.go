/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"errors"
	"io"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/sasha-s/go-deadlock"
	"github.com/sirupsen/logrus"
)

// RemoteTrack is an inbound media source owned by a PeerConnection. There
// is exactly one RemoteTrack per unique synchronization source; source map
// updates re-key an existing instance instead of recreating it.
type RemoteTrack struct {
	deadlock.RWMutex

	logger     logrus.FieldLogger
	connection *PeerConnection
	track      engineRemoteTrack

	id       string
	mid      string
	streamID string
	kind     string

	owner      string
	sourceName string
	videoType  string
	muted      bool

	ssrc uint32
	rtx  uint32

	packets uint64
	bytes   uint64

	onRTP    func(packet *rtp.Packet)
	disposed bool
}

func (remote *RemoteTrack) ID() string {
	return remote.id
}

func (remote *RemoteTrack) Mid() string {
	return remote.mid
}

func (remote *RemoteTrack) StreamID() string {
	return remote.streamID
}

func (remote *RemoteTrack) Kind() string {
	return remote.kind
}

func (remote *RemoteTrack) Owner() string {
	remote.RLock()
	defer remote.RUnlock()
	return remote.owner
}

func (remote *RemoteTrack) SourceName() string {
	remote.RLock()
	defer remote.RUnlock()
	return remote.sourceName
}

func (remote *RemoteTrack) VideoType() string {
	remote.RLock()
	defer remote.RUnlock()
	return remote.videoType
}

func (remote *RemoteTrack) Muted() bool {
	remote.RLock()
	defer remote.RUnlock()
	return remote.muted
}

func (remote *RemoteTrack) SetMuted(muted bool) {
	remote.Lock()
	defer remote.Unlock()
	remote.muted = muted
}

// SSRC returns the primary synchronization source the track is currently
// keyed by.
func (remote *RemoteTrack) SSRC() uint32 {
	remote.RLock()
	defer remote.RUnlock()
	return remote.ssrc
}

func (remote *RemoteTrack) RTX() uint32 {
	remote.RLock()
	defer remote.RUnlock()
	return remote.rtx
}

// Stats returns the packet and byte counters of the read pump.
func (remote *RemoteTrack) Stats() (packets uint64, bytes uint64) {
	remote.RLock()
	defer remote.RUnlock()
	return remote.packets, remote.bytes
}

// OnRTP registers the consumer for inbound packets. Only one handler is
// active at a time.
func (remote *RemoteTrack) OnRTP(handler func(packet *rtp.Packet)) {
	remote.Lock()
	defer remote.Unlock()
	remote.onRTP = handler
}

// RequestKeyFrame asks the sender of this track for a full picture.
func (remote *RemoteTrack) RequestKeyFrame() error {
	remote.RLock()
	ssrc := remote.ssrc
	disposed := remote.disposed
	remote.RUnlock()
	if disposed {
		return ErrClosed
	}

	return remote.connection.writeRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (remote *RemoteTrack) setSource(owner, sourceName, videoType string, muted bool) {
	remote.Lock()
	defer remote.Unlock()
	remote.owner = owner
	remote.sourceName = sourceName
	remote.videoType = videoType
	remote.muted = muted
}

// rekey moves the track onto a new primary/rtx synchronization source pair
// as announced by a source map event.
func (remote *RemoteTrack) rekey(ssrc, rtx uint32) {
	remote.Lock()
	defer remote.Unlock()
	remote.ssrc = ssrc
	remote.rtx = rtx
}

func (remote *RemoteTrack) dispose() {
	remote.Lock()
	defer remote.Unlock()
	if remote.disposed {
		return
	}
	remote.disposed = true
	remote.onRTP = nil
}

func (remote *RemoteTrack) readPump() {
	isVideo := remote.kind == "video"

	var packet *rtp.Packet
	var err error
	for {
		packet, err = remote.track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				remote.logger.WithError(err).Debugln("remote track read pump ended")
			}
			return
		}

		remote.Lock()
		if remote.disposed {
			remote.Unlock()
			return
		}
		remote.packets++
		remote.bytes += uint64(len(packet.Payload))
		handler := remote.onRTP
		remote.Unlock()

		remote.connection.pushInboundRTP(packet, isVideo)
		if handler != nil {
			handler(packet)
		}
	}
}
