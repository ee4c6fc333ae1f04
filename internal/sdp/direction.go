/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

// Direction is a media section transceiver direction.
type Direction string

const (
	DirectionUnknown  Direction = ""
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// ParseDirection maps an attribute key onto the matching Direction.
func ParseDirection(value string) (Direction, bool) {
	switch Direction(value) {
	case DirectionSendRecv, DirectionSendOnly, DirectionRecvOnly, DirectionInactive:
		return Direction(value), true
	}
	return DirectionUnknown, false
}

// IsSending reports whether media flows out in this direction.
func (direction Direction) IsSending() bool {
	return direction == DirectionSendRecv || direction == DirectionSendOnly
}

// IsReceiving reports whether media flows in in this direction.
func (direction Direction) IsReceiving() bool {
	return direction == DirectionSendRecv || direction == DirectionRecvOnly
}

// DirectionFor computes the direction a media section should declare for
// direct peer sessions, based on whether a local source is mapped to the
// section and whether the remote side announced one. At most two sources
// per media kind are supported by this scheme.
func DirectionFor(hasLocalSource, hasRemoteSource bool) Direction {
	switch {
	case hasLocalSource && hasRemoteSource:
		return DirectionSendRecv
	case hasLocalSource:
		return DirectionSendOnly
	case hasRemoteSource:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}
