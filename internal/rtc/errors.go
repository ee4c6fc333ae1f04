/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"errors"
)

var (
	// ErrClosed is returned by mutating operations on connections which
	// have been closed already.
	ErrClosed = errors.New("connection is closed")

	// ErrNoOpenedChannel is returned by bridge channel sends while the
	// channel transport is not open.
	ErrNoOpenedChannel = errors.New("no opened channel")

	// ErrDuplicateTrack is returned when a local track is added to a
	// connection which already holds it.
	ErrDuplicateTrack = errors.New("track already added")

	// ErrUnknownTrack is returned when a local track operation names a
	// track the connection does not hold.
	ErrUnknownTrack = errors.New("no such track")
)
