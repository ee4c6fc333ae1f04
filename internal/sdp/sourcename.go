/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"fmt"
	"strings"
)

// SourceNameForTrack derives the signaled source name for a local track from
// the owning endpoint, the media kind and the per kind track index. The name
// uses the first letter of the kind, so the first video track of endpoint
// a1b2c3 becomes a1b2c3-v0.
func SourceNameForTrack(endpointID, kind string, index int) string {
	initial := kind
	if len(initial) > 0 {
		initial = initial[:1]
	}
	return fmt.Sprintf("%s-%s%d", endpointID, initial, index)
}

// StreamIDForTrack derives the media stream identifier announced in msid
// attributes for a local track.
func StreamIDForTrack(endpointID, kind string, index int) string {
	return fmt.Sprintf("%s-%s-%d", endpointID, kind, index)
}

// OwnerFromSourceName extracts the owning endpoint from a signaled source
// name. Source names without a separator map onto themselves, which keeps
// lookups working for plain endpoint identifiers.
func OwnerFromSourceName(sourceName string) string {
	if idx := strings.LastIndex(sourceName, "-"); idx > 0 {
		return sourceName[:idx]
	}
	return sourceName
}
