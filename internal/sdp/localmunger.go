/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"strings"
)

// TrackInfo describes a local track for identifier munging.
type TrackInfo struct {
	TrackID    string
	Kind       string
	Index      int
	VideoType  string
	EverActive bool
}

// LocalMunger rewrites the identifiers of local session descriptions so that
// remote endpoints see stable, endpoint derived stream and source names
// instead of whatever the media engine generated. The session suffix keeps
// stream identifiers distinct when the same track is announced on several
// concurrently active connections of one endpoint.
type LocalMunger struct {
	endpointID    string
	sessionSuffix string
}

// NewLocalMunger creates a LocalMunger for the provided endpoint. The
// session suffix may be empty for endpoints with a single connection.
func NewLocalMunger(endpointID, sessionSuffix string) *LocalMunger {
	return &LocalMunger{
		endpointID:    endpointID,
		sessionSuffix: sessionSuffix,
	}
}

// Apply transforms all media sections of the provided document in place.
// Stream identifiers in msid attributes are replaced with the endpoint
// derived form, cname, label and mslabel attributes are stripped and every
// synchronization source gets a name attribute, video sources additionally a
// videoType attribute. Sections without sources, and receive only sections
// whose track never carried media, are left untouched. The transform is
// idempotent, applying it again yields the same document.
func (munger *LocalMunger) Apply(doc *Document, tracks []*TrackInfo) {
	kindIndex := make(map[string]int)

	for _, section := range doc.Sections() {
		kind := section.Kind()
		if kind != "audio" && kind != "video" {
			continue
		}
		idx := kindIndex[kind]
		kindIndex[kind]++

		ssrcs := section.SSRCs()
		if len(ssrcs) == 0 {
			continue
		}

		track := findTrack(tracks, section, kind, idx, ssrcs)
		direction := section.Direction()
		if !direction.IsSending() && direction != DirectionUnknown {
			if track == nil || !track.EverActive {
				// Receive only section which never had an active local
				// track, nothing of ours to announce here.
				continue
			}
		}

		streamID := StreamIDForTrack(munger.endpointID, kind, idx)
		if munger.sessionSuffix != "" {
			streamID = streamID + "-" + munger.sessionSuffix
		}
		sourceName := SourceNameForTrack(munger.endpointID, kind, idx)
		trackID := trackIDForSection(track, section, ssrcs)
		if trackID == "" {
			trackID = streamID
		}
		msid := streamID + " " + trackID

		for _, ssrc := range ssrcs {
			section.RemoveSSRCAttribute(ssrc, "cname")
			section.RemoveSSRCAttribute(ssrc, "label")
			section.RemoveSSRCAttribute(ssrc, "mslabel")
			section.SetSSRCAttribute(ssrc, "msid", msid)
			if _, ok := section.SSRCAttribute(ssrc, "name"); !ok {
				section.AddSSRCAttribute(ssrc, "name", sourceName)
			}
			if kind == "video" && track != nil && track.VideoType != "" {
				if _, ok := section.SSRCAttribute(ssrc, "videoType"); !ok {
					section.AddSSRCAttribute(ssrc, "videoType", track.VideoType)
				}
			}
		}

		if _, ok := section.Msid(); ok {
			section.SetMsid(msid)
		}
	}
}

func findTrack(tracks []*TrackInfo, section *MediaSection, kind string, idx int, ssrcs []uint32) *TrackInfo {
	// Prefer matching by the track identifier the engine put into msid.
	for _, ssrc := range ssrcs {
		value, ok := section.SSRCAttribute(ssrc, "msid")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) < 2 {
			continue
		}
		for _, track := range tracks {
			if track.TrackID == fields[1] {
				return track
			}
		}
	}
	for _, track := range tracks {
		if track.Kind == kind && track.Index == idx {
			return track
		}
	}
	return nil
}

func trackIDForSection(track *TrackInfo, section *MediaSection, ssrcs []uint32) string {
	if track != nil && track.TrackID != "" {
		return track.TrackID
	}
	for _, ssrc := range ssrcs {
		value, ok := section.SSRCAttribute(ssrc, "msid")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) >= 2 {
			return fields[1]
		}
	}
	return ""
}
