/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

// RTXModifier pairs video sources with retransmission sources. Pairings are
// cached per primary source so a source keeps its retransmission partner for
// the lifetime of the session, no matter how often it is renegotiated.
type RTXModifier struct {
	generate SSRCGenerator

	cache map[uint32]uint32
}

// NewRTXModifier creates a RTXModifier. A nil generator selects RandomSSRC.
func NewRTXModifier(generate SSRCGenerator) *RTXModifier {
	if generate == nil {
		generate = RandomSSRC
	}
	return &RTXModifier{
		generate: generate,

		cache: make(map[uint32]uint32),
	}
}

// Apply adds retransmission pairings for all primary video sources of the
// provided document which do not have one yet. Pairings already present in a
// section are adopted into the cache instead of being replaced. Sources
// without msid belong to the remote side and are skipped, as are receive
// only and inactive sections.
func (modifier *RTXModifier) Apply(doc *Document) {
	for _, section := range doc.Sections() {
		if section.Kind() != "video" {
			continue
		}
		direction := section.Direction()
		if direction == DirectionRecvOnly || direction == DirectionInactive {
			continue
		}

		paired := make(map[uint32]bool)
		rtxSSRCs := make(map[uint32]bool)
		for _, fid := range section.FindGroups("FID") {
			if len(fid.SSRCs) != 2 {
				continue
			}
			modifier.cache[fid.SSRCs[0]] = fid.SSRCs[1]
			paired[fid.SSRCs[0]] = true
			rtxSSRCs[fid.SSRCs[1]] = true
		}

		used := make(map[uint32]bool)
		for _, ssrc := range section.SSRCs() {
			used[ssrc] = true
		}
		for _, rtx := range modifier.cache {
			used[rtx] = true
		}

		for _, primary := range section.SSRCs() {
			if paired[primary] || rtxSSRCs[primary] {
				continue
			}
			msid, hasMsid := section.SSRCAttribute(primary, "msid")
			if !hasMsid {
				continue
			}

			rtx, ok := modifier.cache[primary]
			if !ok {
				rtx = uniqueSSRC(modifier.generate, used)
				used[rtx] = true
				modifier.cache[primary] = rtx
			}

			if cname, hasCname := section.SSRCAttribute(primary, "cname"); hasCname {
				section.AddSSRCAttribute(rtx, "cname", cname)
			}
			section.AddSSRCAttribute(rtx, "msid", msid)
			section.AddGroup(Group{Semantics: "FID", SSRCs: []uint32{primary, rtx}})
		}
	}
}

// Strip removes all retransmission pairings and their sources from the
// provided document.
func (modifier *RTXModifier) Strip(doc *Document) {
	for _, section := range doc.Sections() {
		if section.Kind() != "video" {
			continue
		}
		for _, fid := range section.FindGroups("FID") {
			if len(fid.SSRCs) == 2 {
				section.RemoveSSRC(fid.SSRCs[1])
			}
			section.RemoveGroup(fid)
		}
	}
}

// RTXFor returns the cached retransmission source for the provided primary.
func (modifier *RTXModifier) RTXFor(primary uint32) (uint32, bool) {
	rtx, ok := modifier.cache[primary]
	return rtx, ok
}

// ClearCache drops all cached pairings.
func (modifier *RTXModifier) ClearCache() {
	modifier.cache = make(map[uint32]uint32)
}
