/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

// DefaultSimulcastLayers is the number of simulcast layers announced for
// video sources when nothing else is configured.
const DefaultSimulcastLayers = 3

// SimulcastMunger fabricates simulcast layers in local session descriptions
// and collapses them in remote ones. Fabricated sources are cached per mid so
// that every renegotiation announces the same layer set.
type SimulcastMunger struct {
	layers   int
	generate SSRCGenerator

	cache map[string][]uint32
}

// NewSimulcastMunger creates a SimulcastMunger. A layers value of zero
// selects DefaultSimulcastLayers, a nil generator selects RandomSSRC.
func NewSimulcastMunger(layers int, generate SSRCGenerator) *SimulcastMunger {
	if layers <= 0 {
		layers = DefaultSimulcastLayers
	}
	if generate == nil {
		generate = RandomSSRC
	}
	return &SimulcastMunger{
		layers:   layers,
		generate: generate,

		cache: make(map[string][]uint32),
	}
}

// ApplyLocal adds the missing simulcast layers to all sending video sections
// of the provided document. Sections which already carry any source group,
// carry no source at all or carry more than one source are left alone, which
// makes the transform idempotent. When a section was munged before, the
// cached sources are announced again no matter what the engine generated, so
// the signaled layer set stays stable across renegotiations.
func (munger *SimulcastMunger) ApplyLocal(doc *Document) {
	for _, section := range doc.Sections() {
		if section.Kind() != "video" {
			continue
		}
		direction := section.Direction()
		if direction == DirectionRecvOnly || direction == DirectionInactive {
			continue
		}

		ssrcs := section.SSRCs()
		if len(ssrcs) != 1 || len(section.Groups()) > 0 {
			continue
		}
		primary := ssrcs[0]

		mid := section.Mid()
		if cached, ok := munger.cache[mid]; ok {
			fillSectionFromSSRCList(section, primary, cached)
			continue
		}

		msid, hasMsid := section.SSRCAttribute(primary, "msid")
		cname, hasCname := section.SSRCAttribute(primary, "cname")

		list := make([]uint32, 0, munger.layers)
		list = append(list, primary)
		used := map[uint32]bool{primary: true}
		for len(list) < munger.layers {
			ssrc := uniqueSSRC(munger.generate, used)
			used[ssrc] = true
			list = append(list, ssrc)
			if hasCname {
				section.AddSSRCAttribute(ssrc, "cname", cname)
			}
			if hasMsid {
				section.AddSSRCAttribute(ssrc, "msid", msid)
			}
		}

		section.AddGroup(Group{Semantics: "SIM", SSRCs: list})
		munger.cache[mid] = list
	}
}

// ApplyRemote collapses all simulcast groups of the provided document down
// to their primary source. Secondary sources are removed together with their
// attribute lines and their retransmission pairings, the primary keeps its
// own retransmission pairing.
func (munger *SimulcastMunger) ApplyRemote(doc *Document) {
	for _, section := range doc.Sections() {
		if section.Kind() != "video" {
			continue
		}
		for _, sim := range section.FindGroups("SIM") {
			if len(sim.SSRCs) == 0 {
				section.RemoveGroup(sim)
				continue
			}
			for _, secondary := range sim.SSRCs[1:] {
				for _, fid := range section.FindGroups("FID") {
					if len(fid.SSRCs) == 2 && fid.SSRCs[0] == secondary {
						section.RemoveSSRC(fid.SSRCs[1])
						section.RemoveGroup(fid)
					}
				}
				section.RemoveSSRC(secondary)
			}
			section.RemoveGroup(sim)
		}
	}
}

// CachedSSRCs returns the cached layer sources for the provided mid.
func (munger *SimulcastMunger) CachedSSRCs(mid string) []uint32 {
	cached, ok := munger.cache[mid]
	if !ok {
		return nil
	}
	out := make([]uint32, len(cached))
	copy(out, cached)
	return out
}

// fillSectionFromSSRCList rebuilds the source attribute lines of the section
// from the provided list, carrying over msid and cname of the current
// primary source onto all of them.
func fillSectionFromSSRCList(section *MediaSection, primary uint32, list []uint32) {
	msid, hasMsid := section.SSRCAttribute(primary, "msid")
	cname, hasCname := section.SSRCAttribute(primary, "cname")

	section.ClearSSRCs()
	for _, ssrc := range list {
		if hasCname {
			section.AddSSRCAttribute(ssrc, "cname", cname)
		}
		if hasMsid {
			section.AddSSRCAttribute(ssrc, "msid", msid)
		}
	}
	section.AddGroup(Group{Semantics: "SIM", SSRCs: list})
}
