/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

// Package sdp implements a structured view onto SDP session descriptions
// together with the description transforms used for media negotiation. All
// transforms mutate parsed documents in place, descriptions are only ever
// flattened back to text when handed to signaling.
package sdp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Document is a parsed session description. It keeps the underlying session
// intact so that marshaling preserves the order of everything which was not
// explicitly changed.
type Document struct {
	session *sdp.SessionDescription

	sections []*MediaSection
}

// Parse parses the provided raw session description into a Document.
func Parse(raw []byte) (*Document, error) {
	session := &sdp.SessionDescription{}
	if err := session.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	doc := &Document{
		session: session,
	}
	for _, media := range session.MediaDescriptions {
		doc.sections = append(doc.sections, &MediaSection{media: media})
	}

	return doc, nil
}

// Marshal flattens the document back into its textual form.
func (doc *Document) Marshal() ([]byte, error) {
	raw, err := doc.session.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize session description: %w", err)
	}
	return raw, nil
}

// Session returns the underlying session description.
func (doc *Document) Session() *sdp.SessionDescription {
	return doc.session
}

// Sections returns all media sections of the document in order.
func (doc *Document) Sections() []*MediaSection {
	return doc.sections
}

// Section returns the media section with the provided mid or nil.
func (doc *Document) Section(mid string) *MediaSection {
	for _, section := range doc.sections {
		if section.Mid() == mid {
			return section
		}
	}
	return nil
}

// ICEUfrag returns the first ICE username fragment of the document, looking
// at the session level first and falling back to media sections.
func (doc *Document) ICEUfrag() string {
	for _, attribute := range doc.session.Attributes {
		if attribute.Key == "ice-ufrag" {
			return attribute.Value
		}
	}
	for _, section := range doc.sections {
		if ufrag := section.ICEUfrag(); ufrag != "" {
			return ufrag
		}
	}
	return ""
}

// MediaSection is a single m-line of a Document together with its attributes.
type MediaSection struct {
	media *sdp.MediaDescription
}

// Kind returns the media type of the section, like audio or video.
func (section *MediaSection) Kind() string {
	return section.media.MediaName.Media
}

// Mid returns the mid attribute value of the section.
func (section *MediaSection) Mid() string {
	value, _ := section.Attribute("mid")
	return value
}

// Attribute returns the first value of the attribute with the provided key.
func (section *MediaSection) Attribute(key string) (string, bool) {
	for _, attribute := range section.media.Attributes {
		if attribute.Key == key {
			return attribute.Value, true
		}
	}
	return "", false
}

// ICEUfrag returns the sections ICE username fragment, if any.
func (section *MediaSection) ICEUfrag() string {
	value, _ := section.Attribute("ice-ufrag")
	return value
}

// Direction returns the declared direction of the section. Sections without
// any direction attribute return DirectionUnknown.
func (section *MediaSection) Direction() Direction {
	for _, attribute := range section.media.Attributes {
		if direction, ok := ParseDirection(attribute.Key); ok {
			return direction
		}
	}
	return DirectionUnknown
}

// SetDirection replaces the sections direction attribute, adding one when
// none was present before.
func (section *MediaSection) SetDirection(direction Direction) {
	for idx, attribute := range section.media.Attributes {
		if _, ok := ParseDirection(attribute.Key); ok {
			section.media.Attributes[idx] = sdp.Attribute{Key: string(direction)}
			return
		}
	}
	section.media.Attributes = append(section.media.Attributes, sdp.Attribute{Key: string(direction)})
}

// Msid returns the section level msid attribute value, if any.
func (section *MediaSection) Msid() (string, bool) {
	return section.Attribute("msid")
}

// SetMsid replaces the section level msid attribute, adding one when none
// was present before.
func (section *MediaSection) SetMsid(value string) {
	for idx, attribute := range section.media.Attributes {
		if attribute.Key == "msid" {
			section.media.Attributes[idx].Value = value
			return
		}
	}
	section.media.Attributes = append(section.media.Attributes, sdp.Attribute{Key: "msid", Value: value})
}

// SSRCs returns the unique synchronization sources of the section in the
// order of their first appearance.
func (section *MediaSection) SSRCs() []uint32 {
	var ssrcs []uint32
	seen := make(map[uint32]bool)
	for _, attribute := range section.media.Attributes {
		if attribute.Key != "ssrc" {
			continue
		}
		ssrc, _, _, ok := splitSSRCAttribute(attribute.Value)
		if !ok || seen[ssrc] {
			continue
		}
		seen[ssrc] = true
		ssrcs = append(ssrcs, ssrc)
	}
	return ssrcs
}

// HasSSRC reports whether the section carries any attribute line for the
// provided synchronization source.
func (section *MediaSection) HasSSRC(ssrc uint32) bool {
	for _, attribute := range section.media.Attributes {
		if attribute.Key != "ssrc" {
			continue
		}
		if id, _, _, ok := splitSSRCAttribute(attribute.Value); ok && id == ssrc {
			return true
		}
	}
	return false
}

// SSRCAttribute returns the value of the named source level attribute of the
// provided synchronization source.
func (section *MediaSection) SSRCAttribute(ssrc uint32, name string) (string, bool) {
	for _, attribute := range section.media.Attributes {
		if attribute.Key != "ssrc" {
			continue
		}
		id, attrName, attrValue, ok := splitSSRCAttribute(attribute.Value)
		if ok && id == ssrc && attrName == name {
			return attrValue, true
		}
	}
	return "", false
}

// AddSSRCAttribute appends a source level attribute line for the provided
// synchronization source.
func (section *MediaSection) AddSSRCAttribute(ssrc uint32, name, value string) {
	section.media.Attributes = append(section.media.Attributes, sdp.Attribute{
		Key:   "ssrc",
		Value: formatSSRCAttribute(ssrc, name, value),
	})
}

// SetSSRCAttribute replaces the named source level attribute of the provided
// synchronization source in place, dropping duplicates. When the attribute
// was not present before, it is appended.
func (section *MediaSection) SetSSRCAttribute(ssrc uint32, name, value string) {
	replaced := false
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc" {
			id, attrName, _, ok := splitSSRCAttribute(attribute.Value)
			if ok && id == ssrc && attrName == name {
				if replaced {
					continue
				}
				attribute.Value = formatSSRCAttribute(ssrc, name, value)
				replaced = true
			}
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
	if !replaced {
		section.AddSSRCAttribute(ssrc, name, value)
	}
}

// RemoveSSRCAttribute removes all lines of the named source level attribute
// of the provided synchronization source.
func (section *MediaSection) RemoveSSRCAttribute(ssrc uint32, name string) {
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc" {
			id, attrName, _, ok := splitSSRCAttribute(attribute.Value)
			if ok && id == ssrc && attrName == name {
				continue
			}
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
}

// RemoveSSRC removes all attribute lines of the provided synchronization
// source. Group memberships are not touched.
func (section *MediaSection) RemoveSSRC(ssrc uint32) {
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc" {
			if id, _, _, ok := splitSSRCAttribute(attribute.Value); ok && id == ssrc {
				continue
			}
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
}

// ClearSSRCs removes all source attribute lines of the section, keeping
// groups and everything else in place.
func (section *MediaSection) ClearSSRCs() {
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc" {
			continue
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
}

// Groups returns all source groups of the section in order.
func (section *MediaSection) Groups() []Group {
	var groups []Group
	for _, attribute := range section.media.Attributes {
		if attribute.Key != "ssrc-group" {
			continue
		}
		if group, ok := parseGroupValue(attribute.Value); ok {
			groups = append(groups, group)
		}
	}
	return groups
}

// FindGroups returns all source groups with the provided semantics.
func (section *MediaSection) FindGroups(semantics string) []Group {
	var groups []Group
	for _, group := range section.Groups() {
		if group.Semantics == semantics {
			groups = append(groups, group)
		}
	}
	return groups
}

// AddGroup appends the provided source group to the section.
func (section *MediaSection) AddGroup(group Group) {
	section.media.Attributes = append(section.media.Attributes, sdp.Attribute{
		Key:   "ssrc-group",
		Value: group.attributeValue(),
	})
}

// RemoveGroup removes the source group which exactly matches the provided
// semantics and sources.
func (section *MediaSection) RemoveGroup(group Group) {
	want := group.attributeValue()
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc-group" && attribute.Value == want {
			continue
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
}

// RemoveGroupsBySemantics removes all source groups with the provided
// semantics.
func (section *MediaSection) RemoveGroupsBySemantics(semantics string) {
	attributes := section.media.Attributes[:0]
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "ssrc-group" {
			if group, ok := parseGroupValue(attribute.Value); ok && group.Semantics == semantics {
				continue
			}
		}
		attributes = append(attributes, attribute)
	}
	section.media.Attributes = attributes
}

// PayloadTypeForCodec returns the payload type which maps to the provided
// codec name, using the sections rtpmap attributes.
func (section *MediaSection) PayloadTypeForCodec(name string) (uint8, bool) {
	for _, attribute := range section.media.Attributes {
		if attribute.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(attribute.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		codec := strings.SplitN(fields[1], "/", 2)[0]
		if !strings.EqualFold(codec, name) {
			continue
		}
		pt, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			continue
		}
		return uint8(pt), true
	}
	return 0, false
}

// Fmtp returns the format parameters of the provided payload type.
func (section *MediaSection) Fmtp(payloadType uint8) (string, bool) {
	prefix := strconv.FormatUint(uint64(payloadType), 10) + " "
	for _, attribute := range section.media.Attributes {
		if attribute.Key == "fmtp" && strings.HasPrefix(attribute.Value, prefix) {
			return attribute.Value[len(prefix):], true
		}
	}
	return "", false
}

// SetFmtp replaces the format parameters of the provided payload type,
// adding an attribute when none was present before.
func (section *MediaSection) SetFmtp(payloadType uint8, value string) {
	prefix := strconv.FormatUint(uint64(payloadType), 10) + " "
	for idx, attribute := range section.media.Attributes {
		if attribute.Key == "fmtp" && strings.HasPrefix(attribute.Value, prefix) {
			section.media.Attributes[idx].Value = prefix + value
			return
		}
	}
	section.media.Attributes = append(section.media.Attributes, sdp.Attribute{Key: "fmtp", Value: prefix + value})
}

// Group is a source group as signaled by a ssrc-group attribute.
type Group struct {
	Semantics string
	SSRCs     []uint32
}

func (group Group) attributeValue() string {
	parts := make([]string, 0, len(group.SSRCs)+1)
	parts = append(parts, group.Semantics)
	for _, ssrc := range group.SSRCs {
		parts = append(parts, strconv.FormatUint(uint64(ssrc), 10))
	}
	return strings.Join(parts, " ")
}

// Contains reports whether the group contains the provided source.
func (group Group) Contains(ssrc uint32) bool {
	for _, id := range group.SSRCs {
		if id == ssrc {
			return true
		}
	}
	return false
}

func splitSSRCAttribute(value string) (uint32, string, string, bool) {
	fields := strings.SplitN(value, " ", 2)
	if len(fields) < 2 {
		return 0, "", "", false
	}
	ssrc, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return 0, "", "", false
	}
	nameAndValue := strings.SplitN(fields[1], ":", 2)
	name := nameAndValue[0]
	attrValue := ""
	if len(nameAndValue) == 2 {
		attrValue = nameAndValue[1]
	}
	return uint32(ssrc), name, attrValue, true
}

func formatSSRCAttribute(ssrc uint32, name, value string) string {
	if value == "" {
		return fmt.Sprintf("%d %s", ssrc, name)
	}
	return fmt.Sprintf("%d %s:%s", ssrc, name, value)
}

func parseGroupValue(value string) (Group, bool) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return Group{}, false
	}
	group := Group{
		Semantics: fields[0],
	}
	for _, field := range fields[1:] {
		ssrc, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return Group{}, false
		}
		group.SSRCs = append(group.SSRCs, uint32(ssrc))
	}
	return group, true
}
