/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rtxOffer = `v=0
o=- 620983217498271524 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96 97
c=IN IP4 0.0.0.0
a=mid:0
a=sendrecv
a=rtpmap:96 VP8/90000
a=rtpmap:97 rtx/90000
a=fmtp:97 apt=96
a=ssrc:2001 cname:k3lm9WxQ
a=ssrc:2001 msid:stream track
`

const pairedRTXOffer = `v=0
o=- 620983217498271524 2 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96 97
c=IN IP4 0.0.0.0
a=mid:0
a=sendrecv
a=rtpmap:96 VP8/90000
a=ssrc:2001 cname:k3lm9WxQ
a=ssrc:2001 msid:stream track
a=ssrc:2002 cname:k3lm9WxQ
a=ssrc:2002 msid:stream track
a=ssrc-group:FID 2001 2002
`

func TestRTXModifierPairsPrimaries(t *testing.T) {
	doc := parseTestDocument(t, rtxOffer)
	modifier := NewRTXModifier(sequenceSSRCGenerator(9000))

	modifier.Apply(doc)
	video := doc.Section("0")

	fids := video.FindGroups("FID")
	require.Len(t, fids, 1)
	assert.Equal(t, []uint32{2001, 9001}, fids[0].SSRCs)

	msid, ok := video.SSRCAttribute(9001, "msid")
	require.True(t, ok)
	assert.Equal(t, "stream track", msid)
	cname, ok := video.SSRCAttribute(9001, "cname")
	require.True(t, ok)
	assert.Equal(t, "k3lm9WxQ", cname)
}

func TestRTXModifierKeepsPairingAcrossRenegotiations(t *testing.T) {
	modifier := NewRTXModifier(sequenceSSRCGenerator(9000))

	doc := parseTestDocument(t, rtxOffer)
	modifier.Apply(doc)

	renegotiated := parseTestDocument(t, rtxOffer)
	modifier.Apply(renegotiated)

	fids := renegotiated.Section("0").FindGroups("FID")
	require.Len(t, fids, 1)
	assert.Equal(t, []uint32{2001, 9001}, fids[0].SSRCs)

	rtx, ok := modifier.RTXFor(2001)
	require.True(t, ok)
	assert.Equal(t, uint32(9001), rtx)
}

func TestRTXModifierAdoptsExistingPairings(t *testing.T) {
	doc := parseTestDocument(t, pairedRTXOffer)
	modifier := NewRTXModifier(sequenceSSRCGenerator(9000))

	modifier.Apply(doc)
	video := doc.Section("0")

	// The existing pairing is adopted, nothing new is fabricated.
	require.Len(t, video.FindGroups("FID"), 1)
	assert.Equal(t, []uint32{2001, 2002}, video.SSRCs())
	rtx, ok := modifier.RTXFor(2001)
	require.True(t, ok)
	assert.Equal(t, uint32(2002), rtx)
}

func TestRTXModifierSkipsSourcesWithoutMsid(t *testing.T) {
	doc := parseTestDocument(t, rtxOffer)
	video := doc.Section("0")
	video.RemoveSSRCAttribute(2001, "msid")

	modifier := NewRTXModifier(sequenceSSRCGenerator(9000))
	modifier.Apply(doc)

	assert.Empty(t, video.Groups())
	assert.Equal(t, []uint32{2001}, video.SSRCs())
}

func TestRTXModifierStrip(t *testing.T) {
	doc := parseTestDocument(t, pairedRTXOffer)
	modifier := NewRTXModifier(nil)

	modifier.Strip(doc)
	video := doc.Section("0")

	assert.Empty(t, video.Groups())
	assert.Equal(t, []uint32{2001}, video.SSRCs())
}
