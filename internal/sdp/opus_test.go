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

func TestApplyOpusParameters(t *testing.T) {
	doc := parseTestDocument(t, testOffer)

	ApplyOpusParameters(doc, OpusParameters{
		Stereo:            true,
		DTX:               true,
		MaxAverageBitrate: 510000,
	})

	fmtp, ok := doc.Section("0").Fmtp(111)
	require.True(t, ok)
	assert.Contains(t, fmtp, "minptime=10")
	assert.Contains(t, fmtp, "useinbandfec=1")
	assert.Contains(t, fmtp, "stereo=1")
	assert.Contains(t, fmtp, "usedtx=1")
	assert.Contains(t, fmtp, "maxaveragebitrate=510000")
}

func TestApplyOpusParametersRemovesDisabledFeatures(t *testing.T) {
	doc := parseTestDocument(t, testOffer)

	ApplyOpusParameters(doc, OpusParameters{Stereo: true, DTX: true, MaxAverageBitrate: 510000})
	ApplyOpusParameters(doc, OpusParameters{})

	fmtp, ok := doc.Section("0").Fmtp(111)
	require.True(t, ok)
	assert.Equal(t, "minptime=10;useinbandfec=1", fmtp)
}
