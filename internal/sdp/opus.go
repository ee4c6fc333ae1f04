/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"strconv"
	"strings"
)

// OpusParameters selects the Opus encoder features announced in the format
// parameters of local descriptions.
type OpusParameters struct {
	Stereo            bool
	DTX               bool
	MaxAverageBitrate int
}

// ApplyOpusParameters rewrites the Opus format parameters of all audio
// sections of the provided document. Features which are turned off are
// removed from the parameter list, everything else in the list is kept.
func ApplyOpusParameters(doc *Document, params OpusParameters) {
	for _, section := range doc.Sections() {
		if section.Kind() != "audio" {
			continue
		}
		pt, ok := section.PayloadTypeForCodec("opus")
		if !ok {
			continue
		}

		current, _ := section.Fmtp(pt)

		pairs := splitFmtp(current)
		pairs = upsertFmtp(pairs, "stereo", boolFmtpValue(params.Stereo))
		pairs = upsertFmtp(pairs, "usedtx", boolFmtpValue(params.DTX))
		if params.MaxAverageBitrate > 0 {
			pairs = upsertFmtp(pairs, "maxaveragebitrate", strconv.Itoa(params.MaxAverageBitrate))
		} else {
			pairs = upsertFmtp(pairs, "maxaveragebitrate", "")
		}

		section.SetFmtp(pt, strings.Join(pairs, ";"))
	}
}

func splitFmtp(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, ";")
}

// upsertFmtp sets the key to the provided value, removing the pair
// completely when the value is empty.
func upsertFmtp(pairs []string, key, value string) []string {
	out := pairs[:0]
	found := false
	for _, pair := range pairs {
		if strings.SplitN(strings.TrimSpace(pair), "=", 2)[0] == key {
			if value == "" || found {
				continue
			}
			out = append(out, key+"="+value)
			found = true
			continue
		}
		out = append(out, pair)
	}
	if !found && value != "" {
		out = append(out, key+"="+value)
	}
	return out
}

func boolFmtpValue(enabled bool) string {
	if enabled {
		return "1"
	}
	return ""
}
