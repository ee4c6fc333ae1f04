/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

import (
	"net/http"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmmedia/config"
)

type Options struct {
	Config *config.Config

	Logger     logrus.FieldLogger
	HTTPClient *http.Client

	// EndpointID is the identifier of the local endpoint inside its
	// conference. It prefixes all stream identifiers and source names
	// produced by this instance.
	EndpointID string

	Settings *Settings
}

// Settings bundles the media session knobs of a single conference
// participation. The zero value is not usable, use DefaultSettings.
type Settings struct {
	DisableSimulcast bool
	DisableRTX       bool
	SimulcastLayers  int

	// PreferredCodecs holds mime types in preference order, moved to the
	// front of the negotiated capability list.
	PreferredCodecs []string

	// VideoBitrates maps lower case codec names to their bitrate table.
	VideoBitrates map[string]VideoBitrates

	Audio AudioSettings

	CapScreenshareBitrate bool
	StartSilent           bool

	// Receiver feedback loop intervals in seconds. Zero disables the
	// corresponding loop while packet accounting stays active.
	PLIInterval  int
	RembInterval int
	// StartBandwidth is the initial REMB estimate in kbps.
	StartBandwidth int

	// MaxStats limits how many stats report snapshots are retained per
	// connection for the debug resources.
	MaxStats int
}

type AudioSettings struct {
	Stereo            bool
	EnableDTX         bool
	MaxAverageBitrate int
}

// VideoBitrates holds target bitrates in bits per second, one per
// simulcast quality tier plus the screen sharing rate.
type VideoBitrates struct {
	Low         int
	Standard    int
	High        int
	ScreenShare int
}

func DefaultSettings() *Settings {
	return &Settings{
		SimulcastLayers: 3,
		PreferredCodecs: []string{webrtc.MimeTypeVP8, webrtc.MimeTypeVP9},
		VideoBitrates: map[string]VideoBitrates{
			"vp8":  {Low: 200000, Standard: 700000, High: 2500000, ScreenShare: 2500000},
			"vp9":  {Low: 100000, Standard: 300000, High: 1200000, ScreenShare: 2500000},
			"h264": {Low: 400000, Standard: 800000, High: 2500000, ScreenShare: 2500000},
			"av1":  {Low: 100000, Standard: 300000, High: 1000000, ScreenShare: 2500000},
		},
		Audio: AudioSettings{
			Stereo: false,
		},
		PLIInterval:    1,
		RembInterval:   3,
		StartBandwidth: 700,
		MaxStats:       300,
	}
}

// cappedScreenshareBitrate is used for desktop tracks when the cap flag
// is set, trading sharpness for a bounded uplink.
const cappedScreenshareBitrate = 500000

func (settings *Settings) bitratesForCodec(mimeType string) VideoBitrates {
	name := codecName(mimeType)
	if bitrates, ok := settings.VideoBitrates[name]; ok {
		return bitrates
	}
	return VideoBitrates{Low: 200000, Standard: 700000, High: 2500000, ScreenShare: 2500000}
}

func (settings *Settings) simulcastLayers() int {
	if settings.DisableSimulcast {
		return 1
	}
	if settings.SimulcastLayers <= 0 {
		return 3
	}
	return settings.SimulcastLayers
}

// codecName normalizes a mime type like video/VP8 to its plain lower
// case codec name.
func codecName(mimeType string) string {
	if idx := strings.IndexByte(mimeType, '/'); idx >= 0 {
		mimeType = mimeType[idx+1:]
	}
	return strings.ToLower(mimeType)
}

// isSVCCodec reports whether the codec negotiates spatial layers through
// scalability modes instead of multiple simulcast ssrcs.
func isSVCCodec(mimeType string) bool {
	switch codecName(mimeType) {
	case "vp9", "av1":
		return true
	default:
		return false
	}
}
