/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package rtc

// Simulcast rid identifiers in quarter, half, full resolution order.
const (
	ridQuarter = "q"
	ridHalf    = "h"
	ridFull    = "f"
)

var (
	simulcastRIDs   = []string{ridQuarter, ridHalf, ridFull}
	simulcastScales = []float64{4, 2, 1}
)

// Scalability modes used for codecs which negotiate spatial layers in a
// single encoding (VP9, AV1).
const (
	scalabilityModeKSVC    = "L3T3_KEY"
	scalabilityModeDesktop = "L1T3"
)

const defaultSourceHeight = 720

// SenderEncoding describes one send encoding of a video sender. The rid
// identifies the layer across updates, an empty rid means the single
// non-simulcast encoding.
type SenderEncoding struct {
	RID                   string
	Active                bool
	MaxBitrate            int
	ScaleResolutionDownBy float64
	ScalabilityMode       string
}

// defaultSenderEncodings returns the initial encoding ladder for the
// configured layer count, scales always ending at full resolution.
func defaultSenderEncodings(layers int) []SenderEncoding {
	if layers <= 1 {
		return []SenderEncoding{{
			Active:                true,
			ScaleResolutionDownBy: 1,
		}}
	}
	if layers > len(simulcastRIDs) {
		layers = len(simulcastRIDs)
	}
	offset := len(simulcastRIDs) - layers
	encodings := make([]SenderEncoding, 0, layers)
	for i := offset; i < len(simulcastRIDs); i++ {
		encodings = append(encodings, SenderEncoding{
			RID:                   simulcastRIDs[i],
			Active:                true,
			ScaleResolutionDownBy: simulcastScales[i],
		})
	}
	return encodings
}

type encodingRequest struct {
	// maxHeight caps the send resolution, zero disables all encodings.
	maxHeight int
	// sourceHeight is the native capture height, zero assumes 720.
	sourceHeight int

	videoType      string
	codec          string
	bitrates       VideoBitrates
	capScreenshare bool
}

// computeSenderEncodings derives the next encoding state for request from
// the current one and reports whether anything changed. Camera sources run
// every layer that fits under the height cap (framerate over resolution),
// desktop sources run only the full resolution layer (resolution over
// framerate). SVC codecs collapse to a single active encoding carrying a
// scalability mode.
func computeSenderEncodings(current []SenderEncoding, request encodingRequest) ([]SenderEncoding, bool) {
	next := make([]SenderEncoding, len(current))
	copy(next, current)

	if request.maxHeight <= 0 {
		for i := range next {
			next[i].Active = false
		}
		return next, !encodingsEqual(current, next)
	}

	sourceHeight := request.sourceHeight
	if sourceHeight <= 0 {
		sourceHeight = defaultSourceHeight
	}
	effectiveHeight := request.maxHeight
	if effectiveHeight > sourceHeight {
		effectiveHeight = sourceHeight
	}
	desktop := request.videoType == VideoTypeDesktop

	switch {
	case isSVCCodec(request.codec):
		for i := range next {
			next[i].Active = i == 0
			next[i].ScalabilityMode = ""
		}
		if desktop {
			next[0].ScalabilityMode = scalabilityModeDesktop
			next[0].MaxBitrate = screenshareBitrate(request)
		} else {
			next[0].ScalabilityMode = scalabilityModeKSVC
			next[0].MaxBitrate = bitrateForHeight(request.bitrates, effectiveHeight)
		}

	case desktop:
		top := len(next) - 1
		for i := range next {
			next[i].Active = i == top
			next[i].ScalabilityMode = ""
		}
		next[top].MaxBitrate = screenshareBitrate(request)

	default:
		for i := range next {
			layerHeight := int(float64(sourceHeight) / layerScale(next[i]))
			next[i].Active = layerHeight <= effectiveHeight || i == 0
			next[i].ScalabilityMode = ""
			next[i].MaxBitrate = layerBitrate(next[i], request.bitrates, effectiveHeight)
		}
	}

	return next, !encodingsEqual(current, next)
}

func layerScale(encoding SenderEncoding) float64 {
	switch encoding.RID {
	case ridQuarter:
		return 4
	case ridHalf:
		return 2
	default:
		return 1
	}
}

func layerBitrate(encoding SenderEncoding, bitrates VideoBitrates, effectiveHeight int) int {
	switch encoding.RID {
	case ridQuarter:
		return bitrates.Low
	case ridHalf:
		return bitrates.Standard
	case ridFull:
		return bitrates.High
	default:
		return bitrateForHeight(bitrates, effectiveHeight)
	}
}

func bitrateForHeight(bitrates VideoBitrates, height int) int {
	switch {
	case height >= 720:
		return bitrates.High
	case height >= 360:
		return bitrates.Standard
	default:
		return bitrates.Low
	}
}

func screenshareBitrate(request encodingRequest) int {
	if request.capScreenshare {
		return cappedScreenshareBitrate
	}
	return request.bitrates.ScreenShare
}

func encodingsEqual(a, b []SenderEncoding) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
