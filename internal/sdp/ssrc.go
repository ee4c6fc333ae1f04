/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"math/rand"
)

// SSRCGenerator produces candidate synchronization source identifiers for
// transforms which have to fabricate additional sources. Generators can be
// injected to make transforms deterministic.
type SSRCGenerator func() uint32

// RandomSSRC returns a random non zero synchronization source identifier.
func RandomSSRC() uint32 {
	for {
		if ssrc := rand.Uint32(); ssrc != 0 {
			return ssrc
		}
	}
}

func uniqueSSRC(generate SSRCGenerator, used map[uint32]bool) uint32 {
	for {
		ssrc := generate()
		if ssrc != 0 && !used[ssrc] {
			return ssrc
		}
	}
}
