/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package sdp

import (
	"errors"
)

var (
	// ErrParse is returned by Parse for descriptions which are not valid
	// session description text.
	ErrParse = errors.New("invalid session description")
)
