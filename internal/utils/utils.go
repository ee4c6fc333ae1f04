/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package utils

import (
	"fmt"
	"net/url"

	"github.com/rogpeppe/fastuuid"
	"stash.kopano.io/kgol/rndm"
)

var uuidGenerator = fastuuid.MustNewGenerator()

// NewRandomGUID returns a new random UUIDv4 string.
func NewRandomGUID() string {
	return uuidGenerator.Hex128()
}

// NewRandomString returns a random string of the requested length.
func NewRandomString(length int) string {
	return rndm.GenerateRandomString(length)
}

// AsWebsocketURL converts the provided http or https URL string into the
// matching websocket URL string.
func AsWebsocketURL(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %v", u.Scheme)
	}

	return u.String(), nil
}
