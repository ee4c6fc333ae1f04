/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package version

// Version as injected by the build.
var Version = "0.0.0-unreleased"

// BuildDate as injected by the build.
var BuildDate string
