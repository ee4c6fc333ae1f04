/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package server

import (
	"github.com/sirupsen/logrus"
)

type debugLogger struct {
	logger logrus.FieldLogger
	prefix string
}

func (dl *debugLogger) Printf(format string, args ...interface{}) {
	dl.logger.Debugf(dl.prefix+format, args...)
}
