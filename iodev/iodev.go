// Package iodev holds the legacy port I/O devices of the machine besides the
// serial port.
package iodev

import "github.com/bobuhiro11/gomicrovm/logger"

var log = logger.WithSource("iodev")
