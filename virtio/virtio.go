// Package virtio implements split virtqueues, the virtio-MMIO transport and
// the block, net, entropy and balloon devices.
package virtio

import (
	"errors"

	"github.com/bobuhiro11/gomicrovm/logger"
)

var log = logger.WithSource("virtio")

var (
	ErrMalformedDescriptor = errors.New("malformed descriptor chain")
	ErrGuestMemoryFault    = errors.New("descriptor points outside guest memory")
	ErrAlreadyActivated    = errors.New("device already activated")
	ErrNotActivated        = errors.New("device not activated")
	ErrInvalidQueue        = errors.New("queue configuration is invalid")

	errNoRateLimiter = errors.New("device has no rate limiter")
)

// DeviceType is the virtio device id.
type DeviceType uint32

const (
	TypeNet     DeviceType = 1
	TypeBlock   DeviceType = 2
	TypeConsole DeviceType = 3
	TypeRng     DeviceType = 4
	TypeBalloon DeviceType = 5
)

func (t DeviceType) String() string {
	switch t {
	case TypeNet:
		return "net"
	case TypeBlock:
		return "block"
	case TypeConsole:
		return "console"
	case TypeRng:
		return "rng"
	case TypeBalloon:
		return "balloon"
	}

	return "unknown"
}

// Feature bits common to every device.
const (
	FeatureRingIndirectDesc = 28
	FeatureRingEventIdx     = 29
	FeatureVersion1         = 32
)

// Device status bits written by the driver.
const (
	StatusAcknowledge      = 0x01
	StatusDriver           = 0x02
	StatusDriverOK         = 0x04
	StatusFeaturesOK       = 0x08
	StatusDeviceNeedsReset = 0x40
	StatusFailed           = 0x80
)

// Interrupt status bits of the MMIO transport.
const (
	InterruptVring  = 0x1
	InterruptConfig = 0x2
)

const (
	descFlagNext     = 0x1
	descFlagWrite    = 0x2
	descFlagIndirect = 0x4

	availFlagNoInterrupt = 0x1

	// QueueSize is the maximum size of every queue the devices expose.
	QueueSize = 256
)
