// Package device routes guest port and MMIO accesses to device models.
package device

import (
	"errors"

	"github.com/bobuhiro11/gomicrovm/logger"
)

var log = logger.WithSource("device")

var (
	ErrOverlap  = errors.New("device range overlaps an existing one")
	ErrNoDevice = errors.New("no device at address")
	ErrZeroSize = errors.New("device range has zero length")
	ErrWrap     = errors.New("device range wraps past the top of the address space")
)

// Device is a model that sits on a Bus. Accesses carry the offset from the
// base address the device was inserted at. Implementations do their own
// locking: the bus calls them from every vCPU thread.
type Device interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}
