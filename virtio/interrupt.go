package virtio

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/eventfd"
)

// Interrupt is the interrupt status register of a device plus the irqfd that
// pulses its GSI.
type Interrupt struct {
	status atomic.Uint32
	evt    eventfd.Eventfd
}

func NewInterrupt() (*Interrupt, error) {
	evt, err := eventfd.Create()
	if err != nil {
		return nil, err
	}

	return &Interrupt{evt: evt}, nil
}

// FD is registered with KVM_IRQFD.
func (i *Interrupt) FD() int {
	return i.evt.FD()
}

// Trigger sets kind in the status register and raises the line.
func (i *Interrupt) Trigger(kind uint32) error {
	i.status.Or(kind)

	return i.evt.Notify()
}

func (i *Interrupt) Status() uint32 {
	return i.status.Load()
}

// Ack clears the bits the driver acknowledged.
func (i *Interrupt) Ack(v uint32) {
	i.status.And(^v)
}

func (i *Interrupt) setStatus(v uint32) {
	i.status.Store(v)
}

func (i *Interrupt) Close() error {
	return i.evt.Close()
}
