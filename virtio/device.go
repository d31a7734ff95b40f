package virtio

import (
	"fmt"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"gvisor.dev/gvisor/pkg/eventfd"
)

// Device is a virtio device model. Methods are called with the transport lock
// held, from a vCPU thread for register accesses and from the reactor thread
// for Process.
type Device interface {
	reactor.Subscriber

	Type() DeviceType
	AvailFeatures() uint64
	AckedFeatures() uint64
	AckFeatures(page uint32, value uint32)
	Queues() []*Queue
	QueueEvents() []eventfd.Eventfd
	Interrupt() *Interrupt
	ActivateEvent() eventfd.Eventfd
	ConfigGeneration() uint32

	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	Activate(mem GuestMemory) error
	IsActivated() bool
	Reset() bool
	Failed() bool

	State() DeviceState
	Restore(s DeviceState) error

	Close() error
}

// DeviceState is what a snapshot keeps of a device besides its config.
type DeviceState struct {
	Type            DeviceType
	AvailFeatures   uint64
	AckedFeatures   uint64
	Queues          []QueueState
	InterruptStatus uint32
	Activated       bool
	Config          []byte
}

// deviceBase carries the state every device shares. Device types embed it
// and supply the config space and the queue processing.
type deviceBase struct {
	typ           DeviceType
	availFeatures uint64
	ackedFeatures uint64
	queues        []*Queue
	queueEvents   []eventfd.Eventfd
	interrupt     *Interrupt
	activateEvent eventfd.Eventfd
	mem           GuestMemory
	activated     bool
	failed        bool
	generation    uint32
	eventFails    *metrics.Counter
}

func newDeviceBase(typ DeviceType, features uint64, queueSizes []uint16, fails *metrics.Counter) (deviceBase, error) {
	d := deviceBase{
		typ:           typ,
		availFeatures: features | 1<<FeatureVersion1 | 1<<FeatureRingEventIdx,
		eventFails:    fails,
	}

	var err error

	if d.interrupt, err = NewInterrupt(); err != nil {
		return d, err
	}

	if d.activateEvent, err = eventfd.Create(); err != nil {
		d.close()

		return d, err
	}

	for _, size := range queueSizes {
		evt, err := eventfd.Create()
		if err != nil {
			d.close()

			return d, err
		}

		d.queues = append(d.queues, NewQueue(size))
		d.queueEvents = append(d.queueEvents, evt)
	}

	return d, nil
}

func (d *deviceBase) Type() DeviceType               { return d.typ }
func (d *deviceBase) AvailFeatures() uint64          { return d.availFeatures }
func (d *deviceBase) AckedFeatures() uint64          { return d.ackedFeatures }
func (d *deviceBase) Queues() []*Queue               { return d.queues }
func (d *deviceBase) QueueEvents() []eventfd.Eventfd { return d.queueEvents }
func (d *deviceBase) Interrupt() *Interrupt          { return d.interrupt }
func (d *deviceBase) ActivateEvent() eventfd.Eventfd { return d.activateEvent }
func (d *deviceBase) IsActivated() bool              { return d.activated }
func (d *deviceBase) Failed() bool                   { return d.failed }
func (d *deviceBase) ConfigGeneration() uint32       { return d.generation }

func (d *deviceBase) hasFeature(bit uint) bool {
	return d.ackedFeatures&(1<<bit) != 0
}

// AckFeatures records the driver's choice for one 32-bit page of features.
// Bits the device never offered are dropped.
func (d *deviceBase) AckFeatures(page, value uint32) {
	v := uint64(value)
	if page == 1 {
		v <<= 32
	} else if page != 0 {
		log.Warnf("%s: driver acked unknown feature page %d", d.typ, page)

		return
	}

	if unknown := v &^ d.availFeatures; unknown != 0 {
		log.Warnf("%s: driver acked unknown features %#x", d.typ, unknown)
		v &^= unknown
	}

	d.ackedFeatures |= v
}

// activate validates the queues and signals the reactor. A second call marks
// the device failed.
func (d *deviceBase) activate(mem GuestMemory) error {
	if d.activated {
		d.failed = true

		return fmt.Errorf("%s: %w", d.typ, ErrAlreadyActivated)
	}

	for i, q := range d.queues {
		if !q.IsValid(mem) {
			return fmt.Errorf("%s queue %d: %w", d.typ, i, ErrInvalidQueue)
		}

		q.SetEventIdx(d.hasFeature(FeatureRingEventIdx))
	}

	d.mem = mem
	d.activated = true

	return d.activateEvent.Notify()
}

// Reset brings an inactive device back to its initial state. Activated
// devices cannot be reset.
func (d *deviceBase) Reset() bool {
	if d.activated {
		return false
	}

	d.ackedFeatures = 0
	d.interrupt.setStatus(0)

	for _, q := range d.queues {
		q.Reset()
	}

	return true
}

// fail stops the device after the guest handed it a bad chain.
func (d *deviceBase) fail(err error) {
	d.failed = true
	d.eventFails.Inc()
	log.Errorf("%s: %v, device stopped", d.typ, err)
}

// baseInterest is the fd set before and after activation, without the
// device specific fds.
func (d *deviceBase) baseInterest() []reactor.Interest {
	if !d.activated {
		return []reactor.Interest{{FD: d.activateEvent.FD(), Events: reactor.In}}
	}

	is := make([]reactor.Interest, 0, len(d.queueEvents))
	for _, e := range d.queueEvents {
		is = append(is, reactor.Interest{FD: e.FD(), Events: reactor.In})
	}

	return is
}

// processActivate swaps the activation fd for the full interest set of sub.
func (d *deviceBase) processActivate(sub reactor.Subscriber, ops *reactor.Ops) {
	if _, err := d.activateEvent.Read(); err != nil {
		log.Errorf("%s: read activate event: %v", d.typ, err)
	}

	ops.Unregister(d.activateEvent.FD())

	for _, i := range sub.Interest() {
		ops.Register(i.FD, i.Events, sub)
	}
}

// queueIndex maps a queue event fd to its queue, -1 if fd is not one.
func (d *deviceBase) queueIndex(fd int) int {
	for i, e := range d.queueEvents {
		if e.FD() == fd {
			return i
		}
	}

	return -1
}

// signalUsed raises a vring interrupt if the driver wants one for q.
func (d *deviceBase) signalUsed(q *Queue) error {
	need, err := q.NeedsNotification(d.mem)
	if err != nil {
		return err
	}

	if !need {
		return nil
	}

	return d.interrupt.Trigger(InterruptVring)
}

// configChanged bumps the generation and tells the driver.
func (d *deviceBase) configChanged() error {
	d.generation++

	if !d.activated {
		return nil
	}

	return d.interrupt.Trigger(InterruptConfig)
}

func (d *deviceBase) baseState(config []byte) DeviceState {
	qs := make([]QueueState, 0, len(d.queues))
	for _, q := range d.queues {
		qs = append(qs, q.State())
	}

	return DeviceState{
		Type:            d.typ,
		AvailFeatures:   d.availFeatures,
		AckedFeatures:   d.ackedFeatures,
		Queues:          qs,
		InterruptStatus: d.interrupt.Status(),
		Activated:       d.activated,
		Config:          config,
	}
}

func (d *deviceBase) restoreBase(s DeviceState) error {
	if s.Type != d.typ || len(s.Queues) != len(d.queues) {
		return fmt.Errorf("%s: state of a %s device with %d queues: %w", d.typ, s.Type, len(s.Queues), ErrInvalidQueue)
	}

	d.availFeatures = s.AvailFeatures
	d.ackedFeatures = s.AckedFeatures
	d.interrupt.setStatus(s.InterruptStatus)

	for i, q := range d.queues {
		q.Restore(s.Queues[i])
	}

	return nil
}

func (d *deviceBase) close() error {
	var err error

	for _, e := range d.queueEvents {
		if cerr := e.Close(); cerr != nil {
			err = cerr
		}
	}

	if d.activateEvent.FD() > 0 {
		if cerr := d.activateEvent.Close(); cerr != nil {
			err = cerr
		}
	}

	if d.interrupt != nil {
		if cerr := d.interrupt.Close(); cerr != nil {
			err = cerr
		}
	}

	return err
}

func (d *deviceBase) Close() error {
	return d.close()
}

// readConfigBytes serves a config read from a fixed byte layout.
func readConfigBytes(config []byte, offset uint64, data []byte) {
	for i := range data {
		data[i] = 0
	}

	if offset >= uint64(len(config)) {
		return
	}

	copy(data, config[offset:])
}
