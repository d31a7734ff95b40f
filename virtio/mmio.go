package virtio

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/bobuhiro11/gomicrovm/reactor"
)

// MMIO register offsets, virtio-mmio version 2.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	mmioMagic   = 0x74726976
	mmioVersion = 2
	vendorID    = 0

	// MMIOSize is the window every transport occupies on the bus.
	MMIOSize = 0x1000

	// NotifyOffset is where KVM ioeventfds are attached.
	NotifyOffset = regQueueNotify
)

// MMIOTransport exposes a Device through the virtio-mmio register layout.
// Its mutex serializes vCPU register accesses against reactor callbacks.
type MMIOTransport struct {
	mu sync.Mutex

	dev Device
	mem GuestMemory

	featuresSel    uint32
	ackFeaturesSel uint32
	queueSel       uint32
	status         uint32
}

func NewMMIOTransport(mem GuestMemory, dev Device) *MMIOTransport {
	return &MMIOTransport{dev: dev, mem: mem}
}

// Locked runs fn with exclusive access to the device.
func (t *MMIOTransport) Locked(fn func(Device) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return fn(t.dev)
}

// Device is for callers that only need immutable properties.
func (t *MMIOTransport) Device() Device {
	return t.dev
}

func (t *MMIOTransport) Interest() []reactor.Interest {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.dev.Interest()
}

func (t *MMIOTransport) Process(ev reactor.Event, ops *reactor.Ops) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Registration changes done by the device name the transport, so that
	// later events keep going through the lock.
	local := &reactor.Ops{}
	t.dev.Process(ev, local)
	t.rewrap(local, ops)
}

func (t *MMIOTransport) rewrap(local, ops *reactor.Ops) {
	for _, p := range local.Pending() {
		switch p.Kind {
		case reactor.OpAdd:
			ops.Add(t)
		case reactor.OpRegister:
			ops.Register(p.FD, p.Events, t)
		case reactor.OpModify:
			ops.Modify(p.FD, p.Events)
		case reactor.OpUnregister:
			ops.Unregister(p.FD)
		}
	}
}

func (t *MMIOTransport) selectedQueue() *Queue {
	qs := t.dev.Queues()
	if int(t.queueSel) >= len(qs) {
		return nil
	}

	return qs[t.queueSel]
}

// queueWritable reports whether the driver may still change queue fields.
func (t *MMIOTransport) queueWritable() bool {
	return t.status&(StatusFeaturesOK|StatusDriverOK|StatusFailed) == StatusFeaturesOK
}

func (t *MMIOTransport) Read(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfig {
		t.dev.ReadConfig(offset-regConfig, data)

		return nil
	}

	if len(data) != 4 {
		log.Warnf("%s: %d-byte read of register %#x", t.dev.Type(), len(data), offset)

		return nil
	}

	var v uint32

	switch offset {
	case regMagicValue:
		v = mmioMagic
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = uint32(t.dev.Type())
	case regVendorID:
		v = vendorID
	case regDeviceFeatures:
		switch t.featuresSel {
		case 0:
			v = uint32(t.dev.AvailFeatures())
		case 1:
			v = uint32(t.dev.AvailFeatures() >> 32)
		}
	case regQueueNumMax:
		if q := t.selectedQueue(); q != nil {
			v = uint32(q.MaxSize)
		}
	case regQueueReady:
		if q := t.selectedQueue(); q != nil && q.Ready {
			v = 1
		}
	case regInterruptStatus:
		v = t.dev.Interrupt().Status()
	case regStatus:
		v = t.status
		if t.dev.Failed() {
			v |= StatusDeviceNeedsReset
		}
	case regConfigGeneration:
		v = t.dev.ConfigGeneration()
	default:
		log.Warnf("%s: read of unknown register %#x", t.dev.Type(), offset)
	}

	binary.LittleEndian.PutUint32(data, v)

	return nil
}

func (t *MMIOTransport) Write(offset uint64, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if offset >= regConfig {
		if t.status&StatusDriver == 0 || t.status&StatusFailed != 0 {
			log.Warnf("%s: config write in status %#x", t.dev.Type(), t.status)

			return nil
		}

		t.dev.WriteConfig(offset-regConfig, data)

		return nil
	}

	if len(data) != 4 {
		log.Warnf("%s: %d-byte write of register %#x", t.dev.Type(), len(data), offset)

		return nil
	}

	v := binary.LittleEndian.Uint32(data)

	switch offset {
	case regDeviceFeaturesSel:
		t.featuresSel = v
	case regDriverFeatures:
		if t.status&(StatusDriver|StatusFeaturesOK|StatusFailed) == StatusDriver {
			t.dev.AckFeatures(t.ackFeaturesSel, v)
		}
	case regDriverFeaturesSel:
		t.ackFeaturesSel = v
	case regQueueSel:
		t.queueSel = v
	case regQueueNum:
		t.updateQueue(func(q *Queue) { q.Size = uint16(v) })
	case regQueueReady:
		t.updateQueue(func(q *Queue) { q.Ready = v == 1 })
	case regQueueDescLow:
		t.updateQueue(func(q *Queue) { q.DescTable = q.DescTable&^0xffffffff | uint64(v) })
	case regQueueDescHigh:
		t.updateQueue(func(q *Queue) { q.DescTable = q.DescTable&0xffffffff | uint64(v)<<32 })
	case regQueueAvailLow:
		t.updateQueue(func(q *Queue) { q.AvailRing = q.AvailRing&^0xffffffff | uint64(v) })
	case regQueueAvailHigh:
		t.updateQueue(func(q *Queue) { q.AvailRing = q.AvailRing&0xffffffff | uint64(v)<<32 })
	case regQueueUsedLow:
		t.updateQueue(func(q *Queue) { q.UsedRing = q.UsedRing&^0xffffffff | uint64(v) })
	case regQueueUsedHigh:
		t.updateQueue(func(q *Queue) { q.UsedRing = q.UsedRing&0xffffffff | uint64(v)<<32 })
	case regQueueNotify:
		evts := t.dev.QueueEvents()
		if int(v) >= len(evts) {
			log.Warnf("%s: notify of unknown queue %d", t.dev.Type(), v)

			return nil
		}

		return evts[v].Notify()
	case regInterruptAck:
		if t.status&StatusDriverOK != 0 {
			t.dev.Interrupt().Ack(v)
		}
	case regStatus:
		t.setStatus(v)
	default:
		log.Warnf("%s: write of unknown register %#x", t.dev.Type(), offset)
	}

	return nil
}

func (t *MMIOTransport) updateQueue(fn func(*Queue)) {
	if !t.queueWritable() {
		log.Warnf("%s: queue update in status %#x", t.dev.Type(), t.status)

		return
	}

	if q := t.selectedQueue(); q != nil {
		fn(q)
	}
}

// setStatus follows the driver initialisation sequence. Each step may only
// add the next bit; anything else is ignored except a reset.
func (t *MMIOTransport) setStatus(v uint32) {
	if v&StatusFailed != 0 {
		t.status |= StatusFailed

		return
	}

	if v == 0 {
		if !t.dev.Reset() {
			log.Errorf("%s: reset of an active device is not supported", t.dev.Type())
			t.status |= StatusFailed

			return
		}

		t.status = 0
		t.featuresSel, t.ackFeaturesSel, t.queueSel = 0, 0, 0

		return
	}

	switch {
	case t.status == 0 && v == StatusAcknowledge,
		t.status == StatusAcknowledge && v == StatusAcknowledge|StatusDriver,
		t.status == StatusAcknowledge|StatusDriver && v == StatusAcknowledge|StatusDriver|StatusFeaturesOK:
		t.status = v
	case t.status == StatusAcknowledge|StatusDriver|StatusFeaturesOK &&
		v == StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK:
		t.status = v

		if err := t.dev.Activate(t.mem); err != nil {
			log.Errorf("%s: activation failed: %v", t.dev.Type(), err)

			t.status |= StatusFailed
		}
	default:
		log.Warnf("%s: invalid status transition %#x -> %#x", t.dev.Type(), t.status, v)
	}
}

// MMIOState is the transport part of a snapshot.
type MMIOState struct {
	FeaturesSel    uint32
	AckFeaturesSel uint32
	QueueSel       uint32
	Status         uint32
	Device         DeviceState
}

func (t *MMIOTransport) State() MMIOState {
	t.mu.Lock()
	defer t.mu.Unlock()

	return MMIOState{
		FeaturesSel:    t.featuresSel,
		AckFeaturesSel: t.ackFeaturesSel,
		QueueSel:       t.queueSel,
		Status:         t.status,
		Device:         t.dev.State(),
	}
}

// Restore loads s and re-activates the device if it was active.
func (t *MMIOTransport) Restore(s MMIOState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.dev.Restore(s.Device); err != nil {
		return err
	}

	t.featuresSel = s.FeaturesSel
	t.ackFeaturesSel = s.AckFeaturesSel
	t.queueSel = s.QueueSel
	t.status = s.Status

	if s.Device.Activated {
		if err := t.dev.Activate(t.mem); err != nil {
			return fmt.Errorf("reactivate %s: %w", t.dev.Type(), err)
		}
	}

	return nil
}
