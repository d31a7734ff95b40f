package iodev

import (
	"errors"
	"sync"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"gvisor.dev/gvisor/pkg/eventfd"
)

const (
	// I8042Port is the data register; the status/command register is at +4.
	I8042Port = 0x60
	I8042Size = 5

	// I8042IRQ is the keyboard interrupt line.
	I8042IRQ = 1

	i8042Data   = 0
	i8042Status = 4

	cmdReadCTR    = 0x20
	cmdWriteCTR   = 0x60
	cmdReadOutp   = 0xd0
	cmdWriteOutp  = 0xd1
	cmdResetCPU   = 0xfe
	kbdAck        = 0xfa
	sbOutDataAvl  = 0x01
	sbCmdData     = 0x08
	sbKbdEnabled  = 0x10
	cbKbdInt      = 0x01
	cbPostOK      = 0x04
	i8042BufSize  = 16
	keyCtrl       = 0x0014
	keyAlt        = 0x0011
	keyDel        = 0xe071
	extendedMask  = 0xff00
	extendedShift = 8
)

var ErrI8042BufferFull = errors.New("i8042 buffer full")

// I8042 emulates just enough of the PS/2 controller for a guest to reboot
// the machine and to receive Ctrl+Alt+Del.
type I8042 struct {
	mu sync.Mutex

	reset eventfd.Eventfd
	kbd   eventfd.Eventfd

	status  byte
	control byte
	outp    byte
	cmd     byte
	buf     []byte
}

// NewI8042 signals reset on the CPU reset command and kbd when a key is
// queued. kbd is registered as the irqfd of I8042IRQ.
func NewI8042(reset, kbd eventfd.Eventfd) *I8042 {
	return &I8042{
		reset:   reset,
		kbd:     kbd,
		status:  sbKbdEnabled,
		control: cbPostOK | cbKbdInt,
	}
}

func (d *I8042) push(b byte) error {
	if len(d.buf) >= i8042BufSize {
		return ErrI8042BufferFull
	}

	d.buf = append(d.buf, b)
	d.status |= sbOutDataAvl

	return nil
}

func (d *I8042) pop() byte {
	if len(d.buf) == 0 {
		return 0
	}

	b := d.buf[0]
	d.buf = d.buf[1:]

	if len(d.buf) == 0 {
		d.status &^= sbOutDataAvl
	}

	return b
}

func (d *I8042) flush() {
	d.buf = d.buf[:0]
	d.status &^= sbOutDataAvl
}

func (d *I8042) Read(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) != 1 {
		metrics.M.I8042.MissedReadCount.Inc()

		return nil
	}

	switch offset {
	case i8042Status:
		data[0] = d.status
	case i8042Data:
		data[0] = d.pop()
	default:
		metrics.M.I8042.MissedReadCount.Inc()

		return nil
	}

	metrics.M.I8042.ReadCount.Inc()

	return nil
}

func (d *I8042) Write(offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(data) != 1 {
		metrics.M.I8042.MissedWriteCount.Inc()

		return nil
	}

	v := data[0]

	switch {
	case offset == i8042Status && v == cmdResetCPU:
		metrics.M.I8042.ResetCount.Inc()
		log.Info("guest requested a CPU reset")

		if err := d.reset.Notify(); err != nil {
			metrics.M.I8042.ErrorCount.Inc()

			return err
		}
	case offset == i8042Status && v == cmdReadCTR:
		d.flush()

		if err := d.push(d.control); err != nil {
			return err
		}
	case offset == i8042Status && (v == cmdWriteCTR || v == cmdWriteOutp):
		d.flush()
		d.status |= sbCmdData
		d.cmd = v
	case offset == i8042Status && v == cmdReadOutp:
		d.flush()

		if err := d.push(d.outp); err != nil {
			return err
		}
	case offset == i8042Status:
		log.Debugf("i8042: ignoring command %#x", v)
	case offset == i8042Data && d.status&sbCmdData != 0:
		switch d.cmd {
		case cmdWriteCTR:
			d.control = v
		case cmdWriteOutp:
			d.outp = v
		}

		d.status &^= sbCmdData
	case offset == i8042Data:
		// A keyboard command. Acknowledge it and do nothing.
		d.flush()

		if err := d.push(kbdAck); err != nil {
			return err
		}
	default:
		metrics.M.I8042.MissedWriteCount.Inc()

		return nil
	}

	metrics.M.I8042.WriteCount.Inc()

	return nil
}

func (d *I8042) triggerKey(key uint16) error {
	if len(d.buf) > i8042BufSize-3 {
		return ErrI8042BufferFull
	}

	if key&extendedMask != 0 {
		if err := d.push(byte(key >> extendedShift)); err != nil {
			return err
		}
	}

	if err := d.push(byte(key)); err != nil {
		return err
	}

	if d.control&cbKbdInt == 0 {
		log.Warn("i8042: keyboard interrupt disabled by the guest")

		return nil
	}

	return d.kbd.Notify()
}

// TriggerCtrlAltDel queues the scan codes of Ctrl+Alt+Del.
func (d *I8042) TriggerCtrlAltDel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, k := range []uint16{keyCtrl, keyAlt, keyDel} {
		if err := d.triggerKey(k); err != nil {
			metrics.M.I8042.ErrorCount.Inc()

			return err
		}
	}

	return nil
}
