package iodev_test

import (
	"testing"
	"time"

	"github.com/bobuhiro11/gomicrovm/iodev"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func newEventfd(t *testing.T) eventfd.Eventfd {
	t.Helper()

	e, err := eventfd.Create()
	require.NoError(t, err)

	t.Cleanup(func() { e.Close() })

	return e
}

func readByte(t *testing.T, d *iodev.I8042, off uint64) byte {
	t.Helper()

	b := []byte{0}
	require.NoError(t, d.Read(off, b))

	return b[0]
}

func TestI8042Reset(t *testing.T) {
	t.Parallel()

	reset := newEventfd(t)
	d := iodev.NewI8042(reset, newEventfd(t))

	require.NoError(t, d.Write(4, []byte{0xfe}))

	v, err := reset.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), v)
}

func TestI8042ControlRegister(t *testing.T) {
	t.Parallel()

	d := iodev.NewI8042(newEventfd(t), newEventfd(t))

	require.NoError(t, d.Write(4, []byte{0x20}))
	assert.Equal(t, byte(0x11), readByte(t, d, 4), "kbd enabled, data available")
	assert.Equal(t, byte(0x05), readByte(t, d, 0))
	assert.Equal(t, byte(0x10), readByte(t, d, 4))

	// Write the control byte, then read it back.
	require.NoError(t, d.Write(4, []byte{0x60}))
	assert.Equal(t, byte(0x18), readByte(t, d, 4))
	require.NoError(t, d.Write(0, []byte{0x04}))
	assert.Equal(t, byte(0x10), readByte(t, d, 4))

	require.NoError(t, d.Write(4, []byte{0x20}))
	assert.Equal(t, byte(0x04), readByte(t, d, 0))

	// Output port.
	require.NoError(t, d.Write(4, []byte{0xd1}))
	require.NoError(t, d.Write(0, []byte{0x42}))
	require.NoError(t, d.Write(4, []byte{0xd0}))
	assert.Equal(t, byte(0x42), readByte(t, d, 0))

	// Keyboard commands are acknowledged.
	require.NoError(t, d.Write(0, []byte{0xed}))
	assert.Equal(t, byte(0xfa), readByte(t, d, 0))
}

func TestI8042CtrlAltDel(t *testing.T) {
	t.Parallel()

	kbd := newEventfd(t)
	d := iodev.NewI8042(newEventfd(t), kbd)

	require.NoError(t, d.TriggerCtrlAltDel())

	n, err := kbd.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	var got []byte
	for readByte(t, d, 4)&1 != 0 {
		got = append(got, readByte(t, d, 0))
	}

	assert.Equal(t, []byte{0x14, 0x11, 0xe0, 0x71}, got)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.TriggerCtrlAltDel())
	}

	require.ErrorIs(t, d.TriggerCtrlAltDel(), iodev.ErrI8042BufferFull)
}

func TestI8042MissedAccess(t *testing.T) {
	d := iodev.NewI8042(newEventfd(t), newEventfd(t))
	missed := metrics.M.I8042.MissedWriteCount.Count()

	require.NoError(t, d.Write(2, []byte{1}))
	require.NoError(t, d.Write(0, []byte{1, 2}))
	assert.Equal(t, missed+2, metrics.M.I8042.MissedWriteCount.Count())
}

func TestNoopDevice(t *testing.T) {
	t.Parallel()

	for _, n := range iodev.NoopRanges {
		assert.NotZero(t, n.Size())
		assert.False(t, n.IOPort() < iodev.I8042Port+iodev.I8042Size && n.IOPort()+n.Size() > iodev.I8042Port,
			"%#x overlaps the i8042", n.IOPort())
	}

	d := &iodev.NoopDevice{Port: 0x70, Psize: 2}
	b := []byte{0, 0}
	require.NoError(t, d.Read(1, b))
	assert.Equal(t, []byte{0xff, 0xff}, b)
	require.NoError(t, d.Write(0, b))
}

func TestBootTimer(t *testing.T) {
	before := metrics.M.VMM.BootTimeUs.Count()
	bt := iodev.NewBootTimer(time.Now().Add(-time.Second))

	require.NoError(t, bt.Write(0, []byte{1}))
	assert.Equal(t, before, metrics.M.VMM.BootTimeUs.Count())

	require.NoError(t, bt.Write(0, []byte{123}))
	assert.GreaterOrEqual(t, metrics.M.VMM.BootTimeUs.Count()-before, uint64(time.Second.Microseconds()))
}
