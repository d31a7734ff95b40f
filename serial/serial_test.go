package serial_test

import (
	"bytes"
	"testing"

	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/serial"
	"github.com/bobuhiro11/gomicrovm/term"
	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gvisor.dev/gvisor/pkg/eventfd"
)

func newSerial(t *testing.T, in serial.Input) (*serial.Serial, eventfd.Eventfd, *bytes.Buffer) {
	t.Helper()

	irq, err := eventfd.Create()
	require.NoError(t, err)

	t.Cleanup(func() { irq.Close() })

	out := &bytes.Buffer{}

	s, err := serial.New(irq, out, in)
	require.NoError(t, err)

	t.Cleanup(func() { s.Close() })

	return s, irq, out
}

func in(t *testing.T, s *serial.Serial, off uint64) byte {
	t.Helper()

	b := []byte{0}
	require.NoError(t, s.Read(off, b))

	return b[0]
}

func out(t *testing.T, s *serial.Serial, off uint64, v byte) {
	t.Helper()

	require.NoError(t, s.Write(off, []byte{v}))
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	s, _, _ := newSerial(t, nil)

	assert.Equal(t, byte(0xc1), in(t, s, 2), "IIR: no interrupt, FIFO enabled")
	assert.Equal(t, byte(0x03), in(t, s, 3))
	assert.Equal(t, byte(0x08), in(t, s, 4))
	assert.Equal(t, byte(0x60), in(t, s, 5))
	assert.Equal(t, byte(0xb0), in(t, s, 6))
	assert.Empty(t, s.Interest())
}

func TestDivisorLatch(t *testing.T) {
	t.Parallel()

	s, _, output := newSerial(t, nil)

	out(t, s, 3, 0x83)
	assert.Equal(t, byte(0x0c), in(t, s, 0))
	out(t, s, 0, 0x01)
	out(t, s, 1, 0x02)
	assert.Equal(t, byte(0x01), in(t, s, 0))
	assert.Equal(t, byte(0x02), in(t, s, 1))

	out(t, s, 3, 0x03)
	assert.Equal(t, byte(0), in(t, s, 1), "IER is separate from DLM")
	assert.Empty(t, output.String())
}

func TestTransmit(t *testing.T) {
	t.Parallel()

	s, irq, output := newSerial(t, nil)

	for _, c := range []byte("hi\n") {
		out(t, s, 0, c)
	}

	assert.Equal(t, "hi\n", output.String())

	// THR empty interrupt on enable and after every byte.
	out(t, s, 1, 0x02)
	assert.Equal(t, byte(0xc2), in(t, s, 2))
	assert.Equal(t, byte(0xc1), in(t, s, 2), "reading IIR clears THRE")

	out(t, s, 0, 'x')

	n, err := irq.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestReceive(t *testing.T) {
	t.Parallel()

	s, irq, _ := newSerial(t, nil)

	out(t, s, 1, 0x01)
	require.NoError(t, s.EnqueueRaw([]byte("ab")))

	assert.Equal(t, byte(0x61), in(t, s, 5), "data ready")
	assert.Equal(t, byte(0xc4), in(t, s, 2))
	assert.Equal(t, byte('a'), in(t, s, 0))
	assert.Equal(t, byte('b'), in(t, s, 0))
	assert.Equal(t, byte(0x60), in(t, s, 5))
	assert.Equal(t, byte(0xc1), in(t, s, 2))

	n, err := irq.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, s.EnqueueRaw(make([]byte, serial.FIFOSize)))
	assert.Equal(t, 0, s.FIFOCapacity())
	require.ErrorIs(t, s.EnqueueRaw([]byte{1}), serial.ErrFIFOFull)
}

func TestLoopback(t *testing.T) {
	t.Parallel()

	s, _, output := newSerial(t, nil)

	out(t, s, 4, 0x10|0x08)
	out(t, s, 0, 'z')

	assert.Empty(t, output.String())
	assert.Equal(t, byte('z'), in(t, s, 0))
	assert.Equal(t, byte(0x80), in(t, s, 6), "OUT2 loops back to DCD")
}

func TestConsoleInput(t *testing.T) {
	t.Parallel()

	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("no pty: %v", err)
	}

	defer ptmx.Close()
	defer tty.Close()

	restore, err := term.SetRawMode(int(tty.Fd()))
	require.NoError(t, err)

	defer restore()

	s, _, _ := newSerial(t, tty)

	interest := s.Interest()
	require.Len(t, interest, 2)

	_, err = ptmx.Write(bytes.Repeat([]byte("k"), serial.FIFOSize+10))
	require.NoError(t, err)

	ttyFD := int(tty.Fd())

	// The FIFO fills up and input is paused. The pty may hand the bytes over
	// in more than one read.
	var ops *reactor.Ops
	for i := 0; i < 100 && s.FIFOCapacity() > 0; i++ {
		ops = &reactor.Ops{}
		s.Process(reactor.Event{FD: ttyFD, Events: reactor.In}, ops)
	}

	assert.Equal(t, 0, s.FIFOCapacity())
	require.Len(t, ops.Pending(), 1)
	assert.Equal(t, reactor.OpModify, ops.Pending()[0].Kind)
	assert.Equal(t, reactor.EventSet(0), ops.Pending()[0].Events)

	// Draining one byte wakes the input up again.
	assert.Equal(t, byte('k'), in(t, s, 0))

	ops = &reactor.Ops{}
	s.Process(reactor.Event{FD: interest[1].FD, Events: reactor.In}, ops)
	require.Len(t, ops.Pending(), 1)
	assert.Equal(t, reactor.In, ops.Pending()[0].Events)

	ops = &reactor.Ops{}
	s.Process(reactor.Event{FD: ttyFD, Events: reactor.In}, ops)
	assert.Equal(t, 0, s.FIFOCapacity())
}
