package virtio_test

import (
	"net"
	"testing"

	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// fakeTap is one end of a SOCK_SEQPACKET pair, which keeps frame boundaries
// like a tap does.
type fakeTap struct {
	fd int
}

func (f *fakeTap) Read(p []byte) (int, error)  { return unix.Read(f.fd, p) }
func (f *fakeTap) Write(p []byte) (int, error) { return unix.Write(f.fd, p) }
func (f *fakeTap) FD() int                     { return f.fd }
func (f *fakeTap) Close() error                { return unix.Close(f.fd) }

func newTapPair(t *testing.T) (*fakeTap, int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	t.Cleanup(func() { unix.Close(fds[1]) })

	return &fakeTap{fd: fds[0]}, fds[1]
}

type netFixture struct {
	tr   *virtio.MMIOTransport
	dev  *virtio.Net
	tap  *fakeTap
	peer int
	rx   *ring
	tx   *ring
}

func newNetFixture(t *testing.T, cfg virtio.NetConfig) *netFixture {
	t.Helper()

	tap, peer := newTapPair(t)

	dev, err := virtio.NewNet(cfg, tap)
	require.NoError(t, err)

	t.Cleanup(func() { dev.Close() })

	mem := newGuestMemory(t)
	f := &netFixture{
		tr:   virtio.NewMMIOTransport(mem, dev),
		dev:  dev,
		tap:  tap,
		peer: peer,
		rx:   newRing(t, mem, 0x10000),
		tx:   newRing(t, mem, 0x20000),
	}

	driverInit(t, f.tr, version1, f.rx, f.tx)

	return f
}

func (f *netFixture) tapEvent() *reactor.Ops {
	ops := &reactor.Ops{}
	f.tr.Process(reactor.Event{FD: f.tap.FD(), Events: reactor.In}, ops)

	return ops
}

// tapModify returns the events of the last Modify of the tap fd in ops.
func tapModify(ops *reactor.Ops, fd int) (reactor.EventSet, bool) {
	var (
		events reactor.EventSet
		found  bool
	)

	for _, op := range ops.Pending() {
		if op.Kind == reactor.OpModify && op.FD == fd {
			events, found = op.Events, true
		}
	}

	return events, found
}

func TestNetTransmit(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t, virtio.NetConfig{ID: "eth0"})

	frame := append(make([]byte, virtio.VnetHeaderLen), "hello"...)
	_, err := f.tx.mem.WriteAt(frame[:8], 0x40000)
	require.NoError(t, err)
	_, err = f.tx.mem.WriteAt(frame[8:], 0x41000)
	require.NoError(t, err)

	f.tx.add(seg{addr: 0x40000, len: 8}, seg{addr: 0x41000, len: uint32(len(frame) - 8)})
	kick(t, f.tr, 1)

	assert.Equal(t, uint16(1), f.tx.usedIdx())

	buf := make([]byte, 64)
	n, err := unix.Read(f.peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestNetReceive(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t, virtio.NetConfig{ID: "eth0"})

	_, err := unix.Write(f.peer, []byte("world"))
	require.NoError(t, err)

	// No RX buffers yet: the frame waits and the tap is no longer watched.
	ops := f.tapEvent()
	events, ok := tapModify(ops, f.tap.FD())
	require.True(t, ok)
	assert.Equal(t, reactor.EventSet(0), events)
	assert.Equal(t, uint16(0), f.rx.usedIdx())

	f.rx.add(seg{addr: 0x50000, len: 2048, write: true})
	ops = kick(t, f.tr, 0)

	events, ok = tapModify(ops, f.tap.FD())
	require.True(t, ok)
	assert.Equal(t, reactor.In, events)

	require.Equal(t, uint16(1), f.rx.usedIdx())

	_, n := f.rx.usedElem(0)
	assert.Equal(t, uint32(virtio.VnetHeaderLen+5), n)

	got := make([]byte, n)
	_, err = f.rx.mem.ReadAt(got, 0x50000)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, virtio.VnetHeaderLen), got[:virtio.VnetHeaderLen])
	assert.Equal(t, "world", string(got[virtio.VnetHeaderLen:]))
}

func TestNetReceiveWithBuffers(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t, virtio.NetConfig{ID: "eth0"})

	f.rx.add(seg{addr: 0x50000, len: 2048, write: true})
	f.rx.add(seg{addr: 0x51000, len: 8, write: true})

	for _, p := range []string{"first", "second"} {
		_, err := unix.Write(f.peer, []byte(p))
		require.NoError(t, err)
	}

	// Both frames go out in one pass; the second buffer is too small and the
	// frame is dropped with an empty used entry.
	ops := f.tapEvent()
	_, paused := tapModify(ops, f.tap.FD())
	assert.False(t, paused)

	require.Equal(t, uint16(2), f.rx.usedIdx())

	_, n := f.rx.usedElem(0)
	assert.Equal(t, uint32(virtio.VnetHeaderLen+5), n)

	_, n = f.rx.usedElem(1)
	assert.Equal(t, uint32(0), n)
}

func TestNetConfigSpace(t *testing.T) {
	t.Parallel()

	mac, err := net.ParseMAC("06:00:ac:10:00:02")
	require.NoError(t, err)

	f := newNetFixture(t, virtio.NetConfig{ID: "eth0", GuestMAC: mac})

	assert.NotZero(t, f.dev.AvailFeatures()&(1<<5))

	got := make([]byte, 6)
	require.NoError(t, f.tr.Read(0x100, got))
	assert.Equal(t, []byte(mac), got)

	require.NoError(t, f.dev.UpdateRateLimiters(nil, nil))
	require.Error(t, f.dev.UpdateRateLimiters(&ratelimiter.Config{}, nil))
}
