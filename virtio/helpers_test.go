package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/gomicrovm/memory"
	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/stretchr/testify/require"
)

const (
	testQueueSize = 16
	flagNext      = 1
	flagWrite     = 2
	flagIndirect  = 4
)

func newGuestMemory(t *testing.T) *memory.GuestMemory {
	t.Helper()

	m, err := memory.New([]memory.Range{{Start: 0, Size: 1 << 20}}, memory.HugePagesNone)
	require.NoError(t, err)

	t.Cleanup(func() { m.Close() })

	return m
}

// ring lays out one queue in guest memory and plays the driver side.
type ring struct {
	t     *testing.T
	mem   *memory.GuestMemory
	desc  uint64
	avail uint64
	used  uint64
	size  uint16

	nextDesc uint16
	availIdx uint16
	usedSeen uint16
}

func newRing(t *testing.T, mem *memory.GuestMemory, base uint64) *ring {
	t.Helper()

	return &ring{
		t:     t,
		mem:   mem,
		desc:  base,
		avail: base + 0x1000,
		used:  base + 0x2000,
		size:  testQueueSize,
	}
}

func (r *ring) configure(q *virtio.Queue) {
	q.Size = r.size
	q.DescTable = r.desc
	q.AvailRing = r.avail
	q.UsedRing = r.used
	q.Ready = true
}

type seg struct {
	addr  uint64
	len   uint32
	write bool
}

// writeDesc stores one raw descriptor.
func (r *ring) writeDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	var b [16]byte

	binary.LittleEndian.PutUint64(b[0:], addr)
	binary.LittleEndian.PutUint32(b[8:], length)
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)

	_, err := r.mem.WriteAt(b[:], int64(r.desc+uint64(i)*16))
	require.NoError(r.t, err)
}

// publish puts head on the avail ring and bumps avail.idx.
func (r *ring) publish(head uint16) {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], head)
	_, err := r.mem.WriteAt(b[:], int64(r.avail+4+2*uint64(r.availIdx%r.size)))
	require.NoError(r.t, err)

	r.availIdx++
	require.NoError(r.t, r.mem.StoreUint16Release(r.avail+2, r.availIdx))
}

// add writes a chain of segments and publishes it.
func (r *ring) add(segs ...seg) uint16 {
	head := r.nextDesc

	for i, s := range segs {
		idx := r.nextDesc
		r.nextDesc = (r.nextDesc + 1) % r.size

		var flags uint16
		if s.write {
			flags |= flagWrite
		}

		if i < len(segs)-1 {
			flags |= flagNext
		}

		r.writeDesc(idx, s.addr, s.len, flags, r.nextDesc)
	}

	r.publish(head)

	return head
}

func (r *ring) setAvailFlags(flags uint16) {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], flags)
	_, err := r.mem.WriteAt(b[:], int64(r.avail))
	require.NoError(r.t, err)
}

func (r *ring) usedIdx() uint16 {
	v, err := r.mem.LoadUint16Acquire(r.used + 2)
	require.NoError(r.t, err)

	return v
}

// usedElem returns the id and length of used entry i.
func (r *ring) usedElem(i uint16) (uint32, uint32) {
	var b [8]byte

	_, err := r.mem.ReadAt(b[:], int64(r.used+4+8*uint64(i%r.size)))
	require.NoError(r.t, err)

	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:])
}

func mmioWrite(t *testing.T, tr *virtio.MMIOTransport, off uint64, v uint32) {
	t.Helper()

	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)
	require.NoError(t, tr.Write(off, b[:]))
}

func mmioRead(t *testing.T, tr *virtio.MMIOTransport, off uint64) uint32 {
	t.Helper()

	var b [4]byte

	require.NoError(t, tr.Read(off, b[:]))

	return binary.LittleEndian.Uint32(b[:])
}

// driverInit runs the virtio-mmio initialisation sequence with one ring per
// queue, then hands the activation event to the device and returns the
// registrations it asked for.
func driverInit(t *testing.T, tr *virtio.MMIOTransport, features uint64, rings ...*ring) *reactor.Ops {
	t.Helper()

	mmioWrite(t, tr, 0x70, 1)
	mmioWrite(t, tr, 0x70, 3)

	for page := uint32(0); page < 2; page++ {
		mmioWrite(t, tr, 0x24, page)
		mmioWrite(t, tr, 0x20, uint32(features>>(32*page)))
	}

	mmioWrite(t, tr, 0x70, 0xb)

	for i, r := range rings {
		mmioWrite(t, tr, 0x30, uint32(i))
		mmioWrite(t, tr, 0x38, uint32(r.size))
		mmioWrite(t, tr, 0x80, uint32(r.desc))
		mmioWrite(t, tr, 0x84, uint32(r.desc>>32))
		mmioWrite(t, tr, 0x90, uint32(r.avail))
		mmioWrite(t, tr, 0x94, uint32(r.avail>>32))
		mmioWrite(t, tr, 0xa0, uint32(r.used))
		mmioWrite(t, tr, 0xa4, uint32(r.used>>32))
		mmioWrite(t, tr, 0x44, 1)
	}

	mmioWrite(t, tr, 0x70, 0xf)
	require.Equal(t, uint32(0xf), mmioRead(t, tr, 0x70))

	dev := tr.Device()
	require.True(t, dev.IsActivated())

	ops := &reactor.Ops{}
	tr.Process(reactor.Event{FD: dev.ActivateEvent().FD(), Events: reactor.In}, ops)
	require.NotEmpty(t, ops.Pending())

	return ops
}

// kick notifies queue i through the transport and lets the device run.
func kick(t *testing.T, tr *virtio.MMIOTransport, i int) *reactor.Ops {
	t.Helper()

	mmioWrite(t, tr, 0x50, uint32(i))

	ops := &reactor.Ops{}
	tr.Process(reactor.Event{FD: tr.Device().QueueEvents()[i].FD(), Events: reactor.In}, ops)

	return ops
}

const version1 = uint64(1) << 32
