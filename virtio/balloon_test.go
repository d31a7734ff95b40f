package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/gomicrovm/reactor"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type balloonFixture struct {
	tr      *virtio.MMIOTransport
	dev     *virtio.Balloon
	inflate *ring
	deflate *ring
	stats   *ring
}

func newBalloonFixture(t *testing.T, cfg virtio.BalloonConfig) *balloonFixture {
	t.Helper()

	dev, err := virtio.NewBalloon(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { dev.Close() })

	mem := newGuestMemory(t)
	f := &balloonFixture{
		tr:      virtio.NewMMIOTransport(mem, dev),
		dev:     dev,
		inflate: newRing(t, mem, 0x10000),
		deflate: newRing(t, mem, 0x20000),
		stats:   newRing(t, mem, 0x30000),
	}

	rings := []*ring{f.inflate, f.deflate}
	if cfg.StatsPollingIntervalS > 0 {
		rings = append(rings, f.stats)
	}

	driverInit(t, f.tr, version1, rings...)

	return f
}

func TestBalloonQueues(t *testing.T) {
	t.Parallel()

	plain, err := virtio.NewBalloon(virtio.BalloonConfig{AmountMiB: 1})
	require.NoError(t, err)

	defer plain.Close()

	assert.Len(t, plain.Queues(), 2)
	assert.Zero(t, plain.AvailFeatures()&(1<<1))

	withStats, err := virtio.NewBalloon(virtio.BalloonConfig{DeflateOnOOM: true, StatsPollingIntervalS: 1})
	require.NoError(t, err)

	defer withStats.Close()

	assert.Len(t, withStats.Queues(), 3)
	assert.NotZero(t, withStats.AvailFeatures()&(1<<1))
	assert.NotZero(t, withStats.AvailFeatures()&(1<<2))

	_, err = virtio.NewBalloon(virtio.BalloonConfig{AmountMiB: 1 << 24})
	require.ErrorIs(t, err, virtio.ErrTooManyPages)
}

func TestBalloonInflate(t *testing.T) {
	t.Parallel()

	f := newBalloonFixture(t, virtio.BalloonConfig{AmountMiB: 1})
	mem := f.inflate.mem

	page := make([]byte, 0x1000)
	for i := range page {
		page[i] = 0xcc
	}

	for _, addr := range []int64{0x60000, 0x61000, 0x63000} {
		_, err := mem.WriteAt(page, addr)
		require.NoError(t, err)
	}

	// Unsorted with a duplicate.
	pfns := make([]byte, 16)
	for i, pfn := range []uint32{0x61, 0x60, 0x61, 0x62} {
		binary.LittleEndian.PutUint32(pfns[4*i:], pfn)
	}

	_, err := mem.WriteAt(pfns, 0x40000)
	require.NoError(t, err)

	f.inflate.add(seg{addr: 0x40000, len: 16})
	kick(t, f.tr, 0)

	assert.Equal(t, uint16(1), f.inflate.usedIdx())

	got := make([]byte, 0x1000)
	for _, addr := range []int64{0x60000, 0x61000} {
		_, err := mem.ReadAt(got, addr)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 0x1000), got, "page %#x", addr)
	}

	_, err = mem.ReadAt(got, 0x63000)
	require.NoError(t, err)
	assert.Equal(t, page, got)
}

func TestBalloonInflateOutsideMemory(t *testing.T) {
	t.Parallel()

	f := newBalloonFixture(t, virtio.BalloonConfig{AmountMiB: 1})

	pfn := make([]byte, 4)
	binary.LittleEndian.PutUint32(pfn, 0x100000)
	_, err := f.inflate.mem.WriteAt(pfn, 0x40000)
	require.NoError(t, err)

	f.inflate.add(seg{addr: 0x40000, len: 4})
	kick(t, f.tr, 0)

	assert.Equal(t, uint16(1), f.inflate.usedIdx())
	assert.False(t, f.dev.Failed())
}

func TestBalloonDeflate(t *testing.T) {
	t.Parallel()

	f := newBalloonFixture(t, virtio.BalloonConfig{AmountMiB: 1})

	f.deflate.add(seg{addr: 0x40000, len: 4})
	f.deflate.add(seg{addr: 0x40004, len: 4})
	kick(t, f.tr, 1)

	assert.Equal(t, uint16(2), f.deflate.usedIdx())
}

func TestBalloonConfigSpace(t *testing.T) {
	t.Parallel()

	f := newBalloonFixture(t, virtio.BalloonConfig{AmountMiB: 2})

	assert.Equal(t, uint32(512), mmioRead(t, f.tr, 0x100))

	require.NoError(t, f.tr.Locked(func(virtio.Device) error {
		return f.dev.UpdateTarget(4)
	}))

	assert.Equal(t, uint32(1024), mmioRead(t, f.tr, 0x100))
	assert.Equal(t, uint32(1), mmioRead(t, f.tr, 0xfc))
	assert.Equal(t, uint32(virtio.InterruptConfig), mmioRead(t, f.tr, 0x60))

	// The driver reports its progress in "actual".
	mmioWrite(t, f.tr, 0x104, 256)
	assert.Equal(t, uint32(256), mmioRead(t, f.tr, 0x104))
	assert.Equal(t, uint32(4), f.dev.Config().AmountMiB)

	_, err := f.dev.Stats()
	require.ErrorIs(t, err, virtio.ErrStatisticsDisabled)
	require.ErrorIs(t, f.dev.UpdateStatsInterval(5), virtio.ErrStatisticsStateChange)
}

func statEntry(tag uint16, v uint64) []byte {
	b := make([]byte, 10)
	binary.LittleEndian.PutUint16(b, tag)
	binary.LittleEndian.PutUint64(b[2:], v)

	return b
}

func TestBalloonStats(t *testing.T) {
	t.Parallel()

	f := newBalloonFixture(t, virtio.BalloonConfig{AmountMiB: 1, StatsPollingIntervalS: 1})

	report := append(statEntry(4, 1234), statEntry(5, 5678)...)
	report = append(report, statEntry(42, 1)...)

	_, err := f.stats.mem.WriteAt(report, 0x40000)
	require.NoError(t, err)

	f.stats.add(seg{addr: 0x40000, len: uint32(len(report))})
	kick(t, f.tr, 2)

	// The buffer is held until the next poll.
	assert.Equal(t, uint16(0), f.stats.usedIdx())

	stats, err := f.dev.Stats()
	require.NoError(t, err)
	require.NotNil(t, stats.FreeMemory)
	require.NotNil(t, stats.TotalMemory)
	assert.Equal(t, uint64(1234), *stats.FreeMemory)
	assert.Equal(t, uint64(5678), *stats.TotalMemory)
	assert.Nil(t, stats.SwapIn)
	assert.Equal(t, uint32(256), stats.TargetPages)
	assert.Equal(t, uint32(1), stats.TargetMiB)

	state := f.dev.State()

	interest := f.tr.Interest()
	timer := interest[len(interest)-1].FD
	f.tr.Process(reactor.Event{FD: timer, Events: reactor.In}, &reactor.Ops{})

	assert.Equal(t, uint16(1), f.stats.usedIdx())

	require.ErrorIs(t, f.dev.UpdateStatsInterval(0), virtio.ErrStatisticsStateChange)
	require.NoError(t, f.dev.UpdateStatsInterval(10))
	assert.Equal(t, uint16(10), f.dev.Config().StatsPollingIntervalS)

	// The held buffer survives a snapshot.
	restored, err := virtio.NewBalloon(virtio.BalloonConfig{AmountMiB: 1, StatsPollingIntervalS: 1})
	require.NoError(t, err)

	defer restored.Close()

	require.NoError(t, restored.Restore(state))
	assert.Equal(t, state.Config, restored.State().Config)
}
