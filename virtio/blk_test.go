package virtio_test

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	reqHeader = 0x40000
	reqData   = 0x41000
	reqStatus = 0x42000
)

func newDisk(t *testing.T, sectors int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "disk.img")
	data := make([]byte, sectors*virtio.SectorSize)

	for i := range data {
		data[i] = byte(i / virtio.SectorSize)
	}

	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

func newBlockTransport(t *testing.T, cfg virtio.BlockConfig) (*virtio.MMIOTransport, *virtio.Block, *ring) {
	t.Helper()

	if cfg.Path == "" {
		cfg.Path = newDisk(t, 8)
	}

	if cfg.ID == "" {
		cfg.ID = "rootfs"
	}

	blk, err := virtio.NewBlock(cfg)
	require.NoError(t, err)

	t.Cleanup(func() { blk.Close() })

	mem := newGuestMemory(t)
	tr := virtio.NewMMIOTransport(mem, blk)
	r := newRing(t, mem, 0x10000)

	driverInit(t, tr, version1, r)

	return tr, blk, r
}

func (r *ring) blkHeader(typ uint32, sector uint64) {
	var b [16]byte

	binary.LittleEndian.PutUint32(b[0:], typ)
	binary.LittleEndian.PutUint64(b[8:], sector)

	_, err := r.mem.WriteAt(b[:], reqHeader)
	require.NoError(r.t, err)
}

// blkRequest submits one request and returns the status byte and used length.
// A zero seg means no data descriptor.
func blkRequest(t *testing.T, tr *virtio.MMIOTransport, r *ring, typ uint32, sector uint64, data ...seg) (byte, uint32) {
	t.Helper()

	r.blkHeader(typ, sector)

	status := []byte{0xff}
	_, err := r.mem.WriteAt(status, reqStatus)
	require.NoError(t, err)

	segs := []seg{{addr: reqHeader, len: 16}}
	for _, d := range data {
		if d != (seg{}) {
			segs = append(segs, d)
		}
	}

	head := r.add(append(segs, seg{addr: reqStatus, len: 1, write: true})...)
	before := r.usedIdx()

	kick(t, tr, 0)
	require.Equal(t, before+1, r.usedIdx())

	id, n := r.usedElem(before)
	require.Equal(t, uint32(head), id)

	_, err = r.mem.ReadAt(status, reqStatus)
	require.NoError(t, err)

	return status[0], n
}

func TestBlockReadWrite(t *testing.T) {
	t.Parallel()

	tr, _, r := newBlockTransport(t, virtio.BlockConfig{})

	status, n := blkRequest(t, tr, r, 0, 3, seg{addr: reqData, len: 512, write: true})
	assert.Equal(t, byte(0), status)
	assert.Equal(t, uint32(513), n)

	got := make([]byte, 512)
	_, err := r.mem.ReadAt(got, reqData)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{3}, 512), got)

	_, err = r.mem.WriteAt(bytes.Repeat([]byte{0xab}, 512), reqData)
	require.NoError(t, err)

	status, n = blkRequest(t, tr, r, 1, 5, seg{addr: reqData, len: 512})
	assert.Equal(t, byte(0), status)
	assert.Equal(t, uint32(1), n)

	_, err = r.mem.WriteAt(make([]byte, 512), reqData)
	require.NoError(t, err)

	status, _ = blkRequest(t, tr, r, 0, 5, seg{addr: reqData, len: 512, write: true})
	assert.Equal(t, byte(0), status)

	_, err = r.mem.ReadAt(got, reqData)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 512), got)
}

func TestBlockRejectedRequests(t *testing.T) {
	t.Parallel()

	tr, _, r := newBlockTransport(t, virtio.BlockConfig{})

	for _, test := range []struct {
		name   string
		typ    uint32
		sector uint64
		data   []seg
		want   byte
	}{
		{"PastEnd", 0, 8, []seg{{addr: reqData, len: 512, write: true}}, 1},
		{"Straddling", 0, 7, []seg{{addr: reqData, len: 1024, write: true}}, 1},
		{"NotSectorMultiple", 0, 0, []seg{{addr: reqData, len: 100, write: true}}, 1},
		{"NoData", 1, 0, []seg{{}}, 1},
		{"ZeroLenSegmentIn", 0, 0, []seg{{addr: reqData, len: 512, write: true}, {addr: reqData + 512, write: true}}, 1},
		{"ZeroLenSegmentOut", 1, 0, []seg{{addr: reqData, len: 512}, {addr: reqData + 512}}, 1},
		{"Unsupported", 99, 0, []seg{{}}, 2},
	} {
		status, _ := blkRequest(t, tr, r, test.typ, test.sector, test.data...)
		assert.Equal(t, test.want, status, test.name)
	}
}

func TestBlockReadOnly(t *testing.T) {
	t.Parallel()

	path := newDisk(t, 8)
	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{Path: path, ReadOnly: true})

	assert.NotZero(t, blk.AvailFeatures()&(1<<5))

	status, _ := blkRequest(t, tr, r, 1, 0, seg{addr: reqData, len: 512})
	assert.Equal(t, byte(1), status)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, byte(0), data[0])

	status, _ = blkRequest(t, tr, r, 0, 1, seg{addr: reqData, len: 512, write: true})
	assert.Equal(t, byte(0), status)
}

func TestBlockFlushAndID(t *testing.T) {
	t.Parallel()

	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{ID: "scratch", CacheType: virtio.CacheWriteback})

	assert.NotZero(t, blk.AvailFeatures()&(1<<9))

	status, n := blkRequest(t, tr, r, 4, 0, seg{})
	assert.Equal(t, byte(0), status)
	assert.Equal(t, uint32(1), n)

	status, n = blkRequest(t, tr, r, 8, 0, seg{addr: reqData, len: 20, write: true})
	assert.Equal(t, byte(0), status)
	assert.Equal(t, uint32(21), n)

	id := make([]byte, 20)
	_, err := r.mem.ReadAt(id, reqData)
	require.NoError(t, err)
	assert.Equal(t, "scratch", string(bytes.TrimRight(id, "\x00")))
}

func TestBlockConfigSpace(t *testing.T) {
	t.Parallel()

	tr, blk, _ := newBlockTransport(t, virtio.BlockConfig{})

	capacity := make([]byte, 8)
	require.NoError(t, tr.Read(0x100, capacity))
	assert.Equal(t, uint64(8), binary.LittleEndian.Uint64(capacity))
	assert.Equal(t, uint64(8), blk.Capacity())

	require.NoError(t, tr.Locked(func(virtio.Device) error {
		return blk.UpdateDisk(newDisk(t, 16))
	}))

	require.NoError(t, tr.Read(0x100, capacity))
	assert.Equal(t, uint64(16), binary.LittleEndian.Uint64(capacity))
	assert.Equal(t, uint32(1), mmioRead(t, tr, 0xfc))
	assert.Equal(t, uint32(virtio.InterruptConfig), mmioRead(t, tr, 0x60)&virtio.InterruptConfig)

	require.Error(t, blk.UpdateDisk(filepath.Join(t.TempDir(), "missing")))
	assert.Equal(t, uint64(16), blk.Capacity())
}

func TestBlockReadAfterUpdateDisk(t *testing.T) {
	t.Parallel()

	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{})

	status, _ := blkRequest(t, tr, r, 0, 2, seg{addr: reqData, len: 512, write: true})
	require.Equal(t, byte(0), status)

	got := make([]byte, 512)
	_, err := r.mem.ReadAt(got, reqData)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{2}, 512), got)

	swapped := filepath.Join(t.TempDir(), "swapped.img")
	require.NoError(t, os.WriteFile(swapped, bytes.Repeat([]byte{0x5a}, 16*virtio.SectorSize), 0o600))

	require.NoError(t, tr.Locked(func(virtio.Device) error { return blk.UpdateDisk(swapped) }))
	assert.Equal(t, swapped, blk.Config().Path)

	// Sector 12 lies past the end of the old disk.
	status, _ = blkRequest(t, tr, r, 0, 12, seg{addr: reqData, len: 512, write: true})
	require.Equal(t, byte(0), status)

	_, err = r.mem.ReadAt(got, reqData)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x5a}, 512), got)
}

func TestBlockRateLimited(t *testing.T) {
	t.Parallel()

	cfg := &ratelimiter.Config{Ops: &ratelimiter.BucketConfig{Size: 1, RefillTime: 1000}}
	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{RateLimiter: cfg})

	var limited bool
	for _, i := range blk.Interest() {
		if i.FD != blk.QueueEvents()[0].FD() {
			limited = true
		}
	}

	assert.True(t, limited, "the limiter fd is watched once active")

	r.blkHeader(0, 0)
	r.add(seg{addr: reqHeader, len: 16}, seg{addr: reqData, len: 512, write: true}, seg{addr: reqStatus, len: 1, write: true})
	r.add(seg{addr: reqHeader, len: 16}, seg{addr: reqData, len: 512, write: true}, seg{addr: reqStatus, len: 1, write: true})

	kick(t, tr, 0)
	assert.Equal(t, uint16(1), r.usedIdx())

	require.NoError(t, blk.UpdateRateLimiter(ratelimiter.Config{
		Ops: &ratelimiter.BucketConfig{Size: 100, RefillTime: 1},
	}))
}

func TestBlockInvalidRequest(t *testing.T) {
	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{})
	invalid := metrics.M.Block.InvalidReqs.Count()

	// No status byte: the chain is returned untouched.
	r.blkHeader(0, 0)
	r.add(seg{addr: reqHeader, len: 16})
	kick(t, tr, 0)

	_, n := r.usedElem(0)
	assert.Equal(t, uint32(0), n)
	assert.Equal(t, invalid+1, metrics.M.Block.InvalidReqs.Count())
	assert.False(t, blk.Failed())

	require.Error(t, blk.UpdateRateLimiter(ratelimiter.Config{}))
}

func TestBlockMalformedChain(t *testing.T) {
	tr, blk, r := newBlockTransport(t, virtio.BlockConfig{})
	fails := metrics.M.Block.EventFails.Count()

	r.writeDesc(0, reqHeader, 16, flagNext, 0)
	r.publish(0)
	kick(t, tr, 0)

	assert.True(t, blk.Failed())
	assert.Equal(t, fails+1, metrics.M.Block.EventFails.Count())
	assert.NotZero(t, mmioRead(t, tr, 0x70)&virtio.StatusDeviceNeedsReset)

	// A failed device ignores further notifications.
	r.add(seg{addr: reqHeader, len: 16}, seg{addr: reqStatus, len: 1, write: true})
	kick(t, tr, 0)
	assert.Equal(t, uint16(0), r.usedIdx())
}

func TestBlockDoubleActivate(t *testing.T) {
	t.Parallel()

	_, blk, r := newBlockTransport(t, virtio.BlockConfig{})

	require.ErrorIs(t, blk.Activate(r.mem), virtio.ErrAlreadyActivated)
	assert.True(t, blk.Failed())
}

func TestBlockMissingDisk(t *testing.T) {
	t.Parallel()

	_, err := virtio.NewBlock(virtio.BlockConfig{ID: "x", Path: filepath.Join(t.TempDir(), "none")})
	require.ErrorIs(t, err, os.ErrNotExist)
}
