package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/ratelimiter"
	"github.com/bobuhiro11/gomicrovm/reactor"
)

const (
	SectorSize = 512

	blkFeatureRO    = 5
	blkFeatureFlush = 9

	blkTypeIn    = 0
	blkTypeOut   = 1
	blkTypeFlush = 4
	blkTypeGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkHeaderLen = 16
	blkIDLen     = 20
)

var errBlkRequest = errors.New("invalid block request")

// CacheType selects how FLUSH is honoured.
type CacheType string

const (
	CacheUnsafe    CacheType = "Unsafe"
	CacheWriteback CacheType = "Writeback"
)

// BlockConfig describes one drive.
type BlockConfig struct {
	ID          string
	Path        string
	ReadOnly    bool
	CacheType   CacheType
	RateLimiter *ratelimiter.Config
}

// Block is virtio-blk backed by a host file with synchronous I/O.
type Block struct {
	deviceBase

	cfg      BlockConfig
	disk     *os.File
	capacity uint64
	limiter  *ratelimiter.RateLimiter
}

var _ Device = (*Block)(nil)

func openDisk(path string, readOnly bool) (*os.File, uint64, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, 0, err
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, 0, err
	}

	size := uint64(fi.Size())
	if size%SectorSize != 0 {
		log.Warnf("disk %s size %d is not a multiple of the sector size, tail ignored", path, size)
	}

	return f, size / SectorSize, nil
}

func NewBlock(cfg BlockConfig) (*Block, error) {
	disk, capacity, err := openDisk(cfg.Path, cfg.ReadOnly)
	if err != nil {
		return nil, err
	}

	var features uint64
	if cfg.ReadOnly {
		features |= 1 << blkFeatureRO
	}

	if cfg.CacheType == CacheWriteback {
		features |= 1 << blkFeatureFlush
	}

	base, err := newDeviceBase(TypeBlock, features, []uint16{QueueSize}, &metrics.M.Block.EventFails)
	if err != nil {
		disk.Close()

		return nil, err
	}

	b := &Block{deviceBase: base, cfg: cfg, disk: disk, capacity: capacity}

	if cfg.RateLimiter != nil {
		if b.limiter, err = ratelimiter.New(*cfg.RateLimiter); err != nil {
			b.Close()

			return nil, err
		}
	}

	return b, nil
}

func (b *Block) ID() string {
	return b.cfg.ID
}

func (b *Block) Config() BlockConfig {
	return b.cfg
}

// Capacity is the disk size in sectors.
func (b *Block) Capacity() uint64 {
	return b.capacity
}

func (b *Block) config() []byte {
	c := make([]byte, 8)
	binary.LittleEndian.PutUint64(c, b.capacity)

	return c
}

func (b *Block) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(b.config(), offset, data)
}

func (b *Block) WriteConfig(offset uint64, _ []byte) {
	metrics.M.Block.CfgFails.Inc()
	log.Warnf("block %s: guest write to read-only config at %#x", b.cfg.ID, offset)
}

func (b *Block) Activate(mem GuestMemory) error {
	if err := b.activate(mem); err != nil {
		metrics.M.Block.ActivateFails.Inc()

		return err
	}

	return nil
}

// UpdateDisk points the drive at another file and tells the guest.
func (b *Block) UpdateDisk(path string) error {
	disk, capacity, err := openDisk(path, b.cfg.ReadOnly)
	if err != nil {
		metrics.M.Block.UpdateFails.Inc()

		return err
	}

	b.disk.Close()
	b.disk = disk
	b.capacity = capacity
	b.cfg.Path = path

	metrics.M.Block.UpdateCount.Inc()

	return b.configChanged()
}

// UpdateRateLimiter replaces the buckets named in cfg.
func (b *Block) UpdateRateLimiter(cfg ratelimiter.Config) error {
	if b.limiter == nil {
		return fmt.Errorf("block %s: %w", b.cfg.ID, errNoRateLimiter)
	}

	return b.limiter.Update(cfg)
}

func (b *Block) Interest() []reactor.Interest {
	is := b.baseInterest()
	if b.activated && b.limiter != nil {
		is = append(is, reactor.Interest{FD: b.limiter.FD(), Events: reactor.In})
	}

	return is
}

func (b *Block) Process(ev reactor.Event, ops *reactor.Ops) {
	switch {
	case ev.FD == b.activateEvent.FD():
		b.processActivate(b, ops)
	case ev.FD == b.queueEvents[0].FD():
		if _, err := b.queueEvents[0].Read(); err != nil {
			log.Errorf("block %s: read queue event: %v", b.cfg.ID, err)
		}

		metrics.M.Block.QueueEvents.Inc()
		b.processQueue()
	case b.limiter != nil && ev.FD == b.limiter.FD():
		if err := b.limiter.Event(); err != nil {
			log.Errorf("block %s: rate limiter: %v", b.cfg.ID, err)
		}

		b.processQueue()
	default:
		log.Warnf("block %s: unexpected event on fd %d", b.cfg.ID, ev.FD)
	}
}

func (b *Block) processQueue() {
	if b.failed || !b.activated {
		return
	}

	q := b.queues[0]
	used := false

	for {
		if b.limiter != nil && b.limiter.Blocked() {
			metrics.M.Block.RateLimiterThrottled.Inc()

			break
		}

		c, err := q.Pop(b.mem)
		if err != nil {
			b.fail(err)

			return
		}

		if c == nil {
			break
		}

		if b.limiter != nil && !b.limiter.Consume(uint64(c.ReadableLen+c.WritableLen)) {
			q.UndoPop()
			metrics.M.Block.RateLimiterThrottled.Inc()

			break
		}

		n := b.execute(c)

		if err := q.AddUsed(b.mem, c.Head, n); err != nil {
			b.fail(err)

			return
		}

		used = true
	}

	if used {
		if err := b.signalUsed(q); err != nil {
			log.Errorf("block %s: signal used: %v", b.cfg.ID, err)
		}
	}
}

type blkRequest struct {
	typ    uint32
	sector uint64
	data   []Segment
	status Segment
	// emptySeg is set when the guest passed a zero-length data descriptor.
	emptySeg bool
}

func (b *Block) parse(c *DescriptorChain) (*blkRequest, error) {
	if len(c.Readable) == 0 || c.Readable[0].Len < blkHeaderLen {
		return nil, fmt.Errorf("%w: no header", errBlkRequest)
	}

	if len(c.Writable) == 0 || c.Writable[len(c.Writable)-1].Len < 1 {
		return nil, fmt.Errorf("%w: no status byte", errBlkRequest)
	}

	hdr, err := b.mem.Slice(c.Readable[0].Addr, blkHeaderLen)
	if err != nil {
		return nil, err
	}

	r := &blkRequest{
		typ:    binary.LittleEndian.Uint32(hdr[0:4]),
		sector: binary.LittleEndian.Uint64(hdr[8:16]),
	}

	last := c.Writable[len(c.Writable)-1]
	r.status = Segment{Addr: last.Addr + uint64(last.Len) - 1, Len: 1}

	switch r.typ {
	case blkTypeOut:
		r.data = c.Readable[1:]
		r.emptySeg = hasEmpty(r.data)
	default:
		r.emptySeg = hasEmpty(c.Writable[:len(c.Writable)-1])
		r.data = append([]Segment(nil), c.Writable...)
		r.data[len(r.data)-1].Len--

		if r.data[len(r.data)-1].Len == 0 {
			r.data = r.data[:len(r.data)-1]
		}
	}

	return r, nil
}

// execute serves one request and returns the bytes written to the guest.
func (b *Block) execute(c *DescriptorChain) uint32 {
	r, err := b.parse(c)
	if err != nil {
		metrics.M.Block.InvalidReqs.Inc()
		log.Warnf("block %s: %v", b.cfg.ID, err)

		return 0
	}

	status, n := b.serve(r)

	if _, err := b.mem.WriteAt([]byte{status}, int64(r.status.Addr)); err != nil {
		log.Errorf("block %s: write status: %v", b.cfg.ID, err)

		return n
	}

	return n + 1
}

func hasEmpty(segs []Segment) bool {
	for _, s := range segs {
		if s.Len == 0 {
			return true
		}
	}

	return false
}

func dataLen(segs []Segment) uint64 {
	var n uint64
	for _, s := range segs {
		n += uint64(s.Len)
	}

	return n
}

func (b *Block) serve(r *blkRequest) (byte, uint32) {
	switch r.typ {
	case blkTypeIn, blkTypeOut:
		length := dataLen(r.data)
		if r.emptySeg || length == 0 || length%SectorSize != 0 {
			return blkStatusIOErr, 0
		}

		if r.sector > b.capacity || length/SectorSize > b.capacity-r.sector {
			return blkStatusIOErr, 0
		}

		if r.typ == blkTypeIn {
			return b.readDisk(r)
		}

		if b.cfg.ReadOnly {
			return blkStatusIOErr, 0
		}

		return b.writeDisk(r), 0
	case blkTypeFlush:
		metrics.M.Block.FlushCount.Inc()

		if b.cfg.CacheType == CacheWriteback {
			if err := b.disk.Sync(); err != nil {
				log.Errorf("block %s: fsync: %v", b.cfg.ID, err)

				return blkStatusIOErr, 0
			}
		}

		return blkStatusOK, 0
	case blkTypeGetID:
		if len(r.data) == 0 {
			return blkStatusIOErr, 0
		}

		id := make([]byte, blkIDLen)
		copy(id, b.cfg.ID)

		dst, err := b.mem.Slice(r.data[0].Addr, uint64(r.data[0].Len))
		if err != nil {
			return blkStatusIOErr, 0
		}

		return blkStatusOK, uint32(copy(dst, id))
	}

	return blkStatusUnsupp, 0
}

func (b *Block) readDisk(r *blkRequest) (byte, uint32) {
	off := int64(r.sector * SectorSize)

	var n uint32

	for _, s := range r.data {
		dst, err := b.mem.Slice(s.Addr, uint64(s.Len))
		if err != nil {
			return blkStatusIOErr, n
		}

		k, err := b.disk.ReadAt(dst, off)
		if err != nil && k != len(dst) {
			log.Errorf("block %s: read sector %d: %v", b.cfg.ID, r.sector, err)

			return blkStatusIOErr, n
		}

		off += int64(k)
		n += uint32(k)
	}

	metrics.M.Block.ReadCount.Inc()
	metrics.M.Block.ReadBytes.Add(uint64(n))

	return blkStatusOK, n
}

func (b *Block) writeDisk(r *blkRequest) byte {
	off := int64(r.sector * SectorSize)

	var n uint64

	for _, s := range r.data {
		src, err := b.mem.Slice(s.Addr, uint64(s.Len))
		if err != nil {
			return blkStatusIOErr
		}

		k, err := b.disk.WriteAt(src, off)
		if err != nil {
			log.Errorf("block %s: write sector %d: %v", b.cfg.ID, r.sector, err)

			return blkStatusIOErr
		}

		off += int64(k)
		n += uint64(k)
	}

	metrics.M.Block.WriteCount.Inc()
	metrics.M.Block.WriteBytes.Add(n)

	return blkStatusOK
}

func (b *Block) State() DeviceState {
	return b.baseState(b.config())
}

func (b *Block) Restore(s DeviceState) error {
	return b.restoreBase(s)
}

func (b *Block) Close() error {
	var errs []error

	if b.limiter != nil {
		errs = append(errs, b.limiter.Close())
	}

	if b.disk != nil {
		errs = append(errs, b.disk.Close())
	}

	errs = append(errs, b.deviceBase.Close())

	return errors.Join(errs...)
}
