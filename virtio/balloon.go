package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bobuhiro11/gomicrovm/metrics"
	"github.com/bobuhiro11/gomicrovm/reactor"
)

const (
	balloonFeatureStatsVQ      = 1
	balloonFeatureDeflateOnOOM = 2

	// MiBTo4KPages converts a balloon size in MiB to pages.
	MiBTo4KPages = 256

	balloonPFNShift = 12

	// maxPageCompactBuffer bounds how many PFNs are sorted and discarded at
	// once.
	maxPageCompactBuffer = 2048

	inflateIndex = 0
	deflateIndex = 1
	statsIndex   = 2

	statEntryLen = 10
)

var (
	ErrStatisticsDisabled    = errors.New("statistics are not enabled")
	ErrStatisticsStateChange = errors.New("statistics cannot be enabled or disabled after boot")
	ErrTooManyPages          = errors.New("amount of pages requested is too large")
)

// BalloonConfig is the balloon as the API describes it.
type BalloonConfig struct {
	AmountMiB             uint32 `json:"amount_mib"`
	DeflateOnOOM          bool   `json:"deflate_on_oom"`
	StatsPollingIntervalS uint16 `json:"stats_polling_interval_s,omitempty"`
}

// BalloonStats is the latest report of the guest plus the sizes.
type BalloonStats struct {
	TargetPages     uint32  `json:"target_pages"`
	ActualPages     uint32  `json:"actual_pages"`
	TargetMiB       uint32  `json:"target_mib"`
	ActualMiB       uint32  `json:"actual_mib"`
	SwapIn          *uint64 `json:"swap_in,omitempty"`
	SwapOut         *uint64 `json:"swap_out,omitempty"`
	MajorFaults     *uint64 `json:"major_faults,omitempty"`
	MinorFaults     *uint64 `json:"minor_faults,omitempty"`
	FreeMemory      *uint64 `json:"free_memory,omitempty"`
	TotalMemory     *uint64 `json:"total_memory,omitempty"`
	AvailableMemory *uint64 `json:"available_memory,omitempty"`
	DiskCaches      *uint64 `json:"disk_caches,omitempty"`
	HugetlbAllocs   *uint64 `json:"hugetlb_allocations,omitempty"`
	HugetlbFailures *uint64 `json:"hugetlb_failures,omitempty"`
}

func (s *BalloonStats) set(tag uint16, v uint64) {
	fields := []**uint64{
		&s.SwapIn, &s.SwapOut, &s.MajorFaults, &s.MinorFaults, &s.FreeMemory,
		&s.TotalMemory, &s.AvailableMemory, &s.DiskCaches, &s.HugetlbAllocs, &s.HugetlbFailures,
	}

	if int(tag) >= len(fields) {
		log.Debugf("balloon: unknown stat tag %d", tag)

		return
	}

	*fields[tag] = &v
}

// Balloon is virtio-balloon. Inflated pages are returned to the host.
type Balloon struct {
	deviceBase

	numPages    uint32
	actualPages uint32

	statsInterval time.Duration
	statsTimer    *reactor.Timer
	statsHead     *uint16
	stats         BalloonStats

	pfns []uint32
}

var _ Device = (*Balloon)(nil)

func NewBalloon(cfg BalloonConfig) (*Balloon, error) {
	var features uint64

	queues := []uint16{QueueSize, QueueSize}

	if cfg.DeflateOnOOM {
		features |= 1 << balloonFeatureDeflateOnOOM
	}

	if cfg.StatsPollingIntervalS > 0 {
		features |= 1 << balloonFeatureStatsVQ
		queues = append(queues, QueueSize)
	}

	pages, err := mibToPages(cfg.AmountMiB)
	if err != nil {
		return nil, err
	}

	base, err := newDeviceBase(TypeBalloon, features, queues, &metrics.M.Balloon.EventFails)
	if err != nil {
		return nil, err
	}

	b := &Balloon{
		deviceBase:    base,
		numPages:      pages,
		statsInterval: time.Duration(cfg.StatsPollingIntervalS) * time.Second,
		pfns:          make([]uint32, 0, maxPageCompactBuffer),
	}

	if b.statsEnabled() {
		if b.statsTimer, err = reactor.NewTimer(0); err != nil {
			b.Close()

			return nil, err
		}
	}

	return b, nil
}

func mibToPages(mib uint32) (uint32, error) {
	if uint64(mib)*MiBTo4KPages > uint64(^uint32(0)) {
		return 0, ErrTooManyPages
	}

	return mib * MiBTo4KPages, nil
}

func (b *Balloon) statsEnabled() bool {
	return b.statsInterval > 0
}

// Config is the balloon as currently configured.
func (b *Balloon) Config() BalloonConfig {
	return BalloonConfig{
		AmountMiB:             b.numPages / MiBTo4KPages,
		DeflateOnOOM:          b.availFeatures&(1<<balloonFeatureDeflateOnOOM) != 0,
		StatsPollingIntervalS: uint16(b.statsInterval / time.Second),
	}
}

func (b *Balloon) config() []byte {
	c := make([]byte, 8)
	binary.LittleEndian.PutUint32(c[0:4], b.numPages)
	binary.LittleEndian.PutUint32(c[4:8], b.actualPages)

	return c
}

func (b *Balloon) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(b.config(), offset, data)
}

// WriteConfig accepts the driver's update of the actual balloon size.
func (b *Balloon) WriteConfig(offset uint64, data []byte) {
	c := b.config()

	if offset+uint64(len(data)) > uint64(len(c)) {
		log.Warnf("balloon: config write out of bounds at %#x", offset)

		return
	}

	copy(c[offset:], data)
	b.actualPages = binary.LittleEndian.Uint32(c[4:8])
}

func (b *Balloon) Activate(mem GuestMemory) error {
	if err := b.activate(mem); err != nil {
		metrics.M.Balloon.ActivateFails.Inc()

		return err
	}

	if b.statsEnabled() {
		return b.statsTimer.Arm(b.statsInterval, b.statsInterval)
	}

	return nil
}

// UpdateTarget sets the balloon size the guest should reach.
func (b *Balloon) UpdateTarget(amountMiB uint32) error {
	pages, err := mibToPages(amountMiB)
	if err != nil {
		return err
	}

	b.numPages = pages

	return b.configChanged()
}

// UpdateStatsInterval changes how often stats are requested. Statistics
// cannot be switched on or off this way.
func (b *Balloon) UpdateStatsInterval(seconds uint16) error {
	if (seconds == 0) != !b.statsEnabled() {
		return ErrStatisticsStateChange
	}

	if seconds == 0 {
		return nil
	}

	b.statsInterval = time.Duration(seconds) * time.Second

	if !b.activated {
		return nil
	}

	return b.statsTimer.Arm(b.statsInterval, b.statsInterval)
}

// Stats returns the latest statistics.
func (b *Balloon) Stats() (BalloonStats, error) {
	if !b.statsEnabled() {
		return BalloonStats{}, ErrStatisticsDisabled
	}

	s := b.stats
	s.TargetPages = b.numPages
	s.ActualPages = b.actualPages
	s.TargetMiB = b.numPages / MiBTo4KPages
	s.ActualMiB = b.actualPages / MiBTo4KPages

	return s, nil
}

func (b *Balloon) Interest() []reactor.Interest {
	is := b.baseInterest()
	if b.activated && b.statsEnabled() {
		is = append(is, reactor.Interest{FD: b.statsTimer.FD(), Events: reactor.In})
	}

	return is
}

func (b *Balloon) Process(ev reactor.Event, ops *reactor.Ops) {
	if ev.FD == b.activateEvent.FD() {
		b.processActivate(b, ops)

		return
	}

	if b.statsEnabled() && ev.FD == b.statsTimer.FD() {
		if _, err := b.statsTimer.Read(); err != nil {
			log.Errorf("balloon: read stats timer: %v", err)
		}

		b.requestStats()

		return
	}

	i := b.queueIndex(ev.FD)
	if i < 0 {
		log.Warnf("balloon: unexpected event on fd %d", ev.FD)

		return
	}

	if _, err := b.queueEvents[i].Read(); err != nil {
		log.Errorf("balloon: read queue event: %v", err)
	}

	if b.failed || !b.activated {
		return
	}

	var err error

	switch i {
	case inflateIndex:
		err = b.processInflate()
	case deflateIndex:
		err = b.processDeflate()
	case statsIndex:
		err = b.processStats()
	}

	if err != nil {
		b.fail(err)
	}
}

func (b *Balloon) processInflate() error {
	q := b.queues[inflateIndex]
	used := false

	for {
		c, err := q.Pop(b.mem)
		if err != nil {
			return err
		}

		if c == nil {
			break
		}

		data, err := c.ReadAll(b.mem)
		if err != nil {
			return err
		}

		if len(data)%4 != 0 {
			return fmt.Errorf("inflate payload of %d bytes: %w", len(data), ErrMalformedDescriptor)
		}

		for off := 0; off < len(data); off += 4 {
			b.pfns = append(b.pfns, binary.LittleEndian.Uint32(data[off:]))

			if len(b.pfns) == maxPageCompactBuffer {
				b.discardPFNs()
			}
		}

		if err := q.AddUsed(b.mem, c.Head, 0); err != nil {
			return err
		}

		metrics.M.Balloon.InflateCount.Inc()

		used = true
	}

	b.discardPFNs()

	if used {
		return b.signalUsed(q)
	}

	return nil
}

// compactPFNs turns a list of page frame numbers into sorted, merged
// (first pfn, page count) ranges.
func compactPFNs(pfns []uint32) [][2]uint32 {
	if len(pfns) == 0 {
		return nil
	}

	slices.Sort(pfns)
	pfns = slices.Compact(pfns)

	ranges := [][2]uint32{{pfns[0], 1}}

	for _, p := range pfns[1:] {
		last := &ranges[len(ranges)-1]
		if last[0]+last[1] == p {
			last[1]++

			continue
		}

		ranges = append(ranges, [2]uint32{p, 1})
	}

	return ranges
}

func (b *Balloon) discardPFNs() {
	for _, r := range compactPFNs(b.pfns) {
		addr := uint64(r[0]) << balloonPFNShift
		size := uint64(r[1]) << balloonPFNShift

		if err := b.mem.Discard(addr, size); err != nil {
			// A bad range from the guest costs it the pages, not us the VM.
			log.Errorf("balloon: discard %#x+%#x: %v", addr, size, err)
		}
	}

	b.pfns = b.pfns[:0]
}

func (b *Balloon) processDeflate() error {
	q := b.queues[deflateIndex]
	used := false

	for {
		c, err := q.Pop(b.mem)
		if err != nil {
			return err
		}

		if c == nil {
			break
		}

		if err := q.AddUsed(b.mem, c.Head, 0); err != nil {
			return err
		}

		metrics.M.Balloon.DeflateCount.Inc()

		used = true
	}

	if used {
		return b.signalUsed(q)
	}

	return nil
}

// processStats keeps the buffer the guest filled and parses it. The buffer
// is given back on the next timer tick to ask for a fresh report.
func (b *Balloon) processStats() error {
	q := b.queues[statsIndex]

	for {
		c, err := q.Pop(b.mem)
		if err != nil {
			return err
		}

		if c == nil {
			return nil
		}

		if b.statsHead != nil {
			log.Warnf("balloon: guest sent stats while holding a previous buffer")

			if err := q.AddUsed(b.mem, *b.statsHead, 0); err != nil {
				return err
			}
		}

		head := c.Head
		b.statsHead = &head

		data, err := c.ReadAll(b.mem)
		if err != nil {
			return err
		}

		for off := 0; off+statEntryLen <= len(data); off += statEntryLen {
			b.stats.set(binary.LittleEndian.Uint16(data[off:]), binary.LittleEndian.Uint64(data[off+2:]))
		}

		metrics.M.Balloon.StatsUpdates.Inc()
	}
}

func (b *Balloon) requestStats() {
	if b.statsHead == nil || b.failed {
		return
	}

	q := b.queues[statsIndex]

	if err := q.AddUsed(b.mem, *b.statsHead, 0); err != nil {
		metrics.M.Balloon.StatsFails.Inc()
		b.fail(err)

		return
	}

	b.statsHead = nil

	if err := b.signalUsed(q); err != nil {
		metrics.M.Balloon.StatsFails.Inc()
		log.Errorf("balloon: signal stats: %v", err)
	}
}

// State appends the held stats buffer to the config bytes.
func (b *Balloon) State() DeviceState {
	c := append(b.config(), 0, 0, 0)
	if b.statsHead != nil {
		c[8] = 1
		binary.LittleEndian.PutUint16(c[9:], *b.statsHead)
	}

	return b.baseState(c)
}

func (b *Balloon) Restore(s DeviceState) error {
	if err := b.restoreBase(s); err != nil {
		return err
	}

	if len(s.Config) >= 8 {
		b.numPages = binary.LittleEndian.Uint32(s.Config[0:4])
		b.actualPages = binary.LittleEndian.Uint32(s.Config[4:8])
	}

	if len(s.Config) >= 11 && s.Config[8] == 1 {
		head := binary.LittleEndian.Uint16(s.Config[9:])
		b.statsHead = &head
	}

	return nil
}

func (b *Balloon) Close() error {
	var errs []error

	if b.statsTimer != nil {
		errs = append(errs, b.statsTimer.Close())
	}

	errs = append(errs, b.deviceBase.Close())

	return errors.Join(errs...)
}
