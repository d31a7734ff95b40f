// Package memory owns the guest physical address space: a set of host
// mappings, one per RAM range, installed into KVM as memory slots.
package memory

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/kvm"
	"golang.org/x/sys/unix"
)

var (
	ErrOutOfRange = errors.New("guest address out of range")
	ErrUnaligned  = errors.New("guest address unaligned")

	errHugePages = errors.New("unsupported huge page configuration")
)

// HugePageConfig selects the backing page size of guest RAM.
type HugePageConfig string

const (
	HugePagesNone HugePageConfig = "None"
	HugePages2M   HugePageConfig = "2M"
	HugePages1G   HugePageConfig = "1G"
)

// PageSize is the host page size backing guest RAM.
func (h HugePageConfig) PageSize() (uint64, error) {
	switch h {
	case HugePagesNone, "":
		return PageSize, nil
	case HugePages2M:
		return 2 << 20, nil
	case HugePages1G:
		return 1 << 30, nil
	}

	return 0, fmt.Errorf("%q: %w", string(h), errHugePages)
}

func (h HugePageConfig) mmapFlags() int {
	switch h {
	case HugePages2M:
		return unix.MAP_HUGETLB | 21<<unix.MAP_HUGE_SHIFT
	case HugePages1G:
		return unix.MAP_HUGETLB | 30<<unix.MAP_HUGE_SHIFT
	case HugePagesNone:
	}

	return 0
}

// Region is one host mapping backing a Range.
type Region struct {
	Range

	Slot uint32
	Buf  []byte

	// FileOffset is where the region lives in the memory file of a snapshot.
	FileOffset uint64
	file       bool
}

// GuestMemory is the set of regions; regions never change after creation.
type GuestMemory struct {
	regions   []*Region
	hugePages HugePageConfig
	pageSize  uint64
}

// New maps anonymous memory for every range.
func New(ranges []Range, hp HugePageConfig) (*GuestMemory, error) {
	pageSize, err := hp.PageSize()
	if err != nil {
		return nil, err
	}

	sorted, err := validateRanges(ranges, pageSize)
	if err != nil {
		return nil, err
	}

	m := &GuestMemory{hugePages: hp, pageSize: pageSize}

	var offset uint64

	for i, r := range sorted {
		buf, err := unix.Mmap(-1, 0, int(r.Size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|hp.mmapFlags())
		if err != nil {
			m.Close()

			return nil, fmt.Errorf("mmap %#x bytes at %#x: %w", r.Size, r.Start, err)
		}

		m.regions = append(m.regions, &Region{Range: r, Slot: uint32(i), Buf: buf, FileOffset: offset})
		offset += r.Size
	}

	return m, nil
}

// NewFromFile maps a snapshot memory file privately. Guest writes never reach
// the file.
func NewFromFile(f *os.File, ranges []Range, hp HugePageConfig) (*GuestMemory, error) {
	pageSize, err := hp.PageSize()
	if err != nil {
		return nil, err
	}

	sorted, err := validateRanges(ranges, pageSize)
	if err != nil {
		return nil, err
	}

	m := &GuestMemory{hugePages: hp, pageSize: pageSize}

	var offset uint64

	for i, r := range sorted {
		buf, err := unix.Mmap(int(f.Fd()), int64(offset), int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_NORESERVE)
		if err != nil {
			m.Close()

			return nil, fmt.Errorf("mmap %s at offset %#x: %w", f.Name(), offset, err)
		}

		m.regions = append(m.regions, &Region{
			Range: r, Slot: uint32(i), Buf: buf, FileOffset: offset, file: true,
		})
		offset += r.Size
	}

	return m, nil
}

// NewForUffd maps anonymous memory whose pages are populated on fault by an
// external handler.
func NewForUffd(ranges []Range, hp HugePageConfig) (*GuestMemory, error) {
	return New(ranges, hp)
}

func (m *GuestMemory) Regions() []*Region {
	return m.regions
}

func (m *GuestMemory) HugePages() HugePageConfig {
	return m.hugePages
}

// Ranges returns the guest physical layout.
func (m *GuestMemory) Ranges() []Range {
	rs := make([]Range, 0, len(m.regions))
	for _, r := range m.regions {
		rs = append(rs, r.Range)
	}

	return rs
}

// Size is the total amount of guest RAM in bytes.
func (m *GuestMemory) Size() uint64 {
	var n uint64
	for _, r := range m.regions {
		n += r.Size
	}

	return n
}

func (m *GuestMemory) find(addr uint64) (*Region, uint64, error) {
	for _, r := range m.regions {
		if r.contains(addr) {
			return r, addr - r.Start, nil
		}
	}

	return nil, 0, fmt.Errorf("%#x: %w", addr, ErrOutOfRange)
}

// Slice returns the host bytes backing [addr, addr+n). A span crossing a
// region boundary is out of range.
func (m *GuestMemory) Slice(addr, n uint64) ([]byte, error) {
	r, off, err := m.find(addr)
	if err != nil {
		return nil, err
	}

	if n > r.Size-off {
		return nil, fmt.Errorf("%#x+%#x: %w", addr, n, ErrOutOfRange)
	}

	return r.Buf[off : off+n : off+n], nil
}

// CheckRange reports whether [addr, addr+n) is fully backed by one region.
func (m *GuestMemory) CheckRange(addr, n uint64) error {
	if n == 0 {
		_, _, err := m.find(addr)

		return err
	}

	_, err := m.Slice(addr, n)

	return err
}

// CheckAligned reports whether addr is a multiple of align.
func CheckAligned(addr, align uint64) error {
	if align != 0 && addr%align != 0 {
		return fmt.Errorf("%#x not aligned to %d: %w", addr, align, ErrUnaligned)
	}

	return nil
}

// ReadAt implements io.ReaderAt over guest physical addresses.
func (m *GuestMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}

	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt implements io.WriterAt over guest physical addresses.
func (m *GuestMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, ErrOutOfRange
	}

	b, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Register installs every region as a KVM memory slot.
func (m *GuestMemory) Register(vmFd uintptr, trackDirty bool) error {
	for _, r := range m.regions {
		region := &kvm.UserspaceMemoryRegion{
			Slot:          r.Slot,
			GuestPhysAddr: r.Start,
			MemorySize:    r.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&r.Buf[0]))),
		}

		if trackDirty {
			region.SetMemLogDirtyPages()
		}

		if err := kvm.SetUserMemoryRegion(vmFd, region); err != nil {
			return fmt.Errorf("slot %d: %w", r.Slot, err)
		}
	}

	return nil
}

// Discard gives the pages backing [addr, addr+n) back to the host. The guest
// reads zeros afterwards.
func (m *GuestMemory) Discard(addr, n uint64) error {
	r, off, err := m.find(addr)
	if err != nil {
		return err
	}

	if n > r.Size-off {
		return fmt.Errorf("%#x+%#x: %w", addr, n, ErrOutOfRange)
	}

	b := r.Buf[off : off+n]

	// MADV_DONTNEED on a private file mapping would bring the file
	// contents back, so replace those pages with fresh anonymous ones.
	if r.file {
		_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(&b[0]), uintptr(n),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

		return err
	}

	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// Close unmaps every region.
func (m *GuestMemory) Close() error {
	var errs []error

	for _, r := range m.regions {
		if r.Buf == nil {
			continue
		}

		if err := unix.Munmap(r.Buf); err != nil {
			errs = append(errs, err)
		}

		r.Buf = nil
	}

	return errors.Join(errs...)
}
