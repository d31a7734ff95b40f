package device

import (
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

type busRange struct {
	base   uint64
	length uint64
	dev    Device
}

func (r busRange) end() uint64 {
	return r.base + r.length
}

// Bus is an ordered map of non-overlapping address ranges. One is used for
// port I/O and one for MMIO.
type Bus struct {
	name string

	mu   sync.RWMutex
	tree *btree.BTreeG[busRange]
}

func NewBus(name string) *Bus {
	return &Bus{
		name: name,
		tree: btree.NewG(2, func(a, b busRange) bool { return a.base < b.base }),
	}
}

// Insert places dev at [base, base+length). The bus is unchanged on error.
func (b *Bus) Insert(dev Device, base, length uint64) error {
	if length == 0 {
		return fmt.Errorf("%s bus %#x: %w", b.name, base, ErrZeroSize)
	}

	// end() must fit in a uint64, so the byte at math.MaxUint64 is never mapped.
	if length > math.MaxUint64-base {
		return fmt.Errorf("%s bus %#x+%#x: %w", b.name, base, length, ErrWrap)
	}

	r := busRange{base: base, length: length, dev: dev}

	b.mu.Lock()
	defer b.mu.Unlock()

	overlap := false

	b.tree.DescendLessOrEqual(r, func(prev busRange) bool {
		overlap = prev.end() > base

		return false
	})

	b.tree.AscendGreaterOrEqual(r, func(next busRange) bool {
		overlap = overlap || next.base < r.end()

		return false
	})

	if overlap {
		return fmt.Errorf("%s bus [%#x, %#x): %w", b.name, base, r.end(), ErrOverlap)
	}

	b.tree.ReplaceOrInsert(r)

	return nil
}

func (b *Bus) find(addr uint64) (busRange, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		found busRange
		ok    bool
	)

	b.tree.DescendLessOrEqual(busRange{base: addr}, func(r busRange) bool {
		found, ok = r, addr < r.end()

		return false
	})

	return found, ok
}

// Resolve returns the device covering addr and the offset into it.
func (b *Bus) Resolve(addr uint64) (Device, uint64, error) {
	r, ok := b.find(addr)
	if !ok {
		return nil, 0, fmt.Errorf("%s bus %#x: %w", b.name, addr, ErrNoDevice)
	}

	return r.dev, addr - r.base, nil
}

func (b *Bus) Read(addr uint64, data []byte) error {
	dev, off, err := b.Resolve(addr)
	if err != nil {
		return err
	}

	return dev.Read(off, data)
}

func (b *Bus) Write(addr uint64, data []byte) error {
	dev, off, err := b.Resolve(addr)
	if err != nil {
		return err
	}

	return dev.Write(off, data)
}

// Len is the number of devices on the bus.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.tree.Len()
}

// Unhandled is what the vCPU loop does with an access nothing claims: reads
// see all ones, writes are dropped.
func (b *Bus) Unhandled(addr uint64, data []byte, write bool) {
	if !write {
		for i := range data {
			data[i] = 0xff
		}
	}

	log.Debugf("%s bus: unhandled %d-byte access at %#x (write %v)", b.name, len(data), addr, write)
}
