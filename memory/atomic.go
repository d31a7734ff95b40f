package memory

import (
	"sync/atomic"
	"unsafe"
)

// Virtqueue indices are shared with the guest. Every access below is a single
// aligned machine access through sync/atomic, which on amd64 orders at least
// as strongly as acquire for loads and release for stores.

func (m *GuestMemory) word(addr, size uint64) (*uint32, uint64, error) {
	if err := CheckAligned(addr, size); err != nil {
		return nil, 0, err
	}

	aligned := addr &^ 3

	b, err := m.Slice(aligned, 4)
	if err != nil {
		return nil, 0, err
	}

	return (*uint32)(unsafe.Pointer(&b[0])), (addr - aligned) * 8, nil
}

// LoadUint16Acquire reads a little-endian u16.
func (m *GuestMemory) LoadUint16Acquire(addr uint64) (uint16, error) {
	w, shift, err := m.word(addr, 2)
	if err != nil {
		return 0, err
	}

	return uint16(atomic.LoadUint32(w) >> shift), nil
}

// StoreUint16Release writes a little-endian u16 without disturbing the other
// half of its word, which the guest may be writing concurrently.
func (m *GuestMemory) StoreUint16Release(addr uint64, v uint16) error {
	w, shift, err := m.word(addr, 2)
	if err != nil {
		return err
	}

	mask := uint32(0xffff) << shift

	for {
		old := atomic.LoadUint32(w)
		if atomic.CompareAndSwapUint32(w, old, old&^mask|uint32(v)<<shift) {
			return nil
		}
	}
}

func (m *GuestMemory) LoadUint32(addr uint64) (uint32, error) {
	w, _, err := m.word(addr, 4)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32(w), nil
}

func (m *GuestMemory) StoreUint32Release(addr uint64, v uint32) error {
	w, _, err := m.word(addr, 4)
	if err != nil {
		return err
	}

	atomic.StoreUint32(w, v)

	return nil
}
