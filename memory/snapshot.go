package memory

import (
	"fmt"
	"io"
	"math/bits"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/kvm"
)

// GuestRegionUffdMapping describes one region to a userfault handler.
type GuestRegionUffdMapping struct {
	BaseHostVirtAddr uint64 `json:"base_host_virt_addr"`
	Size             uint64 `json:"size"`
	Offset           uint64 `json:"offset"`
	PageSize         uint64 `json:"page_size"`
	PageSizeKiB      uint64 `json:"page_size_kib"`
}

// Mappings lists the regions with their offsets in the memory file.
func (m *GuestMemory) Mappings() []GuestRegionUffdMapping {
	ms := make([]GuestRegionUffdMapping, 0, len(m.regions))

	for _, r := range m.regions {
		ms = append(ms, GuestRegionUffdMapping{
			BaseHostVirtAddr: uint64(uintptr(unsafe.Pointer(&r.Buf[0]))),
			Size:             r.Size,
			Offset:           r.FileOffset,
			PageSize:         m.pageSize,
			PageSizeKiB:      m.pageSize,
		})
	}

	return ms
}

// Dump writes every region back to back.
func (m *GuestMemory) Dump(w io.Writer) error {
	for _, r := range m.regions {
		if _, err := w.Write(r.Buf); err != nil {
			return fmt.Errorf("dump slot %d: %w", r.Slot, err)
		}
	}

	return nil
}

// DirtyBitmaps fetches (and clears) the KVM dirty log of every slot.
func (m *GuestMemory) DirtyBitmaps(vmFd uintptr) ([][]uint64, error) {
	maps := make([][]uint64, 0, len(m.regions))

	for _, r := range m.regions {
		pages := r.Size / PageSize
		bitmap := make([]uint64, (pages+63)/64)

		dl := &kvm.DirtyLog{
			Slot:   r.Slot,
			BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0]))),
		}

		if err := kvm.GetDirtyLog(vmFd, dl); err != nil {
			return nil, fmt.Errorf("dirty log of slot %d: %w", r.Slot, err)
		}

		maps = append(maps, bitmap)
	}

	return maps, nil
}

// DumpDirty writes only the pages marked in bitmaps, at the offset they
// would have in a full dump. Untouched pages stay holes in w.
func (m *GuestMemory) DumpDirty(w io.WriterAt, bitmaps [][]uint64) error {
	if len(bitmaps) != len(m.regions) {
		return fmt.Errorf("%d bitmaps for %d regions: %w", len(bitmaps), len(m.regions), ErrOutOfRange)
	}

	for i, r := range m.regions {
		for j, word := range bitmaps[i] {
			for word != 0 {
				bit := uint64(bits.TrailingZeros64(word))
				word &^= 1 << bit

				page := uint64(j)*64 + bit
				off := page * PageSize

				if off >= r.Size {
					break
				}

				if _, err := w.WriteAt(r.Buf[off:off+PageSize], int64(r.FileOffset+off)); err != nil {
					return fmt.Errorf("dump page %d of slot %d: %w", page, r.Slot, err)
				}
			}
		}
	}

	return nil
}
