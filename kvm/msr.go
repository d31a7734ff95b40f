package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const maxMSRIndices = 1024

type msrList struct {
	NMSRs    uint32
	Indicies [maxMSRIndices]uint32
}

// GetMSRIndexList returns the guest msrs that are supported.
// The list varies by kvm version and host processor, but does not change otherwise.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	return msrIndexList(kvmFd, kvmGetMSRIndexList)
}

// GetMSRFeatureIndexList returns the MSRs that can be passed to the KVM_GET_MSRS
// system ioctl to probe host features.
func GetMSRFeatureIndexList(kvmFd uintptr) ([]uint32, error) {
	return msrIndexList(kvmFd, kvmGetMSRFeatureIndexList)
}

func msrIndexList(kvmFd, nr uintptr) ([]uint32, error) {
	list := &msrList{NMSRs: maxMSRIndices}

	// The ioctl size only covers the count; the kernel writes past it.
	_, err := Ioctl(kvmFd, IIOWR(nr, 4), uintptr(unsafe.Pointer(list)))
	if err != nil {
		return nil, err
	}

	indices := make([]uint32, list.NMSRs)
	copy(indices, list.Indicies[:list.NMSRs])

	return indices, nil
}

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	_     uint32
	Data  uint64
}

// msrsBuffer lays out kvm_msrs followed by its entries.
func msrsBuffer(entries []MSREntry) []byte {
	const hdr = 8

	size := unsafe.Sizeof(MSREntry{})
	buf := make([]byte, hdr+int(size)*len(entries))
	*(*uint32)(unsafe.Pointer(&buf[0])) = uint32(len(entries))

	for i := range entries {
		*(*MSREntry)(unsafe.Pointer(&buf[hdr+i*int(size)])) = entries[i]
	}

	return buf
}

// GetMSRs fills the Data of every entry from the vcpu.
func GetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	if len(entries) == 0 {
		return nil
	}

	buf := msrsBuffer(entries)

	n, err := Ioctl(vcpuFd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	size := int(unsafe.Sizeof(MSREntry{}))
	for i := 0; i < int(n) && i < len(entries); i++ {
		entries[i] = *(*MSREntry)(unsafe.Pointer(&buf[8+i*size]))
	}

	return nil
}

// SetMSRs writes the entries to the vcpu.
func SetMSRs(vcpuFd uintptr, entries []MSREntry) error {
	if len(entries) == 0 {
		return nil
	}

	buf := msrsBuffer(entries)

	n, err := Ioctl(vcpuFd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return err
	}

	if int(n) != len(entries) {
		return unix.EINVAL
	}

	return nil
}
