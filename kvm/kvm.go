// Package kvm wraps the /dev/kvm ioctl interface used by the VMM.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion          = 0x00
	kvmCreateVM               = 0x01
	kvmGetMSRIndexList        = 0x02
	kvmCheckExtension         = 0x03
	kvmGetVCPUMMapSize        = 0x04
	kvmGetSupportedCPUID      = 0x05
	kvmGetMSRFeatureIndexList = 0x0a

	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48

	kvmCreateIRQChip = 0x60
	kvmIRQLine       = 0x61
	kvmGetIRQChip    = 0x62
	kvmSetIRQChip    = 0x63
	kvmIRQFD         = 0x76
	kvmCreatePIT2    = 0x77
	kvmIOEventFD     = 0x79
	kvmSetClock      = 0x7b
	kvmGetClock      = 0x7c

	kvmRun           = 0x80
	kvmGetRegs       = 0x81
	kvmSetRegs       = 0x82
	kvmGetSregs      = 0x83
	kvmSetSregs      = 0x84
	kvmGetMSRs       = 0x88
	kvmSetMSRs       = 0x89
	kvmGetFPU        = 0x8c
	kvmSetFPU        = 0x8d
	kvmGetLAPIC      = 0x8e
	kvmSetLAPIC      = 0x8f
	kvmSetCPUID2     = 0x90
	kvmGetMPState    = 0x98
	kvmSetMPState    = 0x99
	kvmGetPIT2       = 0x9f
	kvmSetPIT2       = 0xa0
	kvmGetVCPUEvents = 0x9f
	kvmSetVCPUEvents = 0xa0
	kvmGetDebugRegs  = 0xa1
	kvmSetDebugRegs  = 0xa2
	kvmGetXCRS       = 0xa6
	kvmSetXCRS       = 0xa7

	// APIVersion is the only KVM API version ever released.
	APIVersion = 12

	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

// RunData is the kvm_run structure shared with the kernel through mmap.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// IO decodes the io member of the exit union.
func (r *RunData) IO() (uint64, uint64, uint64, uint64, uint64) {
	direction := r.Data[0] & 0xFF
	size := (r.Data[0] >> 8) & 0xFF
	port := (r.Data[0] >> 16) & 0xFFFF
	count := (r.Data[0] >> 32) & 0xFFFFFFFF
	offset := r.Data[1]

	return direction, size, port, count, offset
}

// IOData returns the bytes of a port io exit. They live inside the mapped
// kvm_run page at data_offset.
func (r *RunData) IOData() []byte {
	_, size, _, count, offset := r.IO()
	base := unsafe.Add(unsafe.Pointer(r), offset)

	return unsafe.Slice((*byte)(base), size*count)
}

// MMIO decodes the mmio member of the exit union. The returned slice aliases
// the run structure so that reads can be answered in place.
func (r *RunData) MMIO() (uint64, []byte, bool) {
	addr := r.Data[0]
	length := r.Data[2] & 0xFFFFFFFF
	isWrite := (r.Data[2]>>32)&0xFF != 0

	if length > 8 {
		length = 8
	}

	data := (*[8]byte)(unsafe.Pointer(&r.Data[1]))[:length]

	return addr, data, isWrite
}

// SystemEvent returns the type of a KVM_EXIT_SYSTEM_EVENT.
func (r *RunData) SystemEvent() uint32 {
	return uint32(r.Data[0])
}

// FailEntryReason returns the hardware reason of a KVM_EXIT_FAIL_ENTRY.
func (r *RunData) FailEntryReason() uint64 {
	return r.Data[0]
}

// InternalError returns the suberror of a KVM_EXIT_INTERNAL_ERROR.
func (r *RunData) InternalError() uint32 {
	return uint32(r.Data[0])
}

// GetAPIVersion gets the KVM API version.
func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

// CreateVM creates a new VM and returns its fd.
func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

// CreateVCPU creates vCPU number id in the VM.
func CreateVCPU(vmFd uintptr, id int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(id))
}

// GetVCPUMMmapSize returns the size of the kvm_run mapping.
func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// Run enters the guest. Unlike other ioctls an EINTR is handed back to the
// caller, since that is how a paused vCPU leaves the guest.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0)
	if errno != 0 {
		return errno
	}

	return nil
}

// SetTSSAddr sets the address of the three-page region used by Intel VT for
// the real mode TSS. It sits right below the identity map page.
func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

// SetIdentityMapAddr sets the address of the EPT identity map page.
func SetIdentityMapAddr(vmFd uintptr) error {
	var addr uint64 = identityMapAddr
	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}
