package kvm

import "unsafe"

// LAPICState is the raw local APIC register page.
type LAPICState struct {
	Regs [1024]byte
}

// APIC register offsets inside LAPICState.
const (
	APICRegLVT0 = 0x350
	APICRegLVT1 = 0x360

	APICModeExtINT = 0x7
	APICModeNMI    = 0x4
)

// GetLVT reads a local vector table register.
func (l *LAPICState) GetLVT(reg int) uint32 {
	return *(*uint32)(unsafe.Pointer(&l.Regs[reg]))
}

// SetLVT sets the delivery mode bits (10:8) of a local vector table register.
func (l *LAPICState) SetLVT(reg int, mode uint32) {
	v := l.GetLVT(reg)
	v = (v &^ 0x700) | (mode << 8)
	*(*uint32)(unsafe.Pointer(&l.Regs[reg])) = v
}

// GetLocalAPIC reads the local APIC of a vcpu.
func GetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(lapic)))

	return err
}

// SetLocalAPIC writes the local APIC of a vcpu.
func SetLocalAPIC(vcpuFd uintptr, lapic *LAPICState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})), uintptr(unsafe.Pointer(lapic)))

	return err
}

// MPState is the multiprocessing state of a vcpu.
type MPState struct {
	State uint32
}

// GetMPState reads the mp state of a vcpu.
func GetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(mps)))

	return err
}

// SetMPState sets the mp state of a vcpu.
func SetMPState(vcpuFd uintptr, mps *MPState) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})), uintptr(unsafe.Pointer(mps)))

	return err
}

// VCPUEvents holds pending exceptions, interrupts and NMIs.
type VCPUEvents struct {
	Exception struct {
		Injected     uint8
		Nr           uint8
		HasErrorCode uint8
		Pending      uint8
		ErrorCode    uint32
	}
	Interrupt struct {
		Injected uint8
		Nr       uint8
		Soft     uint8
		Shadow   uint8
	}
	NMI struct {
		Injected uint8
		Pending  uint8
		Masked   uint8
		_        uint8
	}
	SIPIVector          uint32
	Flags               uint32
	SMI                 [4]uint8
	TripleFault         uint8
	_                   [26]uint8
	ExceptionHasPayload uint8
	ExceptionPayload    uint64
}

// GetVCPUEvents reads the pending events of a vcpu.
func GetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(events)))

	return err
}

// SetVCPUEvents restores the pending events of a vcpu.
func SetVCPUEvents(vcpuFd uintptr, events *VCPUEvents) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})), uintptr(unsafe.Pointer(events)))

	return err
}

// XCRS are the extended control registers.
type XCRS struct {
	NrXCRS uint32
	Flags  uint32
	XCRS   [16]struct {
		XCR   uint32
		_     uint32
		Value uint64
	}
	_ [16]uint64
}

// GetXCRS reads the extended control registers.
func GetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// SetXCRS writes the extended control registers.
func SetXCRS(vcpuFd uintptr, xcrs *XCRS) error {
	_, err := Ioctl(vcpuFd, IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})), uintptr(unsafe.Pointer(xcrs)))

	return err
}

// ClockData is the kvmclock state of the VM.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Realtime uint64
	HostTSC  uint64
	_        [4]uint32
}

// GetClock reads the guest clock.
func GetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(cd)))

	return err
}

// SetClock sets the guest clock.
func SetClock(vmFd uintptr, cd *ClockData) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetClock, unsafe.Sizeof(ClockData{})), uintptr(unsafe.Pointer(cd)))

	return err
}
