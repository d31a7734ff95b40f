package kvm

import "unsafe"

const (
	// MaxCPUIDEntries bounds the table handed to KVM_GET_SUPPORTED_CPUID.
	MaxCPUIDEntries = 256

	// CPUIDFlagSignificantIndex marks entries whose Index selects a subleaf.
	CPUIDFlagSignificantIndex = 1 << 0

	CPUIDSignature = 0x40000000
	CPUIDFeatures  = 0x40000001
)

// CPUID is the set of CPUID entries returned by GetSupportedCPUID.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [MaxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is one entry for CPUID.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// cpuidHeader is the fixed part of kvm_cpuid2; the ioctl size covers only it.
const cpuidHeader = 8

// GetSupportedCPUID gets all supported CPUID entries for a vm.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	if kvmCPUID.Nent == 0 || kvmCPUID.Nent > MaxCPUIDEntries {
		kvmCPUID.Nent = MaxCPUIDEntries
	}

	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, cpuidHeader),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 sets entries for a vCPU.
// The progression is to get the supported entries once, then tailor a copy
// per vCPU (APIC id, topology) before setting it.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, cpuidHeader),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}
