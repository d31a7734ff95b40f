package kvm

import (
	"fmt"
	"strconv"
)

// Capability is a KVM extension number for KVM_CHECK_EXTENSION.
type Capability uint

const (
	CapIRQChip            Capability = 0
	CapHLT                Capability = 1
	CapUserMemory         Capability = 3
	CapSetTSSAddr         Capability = 4
	CapEXTCPUID           Capability = 7
	CapNRVCPUs            Capability = 9
	CapNRMemSlots         Capability = 10
	CapMPState            Capability = 14
	CapCoalescedMMIO      Capability = 15
	CapIOMMU              Capability = 18
	CapUserNMI            Capability = 22
	CapSetGuestDebug      Capability = 23
	CapIRQRouting         Capability = 25
	CapMCE                Capability = 31
	CapIRQFD              Capability = 32
	CapPIT2               Capability = 33
	CapPITState2          Capability = 35
	CapIOEventFD          Capability = 36
	CapSetIdentityMapAddr Capability = 37
	CapAdjustClock        Capability = 39
	CapVCPUEvents         Capability = 41
	CapDebugRegs          Capability = 50
	CapXSave              Capability = 55
	CapXCRS               Capability = 56
	CapTSCControl         Capability = 60
	CapKVMClockCtrl       Capability = 76
	CapReadonlyMem        Capability = 81
	CapImmediateExit      Capability = 136
)

var capabilityNames = map[Capability]string{
	CapIRQChip:            "CapIRQChip",
	CapHLT:                "CapHLT",
	CapUserMemory:         "CapUserMemory",
	CapSetTSSAddr:         "CapSetTSSAddr",
	CapEXTCPUID:           "CapEXTCPUID",
	CapNRVCPUs:            "CapNRVCPUs",
	CapNRMemSlots:         "CapNRMemSlots",
	CapMPState:            "CapMPState",
	CapCoalescedMMIO:      "CapCoalescedMMIO",
	CapIOMMU:              "CapIOMMU",
	CapUserNMI:            "CapUserNMI",
	CapSetGuestDebug:      "CapSetGuestDebug",
	CapIRQRouting:         "CapIRQRouting",
	CapMCE:                "CapMCE",
	CapIRQFD:              "CapIRQFD",
	CapPIT2:               "CapPIT2",
	CapPITState2:          "CapPITState2",
	CapIOEventFD:          "CapIOEventFD",
	CapSetIdentityMapAddr: "CapSetIdentityMapAddr",
	CapAdjustClock:        "CapAdjustClock",
	CapVCPUEvents:         "CapVCPUEvents",
	CapDebugRegs:          "CapDebugRegs",
	CapXSave:              "CapXSave",
	CapXCRS:               "CapXCRS",
	CapTSCControl:         "CapTSCControl",
	CapKVMClockCtrl:       "CapKVMClockCtrl",
	CapReadonlyMem:        "CapReadonlyMem",
	CapImmediateExit:      "CapImmediateExit",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return "Capability(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// RequiredCapabilities are the extensions the VMM cannot run without.
var RequiredCapabilities = []Capability{
	CapIRQChip,
	CapHLT,
	CapUserMemory,
	CapSetTSSAddr,
	CapEXTCPUID,
	CapMPState,
	CapIRQRouting,
	CapIRQFD,
	CapPIT2,
	CapIOEventFD,
	CapSetIdentityMapAddr,
	CapAdjustClock,
	CapVCPUEvents,
	CapDebugRegs,
	CapXCRS,
	CapImmediateExit,
}

// CheckExtension returns the value KVM reports for a capability; zero means
// unsupported.
func CheckExtension(fd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

// CheckCapabilities fails with ErrMissingCapability naming the first
// capability in caps the host does not support.
func CheckCapabilities(kvmFd uintptr, caps []Capability) error {
	for _, c := range caps {
		ret, err := CheckExtension(kvmFd, c)
		if err != nil {
			return fmt.Errorf("KVM_CHECK_EXTENSION(%v): %w", c, err)
		}

		if ret <= 0 {
			return fmt.Errorf("%w: %v", ErrMissingCapability, c)
		}
	}

	return nil
}
