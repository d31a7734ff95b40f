// Package snapshot holds the saved state of a paused microVM and the file
// format it is persisted in. Guest memory goes to a separate file.
package snapshot

import (
	"github.com/bobuhiro11/gomicrovm/memory"
	"github.com/bobuhiro11/gomicrovm/virtio"
)

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VCPUState holds the complete architectural state of a single vCPU.
// Binary KVM structs are stored as raw byte slices to preserve their exact
// in-memory layout (including padding) without encoding ambiguity.
type VCPUState struct {
	Regs      []byte     // kvm.Regs
	Sregs     []byte     // kvm.Sregs
	FPU       []byte     // kvm.FPU
	MSRs      []MSREntry // model-specific registers
	LAPIC     []byte     // kvm.LAPICState
	Events    []byte     // kvm.VCPUEvents
	MPState   uint32     // kvm.MPState.State
	DebugRegs []byte     // kvm.DebugRegs
	XCRS      []byte     // kvm.XCRS
}

// VMState holds VM-level (not per-vCPU) hardware state.
type VMState struct {
	Clock         []byte // kvm.ClockData
	IRQChipPIC0   []byte // kvm.IRQChip ChipID=0 (master PIC)
	IRQChipPIC1   []byte // kvm.IRQChip ChipID=1 (slave PIC)
	IRQChipIOAPIC []byte // kvm.IRQChip ChipID=2 (IOAPIC)
	PIT2          []byte // kvm.PITState2
}

// MachineConfig is the guest hardware the snapshot was taken from.
type MachineConfig struct {
	VCPUs           int
	MemSizeMiB      uint64
	SMT             bool
	CPUTemplate     string
	TrackDirtyPages bool
	HugePages       string
}

// DeviceState is one virtio-MMIO device. Config is the JSON body the device
// was configured with, so the device can be rebuilt before its transport
// state is applied.
type DeviceState struct {
	Type      virtio.DeviceType
	ID        string
	Base      uint64
	IRQ       uint32
	Config    []byte
	Transport virtio.MMIOState
}

// Snapshot is everything needed to resume a VM except guest memory.
type Snapshot struct {
	Machine MachineConfig
	Memory  []memory.Range
	VCPUs   []VCPUState
	VM      VMState
	Devices []DeviceState
	MMDS    []byte
}
