package machine

// Save* capture state into snapshot types, Restore* apply it back. vCPU
// state must only be touched while the vCPUs are paused or not yet started.

import (
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/bobuhiro11/gomicrovm/snapshot"
	"golang.org/x/sync/errgroup"
)

// structBytes returns a byte slice that aliases the memory of v.
// v must be a pointer to a fixed-size struct.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("state buffer too small: got %d want %d", len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

// cloneBytes returns a copy of s as a new slice.
func cloneBytes(s []byte) []byte {
	c := make([]byte, len(s))
	copy(c, s)

	return c
}

// SaveCPUStates captures every vCPU. The ioctls of different vCPUs are
// independent, so they run concurrently.
func (m *Machine) SaveCPUStates() ([]snapshot.VCPUState, error) {
	indices, err := kvm.GetMSRIndexList(m.kvm.Fd())
	if err != nil {
		return nil, fmt.Errorf("GetMSRIndexList: %w", err)
	}

	states := make([]snapshot.VCPUState, len(m.vcpus))

	var g errgroup.Group

	for i, v := range m.vcpus {
		g.Go(func() error {
			s, err := v.saveState(indices)
			if err != nil {
				return err
			}

			states[i] = *s

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return states, nil
}

// RestoreCPUStates applies one saved state per vCPU.
func (m *Machine) RestoreCPUStates(states []snapshot.VCPUState) error {
	if len(states) != len(m.vcpus) {
		return fmt.Errorf("%w: snapshot has %d vcpus, machine %d", ErrVCPUCount, len(states), len(m.vcpus))
	}

	for i, v := range m.vcpus {
		if err := v.restoreState(&states[i]); err != nil {
			return err
		}
	}

	return nil
}

func (v *VCPU) saveState(indices []uint32) (*snapshot.VCPUState, error) {
	fd := v.fd
	state := &snapshot.VCPUState{}

	// General-purpose registers.
	regs, err := kvm.GetRegs(fd)
	if err != nil {
		return nil, fmt.Errorf("GetRegs cpu%d: %w", v.Index, err)
	}

	state.Regs = cloneBytes(structBytes(regs))

	// Control / segment registers.
	sregs, err := kvm.GetSregs(fd)
	if err != nil {
		return nil, fmt.Errorf("GetSregs cpu%d: %w", v.Index, err)
	}

	state.Sregs = cloneBytes(structBytes(sregs))

	fpu, err := kvm.GetFPU(fd)
	if err != nil {
		return nil, fmt.Errorf("GetFPU cpu%d: %w", v.Index, err)
	}

	state.FPU = cloneBytes(structBytes(fpu))

	// Model-specific registers.
	msrs := make([]kvm.MSREntry, len(indices))
	for i, idx := range indices {
		msrs[i].Index = idx
	}

	if err := kvm.GetMSRs(fd, msrs); err != nil {
		return nil, fmt.Errorf("GetMSRs cpu%d: %w", v.Index, err)
	}

	state.MSRs = make([]snapshot.MSREntry, len(msrs))
	for i, e := range msrs {
		state.MSRs[i] = snapshot.MSREntry{Index: e.Index, Data: e.Data}
	}

	// Local APIC.
	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(fd, lapic); err != nil {
		return nil, fmt.Errorf("GetLocalAPIC cpu%d: %w", v.Index, err)
	}

	state.LAPIC = cloneBytes(structBytes(lapic))

	// Pending exceptions / interrupts.
	events := &kvm.VCPUEvents{}
	if err := kvm.GetVCPUEvents(fd, events); err != nil {
		return nil, fmt.Errorf("GetVCPUEvents cpu%d: %w", v.Index, err)
	}

	state.Events = cloneBytes(structBytes(events))

	mps := &kvm.MPState{}
	if err := kvm.GetMPState(fd, mps); err != nil {
		return nil, fmt.Errorf("GetMPState cpu%d: %w", v.Index, err)
	}

	state.MPState = mps.State

	dregs := &kvm.DebugRegs{}
	if err := kvm.GetDebugRegs(fd, dregs); err != nil {
		return nil, fmt.Errorf("GetDebugRegs cpu%d: %w", v.Index, err)
	}

	state.DebugRegs = cloneBytes(structBytes(dregs))

	// Extended control registers (AVX/SSE state).
	xcrs := &kvm.XCRS{}
	if err := kvm.GetXCRS(fd, xcrs); err != nil {
		return nil, fmt.Errorf("GetXCRS cpu%d: %w", v.Index, err)
	}

	state.XCRS = cloneBytes(structBytes(xcrs))

	return state, nil
}

func (v *VCPU) restoreState(state *snapshot.VCPUState) error {
	fd := v.fd

	// MP state goes first: KVM resets parts of the vCPU on some transitions.
	mps := kvm.MPState{State: state.MPState}
	if err := kvm.SetMPState(fd, &mps); err != nil {
		return fmt.Errorf("SetMPState cpu%d: %w", v.Index, err)
	}

	var regs kvm.Regs
	if err := copyStruct(&regs, state.Regs); err != nil {
		return fmt.Errorf("decode Regs cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetRegs(fd, &regs); err != nil {
		return fmt.Errorf("SetRegs cpu%d: %w", v.Index, err)
	}

	var sregs kvm.Sregs
	if err := copyStruct(&sregs, state.Sregs); err != nil {
		return fmt.Errorf("decode Sregs cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetSregs(fd, &sregs); err != nil {
		return fmt.Errorf("SetSregs cpu%d: %w", v.Index, err)
	}

	var fpu kvm.FPU
	if err := copyStruct(&fpu, state.FPU); err != nil {
		return fmt.Errorf("decode FPU cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetFPU(fd, &fpu); err != nil {
		return fmt.Errorf("SetFPU cpu%d: %w", v.Index, err)
	}

	var xcrs kvm.XCRS
	if err := copyStruct(&xcrs, state.XCRS); err != nil {
		return fmt.Errorf("decode XCRS cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetXCRS(fd, &xcrs); err != nil {
		return fmt.Errorf("SetXCRS cpu%d: %w", v.Index, err)
	}

	msrs := make([]kvm.MSREntry, len(state.MSRs))
	for i, e := range state.MSRs {
		msrs[i].Index = e.Index
		msrs[i].Data = e.Data
	}

	if err := kvm.SetMSRs(fd, msrs); err != nil {
		return fmt.Errorf("SetMSRs cpu%d: %w", v.Index, err)
	}

	var lapic kvm.LAPICState
	if err := copyStruct(&lapic, state.LAPIC); err != nil {
		return fmt.Errorf("decode LAPIC cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetLocalAPIC(fd, &lapic); err != nil {
		return fmt.Errorf("SetLocalAPIC cpu%d: %w", v.Index, err)
	}

	var events kvm.VCPUEvents
	if err := copyStruct(&events, state.Events); err != nil {
		return fmt.Errorf("decode VCPUEvents cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetVCPUEvents(fd, &events); err != nil {
		return fmt.Errorf("SetVCPUEvents cpu%d: %w", v.Index, err)
	}

	var dregs kvm.DebugRegs
	if err := copyStruct(&dregs, state.DebugRegs); err != nil {
		return fmt.Errorf("decode DebugRegs cpu%d: %w", v.Index, err)
	}

	if err := kvm.SetDebugRegs(fd, &dregs); err != nil {
		return fmt.Errorf("SetDebugRegs cpu%d: %w", v.Index, err)
	}

	return nil
}

// SaveVMState captures VM-level (non-per-vCPU) hardware state.
func (m *Machine) SaveVMState() (*snapshot.VMState, error) {
	state := &snapshot.VMState{}

	// kvmclock must be saved for monotonicity.
	cd := &kvm.ClockData{}
	if err := kvm.GetClock(m.vmFd, cd); err != nil {
		return nil, fmt.Errorf("GetClock: %w", err)
	}

	state.Clock = cloneBytes(structBytes(cd))

	// IRQ chip: master PIC (0), slave PIC (1), IOAPIC (2).
	for chipID, dest := range []*[]byte{&state.IRQChipPIC0, &state.IRQChipPIC1, &state.IRQChipIOAPIC} {
		chip := &kvm.IRQChip{ChipID: uint32(chipID)}
		if err := kvm.GetIRQChip(m.vmFd, chip); err != nil {
			return nil, fmt.Errorf("GetIRQChip(%d): %w", chipID, err)
		}

		*dest = cloneBytes(structBytes(chip))
	}

	pit := &kvm.PITState2{}
	if err := kvm.GetPIT2(m.vmFd, pit); err != nil {
		return nil, fmt.Errorf("GetPIT2: %w", err)
	}

	state.PIT2 = cloneBytes(structBytes(pit))

	return state, nil
}

// RestoreVMState applies previously saved VM-level hardware state.
func (m *Machine) RestoreVMState(state *snapshot.VMState) error {
	var pit kvm.PITState2
	if err := copyStruct(&pit, state.PIT2); err != nil {
		return fmt.Errorf("decode PITState2: %w", err)
	}

	if err := kvm.SetPIT2(m.vmFd, &pit); err != nil {
		return fmt.Errorf("SetPIT2: %w", err)
	}

	var cd kvm.ClockData
	if err := copyStruct(&cd, state.Clock); err != nil {
		return fmt.Errorf("decode ClockData: %w", err)
	}

	// Only the clock value is restored.
	cd.Flags = 0

	if err := kvm.SetClock(m.vmFd, &cd); err != nil {
		return fmt.Errorf("SetClock: %w", err)
	}

	for _, src := range [][]byte{state.IRQChipPIC0, state.IRQChipPIC1, state.IRQChipIOAPIC} {
		var chip kvm.IRQChip
		if err := copyStruct(&chip, src); err != nil {
			return fmt.Errorf("decode IRQChip: %w", err)
		}

		if err := kvm.SetIRQChip(m.vmFd, &chip); err != nil {
			return fmt.Errorf("SetIRQChip(%d): %w", chip.ChipID, err)
		}
	}

	return nil
}

// DirtyBitmaps returns the pages written since the previous call (or since
// the slots were registered), one bitmap per memory region.
func (m *Machine) DirtyBitmaps() ([][]uint64, error) {
	if !m.cfg.TrackDirtyPages {
		return nil, ErrNoDirtyLog
	}

	return m.mem.DirtyBitmaps(m.vmFd)
}
