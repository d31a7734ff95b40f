package machine

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bobuhiro11/gomicrovm/kvm"
	"golang.org/x/arch/x86/x86asm"
)

var (
	// ErrNotMapped means a guest virtual address has no translation.
	ErrNotMapped = errors.New("guest virtual address not mapped")
)

const (
	pageTableLevels = 4
	pteAddrMask     = 0x000ffffffffff000
)

// GetRegs reads the general purpose registers of vCPU cpu.
func (m *Machine) GetRegs(cpu int) (*kvm.Regs, error) {
	v, err := m.VCPU(cpu)
	if err != nil {
		return nil, err
	}

	return kvm.GetRegs(v.fd)
}

// SetRegs writes the general purpose registers of vCPU cpu.
func (m *Machine) SetRegs(cpu int, r *kvm.Regs) error {
	v, err := m.VCPU(cpu)
	if err != nil {
		return err
	}

	return kvm.SetRegs(v.fd, r)
}

// VtoP translates vaddr through the page tables vCPU cpu is using. With
// paging off the address is physical already.
func (m *Machine) VtoP(cpu int, vaddr uintptr) (int64, error) {
	v, err := m.VCPU(cpu)
	if err != nil {
		return -1, err
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return -1, err
	}

	if sregs.CR0&CR0xPG == 0 {
		return int64(vaddr), nil
	}

	table := sregs.CR3 & pteAddrMask
	va := uint64(vaddr)

	for level := pageTableLevels; level > 0; level-- {
		shift := uint(12 + 9*(level-1))
		idx := (va >> shift) & 0x1ff

		var b [8]byte
		if _, err := m.mem.ReadAt(b[:], int64(table+idx*8)); err != nil {
			return -1, err
		}

		pte := binary.LittleEndian.Uint64(b[:])
		if pte&PDE64xPRESENT == 0 {
			return -1, fmt.Errorf("%w: %#x (level %d)", ErrNotMapped, vaddr, level)
		}

		// 1 GiB and 2 MiB pages end the walk early.
		if level == 1 || (level <= 3 && pte&PDE64xPS != 0) {
			mask := uint64(1)<<shift - 1

			return int64(pte&pteAddrMask&^mask | va&mask), nil
		}

		table = pte & pteAddrMask
	}

	return -1, fmt.Errorf("%w: %#x", ErrNotMapped, vaddr)
}

// Inst retrieves an instruction from the guest, at RIP.
// It returns an x86asm.Inst, the registers, a string in GNU syntax, and
// and error.
func (m *Machine) Inst(cpu int) (*x86asm.Inst, *kvm.Regs, string, error) {
	r, err := m.GetRegs(cpu)
	if err != nil {
		return nil, nil, "", fmt.Errorf("Inst:Getregs:%w", err)
	}

	pc := uintptr(r.RIP)

	// We know the PC; grab a bunch of bytes there, then decode and print
	insn := make([]byte, 16)
	if _, err := m.ReadBytes(cpu, insn, pc); err != nil {
		return nil, nil, "", fmt.Errorf("reading PC at #%x:%w", pc, err)
	}

	d, err := x86asm.Decode(insn, m.mode(cpu))
	if err != nil {
		return nil, nil, "", fmt.Errorf("decoding %#02x:%w", insn, err)
	}

	return &d, r, x86asm.GNUSyntax(d, r.RIP, nil), nil
}

// mode is the decoder width for the code segment vCPU cpu runs in.
func (m *Machine) mode(cpu int) int {
	sregs, err := kvm.GetSregs(m.vcpus[cpu].fd)

	switch {
	case err != nil, sregs.CS.L == 1:
		return 64
	case sregs.CS.DB == 1:
		return 32
	default:
		return 16
	}
}

// Asm returns a string for the given instruction at the given pc.
func Asm(d *x86asm.Inst, pc uint64) string {
	return "\"" + x86asm.GNUSyntax(*d, pc, nil) + "\""
}

// Pop pops the stack and returns what was at TOS.
// It is most often used to get the caller PC (cpc).
func (m *Machine) Pop(cpu int, r *kvm.Regs) (uint64, error) {
	cpc, err := m.ReadWord(cpu, uintptr(r.RSP))
	if err != nil {
		return 0, err
	}

	r.RSP += 8

	return cpc, nil
}

// WriteWord writes the given word into the guest's virtual address space.
func (m *Machine) WriteWord(cpu int, vaddr uintptr, word uint64) error {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return err
	}

	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], word)
	_, err = m.mem.WriteAt(b[:], pa)

	return err
}

// ReadBytes reads bytes from the CPUs virtual address space.
func (m *Machine) ReadBytes(cpu int, b []byte, vaddr uintptr) (int, error) {
	pa, err := m.VtoP(cpu, vaddr)
	if err != nil {
		return -1, err
	}

	return m.mem.ReadAt(b, pa)
}

// ReadWord reads the given word from the cpu's virtual address space.
func (m *Machine) ReadWord(cpu int, vaddr uintptr) (uint64, error) {
	var b [8]byte
	if _, err := m.ReadBytes(cpu, b[:], vaddr); err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b[:]), nil
}

// show renders the registers for a fatal exit report.
func show(prefix string, r *kvm.Regs) string {
	return fmt.Sprintf("%srip %#x rsp %#x rbp %#x rflags %#x rax %#x rbx %#x rcx %#x rdx %#x rsi %#x rdi %#x",
		prefix, r.RIP, r.RSP, r.RBP, r.RFLAGS, r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI)
}
