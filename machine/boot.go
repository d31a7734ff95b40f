package machine

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bobuhiro11/gomicrovm/bootparam"
	"github.com/bobuhiro11/gomicrovm/bootproto"
	"github.com/bobuhiro11/gomicrovm/ebda"
	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/bobuhiro11/gomicrovm/memory"
)

var (
	ErrKernelFormat   = errors.New("kernel is neither a bzImage nor an x86_64 ELF")
	ErrKernelLoad     = errors.New("kernel does not fit guest memory")
	ErrInitrdLoad     = errors.New("initrd does not fit guest memory")
	ErrCmdlineTooLong = errors.New("kernel command line too long")
)

// Boot describes what LoadKernel puts in guest memory.
type Boot struct {
	KernelPath string
	InitrdPath string
	Cmdline    string
}

// KernelKind is the image format found at KernelPath.
type KernelKind int

const (
	KernelBzImage KernelKind = iota
	KernelELF
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	// zero page fields of the 64-bit boot protocol when there is no setup
	// header to copy from.
	bootFlagMagic   = 0xaa55
	kernelAlignment = 0x01000000
	loaderUndefined = 0xff

	gdtCode64 = 0xa09b
	gdtData   = 0xc093
	gdtTSS    = 0x808b
)

// LoadKernel loads the kernel, initrd, command line, zero page and MP table
// and points every vCPU at the kernel entry. Devices must have been added
// first: their command line entries are appended to b.Cmdline.
func (m *Machine) LoadKernel(b Boot) (KernelKind, error) {
	image, err := os.ReadFile(b.KernelPath)
	if err != nil {
		return 0, err
	}

	cmdline := strings.TrimSpace(b.Cmdline + " " + m.DeviceCmdline())
	if len(cmdline)+1 > CmdlineMaxSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrCmdlineTooLong, len(cmdline))
	}

	var (
		kind  KernelKind
		hdr   *bootproto.BootProto
		entry uint64
		end   uint64
	)

	switch {
	case bytes.HasPrefix(image, elfMagic):
		kind = KernelELF

		if entry, end, err = m.loadELF(image); err != nil {
			return 0, err
		}

		hdr = &bootproto.BootProto{
			BootFlag:        bootFlagMagic,
			Header:          bootproto.MagicSignature,
			KernelAlignment: kernelAlignment,
		}
	default:
		kind = KernelBzImage

		if hdr, err = bootproto.Parse(image); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrKernelFormat, err)
		}

		// The 32-bit (non-real-mode) kernel starts at offset (setup_sects+1)*512 in
		// the kernel file (again, if setup_sects == 0 the real value is 4.) It should
		// be loaded at address 0x10000 for Image/zImage kernels and 0x100000 for bzImage kernels.
		//
		// refs: https://www.kernel.org/doc/html/latest/x86/boot.html#loading-the-rest-of-the-kernel
		kernel := image[hdr.KernelOffset():]
		if _, err := m.mem.WriteAt(kernel, highMemBase); err != nil {
			return 0, fmt.Errorf("%w: %w", ErrKernelLoad, err)
		}

		entry = highMemBase
		end = highMemBase + uint64(len(kernel))
	}

	initrdAddr, initrdSize, err := m.loadInitrd(b.InitrdPath, end)
	if err != nil {
		return 0, err
	}

	if err := m.writeCmdline(cmdline); err != nil {
		return 0, err
	}

	if err := m.writeMPTable(); err != nil {
		return 0, err
	}

	if err := m.writeZeroPage(hdr, cmdline, initrdAddr, initrdSize); err != nil {
		return 0, err
	}

	for _, v := range m.vcpus {
		if kind == KernelELF {
			err = m.setupLongMode(v, entry)
		} else {
			err = m.setupProtectedMode(v, entry)
		}

		if err != nil {
			return 0, err
		}
	}

	return kind, nil
}

func (m *Machine) loadELF(image []byte) (uint64, uint64, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrKernelFormat, err)
	}

	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 {
		return 0, 0, fmt.Errorf("%w: %v %v", ErrKernelFormat, f.Class, f.Machine)
	}

	var end uint64

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}

		if p.Paddr < highMemBase {
			return 0, 0, fmt.Errorf("%w: segment at %#x below %#x", ErrKernelLoad, p.Paddr, highMemBase)
		}

		dst, err := m.mem.Slice(p.Paddr, p.Filesz)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: segment at %#x: %w", ErrKernelLoad, p.Paddr, err)
		}

		if _, err := io.ReadFull(p.Open(), dst); err != nil {
			return 0, 0, fmt.Errorf("read segment at %#x: %w", p.Paddr, err)
		}

		end = max(end, p.Paddr+p.Memsz)
	}

	return f.Entry, end, nil
}

// loadInitrd places the initrd at initrdAddr when it fits there, otherwise
// page aligned right below the end of low memory.
func (m *Machine) loadInitrd(path string, kernelEnd uint64) (uint64, uint64, error) {
	if path == "" {
		return 0, 0, nil
	}

	initrd, err := os.ReadFile(path)
	if err != nil {
		return 0, 0, err
	}

	size := uint64(len(initrd))
	lowEnd := m.lowMemEnd()
	addr := uint64(initrdAddr)

	if addr+size > lowEnd {
		if size > lowEnd {
			return 0, 0, fmt.Errorf("%w: %d bytes", ErrInitrdLoad, size)
		}

		addr = (lowEnd - size) &^ (memory.PageSize - 1)
	}

	if addr < kernelEnd {
		return 0, 0, fmt.Errorf("%w: %d bytes overlap the kernel", ErrInitrdLoad, size)
	}

	if _, err := m.mem.WriteAt(initrd, int64(addr)); err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInitrdLoad, err)
	}

	return addr, size, nil
}

func (m *Machine) lowMemEnd() uint64 {
	for _, r := range m.mem.Ranges() {
		if r.Start == 0 {
			return r.End()
		}
	}

	return 0
}

func (m *Machine) writeCmdline(cmdline string) error {
	b := make([]byte, len(cmdline)+1) // for null terminated string
	copy(b, cmdline)

	_, err := m.mem.WriteAt(b, cmdlineAddr)

	return err
}

func (m *Machine) writeMPTable() error {
	e, err := ebda.New(len(m.vcpus))
	if err != nil {
		return err
	}

	b, err := e.Bytes()
	if err != nil {
		return err
	}

	_, err = m.mem.WriteAt(b, ebda.Start)

	return err
}

func (m *Machine) writeZeroPage(hdr *bootproto.BootProto, cmdline string, initrdAddr, initrdSize uint64) error {
	bootParam := bootparam.FromHeader(hdr)

	if err := m.addE820(bootParam); err != nil {
		return err
	}

	bootParam.Hdr.VidMode = 0xFFFF                                                                  // Proto ALL
	bootParam.Hdr.TypeOfLoader = loaderUndefined                                                    // Proto 2.00+
	bootParam.Hdr.RamdiskImage = uint32(initrdAddr)                                                 // Proto 2.00+
	bootParam.Hdr.RamdiskSize = uint32(initrdSize)                                                  // Proto 2.00+
	bootParam.Hdr.LoadFlags |= bootparam.CanUseHeap | bootparam.LoadedHigh | bootparam.KeepSegments // Proto 2.00+
	bootParam.Hdr.HeapEndPtr = 0xFE00                                                               // Proto 2.01+
	bootParam.Hdr.ExtLoaderVer = 0                                                                  // Proto 2.02+
	bootParam.Hdr.CmdlinePtr = cmdlineAddr                                                          // Proto 2.06+
	bootParam.Hdr.CmdlineSize = uint32(len(cmdline) + 1)                                            // Proto 2.06+

	b, err := bootParam.Bytes()
	if err != nil {
		return err
	}

	_, err = m.mem.WriteAt(b, bootParamAddr)

	return err
}

// addE820 describes guest RAM around the legacy hole and the MMIO gap.
// refs https://github.com/kvmtool/kvmtool/blob/0e1882a49f81cb15d328ef83a78849c0ea26eecc/x86/bios.c#L66-L86
func (m *Machine) addE820(bp *bootparam.BootParam) error {
	type entry struct {
		addr, size uint64
		typ        uint32
	}

	var entries []entry

	for _, r := range m.mem.Ranges() {
		if r.Start != 0 {
			entries = append(entries, entry{r.Start, r.Size, bootparam.E820Ram})

			continue
		}

		entries = append(entries,
			entry{bootparam.RealModeIvtBegin, bootparam.EBDAStart - bootparam.RealModeIvtBegin, bootparam.E820Ram},
			entry{bootparam.EBDAStart, bootparam.VGARAMBegin - bootparam.EBDAStart, bootparam.E820Reserved},
			entry{bootparam.MBBIOSBegin, bootparam.MBBIOSEnd - bootparam.MBBIOSBegin, bootparam.E820Reserved},
			entry{highMemBase, r.End() - highMemBase, bootparam.E820Ram},
		)
	}

	for _, e := range entries {
		if err := bp.AddE820Entry(e.addr, e.size, e.typ); err != nil {
			return err
		}
	}

	return nil
}

// setupProtectedMode is the 32-bit bzImage entry: flat segments, paging off,
// RSI pointing at the zero page.
func (m *Machine) setupProtectedMode(v *VCPU, entry uint64) error {
	regs, err := kvm.GetRegs(v.fd)
	if err != nil {
		return err
	}

	regs.RFLAGS = 2
	regs.RIP = entry
	regs.RSI = bootParamAddr

	if err := kvm.SetRegs(v.fd, regs); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return err
	}

	// set all segment flat
	sregs.CS.Base, sregs.CS.Limit, sregs.CS.G = 0, 0xFFFFFFFF, 1
	sregs.DS.Base, sregs.DS.Limit, sregs.DS.G = 0, 0xFFFFFFFF, 1
	sregs.FS.Base, sregs.FS.Limit, sregs.FS.G = 0, 0xFFFFFFFF, 1
	sregs.GS.Base, sregs.GS.Limit, sregs.GS.G = 0, 0xFFFFFFFF, 1
	sregs.ES.Base, sregs.ES.Limit, sregs.ES.G = 0, 0xFFFFFFFF, 1
	sregs.SS.Base, sregs.SS.Limit, sregs.SS.G = 0, 0xFFFFFFFF, 1

	sregs.CS.DB, sregs.SS.DB = 1, 1
	sregs.CR0 |= CR0xPE // protected mode

	return kvm.SetSregs(v.fd, sregs)
}

// setupLongMode is the 64-bit ELF entry: identity mapped low 4 GiB, a flat
// 64-bit GDT, RSI pointing at the zero page.
func (m *Machine) setupLongMode(v *VCPU, entry uint64) error {
	if err := m.writePageTables(); err != nil {
		return err
	}

	gdt := []uint64{
		GDTEntry(0, 0, 0),
		GDTEntry(gdtCode64, 0, 0xfffff),
		GDTEntry(gdtData, 0, 0xfffff),
		GDTEntry(gdtTSS, 0, 0xfffff),
	}

	if err := m.writeGDT(gdt); err != nil {
		return err
	}

	sregs, err := kvm.GetSregs(v.fd)
	if err != nil {
		return err
	}

	code := SegmentFromGDT(gdt[1], 1)
	data := SegmentFromGDT(gdt[2], 2)

	sregs.GDT.Base, sregs.GDT.Limit = gdtAddr, uint16(len(gdt)*8-1)
	sregs.IDT.Base, sregs.IDT.Limit = idtAddr, 7
	sregs.CS = code
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = data, data, data, data, data
	sregs.TR = SegmentFromGDT(gdt[3], 3)

	sregs.CR3 = pml4Addr
	sregs.CR4 |= CR4xPAE
	sregs.CR0 |= CR0xPE | CR0xPG
	sregs.EFER |= EFERxLME | EFERxLMA

	if err := kvm.SetSregs(v.fd, sregs); err != nil {
		return err
	}

	fpu := &kvm.FPU{FCW: 0x37f, MXCSR: 0x1f80}
	if err := kvm.SetFPU(v.fd, fpu); err != nil {
		return err
	}

	return kvm.SetRegs(v.fd, &kvm.Regs{
		RFLAGS: 2,
		RIP:    entry,
		RSP:    bootStackAddr,
		RBP:    bootStackAddr,
		RSI:    bootParamAddr,
	})
}

func (m *Machine) writeGDT(gdt []uint64) error {
	b := make([]byte, 8*len(gdt)+8)
	for i, e := range gdt {
		binary.LittleEndian.PutUint64(b[i*8:], e)
	}

	// the IDT right after it stays empty
	_, err := m.mem.WriteAt(b, gdtAddr)

	return err
}

// writePageTables identity maps [0, 4 GiB) with 2 MiB pages.
func (m *Machine) writePageTables() error {
	pml4 := make([]byte, 8)
	binary.LittleEndian.PutUint64(pml4, pdpteAddr|PDE64xPRESENT|PDE64xRW)

	pdpte := make([]byte, 8*pdeCount)
	for i := 0; i < pdeCount; i++ {
		binary.LittleEndian.PutUint64(pdpte[i*8:], uint64(pdeAddr+i*0x1000)|PDE64xPRESENT|PDE64xRW)
	}

	pde := make([]byte, 8*512*pdeCount)
	for i := 0; i < 512*pdeCount; i++ {
		binary.LittleEndian.PutUint64(pde[i*8:], uint64(i)<<21|PDE64xPRESENT|PDE64xRW|PDE64xPS)
	}

	for _, t := range []struct {
		addr int64
		b    []byte
	}{{pml4Addr, pml4}, {pdpteAddr, pdpte}, {pdeAddr, pde}} {
		if _, err := m.mem.WriteAt(t.b, t.addr); err != nil {
			return err
		}
	}

	return nil
}

// GDTEntry packs a segment descriptor.
func GDTEntry(flags uint16, base, limit uint32) uint64 {
	return (uint64(base)&0xff000000)<<(56-24) |
		(uint64(flags)&0x0000f0ff)<<40 |
		(uint64(limit)&0x000f0000)<<(48-16) |
		(uint64(base)&0x00ffffff)<<16 |
		uint64(limit)&0x0000ffff
}

// SegmentFromGDT unpacks descriptor entry at table index into the form
// KVM_SET_SREGS takes.
func SegmentFromGDT(entry uint64, index uint8) kvm.Segment {
	bit := func(shift uint) uint8 { return uint8((entry >> shift) & 1) }

	limit := uint32((entry&0x000f000000000000)>>32 | entry&0x000000000000ffff)
	if bit(55) == 1 {
		limit = limit<<12 | 0xfff
	}

	present := bit(47)

	var unusable uint8
	if present == 0 {
		unusable = 1
	}

	return kvm.Segment{
		Base:     (entry&0xff00000000000000)>>32 | (entry&0x000000ffffff0000)>>16,
		Limit:    limit,
		Selector: uint16(index) * 8,
		Typ:      uint8((entry >> 40) & 0xf),
		Present:  present,
		DPL:      uint8((entry >> 45) & 0x3),
		DB:       bit(54),
		S:        bit(44),
		L:        bit(53),
		G:        bit(55),
		AVL:      bit(52),
		Unusable: unusable,
	}
}
