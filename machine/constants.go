package machine

// Guest physical layout of everything the VMM writes before the first
// instruction runs.
//
//	0x00000500  GDT
//	0x00000520  IDT
//	0x00008ff0  boot stack (grows down)
//	0x00009000  PML4
//	0x0000a000  PDPTE
//	0x0000b000  PDE x 4 (identity map of the low 4 GiB with 2 MiB pages)
//	0x00010000  zero page (RSI)
//	0x00020000  kernel command line
//	0x0009fc00  MP table
//	0x00100000  bzImage protected-mode kernel
//	0x01000000  vmlinux load address (from the ELF program headers)
//	0x0f000000  initrd, or right below the top of low memory when smaller
//	0xd0000000  virtio-MMIO devices, one 4 KiB window each
const (
	gdtAddr       = 0x500
	idtAddr       = 0x520
	bootStackAddr = 0x8ff0
	pml4Addr      = 0x9000
	pdpteAddr     = 0xa000
	pdeAddr       = 0xb000
	pdeCount      = 4

	bootParamAddr = 0x10000
	cmdlineAddr   = 0x20000

	// CmdlineMaxSize includes the terminating NUL.
	CmdlineMaxSize = 2048

	highMemBase = 0x100000
	initrdAddr  = 0xf000000

	// MMIOBase is where the first virtio-MMIO window is placed.
	MMIOBase = 0xd0000000
	// MMIOSize is the size of each virtio-MMIO window.
	MMIOSize = 0x1000

	// IRQBase and IRQMax bound the GSIs handed to virtio-MMIO devices.
	IRQBase = 5
	IRQMax  = 23

	// MinMemSize is the smallest guest that can hold the boot structures.
	MinMemSize = 1 << 25
)

const (
	// These *could* be in kvm, but we'll see.

	// golangci-lint is completely wrong about these names.
	// Control Register Paging Enable for example:
	// golang style requires all letters in an acronym to be caps.
	// CR0 bits.
	CR0xPE = 1
	CR0xMP = (1 << 1)
	CR0xEM = (1 << 2)
	CR0xTS = (1 << 3)
	CR0xET = (1 << 4)
	CR0xNE = (1 << 5)
	CR0xWP = (1 << 16)
	CR0xAM = (1 << 18)
	CR0xNW = (1 << 29)
	CR0xCD = (1 << 30)
	CR0xPG = (1 << 31)

	// CR4 bits.
	CR4xVME        = 1
	CR4xPVI        = (1 << 1)
	CR4xTSD        = (1 << 2)
	CR4xDE         = (1 << 3)
	CR4xPSE        = (1 << 4)
	CR4xPAE        = (1 << 5)
	CR4xMCE        = (1 << 6)
	CR4xPGE        = (1 << 7)
	CR4xPCE        = (1 << 8)
	CR4xOSFXSR     = (1 << 9)
	CR4xOSXMMEXCPT = (1 << 10)
	CR4xUMIP       = (1 << 11)
	CR4xVMXE       = (1 << 13)
	CR4xSMXE       = (1 << 14)
	CR4xFSGSBASE   = (1 << 16)
	CR4xPCIDE      = (1 << 17)
	CR4xOSXSAVE    = (1 << 18)
	CR4xSMEP       = (1 << 20)
	CR4xSMAP       = (1 << 21)

	EFERxSCE = 1
	EFERxLME = (1 << 8)
	EFERxLMA = (1 << 10)
	EFERxNXE = (1 << 11)

	// 64-bit page * entry bits.
	PDE64xPRESENT  = 1
	PDE64xRW       = (1 << 1)
	PDE64xUSER     = (1 << 2)
	PDE64xACCESSED = (1 << 5)
	PDE64xDIRTY    = (1 << 6)
	PDE64xPS       = (1 << 7)
	PDE64xG        = (1 << 8)
)

// MSRs programmed on every vCPU before boot.
const (
	msrIA32SysenterCS  = 0x174
	msrIA32SysenterESP = 0x175
	msrIA32SysenterEIP = 0x176
	msrSTAR            = 0xc0000081
	msrLSTAR           = 0xc0000082
	msrCSTAR           = 0xc0000083
	msrSyscallMask     = 0xc0000084
	msrKernelGSBase    = 0xc0000102
	msrIA32TSC         = 0x10
	msrIA32MiscEnable  = 0x1a0
	msrIA32MTRRDefType = 0x2ff

	miscEnableFastString = 1
	mtrrEnable           = 1 << 11
	mtrrMemTypeWB        = 0x6
)
