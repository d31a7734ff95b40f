package cpuid

// The list of CPU features can be found in arch/x86/kvm/cpuid.c [1]
// in Linux. Also in ths same file, the relationship between CPU features and
// CPUID functions [2] are defined. The offset in the register is defined in
// arch/x86/include/asm/cpufeatures.h [3].
//
// [1] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L341-L414
// [2] https://github.com/torvalds/linux/blob/v4.20/arch/x86/kvm/cpuid.c#L427-L513
// [3] https://github.com/torvalds/linux/blob/v4.20/arch/x86/include/asm/cpufeatures.h#L29

// Feature is any register bit position of a CPUID leaf.
type Feature interface {
	~uint32
}

type (
	F1Ecx       uint32
	F1Edx       uint32
	F7_0Ebx     uint32
	F7_0Ecx     uint32
	F7_0Edx     uint32
	F8_0001_Ecx uint32
	F8_0001_Edx uint32
)

const (
	DTES64      F1Ecx = 2  /* 64-bit Debug Store */
	MWAIT       F1Ecx = 3  /* "monitor" MONITOR/MWAIT support */
	DSCPL       F1Ecx = 4  /* "ds_cpl" CPL-qualified (filtered) Debug Store */
	TM2         F1Ecx = 8  /* Thermal Monitor 2 */
	CID         F1Ecx = 10 /* Context ID */
	SDBG        F1Ecx = 11 /* Silicon Debug */
	FMA         F1Ecx = 12 /* Fused multiply-add */
	XTPR        F1Ecx = 14 /* Send Task Priority Messages */
	PDCM        F1Ecx = 15 /* Perf/Debug Capabilities MSR */
	MOVBE       F1Ecx = 22 /* MOVBE instruction */
	TSCDEADLINE F1Ecx = 24 /* TSC deadline timer */
	OSXSAVE     F1Ecx = 27 /* "" XSAVE instruction enabled in the OS */
	HYPERVISOR  F1Ecx = 31 /* Running on a hypervisor */
)

const (
	FPU       F1Edx = 0  /* Onboard FPU */
	VME       F1Edx = 1  /* Virtual Mode Extensions */
	DE        F1Edx = 2  /* Debugging Extensions */
	PSE       F1Edx = 3  /* Page Size Extensions */
	TSC       F1Edx = 4  /* Time Stamp Counter */
	MSR       F1Edx = 5  /* Model-Specific Registers */
	PAE       F1Edx = 6  /* Physical Address Extensions */
	MCE       F1Edx = 7  /* Machine Check Exception */
	CX8       F1Edx = 8  /* CMPXCHG8 instruction */
	APIC      F1Edx = 9  /* Onboard APIC */
	SEP       F1Edx = 11 /* SYSENTER/SYSEXIT */
	MTRR      F1Edx = 12 /* Memory Type Range Registers */
	PGE       F1Edx = 13 /* Page Global Enable */
	MCA       F1Edx = 14 /* Machine Check Architecture */
	CMOV      F1Edx = 15 /* CMOV instructions (plus FCMOVcc, FCOMI with FPU) */
	PAT       F1Edx = 16 /* Page Attribute Table */
	PSE36     F1Edx = 17 /* 36-bit PSEs */
	PN        F1Edx = 18 /* Processor serial number */
	CLFLUSH   F1Edx = 19 /* CLFLUSH instruction */
	DS        F1Edx = 21 /* "dts" Debug Store */
	ACPI      F1Edx = 22 /* ACPI via MSR */
	MMX       F1Edx = 23 /* Multimedia Extensions */
	FXSR      F1Edx = 24 /* FXSAVE/FXRSTOR, CR4.OSFXSR */
	XMM       F1Edx = 25 /* "sse" */
	XMM2      F1Edx = 26 /* "sse2" */
	SELFSNOOP F1Edx = 27 /* "ss" CPU self snoop */
	HT        F1Edx = 28 /* Hyper-Threading */
	ACC       F1Edx = 29 /* "tm" Automatic clock control */
	IA64      F1Edx = 30 /* IA-64 processor */
	PBE       F1Edx = 31 /* Pending Break Enable */
)

//nolint:stylecheck
const (
	SGX      F7_0Ebx = 2  /* Software Guard Extensions */
	BMI1     F7_0Ebx = 3  /* 1st group bit manipulation extensions */
	HLE      F7_0Ebx = 4  /* Hardware Lock Elision */
	AVX2     F7_0Ebx = 5  /* AVX2 instructions */
	FDP_EXCP F7_0Ebx = 6  /* "" FPU data pointer updated only on x87 exceptions */
	BMI2     F7_0Ebx = 8  /* 2nd group bit manipulation extensions */
	INVPCID  F7_0Ebx = 10 /* Invalidate Processor Context ID */
	RTM      F7_0Ebx = 11 /* Restricted Transactional Memory */
	CQM      F7_0Ebx = 12 /* Cache QoS Monitoring */
	RDT_A    F7_0Ebx = 15 /* Resource Director Technology Allocation */
	AVX512F  F7_0Ebx = 16 /* AVX-512 Foundation */
	AVX512DQ F7_0Ebx = 17 /* AVX-512 DQ (Double/Quad granular) Instructions */
	RDSEED   F7_0Ebx = 18 /* RDSEED instruction */
	ADX      F7_0Ebx = 19 /* ADCX and ADOX instructions */
	INTEL_PT F7_0Ebx = 25 /* Intel Processor Trace */
	AVX512CD F7_0Ebx = 28 /* AVX-512 Conflict Detection */
	SHA_NI   F7_0Ebx = 29 /* SHA1/SHA256 Instruction Extensions */
	AVX512BW F7_0Ebx = 30 /* AVX-512 BW (Byte/Word granular) Instructions */
	AVX512VL F7_0Ebx = 31 /* AVX-512 VL (128/256 Vector Length) Extensions */
)

//nolint:stylecheck
const (
	AVX512VBMI  F7_0Ecx = 1  /* AVX512 Vector Bit Manipulation instructions */
	PKU         F7_0Ecx = 3  /* Protection Keys for Userspace */
	OSPKE       F7_0Ecx = 4  /* OS Protection Keys Enable */
	AVX512_VNNI F7_0Ecx = 11 /* Vector Neural Network Instructions */
	LA57        F7_0Ecx = 16 /* 5-level page tables */
	RDPID       F7_0Ecx = 22 /* RDPID instruction */
	SGX_LC      F7_0Ecx = 30 /* Software Guard Extensions Launch Control */
)

//nolint:stylecheck
const (
	AVX512_4VNNIW       F7_0Edx = 2  /* AVX-512 Neural Network Instructions */
	AVX512_4FMAPS       F7_0Edx = 3  /* AVX-512 Multiply Accumulation Single precision */
	FSRM                F7_0Edx = 4  /* Fast Short Rep Mov */
	AVX512_VP2INTERSECT F7_0Edx = 8  /* AVX-512 Intersect for D/Q */
	SRBDS_CTRL          F7_0Edx = 9  /* "" SRBDS mitigation MSR available */
	MD_CLEAR            F7_0Edx = 10 /* VERW clears CPU buffers */
	RTM_ALWAYS_ABORT    F7_0Edx = 11 /* "" RTM transaction always aborts */
	TSX_FORCE_ABORT     F7_0Edx = 13 /* "" TSX_FORCE_ABORT */
	SERIALIZE           F7_0Edx = 14 /* SERIALIZE instruction */
	HYBRID_CPU          F7_0Edx = 15 /* "" This part has CPUs of more than one type */
	TSXLDTRK            F7_0Edx = 16 /* TSX Suspend Load Address Tracking */
	PCONFIG             F7_0Edx = 18 /* Intel PCONFIG */
	ARCH_LBR            F7_0Edx = 19 /* Intel ARCH LBR */
	IBT                 F7_0Edx = 20 /* Indirect Branch Tracking */
	AMX_BF16            F7_0Edx = 22 /* AMX bf16 Support */
	AVX512_FP16         F7_0Edx = 23 /* AVX512 FP16 */
	AMX_TILE            F7_0Edx = 24 /* AMX tile Support */
	AMX_INT8            F7_0Edx = 25 /* AMX int8 Support */
	SPEC_CTRL           F7_0Edx = 26 /* "" Speculation Control (IBRS + IBPB) */
	INTEL_STIBP         F7_0Edx = 27 /* "" Single Thread Indirect Branch Predictors */
	FLUSH_L1D           F7_0Edx = 28 /* Flush L1D cache */
	ARCH_CAPABILITIES   F7_0Edx = 29 /* IA32_ARCH_CAPABILITIES MSR (Intel) */
	CORE_CAPABILITIES   F7_0Edx = 30 /* "" IA32_CORE_CAPABILITIES MSR */
	SPEC_CTRL_SSBD      F7_0Edx = 31 /* "" Speculative Store Bypass Disable */
)

//nolint:stylecheck
const (
	ABM       F8_0001_Ecx = 5  /* Advanced bit manipulation (LZCNT) */
	PREFETCHW F8_0001_Ecx = 8  /* 3DNow prefetch instructions */
	PDPE1GB   F8_0001_Edx = 26 /* GB pages */
	RDTSCP    F8_0001_Edx = 27 /* RDTSCP */
)

// Mask returns a register mask with every listed feature bit set.
func Mask[T Feature](features ...T) uint32 {
	var m uint32
	for _, f := range features {
		m |= 1 << uint32(f)
	}

	return m
}
