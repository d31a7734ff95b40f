// Package cpuid tailors the CPUID table KVM reports as supported into what
// each guest vCPU sees: topology normalisation plus an optional template
// masking features to a common baseline.
package cpuid

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/bobuhiro11/gomicrovm/kvm"
)

const (
	VendorIntel = "GenuineIntel"
	VendorAMD   = "AuthenticAMD"

	leafPerfMon   = 0xa
	leafTopology  = 0xb
	leafCache     = 0x4
	leafThermal   = 0x6
	leafExtended  = 0x80000008
	clflushSize   = 8
	maxCPUsInCore = 2
)

var (
	ErrVCPUCountOverflow = errors.New("vcpu count does not fit the cpuid topology fields")
	ErrMissingLeaf       = errors.New("cpuid leaf missing from the supported set")
)

// Register selects one of the four output registers of an entry.
type Register int

const (
	EAX Register = iota
	EBX
	ECX
	EDX
)

// VMSpec describes the vCPU a table is being prepared for.
type VMSpec struct {
	CPUIndex uint8
	CPUCount uint8
	SMT      bool
}

func (s VMSpec) threadsPerCore() uint32 {
	if s.SMT {
		return maxCPUsInCore
	}

	return 1
}

// Patch sets and clears bits of one register of the entries matching
// Function (and Index unless AnyIndex).
type Patch struct {
	Function uint32
	Index    uint32
	AnyIndex bool
	Reg      Register
	Set      uint32
	Clear    uint32
}

var errInvalidPatchset = errors.New("invalid patch: set and clear masks overlap")

func reg(e *kvm.CPUIDEntry2, r Register) *uint32 {
	switch r {
	case EAX:
		return &e.Eax
	case EBX:
		return &e.Ebx
	case ECX:
		return &e.Ecx
	default:
		return &e.Edx
	}
}

func entries(ids *kvm.CPUID) []kvm.CPUIDEntry2 {
	n := ids.Nent
	if n > kvm.MaxCPUIDEntries {
		n = kvm.MaxCPUIDEntries
	}

	return ids.Entries[:n]
}

// Apply patches CPUIDs before vcpu generation.
func Apply(ids *kvm.CPUID, patches []Patch) error {
	for _, patch := range patches {
		if patch.Set&patch.Clear != 0 {
			return fmt.Errorf("%w: leaf %#x", errInvalidPatchset, patch.Function)
		}
	}

	es := entries(ids)
	for i := range es {
		for _, patch := range patches {
			if es[i].Function != patch.Function {
				continue
			}

			if !patch.AnyIndex && es[i].Index != patch.Index {
				continue
			}

			r := reg(&es[i], patch.Reg)
			*r = (*r &^ patch.Clear) | patch.Set
		}
	}

	return nil
}

// Find returns the entry for function/index or nil.
func Find(ids *kvm.CPUID, function, index uint32) *kvm.CPUIDEntry2 {
	es := entries(ids)
	for i := range es {
		if es[i].Function == function && es[i].Index == index {
			return &es[i]
		}
	}

	return nil
}

// Vendor reads the vendor string from leaf 0.
func Vendor(ids *kvm.CPUID) string {
	e := Find(ids, 0, 0)
	if e == nil {
		return ""
	}

	b := make([]byte, 0, 12)
	for _, x := range []uint32{e.Ebx, e.Edx, e.Ecx} {
		b = append(b, byte(x), byte(x>>8), byte(x>>16), byte(x>>24))
	}

	return string(b)
}

// Normalize rewrites the topology and identification leaves for spec.
func Normalize(ids *kvm.CPUID, spec VMSpec) error {
	if spec.CPUCount == 0 || spec.CPUIndex >= spec.CPUCount {
		return fmt.Errorf("%w: cpu %d of %d", ErrVCPUCountOverflow, spec.CPUIndex, spec.CPUCount)
	}

	leaf1 := Find(ids, 1, 0)
	if leaf1 == nil {
		return fmt.Errorf("%w: 0x1", ErrMissingLeaf)
	}

	// EBX: APIC id, logical processor count, CLFLUSH line size.
	leaf1.Ebx = uint32(spec.CPUIndex)<<24 | uint32(spec.CPUCount)<<16 | clflushSize<<8 | leaf1.Ebx&0xff
	leaf1.Ecx |= Mask(HYPERVISOR, TSCDEADLINE)

	if spec.CPUCount > 1 {
		leaf1.Edx |= Mask(HT)
	} else {
		leaf1.Edx &^= Mask(HT)
	}

	vendor := Vendor(ids)
	cores := uint32(spec.CPUCount) / spec.threadsPerCore()

	if cores == 0 {
		cores = 1
	}

	es := entries(ids)
	for i := range es {
		e := &es[i]

		switch e.Function {
		case leafCache:
			if vendor != VendorIntel {
				continue
			}

			level := (e.Eax >> 5) & 0x7
			sharing := spec.threadsPerCore() - 1

			if level >= 3 {
				sharing = uint32(spec.CPUCount) - 1
			}

			e.Eax &^= 0xfff<<14 | 0x3f<<26
			e.Eax |= (sharing&0xfff)<<14 | ((cores-1)&0x3f)<<26
		case leafThermal:
			// no turbo boost, no energy performance bias
			e.Eax &^= 1 << 1
			e.Ecx &^= 1 << 3
		case leafPerfMon:
			e.Eax, e.Ebx, e.Ecx, e.Edx = 0, 0, 0, 0
		case leafTopology:
			normalizeTopology(e, spec)
		case kvm.CPUIDSignature:
			e.Eax = kvm.CPUIDFeatures
			e.Ebx = 0x4b4d564b // KVMK
			e.Ecx = 0x564b4d56 // VMKV
			e.Edx = 0x4d       // M
		case leafExtended:
			if vendor == VendorAMD {
				e.Ecx = (e.Ecx &^ 0xff) | uint32(spec.CPUCount-1)
			}
		}
	}

	return nil
}

func normalizeTopology(e *kvm.CPUIDEntry2, spec VMSpec) {
	threads := spec.threadsPerCore()

	switch e.Index {
	case 0:
		// SMT level
		e.Eax = uint32(bits.Len32(threads - 1))
		e.Ebx = threads
		e.Ecx = 1<<8 | e.Index
	case 1:
		// core level
		e.Eax = uint32(bits.Len32(uint32(spec.CPUCount) - 1))
		e.Ebx = uint32(spec.CPUCount)
		e.Ecx = 2<<8 | e.Index
	default:
		e.Eax, e.Ebx = 0, 0
		e.Ecx = e.Index
	}

	e.Edx = uint32(spec.CPUIndex)
}
