package cpuid

import (
	"errors"
	"fmt"

	"github.com/bobuhiro11/gomicrovm/kvm"
)

// Template names a CPU feature baseline exposed to the guest.
type Template string

const (
	TemplateNone Template = "None"
	TemplateC3   Template = "C3"
	TemplateT2   Template = "T2"
	TemplateT2S  Template = "T2S"
	TemplateT2CL Template = "T2CL"
)

var (
	ErrUnknownTemplate = errors.New("unknown cpu template")
	ErrTemplateVendor  = errors.New("cpu template does not match the host vendor")
)

// Templates lists every accepted template name.
var Templates = []Template{TemplateNone, TemplateC3, TemplateT2, TemplateT2S, TemplateT2CL}

// ParseTemplate accepts a template name; the empty string means None.
func ParseTemplate(s string) (Template, error) {
	if s == "" {
		return TemplateNone, nil
	}

	for _, t := range Templates {
		if string(t) == s {
			return t, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, s)
}

// leaf 1 EAX fields: stepping, model, family, type, extended model and family.
const signatureMask = 0x0fff3fff

// signature replaces the leaf 1 EAX model fields. Apply refuses a patch that
// sets bits it also clears, so the clear and the set are two patches.
func signature(extModel, family, model, stepping uint32) []Patch {
	return []Patch{
		{Function: 1, Reg: EAX, Clear: signatureMask},
		{Function: 1, Reg: EAX, Set: extModel<<16 | family<<8 | model<<4 | stepping},
	}
}

func commonIntelPatches() []Patch {
	return []Patch{
		{Function: 1, Reg: ECX, Clear: Mask(DTES64, MWAIT, DSCPL, TM2, CID, SDBG, XTPR, PDCM, OSXSAVE)},
		{Function: 1, Reg: EDX, Clear: Mask(PN, DS, ACPI, SELFSNOOP, ACC, PBE)},
		{Function: 7, Index: 0, Reg: EBX, Clear: Mask(
			SGX, HLE, FDP_EXCP, RTM, CQM, RDT_A, AVX512F, AVX512DQ, RDSEED, ADX,
			INTEL_PT, AVX512CD, SHA_NI, AVX512BW, AVX512VL)},
		{Function: 7, Index: 0, Reg: ECX, Clear: Mask(AVX512VBMI, PKU, OSPKE, AVX512_VNNI, LA57, RDPID, SGX_LC)},
		{Function: 7, Index: 0, Reg: EDX, Clear: Mask(
			AVX512_4VNNIW, AVX512_4FMAPS, FSRM, AVX512_VP2INTERSECT, SERIALIZE,
			TSXLDTRK, PCONFIG, ARCH_LBR, IBT, AMX_BF16, AVX512_FP16, AMX_TILE, AMX_INT8)},
		{Function: 0x80000001, Reg: ECX, Clear: Mask(PREFETCHW)},
		{Function: 0x80000001, Reg: EDX, Clear: Mask(PDPE1GB)},
	}
}

// Patches returns the register edits for t. None has none.
func (t Template) Patches() []Patch {
	switch t {
	case TemplateC3:
		// Xeon E5-2680 v2 (Ivy Bridge)
		return append(append(commonIntelPatches(), signature(3, 6, 14, 4)...),
			Patch{Function: 1, Reg: ECX, Clear: Mask(FMA, MOVBE)},
			Patch{Function: 7, Index: 0, Reg: EBX, Clear: Mask(BMI1, AVX2, BMI2, INVPCID)},
			Patch{Function: 0x80000001, Reg: ECX, Clear: Mask(ABM)},
		)
	case TemplateT2:
		// Xeon E5-2666 v3 (Haswell)
		return append(append(commonIntelPatches(), signature(3, 6, 15, 2)...),
			Patch{Function: 7, Index: 0, Reg: EDX, Clear: Mask(ARCH_CAPABILITIES)},
		)
	case TemplateT2S:
		return append(TemplateT2.Patches(),
			Patch{Function: 7, Index: 0, Reg: EDX, Set: Mask(ARCH_CAPABILITIES)},
		)
	case TemplateT2CL:
		// host model kept, Cascade Lake feature set
		return commonIntelPatches()
	default:
		return nil
	}
}

// Vendor is the host vendor the template is defined for.
func (t Template) Vendor() string {
	if t == TemplateNone || t == "" {
		return ""
	}

	return VendorIntel
}

// ApplyTemplate masks ids with t after checking the host vendor.
func ApplyTemplate(ids *kvm.CPUID, t Template) error {
	if v := t.Vendor(); v != "" && Vendor(ids) != v {
		return fmt.Errorf("%w: %s needs %s, host is %q", ErrTemplateVendor, t, v, Vendor(ids))
	}

	return Apply(ids, t.Patches())
}
