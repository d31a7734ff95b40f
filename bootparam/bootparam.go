// Package bootparam builds the Linux zero page (struct boot_params).
package bootparam

import (
	"bytes"
	"encoding/binary"
	"errors"

	"github.com/bobuhiro11/gomicrovm/bootproto"
)

// Legacy low memory layout, see kvmtool x86/include/kvm/bios.h.
const (
	RealModeIvtBegin = 0x00000000
	EBDAStart        = 0x0009fc00
	VGARAMBegin      = 0x000a0000
	MBBIOSBegin      = 0x000f0000
	MBBIOSEnd        = 0x00100000
)

// E820 entry types.
const (
	E820Ram      = 1
	E820Reserved = 2
)

// Load flags, re-exported for callers filling Hdr.
const (
	LoadedHigh   = bootproto.LoadedHigh
	KeepSegments = bootproto.KeepSegments
	CanUseHeap   = bootproto.CanUseHeap
)

const (
	// Size is the size of the zero page.
	Size = 0x1000

	// E820MaxEntries is the capacity of the e820 table in the zero page.
	E820MaxEntries = 128

	hdrSize = 0x7b
)

var ErrE820Full = errors.New("e820 table is full")

type E820Entry struct {
	Addr uint64
	Size uint64
	Type uint32
}

// BootParam mirrors struct boot_params from arch/x86/include/uapi/asm/bootparam.h.
type BootParam struct {
	Padding             [0x1e8]uint8
	E820Entries         uint8
	EDDBufEntries       uint8
	EDDMBRSigBufEntries uint8
	KbdStatus           uint8
	_                   [5]uint8
	Hdr                 bootproto.BootProto
	_                   [0x2d0 - 0x1f1 - hdrSize]uint8
	E820Map             [E820MaxEntries]E820Entry
	_                   [Size - 0x2d0 - E820MaxEntries*20]uint8
}

// New reads the setup header of the bzImage at path.
func New(bzImagePath string) (*BootParam, error) {
	hdr, err := bootproto.New(bzImagePath)
	if err != nil {
		return nil, err
	}

	return FromHeader(hdr), nil
}

// FromHeader returns a zero page carrying a copy of hdr.
func FromHeader(hdr *bootproto.BootProto) *BootParam {
	b := &BootParam{}
	if hdr != nil {
		b.Hdr = *hdr
	}

	return b
}

// AddE820Entry appends one region to the e820 map.
func (b *BootParam) AddE820Entry(addr, size uint64, typ uint32) error {
	if int(b.E820Entries) >= E820MaxEntries {
		return ErrE820Full
	}

	b.E820Map[b.E820Entries] = E820Entry{
		Addr: addr,
		Size: size,
		Type: typ,
	}
	b.E820Entries++

	return nil
}

// E820 returns the populated part of the e820 map.
func (b *BootParam) E820() []E820Entry {
	return b.E820Map[:b.E820Entries]
}

func (b *BootParam) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
