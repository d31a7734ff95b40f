// Package ebda builds the Intel MultiProcessor table placed in the Extended
// BIOS Data Area so the guest can enumerate its vCPUs and the IOAPIC.
package ebda

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// Start is the guest physical address of the table.
	Start = 0x9fc00

	// MaxSize is what fits below the VGA hole.
	MaxSize = 0xa0000 - Start

	MaxCPUs = 254

	// IOAPICPins is the number of interrupt source entries written.
	IOAPICPins = 24

	APICDefaultPhysBase   = 0xfee00000
	IOAPICDefaultPhysBase = 0xfec00000

	apicVersion    = 0x14
	cpuStepping    = 0x600
	cpuFeatureAPIC = 0x200
	cpuFeatureFPU  = 0x001
)

// Entry types.
const (
	mpProcessor = 0
	mpBus       = 1
	mpIOAPIC    = 2
	mpIntSrc    = 3
	mpLintSrc   = 4
)

// Interrupt types.
const (
	mpINT    = 0
	mpNMI    = 1
	mpExtINT = 3
)

const (
	cpuEnabled        = 1
	cpuBootProcessor  = 2
	mpcAPICUsable     = 1
	mpIRQDirDefault   = 0
	mpcSpecification  = 4
	mpfSpecification  = 4
	mpfLengthInBlocks = 1
)

var (
	ErrTooManyCPUs = errors.New("number of vCPUs exceeds the MP table limit")
	ErrNoCPUs      = errors.New("MP table needs at least one vCPU")
)

// Intel MP Floating Pointer Structure
// ported from https://github.com/torvalds/linux/blob/5bfc75d92/arch/x86/include/asm/mpspec_def.h#L22-L33
type MPFIntel struct {
	Signature     uint32
	PhysPtr       uint32
	Length        uint8
	Specification uint8
	CheckSum      uint8
	Feature1      uint8
	Feature2      uint8
	Feature3      uint8
	Feature4      uint8
	Feature5      uint8
}

func NewMPFIntel(physPtr uint32) (*MPFIntel, error) {
	m := &MPFIntel{}
	m.Signature = (('_' << 24) | ('P' << 16) | ('M' << 8) | '_')
	m.PhysPtr = physPtr
	m.Length = mpfLengthInBlocks
	m.Specification = mpfSpecification

	var err error

	m.CheckSum, err = m.CalcCheckSum()
	if err != nil {
		return m, err
	}

	m.CheckSum ^= uint8(0xff)
	m.CheckSum++

	return m, nil
}

func (m *MPFIntel) CalcCheckSum() (uint8, error) {
	b, err := m.Bytes()
	if err != nil {
		return 0, err
	}

	return checksum(b), nil
}

func (m *MPFIntel) Bytes() ([]byte, error) {
	return encode(m)
}

// MPCTable is the configuration table header (struct mpc_table).
type MPCTable struct {
	Signature [4]byte
	Length    uint16
	Spec      uint8
	CheckSum  uint8
	OEM       [8]byte
	ProductID [12]byte
	OEMPtr    uint32
	OEMSize   uint16
	OEMCount  uint16
	LAPIC     uint32
	Reserved  uint32
}

type mpcCPU struct {
	Type        uint8
	APICID      uint8
	APICVer     uint8
	CPUFlag     uint8
	CPUFeature  uint32
	FeatureFlag uint32
	Reserved    [2]uint32
}

type mpcBus struct {
	Type    uint8
	BusID   uint8
	BusType [6]byte
}

type mpcIOAPIC struct {
	Type     uint8
	APICID   uint8
	APICVer  uint8
	Flags    uint8
	APICAddr uint32
}

type mpcIntSrc struct {
	Type      uint8
	IRQType   uint8
	IRQFlag   uint16
	SrcBus    uint8
	SrcBusIRQ uint8
	DstAPIC   uint8
	DstIRQ    uint8
}

type mpcLintSrc struct {
	Type         uint8
	IRQType      uint8
	IRQFlag      uint16
	SrcBusID     uint8
	SrcBusIRQ    uint8
	DestAPIC     uint8
	DestAPICLint uint8
}

// EBDA holds the floating pointer followed by the configuration table.
type EBDA struct {
	mpfIntel MPFIntel
	table    MPCTable
	entries  []byte
}

// New builds the MP table for ncpus processors, an ISA bus and one IOAPIC.
func New(ncpus int) (*EBDA, error) {
	if ncpus < 1 {
		return nil, ErrNoCPUs
	}

	if ncpus > MaxCPUs {
		return nil, fmt.Errorf("%w: %d", ErrTooManyCPUs, ncpus)
	}

	e := &EBDA{}
	ioapicID := uint8(ncpus + 1)

	var entries []interface{}

	for i := 0; i < ncpus; i++ {
		flags := uint8(cpuEnabled)
		if i == 0 {
			flags |= cpuBootProcessor
		}

		entries = append(entries, &mpcCPU{
			Type:        mpProcessor,
			APICID:      uint8(i),
			APICVer:     apicVersion,
			CPUFlag:     flags,
			CPUFeature:  cpuStepping,
			FeatureFlag: cpuFeatureAPIC | cpuFeatureFPU,
		})
	}

	entries = append(entries,
		&mpcBus{Type: mpBus, BusType: [6]byte{'I', 'S', 'A', ' ', ' ', ' '}},
		&mpcIOAPIC{
			Type:     mpIOAPIC,
			APICID:   ioapicID,
			APICVer:  apicVersion,
			Flags:    mpcAPICUsable,
			APICAddr: IOAPICDefaultPhysBase,
		},
	)

	for i := 0; i < IOAPICPins; i++ {
		entries = append(entries, &mpcIntSrc{
			Type:      mpIntSrc,
			IRQType:   mpINT,
			IRQFlag:   mpIRQDirDefault,
			SrcBusIRQ: uint8(i),
			DstAPIC:   ioapicID,
			DstIRQ:    uint8(i),
		})
	}

	// LINT0 is ExtINT on the BSP, LINT1 is NMI on every local APIC.
	entries = append(entries,
		&mpcLintSrc{Type: mpLintSrc, IRQType: mpExtINT},
		&mpcLintSrc{Type: mpLintSrc, IRQType: mpNMI, DestAPIC: 0xff, DestAPICLint: 1},
	)

	buf := new(bytes.Buffer)
	for _, entry := range entries {
		if err := binary.Write(buf, binary.LittleEndian, entry); err != nil {
			return nil, err
		}
	}

	e.entries = buf.Bytes()

	mpfSize := uint32(binary.Size(e.mpfIntel))
	tableSize := binary.Size(e.table)

	e.table = MPCTable{
		Signature: [4]byte{'P', 'C', 'M', 'P'},
		Length:    uint16(tableSize + len(e.entries)),
		Spec:      mpcSpecification,
		OEM:       [8]byte{'G', 'O', 'M', 'V', 'M', ' ', ' ', ' '},
		ProductID: [12]byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'},
		LAPIC:     APICDefaultPhysBase,
	}

	header, err := encode(&e.table)
	if err != nil {
		return nil, err
	}

	e.table.CheckSum = -(checksum(header) + checksum(e.entries))

	mpf, err := NewMPFIntel(Start + mpfSize)
	if err != nil {
		return nil, err
	}

	e.mpfIntel = *mpf

	return e, nil
}

// Table returns the configuration table header.
func (e *EBDA) Table() MPCTable {
	return e.table
}

// Bytes returns the image to copy at Start.
func (e *EBDA) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, &e.mpfIntel); err != nil {
		return []byte{}, err
	}

	if err := binary.Write(buf, binary.LittleEndian, &e.table); err != nil {
		return []byte{}, err
	}

	buf.Write(e.entries)

	if buf.Len() > MaxSize {
		return []byte{}, fmt.Errorf("%w: table is %d bytes", ErrTooManyCPUs, buf.Len())
	}

	return buf.Bytes(), nil
}

func encode(v interface{}) ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}

func checksum(b []byte) uint8 {
	tmp := uint32(0)
	for _, v := range b {
		tmp += uint32(v)
	}

	return uint8(tmp & 0xff)
}
