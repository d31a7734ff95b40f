// Package bootproto decodes the real-mode setup header of a bzImage.
package bootproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	// MagicSignature is "HdrS" read as a little-endian word.
	MagicSignature = 0x53726448

	// HeaderOffset is where the setup header starts in the image and in the
	// zero page.
	HeaderOffset = 0x01f1

	// DefaultSetupSects is used when setup_sects is zero.
	DefaultSetupSects = 4

	sectorSize = 512
)

// Load flags.
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// https://www.kernel.org/doc/html/latest/x86/boot.html
type BootProto struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Header              uint32
	Version             uint16
	ReadModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

var (
	ErrSignatureNotMatch = errors.New("signature not match in bzImage")
	ErrImageTooShort     = errors.New("bzImage is too short")
)

func New(bzImagePath string) (*BootProto, error) {
	bzImage, err := os.ReadFile(bzImagePath)
	if err != nil {
		return nil, err
	}

	return Parse(bzImage)
}

// Parse decodes the setup header of an in-memory bzImage.
func Parse(bzImage []byte) (*BootProto, error) {
	b := &BootProto{}

	if len(bzImage) < HeaderOffset+binary.Size(b) {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooShort, len(bzImage))
	}

	reader := bytes.NewReader(bzImage[HeaderOffset:])
	if err := binary.Read(reader, binary.LittleEndian, b); err != nil {
		return nil, err
	}

	if b.Header != MagicSignature {
		return nil, ErrSignatureNotMatch
	}

	return b, nil
}

// KernelOffset is where the protected-mode kernel starts in the image.
func (b *BootProto) KernelOffset() int {
	sects := int(b.SetupSects)
	if sects == 0 {
		sects = DefaultSetupSects
	}

	return (sects + 1) * sectorSize
}

// NOTE: base address for boot protocol is 0x01F1 in guest physical memory.
func (b *BootProto) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, b); err != nil {
		return []byte{}, err
	}

	return buf.Bytes(), nil
}
