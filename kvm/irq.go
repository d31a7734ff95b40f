package kvm

import "unsafe"

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

// IRQLine sets the level of an interrupt line on the in-kernel irqchip.
func IRQLine(vmFd uintptr, irq, level uint32) error {
	irqLev := irqLevel{
		IRQ:   irq,
		Level: level,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIRQLine, unsafe.Sizeof(irqLevel{})), uintptr(unsafe.Pointer(&irqLev)))

	return err
}

// CreateIRQChip creates the in-kernel PIC pair and IOAPIC and a local APIC
// for every vcpu created afterwards.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

// pitSpeakerDummy keeps the speaker port emulated in the kernel.
const pitSpeakerDummy = 1

// CreatePIT2 creates the in-kernel i8254.
func CreatePIT2(vmFd uintptr) error {
	pit := pitConfig{
		Flags: pitSpeakerDummy,
	}
	_, err := Ioctl(vmFd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pitConfig{})), uintptr(unsafe.Pointer(&pit)))

	return err
}

// IRQChip is one of the in-kernel interrupt controllers.
// ChipID 0 and 1 are the master and slave PIC, 2 is the IOAPIC.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// GetIRQChip reads the state of the chip selected by chip.ChipID.
func GetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}

// SetIRQChip restores the state of the chip selected by chip.ChipID.
func SetIRQChip(vmFd uintptr, chip *IRQChip) error {
	_, err := Ioctl(vmFd, IIOR(kvmSetIRQChip, unsafe.Sizeof(IRQChip{})), uintptr(unsafe.Pointer(chip)))

	return err
}

// PITState2 is the i8254 state.
type PITState2 struct {
	Channels [72]byte
	Flags    uint32
	_        [9]uint32
}

// GetPIT2 reads the PIT state.
func GetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOR(kvmGetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return err
}

// SetPIT2 restores the PIT state.
func SetPIT2(vmFd uintptr, pit *PITState2) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetPIT2, unsafe.Sizeof(PITState2{})), uintptr(unsafe.Pointer(pit)))

	return err
}

const irqfdFlagDeassign = 1 << 0

type irqfd struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]uint8
}

// RegisterIRQFD makes every write to the eventfd fd raise gsi in the guest.
func RegisterIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	req := irqfd{FD: uint32(fd), GSI: gsi}
	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(irqfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}

// UnregisterIRQFD detaches an eventfd previously given to RegisterIRQFD.
func UnregisterIRQFD(vmFd uintptr, fd int, gsi uint32) error {
	req := irqfd{FD: uint32(fd), GSI: gsi, Flags: irqfdFlagDeassign}
	_, err := Ioctl(vmFd, IIOW(kvmIRQFD, unsafe.Sizeof(irqfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}

const (
	ioeventfdFlagDatamatch = 1 << 0
	ioeventfdFlagPIO       = 1 << 1
	ioeventfdFlagDeassign  = 1 << 2
)

type ioeventfd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// RegisterIOEventFD signals fd when the guest writes datamatch to the
// length bytes at addr, without a userspace exit.
func RegisterIOEventFD(vmFd uintptr, fd int, addr uint64, length uint32, datamatch uint64, pio bool) error {
	req := ioeventfd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     ioeventfdFlagDatamatch,
	}

	if pio {
		req.Flags |= ioeventfdFlagPIO
	}

	_, err := Ioctl(vmFd, IIOW(kvmIOEventFD, unsafe.Sizeof(ioeventfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}

// UnregisterIOEventFD removes a registration made by RegisterIOEventFD.
func UnregisterIOEventFD(vmFd uintptr, fd int, addr uint64, length uint32, datamatch uint64) error {
	req := ioeventfd{
		Datamatch: datamatch,
		Addr:      addr,
		Len:       length,
		FD:        int32(fd),
		Flags:     ioeventfdFlagDatamatch | ioeventfdFlagDeassign,
	}

	_, err := Ioctl(vmFd, IIOW(kvmIOEventFD, unsafe.Sizeof(ioeventfd{})), uintptr(unsafe.Pointer(&req)))

	return err
}
