// Package machine owns the KVM virtual machine: its memory slots, in-kernel
// interrupt controllers, vCPUs and the buses guest accesses are routed to.
package machine

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/bobuhiro11/gomicrovm/cpuid"
	"github.com/bobuhiro11/gomicrovm/device"
	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/bobuhiro11/gomicrovm/logger"
	"github.com/bobuhiro11/gomicrovm/memory"
	"gvisor.dev/gvisor/pkg/eventfd"
)

var log = logger.WithSource("machine")

var (
	ErrVCPUCount     = errors.New("vcpu count out of range")
	ErrMemSize       = errors.New("guest memory too small")
	ErrNoIRQ         = errors.New("no interrupt line left for the device")
	ErrVCPUFatal     = errors.New("vcpu failed")
	ErrBadCPU        = errors.New("no such vcpu")
	ErrAlreadyBooted = errors.New("vcpus already started")
	ErrNoDirtyLog    = errors.New("dirty page tracking is disabled")
)

// MaxVCPUs is the largest vCPU count a guest can be given.
const MaxVCPUs = 32

// Config describes the guest hardware.
type Config struct {
	VCPUs           int
	MemSize         uint64
	SMT             bool
	CPUTemplate     cpuid.Template
	TrackDirtyPages bool
	HugePages       memory.HugePageConfig
}

// Machine is one KVM guest.
type Machine struct {
	cfg Config

	kvm  *os.File
	vm   *os.File
	vmFd uintptr

	mem   *memory.GuestMemory
	vcpus []*VCPU

	pio  *device.Bus
	mmio *device.Bus

	mu       sync.Mutex
	nextMMIO uint64
	nextIRQ  uint32
	cmdline  []string
	irqfds   []irqfd
	ioevents []ioevent

	events  chan VCPUEvent
	exitEvt eventfd.Eventfd
	wg      sync.WaitGroup
	started bool
}

type irqfd struct {
	fd  int
	gsi uint32
}

type ioevent struct {
	fd        int
	addr      uint64
	datamatch uint64
}

// New creates the VM and its vCPUs. When mem is nil, anonymous memory of
// cfg.MemSize bytes is allocated around the MMIO gap; otherwise mem is used
// as is (snapshot restore). The machine owns mem from here on.
func New(cfg Config, mem *memory.GuestMemory) (*Machine, error) {
	if cfg.VCPUs < 1 || cfg.VCPUs > MaxVCPUs {
		return nil, fmt.Errorf("%w: %d", ErrVCPUCount, cfg.VCPUs)
	}

	if mem == nil && cfg.MemSize < MinMemSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMemSize, cfg.MemSize)
	}

	m := &Machine{
		cfg:      cfg,
		pio:      device.NewBus("pio"),
		mmio:     device.NewBus("mmio"),
		nextMMIO: MMIOBase,
		nextIRQ:  IRQBase,
		events:   make(chan VCPUEvent, 4*cfg.VCPUs),
	}

	if err := m.init(mem); err != nil {
		if mem != nil && m.mem == nil {
			m.mem = mem
		}

		if cerr := m.Close(); cerr != nil {
			log.Warnf("close after failed init: %v", cerr)
		}

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(mem *memory.GuestMemory) error {
	devKVM, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf(`/dev/kvm: %w`, err)
	}

	m.kvm = devKVM
	kvmFd := devKVM.Fd()

	if v, err := kvm.GetAPIVersion(kvmFd); err != nil || v != kvm.APIVersion {
		return fmt.Errorf("%w: %d (%v)", kvm.ErrAPIVersion, v, err)
	}

	if err := kvm.CheckCapabilities(kvmFd, kvm.RequiredCapabilities); err != nil {
		return err
	}

	vmFd, err := kvm.CreateVM(kvmFd)
	if err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	m.vmFd = vmFd
	m.vm = os.NewFile(vmFd, "kvm-vm")

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := kvm.CreatePIT2(m.vmFd); err != nil {
		return fmt.Errorf("CreatePIT2: %w", err)
	}

	if mem == nil {
		if mem, err = memory.New(memory.ArchRanges(m.cfg.MemSize), m.cfg.HugePages); err != nil {
			return err
		}
	}

	m.mem = mem

	if err := m.mem.Register(m.vmFd, m.cfg.TrackDirtyPages); err != nil {
		return fmt.Errorf("register guest memory: %w", err)
	}

	if m.exitEvt, err = eventfd.Create(); err != nil {
		return err
	}

	return m.createVCPUs(kvmFd)
}

func (m *Machine) createVCPUs(kvmFd uintptr) error {
	mmapSize, err := kvm.GetVCPUMMmapSize(kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	supported := &kvm.CPUID{}
	if err := kvm.GetSupportedCPUID(kvmFd, supported); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	msrs, err := bootMSRs(kvmFd)
	if err != nil {
		return err
	}

	m.vcpus = make([]*VCPU, m.cfg.VCPUs)

	for i := range m.vcpus {
		v, err := newVCPU(m, i, int(mmapSize))
		if err != nil {
			return err
		}

		m.vcpus[i] = v

		ids := *supported
		if err := cpuid.Normalize(&ids, cpuid.VMSpec{
			CPUIndex: uint8(i),
			CPUCount: uint8(m.cfg.VCPUs),
			SMT:      m.cfg.SMT,
		}); err != nil {
			return err
		}

		if err := cpuid.ApplyTemplate(&ids, m.cfg.CPUTemplate); err != nil {
			return err
		}

		if err := kvm.SetCPUID2(v.fd, &ids); err != nil {
			return fmt.Errorf("SetCPUID2 cpu%d: %w", i, err)
		}

		if err := kvm.SetMSRs(v.fd, msrs); err != nil {
			return fmt.Errorf("SetMSRs cpu%d: %w", i, err)
		}

		if err := v.setupLAPIC(); err != nil {
			return err
		}
	}

	return nil
}

// bootMSRs are the MSR values Linux expects to find at its entry point,
// limited to what KVM knows about.
func bootMSRs(kvmFd uintptr) ([]kvm.MSREntry, error) {
	supported, err := kvm.GetMSRIndexList(kvmFd)
	if err != nil {
		return nil, fmt.Errorf("GetMSRIndexList: %w", err)
	}

	known := make(map[uint32]bool, len(supported))
	for _, idx := range supported {
		known[idx] = true
	}

	want := []kvm.MSREntry{
		{Index: msrIA32SysenterCS},
		{Index: msrIA32SysenterESP},
		{Index: msrIA32SysenterEIP},
		{Index: msrSTAR},
		{Index: msrCSTAR},
		{Index: msrKernelGSBase},
		{Index: msrSyscallMask},
		{Index: msrLSTAR},
		{Index: msrIA32TSC},
		{Index: msrIA32MiscEnable, Data: miscEnableFastString},
		{Index: msrIA32MTRRDefType, Data: mtrrEnable | mtrrMemTypeWB},
	}

	entries := want[:0]

	for _, e := range want {
		if known[e.Index] {
			entries = append(entries, e)
		}
	}

	return entries, nil
}

// VMFd is the KVM VM file descriptor.
func (m *Machine) VMFd() uintptr {
	return m.vmFd
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) Memory() *memory.GuestMemory {
	return m.mem
}

func (m *Machine) PIOBus() *device.Bus {
	return m.pio
}

func (m *Machine) MMIOBus() *device.Bus {
	return m.mmio
}

func (m *Machine) VCPUs() []*VCPU {
	return m.vcpus
}

// VCPU returns vCPU i.
func (m *Machine) VCPU(i int) (*VCPU, error) {
	if i < 0 || i >= len(m.vcpus) {
		return nil, fmt.Errorf("%w: %d", ErrBadCPU, i)
	}

	return m.vcpus[i], nil
}

// AddPIODevice puts dev on the port bus at [base, base+size).
func (m *Machine) AddPIODevice(dev device.Device, base, size uint64) error {
	return m.pio.Insert(dev, base, size)
}

// RegisterIRQFD makes every write to fd pulse gsi.
func (m *Machine) RegisterIRQFD(fd int, gsi uint32) error {
	if err := kvm.RegisterIRQFD(m.vmFd, fd, gsi); err != nil {
		return fmt.Errorf("KVM_IRQFD gsi %d: %w", gsi, err)
	}

	m.mu.Lock()
	m.irqfds = append(m.irqfds, irqfd{fd: fd, gsi: gsi})
	m.mu.Unlock()

	return nil
}

// MMIODevice is what AddMMIODevice needs to wire a virtio-mmio transport.
type MMIODevice interface {
	device.Device
	IRQFD() int
	QueueNotifyFDs() []int
}

// MMIOSlot is where a device was placed.
type MMIOSlot struct {
	Base uint64
	IRQ  uint32
}

// AddMMIODevice gives dev the next 4 KiB MMIO window and interrupt line,
// attaches its irqfd and one ioeventfd per queue on the notify register
// (datamatch is the queue index) and records the kernel command line entry
// announcing it.
func (m *Machine) AddMMIODevice(dev MMIODevice, notifyOffset uint64) (MMIOSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextIRQ > IRQMax {
		return MMIOSlot{}, ErrNoIRQ
	}

	slot := MMIOSlot{Base: m.nextMMIO, IRQ: m.nextIRQ}

	if err := m.mmio.Insert(dev, slot.Base, MMIOSize); err != nil {
		return MMIOSlot{}, err
	}

	if err := kvm.RegisterIRQFD(m.vmFd, dev.IRQFD(), slot.IRQ); err != nil {
		return MMIOSlot{}, fmt.Errorf("KVM_IRQFD gsi %d: %w", slot.IRQ, err)
	}

	m.irqfds = append(m.irqfds, irqfd{fd: dev.IRQFD(), gsi: slot.IRQ})

	for i, fd := range dev.QueueNotifyFDs() {
		ev := ioevent{fd: fd, addr: slot.Base + notifyOffset, datamatch: uint64(i)}
		if err := kvm.RegisterIOEventFD(m.vmFd, fd, ev.addr, 4, ev.datamatch, false); err != nil {
			return MMIOSlot{}, fmt.Errorf("KVM_IOEVENTFD %#x queue %d: %w", ev.addr, i, err)
		}

		m.ioevents = append(m.ioevents, ev)
	}

	m.cmdline = append(m.cmdline, fmt.Sprintf("virtio_mmio.device=4K@%#x:%d", slot.Base, slot.IRQ))
	m.nextMMIO += MMIOSize
	m.nextIRQ++

	return slot, nil
}

// DeviceCmdline is the kernel command line fragment for every MMIO device
// added so far.
func (m *Machine) DeviceCmdline() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return strings.Join(m.cmdline, " ")
}

// Events delivers vCPU exits, resets and failures.
func (m *Machine) Events() <-chan VCPUEvent {
	return m.events
}

// EventFD becomes readable whenever an event is posted on Events.
func (m *Machine) EventFD() eventfd.Eventfd {
	return m.exitEvt
}

func (m *Machine) post(ev VCPUEvent) {
	select {
	case m.events <- ev:
	default:
		log.Warnf("vcpu event queue full, dropping %v", ev)

		return
	}

	if err := m.exitEvt.Notify(); err != nil {
		log.Errorf("vcpu event notify: %v", err)
	}
}

// Start runs every vCPU in its own goroutine locked to an OS thread.
func (m *Machine) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyBooted
	}

	m.started = true

	for _, v := range m.vcpus {
		m.wg.Add(1)

		go func(v *VCPU) {
			defer m.wg.Done()
			v.loop()
		}(v)
	}

	return nil
}

// Pause parks every vCPU outside KVM_RUN and returns once all are parked.
func (m *Machine) Pause() {
	for _, v := range m.vcpus {
		v.requestPause()
	}

	for _, v := range m.vcpus {
		v.waitParked()
	}
}

// Resume lets paused vCPUs enter the guest again.
func (m *Machine) Resume() {
	for _, v := range m.vcpus {
		v.resume()
	}
}

// Exit stops every vCPU and waits for their goroutines.
func (m *Machine) Exit() {
	for _, v := range m.vcpus {
		if v != nil {
			v.exit()
		}
	}

	m.wg.Wait()
}

// Close stops the vCPUs and releases the VM, its vCPUs and guest memory.
func (m *Machine) Close() error {
	m.Exit()

	var errs []error

	for _, v := range m.vcpus {
		if v != nil {
			errs = append(errs, v.close())
		}
	}

	for _, ev := range m.ioevents {
		errs = append(errs, kvm.UnregisterIOEventFD(m.vmFd, ev.fd, ev.addr, 4, ev.datamatch))
	}

	for _, i := range m.irqfds {
		errs = append(errs, kvm.UnregisterIRQFD(m.vmFd, i.fd, i.gsi))
	}

	m.ioevents, m.irqfds = nil, nil

	if m.vm != nil {
		errs = append(errs, m.vm.Close())
		m.vm = nil
	}

	if m.kvm != nil {
		errs = append(errs, m.kvm.Close())
		m.kvm = nil
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
		m.mem = nil
	}

	if m.exitEvt.FD() > 0 {
		errs = append(errs, m.exitEvt.Close())
		m.exitEvt = eventfd.Eventfd{}
	}

	return errors.Join(errs...)
}
