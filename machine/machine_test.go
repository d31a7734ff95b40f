package machine_test

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/bobuhiro11/gomicrovm/machine"
	"gvisor.dev/gvisor/pkg/eventfd"
)

const (
	testEntry = 0x1000000
	testPort  = 0x3f0
)

// testCode writes 123 to port 0x3f0 and spins:
//
//	mov $0x3f0, %dx
//	mov $123, %al
//	out %al, (%dx)
//	jmp .
var testCode = []byte{0x66, 0xba, 0xf0, 0x03, 0xb0, 0x7b, 0xee, 0xeb, 0xfe}

// writeELF writes a minimal x86_64 executable with one PT_LOAD segment
// holding code at paddr.
func writeELF(t *testing.T, code []byte, paddr uint64) string {
	t.Helper()

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     paddr,
		Phoff:     64,
		Ehsize:    64,
		Phentsize: 56,
		Phnum:     1,
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	prog := elf.Prog64{
		Type:   uint32(elf.PT_LOAD),
		Flags:  uint32(elf.PF_R | elf.PF_X),
		Off:    64 + 56,
		Vaddr:  paddr,
		Paddr:  paddr,
		Filesz: uint64(len(code)),
		Memsz:  uint64(len(code)),
		Align:  0x1000,
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}

	if err := binary.Write(&buf, binary.LittleEndian, prog); err != nil {
		t.Fatal(err)
	}

	buf.Write(code)

	path := filepath.Join(t.TempDir(), "vmlinux")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	return path
}

// newMachine skips the test when KVM is not usable.
func newMachine(t *testing.T, cfg machine.Config) *machine.Machine {
	t.Helper()

	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skipf("/dev/kvm: %v", err)
	}

	m, err := machine.New(cfg, nil)
	if errors.Is(err, os.ErrPermission) {
		t.Skipf("/dev/kvm: %v", err)
	}

	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	return m
}

type portProbe struct {
	ch chan byte
}

func (p *portProbe) Read(_ uint64, data []byte) error {
	clear(data)

	return nil
}

func (p *portProbe) Write(_ uint64, data []byte) error {
	select {
	case p.ch <- data[0]:
	default:
	}

	return nil
}

func TestNewRejectsConfig(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, machine.MaxVCPUs + 1} {
		if _, err := machine.New(machine.Config{VCPUs: n, MemSize: 128 << 20}, nil); !errors.Is(err, machine.ErrVCPUCount) {
			t.Fatalf("expected: %v, actual: %v", machine.ErrVCPUCount, err)
		}
	}

	if _, err := machine.New(machine.Config{VCPUs: 1, MemSize: 1 << 20}, nil); !errors.Is(err, machine.ErrMemSize) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrMemSize, err)
	}
}

func TestGDTEntry(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name       string
		flag       uint16
		base       uint32
		limit      uint32
		expEntry   uint64
		tableIndex uint8
		expSeg     kvm.Segment
	}{
		{
			name:     "Zero Entry",
			expEntry: 0,
			expSeg:   kvm.Segment{Unusable: 1},
		},
		{
			name:       "Code Segment Entry",
			flag:       0xc09b,
			limit:      0xffffffff,
			expEntry:   0xcf9b000000ffff,
			tableIndex: 1,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x8,
				Typ:      0xB,
				Present:  0x1,
				DB:       0x1,
				S:        0x1,
				G:        0x1,
			},
		},
		{
			name:       "Data Segment Entry",
			flag:       0xc093,
			limit:      0xffffffff,
			expEntry:   0xcf93000000ffff,
			tableIndex: 2,
			expSeg: kvm.Segment{
				Limit:    0xffffffff,
				Selector: 0x10,
				Typ:      0x3,
				Present:  0x1,
				DB:       0x1,
				S:        0x1,
				G:        0x1,
			},
		},
		{
			name:       "TSS Segment Entry",
			flag:       0x008b,
			limit:      0x67,
			expEntry:   0x8b0000000067,
			tableIndex: 3,
			expSeg: kvm.Segment{
				Limit:    0x67,
				Selector: 0x18,
				Typ:      0xB,
				Present:  0x1,
			},
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if res := machine.GDTEntry(tt.flag, tt.base, tt.limit); res != tt.expEntry {
				t.Fatalf("expected: %#x, actual: %#x", tt.expEntry, res)
			}

			if seg := machine.SegmentFromGDT(tt.expEntry, tt.tableIndex); seg != tt.expSeg {
				t.Fatalf("expected: %+v, actual: %+v", tt.expSeg, seg)
			}
		})
	}
}

func TestBootELF(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, machine.Config{VCPUs: 2, MemSize: 64 << 20})

	probe := &portProbe{ch: make(chan byte, 4)}
	if err := m.AddPIODevice(probe, testPort, 1); err != nil {
		t.Fatal(err)
	}

	kind, err := m.LoadKernel(machine.Boot{
		KernelPath: writeELF(t, testCode, testEntry),
		Cmdline:    "console=ttyS0 reboot=k panic=1",
	})
	if err != nil {
		t.Fatalf("LoadKernel: %v", err)
	}

	if kind != machine.KernelELF {
		t.Fatalf("expected: %v, actual: %v", machine.KernelELF, kind)
	}

	cmdline := make([]byte, 32)
	if _, err := m.Memory().ReadAt(cmdline, 0x20000); err != nil {
		t.Fatal(err)
	}

	if !bytes.HasPrefix(cmdline, []byte("console=ttyS0 reboot=k panic=1\x00")) {
		t.Fatalf("unexpected command line in guest memory: %q", cmdline)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); !errors.Is(err, machine.ErrAlreadyBooted) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrAlreadyBooted, err)
	}

	select {
	case v := <-probe.ch:
		if v != 123 {
			t.Fatalf("expected: 123, actual: %d", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("guest never wrote to the probe port")
	}

	m.Pause()

	for _, v := range m.VCPUs() {
		if s := v.State(); s != machine.VCPUPaused {
			t.Fatalf("cpu%d: expected: %v, actual: %v", v.Index, machine.VCPUPaused, s)
		}
	}

	m.Resume()

	for _, v := range m.VCPUs() {
		if s := v.State(); s != machine.VCPURunning {
			t.Fatalf("cpu%d: expected: %v, actual: %v", v.Index, machine.VCPURunning, s)
		}
	}

	m.Exit()

	for _, v := range m.VCPUs() {
		if s := v.State(); s != machine.VCPUExited {
			t.Fatalf("cpu%d: expected: %v, actual: %v", v.Index, machine.VCPUExited, s)
		}
	}

	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected vcpu event %+v", ev)
	default:
	}
}

// TestGuestShutdown runs a guest that triple faults: ud2 with an IDT too
// short to hold any handler.
func TestGuestShutdown(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, machine.Config{VCPUs: 1, MemSize: 64 << 20})

	// ud2
	if _, err := m.LoadKernel(machine.Boot{KernelPath: writeELF(t, []byte{0x0f, 0x0b}, testEntry)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-m.Events():
		if ev.Kind != machine.EventExited || ev.Index != 0 {
			t.Fatalf("expected: cpu0 %v, actual: %+v", machine.EventExited, ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no shutdown event")
	}

	if n, err := m.EventFD().Read(); err != nil || n == 0 {
		t.Fatalf("event fd: got (%d, %v)", n, err)
	}
}

func TestLoadKernelErrors(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, machine.Config{VCPUs: 1, MemSize: 64 << 20})

	_, err := m.LoadKernel(machine.Boot{
		KernelPath: writeELF(t, testCode, testEntry),
		Cmdline:    strings.Repeat("a", machine.CmdlineMaxSize),
	})
	if !errors.Is(err, machine.ErrCmdlineTooLong) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrCmdlineTooLong, err)
	}

	// Below 1 MiB is where the boot structures live.
	if _, err := m.LoadKernel(machine.Boot{KernelPath: writeELF(t, testCode, 0x1000)}); !errors.Is(err, machine.ErrKernelLoad) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrKernelLoad, err)
	}

	// Past the end of guest memory.
	if _, err := m.LoadKernel(machine.Boot{KernelPath: writeELF(t, testCode, 1<<30)}); !errors.Is(err, machine.ErrKernelLoad) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrKernelLoad, err)
	}

	junk := filepath.Join(t.TempDir(), "junk")
	if err := os.WriteFile(junk, bytes.Repeat([]byte{0x90}, 4096), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := m.LoadKernel(machine.Boot{KernelPath: junk}); !errors.Is(err, machine.ErrKernelFormat) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrKernelFormat, err)
	}

	initrd := filepath.Join(t.TempDir(), "initrd")
	if err := os.WriteFile(initrd, make([]byte, 65<<20), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err = m.LoadKernel(machine.Boot{KernelPath: writeELF(t, testCode, testEntry), InitrdPath: initrd})
	if !errors.Is(err, machine.ErrInitrdLoad) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrInitrdLoad, err)
	}
}

type testMMIODevice struct {
	irq    eventfd.Eventfd
	queues []eventfd.Eventfd
}

func (d *testMMIODevice) Read(_ uint64, data []byte) error { clear(data); return nil }
func (d *testMMIODevice) Write(uint64, []byte) error       { return nil }
func (d *testMMIODevice) IRQFD() int                       { return d.irq.FD() }

func (d *testMMIODevice) QueueNotifyFDs() []int {
	fds := make([]int, 0, len(d.queues))
	for _, q := range d.queues {
		fds = append(fds, q.FD())
	}

	return fds
}

func newTestMMIODevice(t *testing.T, queues int) *testMMIODevice {
	t.Helper()

	d := &testMMIODevice{}

	var err error
	if d.irq, err = eventfd.Create(); err != nil {
		t.Fatal(err)
	}

	for range queues {
		q, err := eventfd.Create()
		if err != nil {
			t.Fatal(err)
		}

		d.queues = append(d.queues, q)
	}

	return d
}

func TestAddMMIODevice(t *testing.T) { // nolint:paralleltest
	var devs []*testMMIODevice

	newDev := func(queues int) *testMMIODevice {
		d := newTestMMIODevice(t, queues)
		devs = append(devs, d)

		return d
	}

	// Registered before the machine so it runs after Close has unregistered
	// the irqfds and ioeventfds.
	t.Cleanup(func() {
		for _, d := range devs {
			d.irq.Close()

			for _, q := range d.queues {
				q.Close()
			}
		}
	})

	m := newMachine(t, machine.Config{VCPUs: 1, MemSize: 64 << 20})

	for i := range 2 {
		slot, err := m.AddMMIODevice(newDev(i+1), 0x50)
		if err != nil {
			t.Fatalf("AddMMIODevice: %v", err)
		}

		want := machine.MMIOSlot{Base: machine.MMIOBase + uint64(i)*machine.MMIOSize, IRQ: uint32(machine.IRQBase + i)}
		if slot != want {
			t.Fatalf("expected: %+v, actual: %+v", want, slot)
		}
	}

	if got, want := m.DeviceCmdline(), "virtio_mmio.device=4K@0xd0000000:5 virtio_mmio.device=4K@0xd0001000:6"; got != want {
		t.Fatalf("expected: %q, actual: %q", want, got)
	}

	if _, _, err := m.MMIOBus().Resolve(machine.MMIOBase + machine.MMIOSize + 0x10); err != nil {
		t.Fatalf("second window not on the bus: %v", err)
	}

	for i := machine.IRQBase + 2; i <= machine.IRQMax; i++ {
		if _, err := m.AddMMIODevice(newDev(0), 0x50); err != nil {
			t.Fatalf("AddMMIODevice irq %d: %v", i, err)
		}
	}

	if _, err := m.AddMMIODevice(newDev(0), 0x50); !errors.Is(err, machine.ErrNoIRQ) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrNoIRQ, err)
	}
}

func TestSaveRestoreState(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, machine.Config{VCPUs: 2, MemSize: 64 << 20})

	if _, err := m.LoadKernel(machine.Boot{KernelPath: writeELF(t, testCode, testEntry)}); err != nil {
		t.Fatal(err)
	}

	cpus, err := m.SaveCPUStates()
	if err != nil {
		t.Fatalf("SaveCPUStates: %v", err)
	}

	vm, err := m.SaveVMState()
	if err != nil {
		t.Fatalf("SaveVMState: %v", err)
	}

	if len(cpus) != 2 || len(cpus[0].MSRs) == 0 {
		t.Fatalf("unexpected vcpu states: %d vcpus", len(cpus))
	}

	restored := newMachine(t, machine.Config{VCPUs: 2, MemSize: 64 << 20})

	if err := restored.RestoreVMState(vm); err != nil {
		t.Fatalf("RestoreVMState: %v", err)
	}

	if err := restored.RestoreCPUStates(cpus); err != nil {
		t.Fatalf("RestoreCPUStates: %v", err)
	}

	r, err := restored.GetRegs(1)
	if err != nil {
		t.Fatal(err)
	}

	if r.RIP != testEntry {
		t.Fatalf("expected: %#x, actual: %#x", testEntry, r.RIP)
	}

	if err := restored.RestoreCPUStates(cpus[:1]); !errors.Is(err, machine.ErrVCPUCount) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrVCPUCount, err)
	}

	if _, err := restored.DirtyBitmaps(); !errors.Is(err, machine.ErrNoDirtyLog) {
		t.Fatalf("expected: %v, actual: %v", machine.ErrNoDirtyLog, err)
	}
}

func TestDirtyBitmaps(t *testing.T) { // nolint:paralleltest
	m := newMachine(t, machine.Config{VCPUs: 1, MemSize: 64 << 20, TrackDirtyPages: true})

	if _, err := m.LoadKernel(machine.Boot{KernelPath: writeELF(t, testCode, testEntry)}); err != nil {
		t.Fatal(err)
	}

	if err := m.Start(); err != nil {
		t.Fatal(err)
	}

	// Let the guest run into its loop; it writes nothing itself, so only the
	// pages KVM touches on its behalf (if any) may be dirty.
	time.Sleep(50 * time.Millisecond)
	m.Pause()

	maps, err := m.DirtyBitmaps()
	if err != nil {
		t.Fatalf("DirtyBitmaps: %v", err)
	}

	if len(maps) != len(m.Memory().Ranges()) {
		t.Fatalf("expected: %d bitmaps, actual: %d", len(m.Memory().Ranges()), len(maps))
	}

	if want := (64 << 20) / 4096 / 64; len(maps[0]) != want {
		t.Fatalf("expected: %d words, actual: %d", want, len(maps[0]))
	}
}
