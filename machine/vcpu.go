package machine

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/gomicrovm/device"
	"github.com/bobuhiro11/gomicrovm/kvm"
	"github.com/bobuhiro11/gomicrovm/metrics"
	"golang.org/x/sys/unix"
)

// VCPUState is the lifecycle of a vCPU thread.
type VCPUState int32

const (
	VCPUIdle VCPUState = iota
	VCPURunning
	VCPUPaused
	VCPUExited
)

func (s VCPUState) String() string {
	switch s {
	case VCPUIdle:
		return "Idle"
	case VCPURunning:
		return "Running"
	case VCPUPaused:
		return "Paused"
	case VCPUExited:
		return "Exited"
	}

	return fmt.Sprintf("VCPUState(%d)", int32(s))
}

// EventKind says why a vCPU stopped.
type EventKind int

const (
	// EventExited is a guest shutdown: triple fault or a shutdown system event.
	EventExited EventKind = iota
	// EventReset is a guest reboot request.
	EventReset
	// EventFatal is an exit the VMM cannot handle.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventExited:
		return "Exited"
	case EventReset:
		return "Reset"
	case EventFatal:
		return "Fatal"
	}

	return fmt.Sprintf("EventKind(%d)", int(k))
}

// VCPUEvent is posted by a vCPU that stopped on its own.
type VCPUEvent struct {
	Index int
	Kind  EventKind
	Err   error
}

// VCPU is one virtual CPU and the goroutine driving KVM_RUN for it.
type VCPU struct {
	Index int

	m      *Machine
	fd     uintptr
	file   *os.File
	runMap []byte
	run    *kvm.RunData

	mu     sync.Mutex
	cond   *sync.Cond
	state  VCPUState
	parked bool
	tid    int
}

func newVCPU(m *Machine, index, mmapSize int) (*VCPU, error) {
	fd, err := kvm.CreateVCPU(m.vmFd, index)
	if err != nil {
		return nil, fmt.Errorf("CreateVCPU %d: %w", index, err)
	}

	file := os.NewFile(fd, fmt.Sprintf("kvm-vcpu:%d", index))

	// init kvm_run structure
	r, err := unix.Mmap(int(fd), 0, mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()

		return nil, fmt.Errorf("mmap kvm_run %d: %w", index, err)
	}

	v := &VCPU{
		Index:  index,
		m:      m,
		fd:     fd,
		file:   file,
		runMap: r,
		run:    (*kvm.RunData)(unsafe.Pointer(&r[0])),
	}
	v.cond = sync.NewCond(&v.mu)

	return v, nil
}

// setupLAPIC routes LINT0 to ExtINT (the PIC) and LINT1 to NMI, which is
// what the MP table announces.
func (v *VCPU) setupLAPIC() error {
	lapic := &kvm.LAPICState{}
	if err := kvm.GetLocalAPIC(v.fd, lapic); err != nil {
		return fmt.Errorf("GetLocalAPIC cpu%d: %w", v.Index, err)
	}

	lapic.SetLVT(kvm.APICRegLVT0, kvm.APICModeExtINT)
	lapic.SetLVT(kvm.APICRegLVT1, kvm.APICModeNMI)

	if err := kvm.SetLocalAPIC(v.fd, lapic); err != nil {
		return fmt.Errorf("SetLocalAPIC cpu%d: %w", v.Index, err)
	}

	return nil
}

// FD is the KVM vCPU file descriptor.
func (v *VCPU) FD() uintptr {
	return v.fd
}

func (v *VCPU) State() VCPUState {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

func (v *VCPU) loop() {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	//   vcpu ioctls should be issued from the same thread that was used to create
	//   the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	//   the documentation.  Otherwise, the first ioctl after switching threads
	//   could see a performance impact.
	// The kick below also needs a stable thread id.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.mu.Lock()
	v.tid = unix.Gettid()

	if v.state == VCPUIdle {
		v.state = VCPURunning
	}
	v.mu.Unlock()

	for v.checkpoint() {
		if err := kvm.Run(v.fd); err != nil {
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				metrics.M.VCPU.ExitIntr.Inc()

				continue
			}

			v.fatal(fmt.Errorf("%w: KVM_RUN: %w", ErrVCPUFatal, err))

			return
		}

		if !v.handleExit() {
			return
		}
	}
}

// checkpoint parks the thread while paused. It reports whether the guest
// may be entered again.
func (v *VCPU) checkpoint() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	for v.state == VCPUPaused {
		v.parked = true
		v.cond.Broadcast()
		v.cond.Wait()
	}

	if v.state == VCPUExited {
		v.parked = true
		v.cond.Broadcast()

		return false
	}

	v.parked = false
	v.run.ImmediateExit = 0

	return true
}

// kick forces the thread out of KVM_RUN. Must hold v.mu.
func (v *VCPU) kick() {
	v.run.ImmediateExit = 1

	if v.tid == 0 {
		return
	}

	metrics.M.VCPU.Kicks.Inc()

	if err := unix.Tgkill(unix.Getpid(), v.tid, unix.SIGUSR1); err != nil && !errors.Is(err, unix.ESRCH) {
		log.Warnf("cpu%d: kick: %v", v.Index, err)
	}
}

func (v *VCPU) requestPause() {
	v.mu.Lock()
	defer v.mu.Unlock()

	switch v.state {
	case VCPURunning:
		v.state = VCPUPaused
		v.kick()
	case VCPUIdle:
		v.state = VCPUPaused
		v.parked = true
	case VCPUPaused, VCPUExited:
	}
}

func (v *VCPU) waitParked() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for v.state == VCPUPaused && !v.parked {
		v.cond.Wait()
	}
}

func (v *VCPU) resume() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == VCPUPaused {
		v.state = VCPURunning
		v.cond.Broadcast()
	}
}

func (v *VCPU) exit() {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state == VCPUExited {
		return
	}

	v.state = VCPUExited
	v.kick()
	v.cond.Broadcast()
}

// stop is the vCPU stopping itself and telling the controller.
func (v *VCPU) stop(kind EventKind, err error) {
	v.mu.Lock()
	v.state = VCPUExited
	v.parked = true
	v.cond.Broadcast()
	v.mu.Unlock()

	v.m.post(VCPUEvent{Index: v.Index, Kind: kind, Err: err})
}

func (v *VCPU) fatal(err error) {
	metrics.M.VCPU.Failures.Inc()

	if _, regs, asm, derr := v.m.Inst(v.Index); derr == nil {
		log.Errorf("cpu%d: %v: %s: %s", v.Index, err, show("", regs), asm)
	} else {
		log.Errorf("cpu%d: %v (no disassembly: %v)", v.Index, err, derr)
	}

	v.stop(EventFatal, err)
}

// handleExit serves the exit KVM_RUN returned with. False stops the loop.
func (v *VCPU) handleExit() bool {
	reason := kvm.ExitType(v.run.ExitReason)

	switch reason {
	case kvm.EXITIO:
		direction, size, port, count, _ := v.run.IO()
		data := v.run.IOData()
		write := direction == kvm.EXITIOOUT

		for i := uint64(0); i < count; i++ {
			if write {
				metrics.M.VCPU.ExitIOOut.Inc()
			} else {
				metrics.M.VCPU.ExitIOIn.Inc()
			}

			v.dispatch(v.m.pio, port, data[i*size:(i+1)*size], write)
		}
	case kvm.EXITMMIO:
		addr, data, write := v.run.MMIO()

		if write {
			metrics.M.VCPU.ExitMMIOWrite.Inc()
		} else {
			metrics.M.VCPU.ExitMMIORead.Inc()
		}

		v.dispatch(v.m.mmio, addr, data, write)
	case kvm.EXITHLT:
		metrics.M.VCPU.ExitHLT.Inc()
	case kvm.EXITINTR:
		metrics.M.VCPU.ExitIntr.Inc()
	case kvm.EXITSHUTDOWN:
		log.Infof("cpu%d: guest shutdown", v.Index)
		v.stop(EventExited, nil)

		return false
	case kvm.EXITSYSTEMEVENT:
		switch ev := v.run.SystemEvent(); ev {
		case kvm.SystemEventShutdown:
			log.Infof("cpu%d: shutdown system event", v.Index)
			v.stop(EventExited, nil)
		case kvm.SystemEventReset:
			log.Infof("cpu%d: reset system event", v.Index)
			v.stop(EventReset, nil)
		default:
			v.fatal(fmt.Errorf("%w: system event %d", ErrVCPUFatal, ev))
		}

		return false
	case kvm.EXITFAILENTRY:
		v.fatal(fmt.Errorf("%w: %v, hardware reason %#x", ErrVCPUFatal, reason, v.run.FailEntryReason()))

		return false
	case kvm.EXITINTERNALERROR:
		v.fatal(fmt.Errorf("%w: %v, suberror %d", ErrVCPUFatal, reason, v.run.InternalError()))

		return false
	default:
		v.fatal(fmt.Errorf("%w: %w: %v", ErrVCPUFatal, kvm.ErrUnexpectedExitReason, reason))

		return false
	}

	return true
}

func (v *VCPU) dispatch(bus *device.Bus, addr uint64, data []byte, write bool) {
	var err error
	if write {
		err = bus.Write(addr, data)
	} else {
		err = bus.Read(addr, data)
	}

	switch {
	case err == nil:
	case errors.Is(err, device.ErrNoDevice):
		bus.Unhandled(addr, data, write)
	default:
		metrics.M.VCPU.Failures.Inc()
		log.Warnf("cpu%d: access at %#x (write %v): %v", v.Index, addr, write, err)
	}
}

func (v *VCPU) close() error {
	var errs []error

	if v.runMap != nil {
		errs = append(errs, unix.Munmap(v.runMap))
		v.runMap, v.run = nil, nil
	}

	if v.file != nil {
		errs = append(errs, v.file.Close())
		v.file = nil
	}

	return errors.Join(errs...)
}
